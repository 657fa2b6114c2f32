package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rx3lixir/migration-service/internal/migration"
	"github.com/rx3lixir/migration-service/pkg/logger"
)

const maxBulkBatchSize = 100

// Sink индексирует журнал изменений и трейл конфликтов в OpenSearch,
// чтобы операторы могли искать по аудиту прогона миграции
type Sink struct {
	client *Client
	retry  *migration.RetryLogic
	logger logger.Logger
}

// NewSink создает синк аудита
func NewSink(client *Client, retry *migration.RetryLogic, log logger.Logger) *Sink {
	return &Sink{
		client: client,
		retry:  retry,
		logger: log,
	}
}

// Client возвращает обернутый клиент OpenSearch
func (s *Sink) Client() *Client {
	return s.client
}

// IndexChanges индексирует записи журнала изменений
func (s *Sink) IndexChanges(ctx context.Context, changes []*migration.ChangeRecord) error {
	docs := make([]bulkDoc, 0, len(changes))
	for _, change := range changes {
		docs = append(docs, bulkDoc{id: change.ID, body: change})
	}
	return s.bulkIndex(ctx, s.client.ChangesIndex(), docs)
}

// IndexConflicts индексирует трейл конфликтов
func (s *Sink) IndexConflicts(ctx context.Context, conflicts []*migration.SyncConflict) error {
	docs := make([]bulkDoc, 0, len(conflicts))
	for _, conflict := range conflicts {
		docs = append(docs, bulkDoc{id: conflict.ID, body: conflict})
	}
	return s.bulkIndex(ctx, s.client.ConflictsIndex(), docs)
}

type bulkDoc struct {
	id   string
	body any
}

func (s *Sink) bulkIndex(ctx context.Context, index string, docs []bulkDoc) error {
	if len(docs) == 0 {
		return nil
	}

	// Разбиваем на батчи если необходимо
	for i := 0; i < len(docs); i += maxBulkBatchSize {
		end := i + maxBulkBatchSize
		if end > len(docs) {
			end = len(docs)
		}

		batch := docs[i:end]
		err := s.retry.ExecuteWithRetry(ctx, func(opCtx context.Context) error {
			return s.executeBulkRequest(opCtx, index, batch)
		})
		if err != nil {
			return fmt.Errorf("failed to index audit batch %d-%d into %s: %w", i, end-1, index, err)
		}

		s.logger.Debug("audit batch indexed",
			"index", index,
			"batch_start", i,
			"batch_size", len(batch),
		)
	}

	return nil
}

func (s *Sink) executeBulkRequest(ctx context.Context, index string, docs []bulkDoc) error {
	body, err := buildBulkBody(index, docs)
	if err != nil {
		return fmt.Errorf("failed to build bulk body: %w", err)
	}

	native := s.client.GetNativeClient()
	res, err := native.Bulk(
		strings.NewReader(body),
		native.Bulk.WithContext(ctx),
		native.Bulk.WithRefresh("true"),
	)
	if err != nil {
		return fmt.Errorf("failed to execute bulk request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("bulk request failed with status: %s", res.Status())
	}

	if err := s.checkBulkResponse(res.Body); err != nil {
		return fmt.Errorf("bulk response contains errors: %w", err)
	}
	return nil
}

func buildBulkBody(index string, docs []bulkDoc) (string, error) {
	var buf bytes.Buffer

	for _, doc := range docs {
		actionLine := map[string]any{
			"index": map[string]any{
				"_index": index,
				"_id":    doc.id,
			},
		}

		actionBytes, err := json.Marshal(actionLine)
		if err != nil {
			return "", fmt.Errorf("failed to marshal action line: %w", err)
		}
		buf.Write(actionBytes)
		buf.WriteByte('\n')

		docBytes, err := json.Marshal(doc.body)
		if err != nil {
			return "", fmt.Errorf("failed to marshal document: %w", err)
		}
		buf.Write(docBytes)
		buf.WriteByte('\n')
	}

	return buf.String(), nil
}

func (s *Sink) checkBulkResponse(body io.Reader) error {
	var response struct {
		Errors bool `json:"errors"`
		Items  []struct {
			Index struct {
				Status int `json:"status"`
				Error  *struct {
					Type   string `json:"type"`
					Reason string `json:"reason"`
				} `json:"error,omitempty"`
			} `json:"index"`
		} `json:"items"`
	}

	if err := json.NewDecoder(body).Decode(&response); err != nil {
		return fmt.Errorf("failed to decode bulk response: %w", err)
	}

	if !response.Errors {
		return nil
	}

	var failures []string
	for i, item := range response.Items {
		if item.Index.Error != nil {
			failures = append(failures, fmt.Sprintf("item %d: %s - %s",
				i, item.Index.Error.Type, item.Index.Error.Reason))
		}
	}

	if len(failures) == len(response.Items) {
		return fmt.Errorf("all bulk operations failed: %v", failures)
	}

	// Частичный успех: логируем, но не считаем ошибкой
	if len(failures) > 0 {
		limit := 5
		if len(failures) < limit {
			limit = len(failures)
		}
		s.logger.Warn("some audit bulk operations failed", "errors", failures[:limit])
	}
	return nil
}
