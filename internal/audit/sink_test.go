package audit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rx3lixir/migration-service/internal/migration"
	"github.com/rx3lixir/migration-service/pkg/logger"
)

func TestBuildBulkBody(t *testing.T) {
	docs := []bulkDoc{
		{id: "chg-1", body: &migration.ChangeRecord{
			ID:       "chg-1",
			Kind:     migration.KindTrades,
			Op:       migration.OpCreate,
			EntityID: "t-1",
			Origin:   migration.OriginMemory,
		}},
		{id: "chg-2", body: &migration.ChangeRecord{
			ID:       "chg-2",
			Kind:     migration.KindMarketTicks,
			Op:       migration.OpUpdate,
			EntityID: "tick-1",
			Origin:   migration.OriginMemory,
		}},
	}

	body, err := buildBulkBody("migration-changes", docs)
	require.NoError(t, err)

	// NDJSON: строка действия и строка документа на каждую запись,
	// завершающий перевод строки обязателен для bulk API
	lines := strings.Split(strings.TrimRight(body, "\n"), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasSuffix(body, "\n"))

	assert.Contains(t, lines[0], `"_index":"migration-changes"`)
	assert.Contains(t, lines[0], `"_id":"chg-1"`)
	assert.Contains(t, lines[1], `"entity_id":"t-1"`)
	assert.Contains(t, lines[2], `"_id":"chg-2"`)
	assert.Contains(t, lines[3], `"op":"UPDATE"`)
}

func TestCheckBulkResponse(t *testing.T) {
	sink := &Sink{logger: logger.NewNop()}

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{
			name:    "no errors",
			body:    `{"errors":false,"items":[{"index":{"status":201}}]}`,
			wantErr: false,
		},
		{
			name: "partial failure tolerated",
			body: `{"errors":true,"items":[
				{"index":{"status":201}},
				{"index":{"status":429,"error":{"type":"circuit_breaking_exception","reason":"too many requests"}}}
			]}`,
			wantErr: false,
		},
		{
			name: "total failure rejected",
			body: `{"errors":true,"items":[
				{"index":{"status":500,"error":{"type":"mapper_parsing_exception","reason":"bad field"}}}
			]}`,
			wantErr: true,
		},
		{
			name:    "malformed response",
			body:    `not json`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sink.checkBulkResponse(strings.NewReader(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIndexChanges_EmptyLogIsNoop(t *testing.T) {
	sink := NewSink(nil, migration.NewRetryLogic(logger.NewNop()), logger.NewNop())

	// Пустой журнал не должен трогать клиент вовсе
	err := sink.IndexChanges(context.Background(), nil)
	assert.NoError(t, err)
}

func TestBulkDocPreservesConflictID(t *testing.T) {
	now := time.Now()
	conflict := &migration.SyncConflict{
		ID:         "c-1",
		Timestamp:  now,
		Kind:       migration.KindTrades,
		EntityID:   "t-1",
		Resolution: migration.ResolutionResolved,
	}

	body, err := buildBulkBody("migration-conflicts", []bulkDoc{{id: conflict.ID, body: conflict}})
	require.NoError(t, err)
	assert.Contains(t, body, `"_id":"c-1"`)
	assert.Contains(t, body, `"resolution":"RESOLVED"`)
}
