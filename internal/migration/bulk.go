package migration

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rx3lixir/migration-service/pkg/logger"
	"github.com/rx3lixir/migration-service/pkg/metrics"
)

// BulkMigrator переносит снапшот в целевое хранилище.
// Политика повторов - ответственность этого компонента,
// оркестратор за нее не отвечает.
type BulkMigrator interface {
	MigrateSnapshot(ctx context.Context, snapshot *Snapshot, migrationID string) (int, error)

	// Counters возвращает число успешно и неуспешно перенесенных записей
	Counters() (succeeded, failed int64)
}

// RetryLogic - повторы с экспоненциальной задержкой и джиттером
type RetryLogic struct {
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	backoffFactor float64
	opTimeout     time.Duration
	logger        logger.Logger
}

// NewRetryLogic создает политику повторов с дефолтными параметрами
func NewRetryLogic(log logger.Logger) *RetryLogic {
	return &RetryLogic{
		maxRetries:    3,
		baseDelay:     time.Second,
		maxDelay:      time.Minute,
		backoffFactor: 2.0,
		opTimeout:     30 * time.Second,
		logger:        log,
	}
}

// WithMaxRetries позволяет настроить количество повторов
func (r *RetryLogic) WithMaxRetries(maxRetries int) *RetryLogic {
	if maxRetries > 0 {
		r.maxRetries = maxRetries
	}
	return r
}

// WithBackoffFactor позволяет настроить множитель задержки
func (r *RetryLogic) WithBackoffFactor(factor float64) *RetryLogic {
	if factor >= 1 {
		r.backoffFactor = factor
	}
	return r
}

// WithOpTimeout позволяет настроить таймаут одной попытки
func (r *RetryLogic) WithOpTimeout(timeout time.Duration) *RetryLogic {
	if timeout > 0 {
		r.opTimeout = timeout
	}
	return r
}

// ExecuteWithRetry выполняет операцию с повторами до maxRetries попыток
func (r *RetryLogic) ExecuteWithRetry(ctx context.Context, operation func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
		err := operation(opCtx)
		cancel()

		if err == nil {
			if attempt > 1 {
				r.logger.Info("operation succeeded after retry",
					"attempt", attempt,
					"total_attempts", r.maxRetries,
				)
			}
			return nil
		}

		lastErr = err

		r.logger.Warn("operation failed",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"error", err,
		)

		// Не делаем задержку после последней попытки
		if attempt < r.maxRetries {
			delay := r.calculateBackoffDelay(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("operation failed after %d attempts, last error: %w", r.maxRetries, lastErr)
}

func (r *RetryLogic) calculateBackoffDelay(attempt int) time.Duration {
	// Экспоненциальная задержка с джиттером ±25%
	delay := float64(r.baseDelay) * math.Pow(r.backoffFactor, float64(attempt-1))

	jitter := 0.25
	jitterRange := delay * jitter
	jitteredDelay := delay + (2*jitterRange*math.Mod(float64(time.Now().UnixNano()), 1.0) - jitterRange)

	finalDelay := time.Duration(jitteredDelay)
	if finalDelay > r.maxDelay {
		finalDelay = r.maxDelay
	}
	return finalDelay
}

// batchBulkMigrator режет снапшот на батчи и вставляет их с ограниченным
// параллелизмом внутри каждой категории
type batchBulkMigrator struct {
	store       TargetStore
	retry       *RetryLogic
	log         logger.Logger
	batchSize   int
	concurrency int

	succeeded atomic.Int64
	failed    atomic.Int64
}

// NewBulkMigrator создает мигратор снапшотов
func NewBulkMigrator(store TargetStore, retry *RetryLogic, log logger.Logger, batchSize, concurrency int) BulkMigrator {
	if batchSize <= 0 {
		batchSize = 100
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &batchBulkMigrator{
		store:       store,
		retry:       retry,
		log:         log,
		batchSize:   batchSize,
		concurrency: concurrency,
	}
}

// MigrateSnapshot применяет снапшот к целевому хранилищу батчами.
// Категории обрабатываются последовательно в детерминированном порядке,
// батчи внутри категории - параллельно.
func (m *batchBulkMigrator) MigrateSnapshot(ctx context.Context, snapshot *Snapshot, migrationID string) (int, error) {
	if snapshot == nil {
		return 0, fmt.Errorf("snapshot is nil")
	}

	total := 0
	for _, kind := range EntityKinds() {
		items := snapshot.Items[kind]
		if len(items) == 0 {
			continue
		}

		applied, err := m.migrateKind(ctx, kind, migrationID, items)
		total += applied
		if err != nil {
			return total, fmt.Errorf("bulk migration of %s failed: %w", kind, err)
		}

		metrics.ItemsMigratedTotal.WithLabelValues(string(kind)).Add(float64(applied))
		m.log.Info("bulk migrated category",
			"kind", string(kind),
			"items", applied,
		)
	}

	return total, nil
}

func (m *batchBulkMigrator) migrateKind(ctx context.Context, kind EntityKind, migrationID string, items []FieldMap) (int, error) {
	var applied atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)

	for start := 0; start < len(items); start += m.batchSize {
		end := start + m.batchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]

		g.Go(func() error {
			err := m.retry.ExecuteWithRetry(gctx, func(opCtx context.Context) error {
				n, cerr := m.store.CreateBatch(opCtx, kind, migrationID, batch)
				if cerr != nil {
					return cerr
				}
				applied.Add(int64(n))
				return nil
			})
			if err != nil {
				m.failed.Add(int64(len(batch)))
				return err
			}
			m.succeeded.Add(int64(len(batch)))
			return nil
		})
	}

	err := g.Wait()
	return int(applied.Load()), err
}

// Counters возвращает итоги по записям
func (m *batchBulkMigrator) Counters() (succeeded, failed int64) {
	return m.succeeded.Load(), m.failed.Load()
}
