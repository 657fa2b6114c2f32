package migration

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rx3lixir/migration-service/pkg/logger"
	"github.com/rx3lixir/migration-service/pkg/metrics"
)

// DefaultChangeLogRetention - сколько хранится журнал изменений
const DefaultChangeLogRetention = 7 * 24 * time.Hour

// SyncEngine гоняет повторяющуюся итерацию синхронизации между живыми
// данными и целевым хранилищем. Таймером владеет оркестратор: движок
// не планирует себя сам.
type SyncEngine struct {
	source      DeltaSource
	store       TargetStore
	resolver    *ConflictResolver
	state       *SyncState
	log         logger.Logger
	migrationID string

	maxBatchSize int
	retention    time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	// generation растет на каждом Start/Stop и отсекает итерации,
	// запущенные до отмены
	generation atomic.Int64

	appliedTotal atomic.Int64

	auditMu  sync.Mutex
	auditLog []*ChangeRecord
}

// NewSyncEngine создает движок синхронизации
func NewSyncEngine(migrationID string, source DeltaSource, store TargetStore, resolver *ConflictResolver, state *SyncState, log logger.Logger) *SyncEngine {
	return &SyncEngine{
		source:       source,
		store:        store,
		resolver:     resolver,
		state:        state,
		log:          log,
		migrationID:  migrationID,
		maxBatchSize: 500,
		retention:    DefaultChangeLogRetention,
	}
}

// WithMaxBatchSize ограничивает размер порции изменений за итерацию
func (e *SyncEngine) WithMaxBatchSize(n int) *SyncEngine {
	if n > 0 {
		e.maxBatchSize = n
	}
	return e
}

// WithRetention задает срок хранения журнала изменений
func (e *SyncEngine) WithRetention(d time.Duration) *SyncEngine {
	if d > 0 {
		e.retention = d
	}
	return e
}

// Start запускает повторяющуюся итерацию с заданным интервалом.
// Повторный Start без Stop - no-op.
func (e *SyncEngine) Start(interval time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return
	}

	gen := e.generation.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.running = true
	e.state.SetActive(true)

	e.log.Info("sync engine started",
		"interval", interval,
		"max_batch_size", e.maxBatchSize,
	)

	go e.loop(ctx, gen, interval)
}

// Stop идемпотентно останавливает таймер. Вызов без запущенного
// движка - no-op, никогда не ошибка.
func (e *SyncEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}

	// Рост generation отсекает итерацию, которая уже успела стартовать
	e.generation.Add(1)
	e.cancel()
	e.cancel = nil
	e.running = false
	e.state.SetActive(false)

	e.log.Info("sync engine stopped")
}

// IsRunning сообщает, запущен ли таймер
func (e *SyncEngine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// AppliedTotal - сколько изменений применено за все время работы движка
func (e *SyncEngine) AppliedTotal() int64 {
	return e.appliedTotal.Load()
}

// ChangeLog возвращает копию журнала примененных изменений
func (e *SyncEngine) ChangeLog() []*ChangeRecord {
	e.auditMu.Lock()
	defer e.auditMu.Unlock()
	out := make([]*ChangeRecord, len(e.auditLog))
	copy(out, e.auditLog)
	return out
}

// PerformFinalSync - однократный вызов итерационной логики во время cutover.
// Ограничен maxBatchSize, чтобы длительность финальной синхронизации
// не раздувала измеряемый простой.
func (e *SyncEngine) PerformFinalSync(ctx context.Context) (int, error) {
	applied, err := e.syncOnce(ctx)
	if err != nil {
		return 0, fmt.Errorf("final sync failed: %w", err)
	}
	return applied, nil
}

// loop - тело фонового таймера
func (e *SyncEngine) loop(ctx context.Context, gen int64, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Проверка поколения: итерация, пережившая Stop,
			// не должна мутировать состояние
			if e.generation.Load() != gen {
				return
			}
			if _, err := e.syncOnce(ctx); err != nil {
				// Одна неудачная итерация никогда не останавливает таймер:
				// считаем ошибку и ждем следующего тика
				e.state.IncSyncErrors()
				metrics.SyncIterationsTotal.WithLabelValues("error").Inc()
				e.log.Warn("sync iteration failed",
					"error", err,
					"sync_errors", e.state.SyncErrors(),
				)
			}
		}
	}
}

// syncOnce выполняет одну итерацию: извлечь дельту, применить, обновить состояние
func (e *SyncEngine) syncOnce(ctx context.Context) (int, error) {
	e.pruneChangeLog()

	changeSet, err := e.source.ChangesSince(ctx, e.state.LastSyncTime(), e.maxBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to extract incremental changes: %w", err)
	}

	if changeSet.TotalItems == 0 {
		metrics.SyncIterationsTotal.WithLabelValues("empty").Inc()
		return 0, nil
	}

	e.state.SetPendingUpdates(int64(changeSet.TotalItems))
	metrics.SyncPendingUpdates.Set(float64(changeSet.TotalItems))

	e.detectConflicts(ctx, changeSet.Records)

	applied, err := e.store.ApplyChanges(ctx, e.migrationID, changeSet.Records)
	if err != nil {
		return 0, fmt.Errorf("failed to apply %d changes: %w", len(changeSet.Records), err)
	}

	now := time.Now()
	e.state.SetLastSyncTime(now)
	e.state.AddPendingUpdates(-int64(applied))
	e.appliedTotal.Add(int64(applied))

	appliedIDs := make([]string, 0, len(changeSet.Records))
	for _, rec := range changeSet.Records {
		appliedIDs = append(appliedIDs, rec.ID)
	}
	// Флаг Synced выставляет только источник под своим замком
	if err := e.source.MarkApplied(ctx, appliedIDs); err != nil {
		e.log.Warn("failed to mark changes as applied", "error", err)
	}

	e.appendChangeLog(changeSet.Records)

	metrics.SyncIterationsTotal.WithLabelValues("applied").Inc()
	metrics.SyncChangesAppliedTotal.Add(float64(applied))
	metrics.SyncPendingUpdates.Set(float64(e.state.PendingUpdates()))

	e.log.Debug("sync iteration completed",
		"total_items", changeSet.TotalItems,
		"applied", applied,
		"pending", e.state.PendingUpdates(),
	)

	return applied, nil
}

// detectConflicts проверяет UPDATE-изменения против текущего содержимого
// целевого хранилища и передает расхождения резолверу
func (e *SyncEngine) detectConflicts(ctx context.Context, records []*ChangeRecord) {
	if e.resolver == nil {
		return
	}

	for _, rec := range records {
		if rec.Op != OpUpdate {
			continue
		}

		current, err := e.store.GetByEntityID(ctx, rec.Kind, rec.EntityID)
		if err != nil {
			// Записи еще нет в целевом хранилище: это конфликт вида MISSING_RECORD
			memVersion := &RecordVersion{
				Origin:    OriginMemory,
				Timestamp: rec.Timestamp,
				Fields:    rec.Fields,
			}
			if _, derr := e.resolver.Detect(ctx, rec.Kind, rec.EntityID, memVersion, nil); derr == nil {
				e.state.IncSyncConflicts()
				metrics.SyncConflictsTotal.WithLabelValues(string(ConflictMissingRecord)).Inc()
			}
			continue
		}

		if !e.diverged(rec, current) {
			continue
		}

		memVersion := &RecordVersion{
			Origin:    OriginMemory,
			Timestamp: rec.Timestamp,
			Fields:    rec.Fields,
		}
		dbVersion := &RecordVersion{
			Origin:    OriginDatabase,
			Timestamp: extractTimestamp(current),
			Fields:    current,
		}

		conflict, derr := e.resolver.Detect(ctx, rec.Kind, rec.EntityID, memVersion, dbVersion)
		if derr != nil {
			e.log.Warn("conflict detection failed", "entity_id", rec.EntityID, "error", derr)
			continue
		}
		e.state.IncSyncConflicts()
		metrics.SyncConflictsTotal.WithLabelValues(string(conflict.Type)).Inc()
	}
}

// diverged сравнивает старые значения диффа с текущим содержимым хранилища.
// Если хранилище уже ушло от значения, которое помнит память,
// обе копии менялись независимо.
func (e *SyncEngine) diverged(rec *ChangeRecord, current FieldMap) bool {
	for field, delta := range rec.Diff {
		cur, ok := current[field]
		if !ok {
			continue
		}
		if fmt.Sprintf("%v", cur) != fmt.Sprintf("%v", delta.Old) {
			return true
		}
	}
	return false
}

// appendChangeLog добавляет примененные изменения в журнал аудита
func (e *SyncEngine) appendChangeLog(records []*ChangeRecord) {
	e.auditMu.Lock()
	defer e.auditMu.Unlock()
	e.auditLog = append(e.auditLog, records...)
}

// pruneChangeLog вытесняет из журнала записи старше retention.
// Вызывается на каждой итерации.
func (e *SyncEngine) pruneChangeLog() {
	cutoff := time.Now().Add(-e.retention)

	e.auditMu.Lock()
	defer e.auditMu.Unlock()

	kept := e.auditLog[:0]
	for _, rec := range e.auditLog {
		if rec.Timestamp.After(cutoff) {
			kept = append(kept, rec)
		}
	}
	e.auditLog = kept
}

// extractTimestamp достает таймстемп версии из полей записи.
// Порядок предпочтения отражает то, какие колонки ведут историю изменений.
func extractTimestamp(fields FieldMap) time.Time {
	for _, key := range []string{"updated_at", "executed_at", "tick_time", "taken_at", "created_at"} {
		if v, ok := fields[key]; ok {
			switch t := v.(type) {
			case time.Time:
				return t
			case *time.Time:
				if t != nil {
					return *t
				}
			}
		}
	}
	return time.Time{}
}
