package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rx3lixir/migration-service/internal/migration"
	"github.com/rx3lixir/migration-service/pkg/logger"
)

// Store - живое in-memory хранилище торговых данных. Продолжает принимать
// мутации во время миграции; каждая мутация попадает в журнал изменений,
// откуда ее забирает SyncEngine.
type Store struct {
	log logger.Logger

	mu      sync.RWMutex
	data    map[migration.EntityKind]map[string]migration.FieldMap
	journal []*migration.ChangeRecord
	byID    map[string]*migration.ChangeRecord

	lastExtract time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

var (
	_ migration.SourceExtractor = (*Store)(nil)
	_ migration.DeltaSource     = (*Store)(nil)
)

// New создает пустое живое хранилище
func New(log logger.Logger) *Store {
	data := make(map[migration.EntityKind]map[string]migration.FieldMap)
	for _, kind := range migration.EntityKinds() {
		data[kind] = make(map[string]migration.FieldMap)
	}
	return &Store{
		log:  log,
		data: data,
		byID: make(map[string]*migration.ChangeRecord),
	}
}

// Put создает или обновляет запись, фиксируя мутацию в журнале
func (s *Store) Put(kind migration.EntityKind, entityID string, fields migration.FieldMap) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.data[kind]
	if !ok {
		return
	}

	now := time.Now()
	clone := cloneFields(fields)
	clone["entity_id"] = entityID

	prev, exists := bucket[entityID]
	bucket[entityID] = clone

	change := &migration.ChangeRecord{
		ID:        uuid.NewString(),
		Timestamp: now,
		Kind:      kind,
		EntityID:  entityID,
		Fields:    cloneFields(clone),
		Origin:    migration.OriginMemory,
	}

	if exists {
		change.Op = migration.OpUpdate
		change.Diff = diffFields(prev, clone)
		if len(change.Diff) == 0 {
			// Идентичная запись - мутации не было
			return
		}
	} else {
		change.Op = migration.OpCreate
	}

	s.journal = append(s.journal, change)
	s.byID[change.ID] = change
}

// Delete удаляет запись, фиксируя мутацию в журнале
func (s *Store) Delete(kind migration.EntityKind, entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.data[kind]
	if !ok {
		return
	}
	prev, exists := bucket[entityID]
	if !exists {
		return
	}
	delete(bucket, entityID)

	change := &migration.ChangeRecord{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Kind:      kind,
		Op:        migration.OpDelete,
		EntityID:  entityID,
		Fields:    cloneFields(prev),
		Origin:    migration.OriginMemory,
	}
	s.journal = append(s.journal, change)
	s.byID[change.ID] = change
}

// Get возвращает текущую версию записи
func (s *Store) Get(kind migration.EntityKind, entityID string) (migration.FieldMap, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fields, ok := s.data[kind][entityID]
	if !ok {
		s.misses.Add(1)
		return nil, false
	}
	s.hits.Add(1)
	return cloneFields(fields), true
}

// Len возвращает число живых записей категории
func (s *Store) Len(kind migration.EntityKind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data[kind])
}

// EntityIDs возвращает идентификаторы записей категории в стабильном порядке
func (s *Store) EntityIDs(kind migration.EntityKind) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.data[kind]))
	for id := range s.data[kind] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CacheHitRate - доля попаданий при чтении живых данных
func (s *Store) CacheHitRate() float64 {
	hits := s.hits.Load()
	total := hits + s.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// ExtractAllData снимает полную копию живых данных на момент вызова.
// dryRun подавляет побочные эффекты: метка последнего извлечения не двигается.
func (s *Store) ExtractAllData(ctx context.Context, opts migration.ExtractOptions) (*migration.ExtractResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()

	included := map[migration.EntityKind]bool{
		migration.KindTrades:             opts.IncludeTradeHistory,
		migration.KindMarketTicks:        opts.IncludeMarketData,
		migration.KindStrategyStates:     opts.IncludeStrategyData,
		migration.KindPortfolioSnapshots: opts.IncludePortfolioSnapshots,
	}

	result := &migration.ExtractResult{Success: true}
	snapshot := &migration.Snapshot{
		TakenAt: start,
		Items:   make(map[migration.EntityKind][]migration.FieldMap),
	}
	perKind := make(map[migration.EntityKind]int)

	s.mu.RLock()
	for _, kind := range migration.EntityKinds() {
		if !included[kind] {
			continue
		}

		ids := make([]string, 0, len(s.data[kind]))
		for id := range s.data[kind] {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		if opts.MaxItemsPerCategory > 0 && len(ids) > opts.MaxItemsPerCategory {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("category %s truncated to %d of %d items", kind, opts.MaxItemsPerCategory, len(ids)))
			ids = ids[:opts.MaxItemsPerCategory]
		}

		items := make([]migration.FieldMap, 0, len(ids))
		for _, id := range ids {
			items = append(items, cloneFields(s.data[kind][id]))
		}
		snapshot.Items[kind] = items
		perKind[kind] = len(items)
	}
	s.mu.RUnlock()

	if opts.ValidateData {
		for kind, items := range snapshot.Items {
			for _, item := range items {
				if id, _ := item["entity_id"].(string); id == "" {
					result.Success = false
					result.Errors = append(result.Errors,
						fmt.Sprintf("record of kind %s has empty entity id", kind))
				}
			}
		}
	}

	snapshot.Stats = migration.SnapshotStats{
		ItemsPerKind: perKind,
		TotalItems:   snapshot.TotalItems(),
		Duration:     time.Since(start),
	}
	result.Stats = snapshot.Stats

	if !result.Success {
		return result, nil
	}

	result.Snapshot = snapshot

	if !opts.DryRun {
		s.mu.Lock()
		s.lastExtract = start
		s.mu.Unlock()
	}

	s.log.Info("extracted in-memory snapshot",
		"total_items", snapshot.Stats.TotalItems,
		"duration", snapshot.Stats.Duration,
		"dry_run", opts.DryRun,
	)
	return result, nil
}

// ChangesSince возвращает несинхронизированные изменения, обнаруженные
// после since. TotalItems - общее число таких изменений, записей
// возвращается не больше limit. Мутации, вошедшие в последний снимок,
// отсекаются по метке извлечения: их уже перенесла начальная миграция.
func (s *Store) ChangesSince(ctx context.Context, since time.Time, limit int) (*migration.ChangeSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	fence := since
	if s.lastExtract.After(fence) {
		fence = s.lastExtract
	}

	set := &migration.ChangeSet{}
	for _, change := range s.journal {
		if change.Synced || !change.Timestamp.After(fence) {
			continue
		}
		set.TotalItems++
		if limit <= 0 || len(set.Records) < limit {
			set.Records = append(set.Records, change)
		}
	}
	return set, nil
}

// MarkApplied помечает изменения как синхронизированные
func (s *Store) MarkApplied(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if change, ok := s.byID[id]; ok {
			change.Synced = true
		}
	}
	return nil
}

// PendingChanges - число изменений, еще не примененных к целевому хранилищу.
// Считает по той же метке извлечения, что и ChangesSince.
func (s *Store) PendingChanges() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := 0
	for _, change := range s.journal {
		if change.Synced || !change.Timestamp.After(s.lastExtract) {
			continue
		}
		pending++
	}
	return pending
}

func cloneFields(fields migration.FieldMap) migration.FieldMap {
	clone := make(migration.FieldMap, len(fields))
	for k, v := range fields {
		clone[k] = v
	}
	return clone
}

// diffFields строит пополевый дифф между старой и новой версией записи
func diffFields(old, updated migration.FieldMap) map[string]migration.FieldDelta {
	diff := make(map[string]migration.FieldDelta)
	for k, newVal := range updated {
		oldVal, existed := old[k]
		if !existed || fmt.Sprintf("%v", oldVal) != fmt.Sprintf("%v", newVal) {
			diff[k] = migration.FieldDelta{Old: oldVal, New: newVal}
		}
	}
	for k, oldVal := range old {
		if _, still := updated[k]; !still {
			diff[k] = migration.FieldDelta{Old: oldVal, New: nil}
		}
	}
	return diff
}
