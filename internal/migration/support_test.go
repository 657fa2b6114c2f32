package migration

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeStore - целевое хранилище в памяти для тестов ядра миграции
type fakeStore struct {
	mu   sync.Mutex
	rows map[EntityKind]map[string]FieldMap
	// migration_id строк, созданных через CreateBatch и ApplyChanges
	rowMigration map[string]string

	updates           []updateCall
	deletedMigrations []string

	pingErr    error
	getErr     error
	updateErr  error
	applyErr   error
	applyDelay time.Duration
}

type updateCall struct {
	kind     EntityKind
	entityID string
	fields   FieldMap
}

func newFakeStore() *fakeStore {
	rows := make(map[EntityKind]map[string]FieldMap)
	for _, kind := range EntityKinds() {
		rows[kind] = make(map[string]FieldMap)
	}
	return &fakeStore{
		rows:         rows,
		rowMigration: make(map[string]string),
	}
}

func (f *fakeStore) Ping(_ context.Context) error { return f.pingErr }

func (f *fakeStore) Count(_ context.Context, kind EntityKind) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.rows[kind])), nil
}

func (f *fakeStore) CreateBatch(_ context.Context, kind EntityKind, migrationID string, records []FieldMap) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range records {
		id, _ := rec["entity_id"].(string)
		if id == "" {
			return 0, fmt.Errorf("record without entity_id")
		}
		f.rows[kind][id] = rec
		f.rowMigration[id] = migrationID
	}
	return len(records), nil
}

func (f *fakeStore) UpdateByEntityID(_ context.Context, kind EntityKind, entityID string, fields FieldMap) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[kind][entityID]
	if !ok {
		return fmt.Errorf("%s %s not found", kind, entityID)
	}
	for k, v := range fields {
		row[k] = v
	}
	f.updates = append(f.updates, updateCall{kind: kind, entityID: entityID, fields: fields})
	return nil
}

func (f *fakeStore) GetByEntityID(_ context.Context, kind EntityKind, entityID string) (FieldMap, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[kind][entityID]
	if !ok {
		return nil, fmt.Errorf("%s %s not found", kind, entityID)
	}
	out := make(FieldMap, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) Sample(_ context.Context, kind EntityKind, limit int) ([]FieldMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []FieldMap
	for _, row := range f.rows[kind] {
		if len(out) >= limit {
			break
		}
		out = append(out, row)
	}
	return out, nil
}

func (f *fakeStore) ApplyChanges(_ context.Context, migrationID string, changes []*ChangeRecord) (int, error) {
	if f.applyErr != nil {
		return 0, f.applyErr
	}
	if f.applyDelay > 0 {
		time.Sleep(f.applyDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, change := range changes {
		switch change.Op {
		case OpDelete:
			delete(f.rows[change.Kind], change.EntityID)
		default:
			row, ok := f.rows[change.Kind][change.EntityID]
			if !ok {
				row = make(FieldMap)
				f.rows[change.Kind][change.EntityID] = row
				f.rowMigration[change.EntityID] = migrationID
			}
			for k, v := range change.Fields {
				row[k] = v
			}
		}
	}
	return len(changes), nil
}

func (f *fakeStore) DeleteByMigrationID(_ context.Context, migrationID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var deleted int64
	for _, kind := range EntityKinds() {
		for id := range f.rows[kind] {
			if f.rowMigration[id] == migrationID {
				delete(f.rows[kind], id)
				delete(f.rowMigration, id)
				deleted++
			}
		}
	}
	f.deletedMigrations = append(f.deletedMigrations, migrationID)
	return deleted, nil
}

func (f *fakeStore) Stats() PoolStats {
	return PoolStats{TotalConns: 1, IdleConns: 1}
}

func (f *fakeStore) updateCalls() []updateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]updateCall, len(f.updates))
	copy(out, f.updates)
	return out
}

func (f *fakeStore) rolledBack() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deletedMigrations))
	copy(out, f.deletedMigrations)
	return out
}

// fakeExtractor отдает заранее подготовленный результат извлечения
type fakeExtractor struct {
	result *ExtractResult
	err    error
}

func (f *fakeExtractor) ExtractAllData(_ context.Context, _ ExtractOptions) (*ExtractResult, error) {
	return f.result, f.err
}

func (f *fakeExtractor) CacheHitRate() float64 { return 0.9 }

// fakeSource - источник инкрементальных изменений для тестов
type fakeSource struct {
	mu      sync.Mutex
	changes []*ChangeRecord
	applied []string
	err     error
	markErr error
}

func (f *fakeSource) ChangesSince(_ context.Context, since time.Time, limit int) (*ChangeSet, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	set := &ChangeSet{}
	for _, change := range f.changes {
		if change.Synced || !change.Timestamp.After(since) {
			continue
		}
		set.TotalItems++
		if limit <= 0 || len(set.Records) < limit {
			set.Records = append(set.Records, change)
		}
	}
	return set, nil
}

func (f *fakeSource) MarkApplied(_ context.Context, ids []string) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		for _, change := range f.changes {
			if change.ID == id {
				change.Synced = true
			}
		}
	}
	f.applied = append(f.applied, ids...)
	return nil
}

func (f *fakeSource) appliedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.applied))
	copy(out, f.applied)
	return out
}

// tradeSnapshot собирает снапшот из n сделок
func tradeSnapshot(n int) *Snapshot {
	items := make([]FieldMap, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, FieldMap{
			"entity_id": fmt.Sprintf("trade-%04d", i),
			"symbol":    "BTCUSDT",
			"side":      "BUY",
			"quantity":  1.5,
			"price":     42000.0 + float64(i),
		})
	}
	return &Snapshot{
		TakenAt: time.Now(),
		Items:   map[EntityKind][]FieldMap{KindTrades: items},
	}
}

func extractResultFor(snapshot *Snapshot) *ExtractResult {
	return &ExtractResult{
		Success:  true,
		Snapshot: snapshot,
		Stats: SnapshotStats{
			TotalItems: snapshot.TotalItems(),
		},
	}
}

func changeRecord(kind EntityKind, op ChangeOp, entityID string, fields FieldMap) *ChangeRecord {
	return &ChangeRecord{
		ID:        fmt.Sprintf("chg-%s-%s", entityID, op),
		Timestamp: time.Now(),
		Kind:      kind,
		Op:        op,
		EntityID:  entityID,
		Fields:    fields,
		Origin:    OriginMemory,
	}
}
