package migration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rx3lixir/migration-service/pkg/logger"
)

func newTestEngine(source *fakeSource, store *fakeStore, resolver *ConflictResolver) (*SyncEngine, *SyncState) {
	state := NewSyncState()
	engine := NewSyncEngine("test-migration", source, store, resolver, state, logger.NewNop())
	return engine, state
}

func TestSyncState_PendingNeverNegative(t *testing.T) {
	state := NewSyncState()

	state.SetPendingUpdates(-5)
	assert.Equal(t, int64(0), state.PendingUpdates())

	state.SetPendingUpdates(5)
	state.AddPendingUpdates(-10)
	assert.Equal(t, int64(0), state.PendingUpdates())

	state.AddPendingUpdates(3)
	assert.Equal(t, int64(3), state.PendingUpdates())
}

func TestSyncEngine_StopIsIdempotent(t *testing.T) {
	engine, state := newTestEngine(&fakeSource{}, newFakeStore(), nil)

	// Stop до Start - no-op, не паника и не ошибка
	engine.Stop()
	assert.False(t, engine.IsRunning())

	engine.Start(time.Hour)
	assert.True(t, engine.IsRunning())
	assert.True(t, state.IsActive())

	// Повторный Start без Stop не порождает второй цикл
	engine.Start(time.Hour)
	assert.True(t, engine.IsRunning())

	engine.Stop()
	assert.False(t, engine.IsRunning())
	assert.False(t, state.IsActive())

	engine.Stop()
	assert.False(t, engine.IsRunning())
}

func TestSyncEngine_FinalSyncAppliesChanges(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{changes: []*ChangeRecord{
		changeRecord(KindTrades, OpCreate, "t-1", FieldMap{"entity_id": "t-1", "symbol": "BTCUSDT"}),
		changeRecord(KindTrades, OpCreate, "t-2", FieldMap{"entity_id": "t-2", "symbol": "BTCUSDT"}),
		changeRecord(KindMarketTicks, OpCreate, "tick-1", FieldMap{"entity_id": "tick-1", "bid": 42000.5}),
	}}

	engine, state := newTestEngine(source, store, nil)

	applied, err := engine.PerformFinalSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, applied)

	assert.Equal(t, int64(3), engine.AppliedTotal())
	assert.Equal(t, int64(0), state.PendingUpdates())
	assert.False(t, state.LastSyncTime().IsZero())

	// Источник уведомлен, журнал аудита пополнен
	assert.Len(t, source.appliedIDs(), 3)
	assert.Len(t, engine.ChangeLog(), 3)

	// Повторная итерация не находит уже примененных изменений
	applied, err = engine.PerformFinalSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
}

func TestSyncEngine_SyncedFlagOwnedBySource(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{
		changes: []*ChangeRecord{
			changeRecord(KindTrades, OpCreate, "t-1", FieldMap{"entity_id": "t-1", "symbol": "BTCUSDT"}),
		},
		markErr: errors.New("journal unavailable"),
	}

	engine, _ := newTestEngine(source, store, nil)

	applied, err := engine.PerformFinalSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, int64(1), engine.AppliedTotal())

	// Подтверждение не дошло до источника - движок не выставляет
	// флаг сам, запись источника остается нетронутой
	assert.False(t, source.changes[0].Synced)
	assert.Empty(t, source.appliedIDs())
}

func TestSyncEngine_BatchSizeCapsIteration(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{}
	for i := 0; i < 7; i++ {
		rec := changeRecord(KindTrades, OpCreate, string(rune('a'+i)), FieldMap{"entity_id": string(rune('a' + i))})
		source.changes = append(source.changes, rec)
	}

	engine, state := newTestEngine(source, store, nil)
	engine.WithMaxBatchSize(5)

	applied, err := engine.PerformFinalSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, applied)

	// Непомещающиеся в порцию изменения остаются ждать следующей итерации
	assert.Equal(t, int64(2), state.PendingUpdates())
}

func TestSyncEngine_IterationErrorsNeverStopTicker(t *testing.T) {
	source := &fakeSource{err: errors.New("live store unreachable")}
	engine, state := newTestEngine(source, newFakeStore(), nil)

	engine.Start(10 * time.Millisecond)
	time.Sleep(80 * time.Millisecond)

	assert.True(t, engine.IsRunning())
	assert.GreaterOrEqual(t, state.SyncErrors(), int64(1))

	engine.Stop()
	assert.False(t, engine.IsRunning())
}

func TestSyncEngine_MissingRecordConflict(t *testing.T) {
	store := newFakeStore()
	emitter := NewEmitter(logger.NewNop())
	resolver := NewConflictResolver(PolicyMemoryPriority, "test-migration", store, emitter, logger.NewNop())

	// UPDATE для записи, которой в целевом хранилище еще нет
	source := &fakeSource{changes: []*ChangeRecord{
		changeRecord(KindTrades, OpUpdate, "ghost", FieldMap{"entity_id": "ghost", "symbol": "SOLUSDT"}),
	}}

	engine, state := newTestEngine(source, store, resolver)

	_, err := engine.PerformFinalSync(context.Background())
	require.NoError(t, err)

	detected, resolved := resolver.Stats()
	assert.Equal(t, int64(1), detected)
	assert.Equal(t, int64(1), resolved)
	assert.Equal(t, int64(1), state.SyncConflicts())

	conflicts := resolver.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictMissingRecord, conflicts[0].Type)
	assert.Equal(t, ResolutionResolved, conflicts[0].Resolution)

	// Авторазрешение memory_priority дописало запись в хранилище
	row, err := store.GetByEntityID(context.Background(), KindTrades, "ghost")
	require.NoError(t, err)
	assert.Equal(t, "SOLUSDT", row["symbol"])
}

func TestSyncEngine_DivergedUpdateDetected(t *testing.T) {
	store := newFakeStore()
	_, err := store.CreateBatch(context.Background(), KindTrades, "seed", []FieldMap{
		{"entity_id": "t-1", "symbol": "BTCUSDT", "price": 99.0},
	})
	require.NoError(t, err)

	emitter := NewEmitter(logger.NewNop())
	resolver := NewConflictResolver(PolicyMemoryPriority, "test-migration", store, emitter, logger.NewNop())

	// Память помнит старую цену 100, хранилище уже держит 99:
	// копии менялись независимо
	rec := changeRecord(KindTrades, OpUpdate, "t-1", FieldMap{"entity_id": "t-1", "symbol": "BTCUSDT", "price": 101.0})
	rec.Diff = map[string]FieldDelta{
		"price": {Old: 100.0, New: 101.0},
	}
	source := &fakeSource{changes: []*ChangeRecord{rec}}

	engine, state := newTestEngine(source, store, resolver)

	_, err = engine.PerformFinalSync(context.Background())
	require.NoError(t, err)

	detected, _ := resolver.Stats()
	assert.Equal(t, int64(1), detected)
	assert.Equal(t, int64(1), state.SyncConflicts())
}

func TestSyncEngine_ChangeLogRetention(t *testing.T) {
	engine, _ := newTestEngine(&fakeSource{}, newFakeStore(), nil)
	engine.WithRetention(time.Minute)

	stale := changeRecord(KindTrades, OpCreate, "old", FieldMap{"entity_id": "old"})
	stale.Timestamp = time.Now().Add(-time.Hour)
	fresh := changeRecord(KindTrades, OpCreate, "new", FieldMap{"entity_id": "new"})

	engine.appendChangeLog([]*ChangeRecord{stale, fresh})
	engine.pruneChangeLog()

	log := engine.ChangeLog()
	require.Len(t, log, 1)
	assert.Equal(t, "new", log[0].EntityID)
}
