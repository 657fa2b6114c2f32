package validation

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rx3lixir/migration-service/internal/migration"
	"github.com/rx3lixir/migration-service/pkg/logger"
)

// stubStore - минимальное целевое хранилище для проверки валидатора
type stubStore struct {
	rows map[migration.EntityKind]map[string]migration.FieldMap
}

func newStubStore() *stubStore {
	rows := make(map[migration.EntityKind]map[string]migration.FieldMap)
	for _, kind := range migration.EntityKinds() {
		rows[kind] = make(map[string]migration.FieldMap)
	}
	return &stubStore{rows: rows}
}

func (s *stubStore) put(kind migration.EntityKind, entityID string, fields migration.FieldMap) {
	s.rows[kind][entityID] = fields
}

func (s *stubStore) Ping(context.Context) error { return nil }

func (s *stubStore) Count(_ context.Context, kind migration.EntityKind) (int64, error) {
	return int64(len(s.rows[kind])), nil
}

func (s *stubStore) CreateBatch(_ context.Context, kind migration.EntityKind, _ string, records []migration.FieldMap) (int, error) {
	return len(records), nil
}

func (s *stubStore) UpdateByEntityID(context.Context, migration.EntityKind, string, migration.FieldMap) error {
	return nil
}

func (s *stubStore) GetByEntityID(_ context.Context, kind migration.EntityKind, entityID string) (migration.FieldMap, error) {
	row, ok := s.rows[kind][entityID]
	if !ok {
		return nil, fmt.Errorf("%s %s not found", kind, entityID)
	}
	return row, nil
}

func (s *stubStore) Sample(context.Context, migration.EntityKind, int) ([]migration.FieldMap, error) {
	return nil, nil
}

func (s *stubStore) ApplyChanges(_ context.Context, _ string, changes []*migration.ChangeRecord) (int, error) {
	return len(changes), nil
}

func (s *stubStore) DeleteByMigrationID(context.Context, string) (int64, error) { return 0, nil }

func (s *stubStore) Stats() migration.PoolStats { return migration.PoolStats{} }

// stubSource - живое хранилище из фиксированной карты записей
type stubSource struct {
	records map[migration.EntityKind]map[string]migration.FieldMap
}

func newStubSource() *stubSource {
	records := make(map[migration.EntityKind]map[string]migration.FieldMap)
	for _, kind := range migration.EntityKinds() {
		records[kind] = make(map[string]migration.FieldMap)
	}
	return &stubSource{records: records}
}

func (s *stubSource) put(kind migration.EntityKind, entityID string, fields migration.FieldMap) {
	s.records[kind][entityID] = fields
}

func (s *stubSource) Get(kind migration.EntityKind, entityID string) (migration.FieldMap, bool) {
	rec, ok := s.records[kind][entityID]
	return rec, ok
}

func (s *stubSource) EntityIDs(kind migration.EntityKind) []string {
	ids := make([]string, 0, len(s.records[kind]))
	for id := range s.records[kind] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func fullSampleConfig() Config {
	return Config{SampleRate: 1.0, MinScore: 0.95}
}

func TestValidator_AllRecordsMatch(t *testing.T) {
	source := newStubSource()
	store := newStubStore()

	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("t-%d", i)
		fields := migration.FieldMap{"symbol": "BTCUSDT", "price": 100.0 + float64(i), "side": "BUY"}
		source.put(migration.KindTrades, id, fields)
		store.put(migration.KindTrades, id, fields)
	}

	v := New(store, source, logger.NewNop())
	report, err := v.ValidateMigratedData(context.Background(), fullSampleConfig())
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.Equal(t, 1.0, report.OverallScore)
	assert.Equal(t, 4, report.CheckedRecords)
	assert.Empty(t, report.CriticalIssues)
	assert.Empty(t, report.Mismatches)
}

func TestValidator_MissingRecordIsCritical(t *testing.T) {
	source := newStubSource()
	store := newStubStore()

	source.put(migration.KindTrades, "t-1", migration.FieldMap{"symbol": "BTCUSDT"})
	// В целевом хранилище записи нет

	v := New(store, source, logger.NewNop())
	report, err := v.ValidateMigratedData(context.Background(), fullSampleConfig())
	require.NoError(t, err)

	assert.False(t, report.Success)
	assert.NotEmpty(t, report.CriticalIssues)
}

func TestValidator_MismatchLowersScore(t *testing.T) {
	source := newStubSource()
	store := newStubStore()

	source.put(migration.KindTrades, "t-1", migration.FieldMap{"symbol": "BTCUSDT", "price": 100.0})
	store.put(migration.KindTrades, "t-1", migration.FieldMap{"symbol": "BTCUSDT", "price": 100.0})

	source.put(migration.KindTrades, "t-2", migration.FieldMap{"symbol": "ETHUSDT", "price": 3000.0})
	store.put(migration.KindTrades, "t-2", migration.FieldMap{"symbol": "ETHUSDT", "price": 2999.0})

	v := New(store, source, logger.NewNop())
	report, err := v.ValidateMigratedData(context.Background(), fullSampleConfig())
	require.NoError(t, err)

	assert.False(t, report.Success)
	assert.InDelta(t, 0.5, report.OverallScore, 0.001)
	require.Len(t, report.Mismatches, 1)
	assert.Equal(t, "price", report.Mismatches[0].Field)
	assert.Equal(t, "t-2", report.Mismatches[0].EntityID)
}

func TestValidator_EmptySourceSucceeds(t *testing.T) {
	v := New(newStubStore(), newStubSource(), logger.NewNop())

	report, err := v.ValidateMigratedData(context.Background(), fullSampleConfig())
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.Equal(t, 0, report.CheckedRecords)
	assert.NotEmpty(t, report.Warnings)
}

func TestSampleSize(t *testing.T) {
	tests := []struct {
		name  string
		total int
		cfg   Config
		want  int
	}{
		{"empty", 0, Config{SampleRate: 0.5}, 0},
		{"rounds down", 10, Config{SampleRate: 0.25}, 2},
		{"at least one", 10, Config{SampleRate: 0.01}, 1},
		{"capped by total", 3, Config{SampleRate: 1.0}, 3},
		{"capped by max", 100, Config{SampleRate: 1.0, MaxPerKind: 10}, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sampleSize(tt.total, tt.cfg))
		})
	}
}
