package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rx3lixir/migration-service/internal/migration"
)

func TestBuildInsertQuery(t *testing.T) {
	fields := migration.FieldMap{
		"symbol":   "BTCUSDT",
		"price":    42000.5,
		"injected": "'; DROP TABLE trades; --",
	}

	query, args, err := buildInsertQuery("trades", migration.KindTrades, "mig-1", "t-1", fields)
	require.NoError(t, err)

	// Колонки вне белого списка категории молча отброшены
	assert.Equal(t,
		"INSERT INTO trades (entity_id, migration_id, symbol, price) VALUES ($1, $2, $3, $4) ON CONFLICT (entity_id) DO NOTHING",
		query,
	)
	assert.Equal(t, []any{"t-1", "mig-1", "BTCUSDT", 42000.5}, args)
}

func TestBuildInsertQuery_UnknownKind(t *testing.T) {
	_, _, err := buildInsertQuery("orders", migration.EntityKind("orders"), "mig-1", "o-1", migration.FieldMap{})
	assert.Error(t, err)
}

func TestBuildUpdateQuery(t *testing.T) {
	fields := migration.FieldMap{
		"price":     43000.0,
		"side":      "SELL",
		"entity_id": "t-1",
	}

	query, args, err := buildUpdateQuery("trades", migration.KindTrades, "t-1", fields)
	require.NoError(t, err)

	assert.Equal(t,
		"UPDATE trades SET side = $1, price = $2, updated_at = NOW() WHERE entity_id = $3",
		query,
	)
	assert.Equal(t, []any{"SELL", 43000.0, "t-1"}, args)
}

func TestBuildUpdateQuery_NoUpdatableFields(t *testing.T) {
	_, _, err := buildUpdateQuery("trades", migration.KindTrades, "t-1", migration.FieldMap{
		"entity_id": "t-1",
		"unknown":   "value",
	})
	assert.Error(t, err)
}

func TestTableFor(t *testing.T) {
	tests := []struct {
		kind  migration.EntityKind
		table string
	}{
		{migration.KindTrades, "trades"},
		{migration.KindMarketTicks, "market_ticks"},
		{migration.KindStrategyStates, "strategy_states"},
		{migration.KindPortfolioSnapshots, "portfolio_snapshots"},
	}

	for _, tt := range tests {
		table, err := tableFor(tt.kind)
		require.NoError(t, err)
		assert.Equal(t, tt.table, table)
	}

	_, err := tableFor(migration.EntityKind("orders"))
	assert.Error(t, err)
}
