package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rx3lixir/migration-service/internal/migration"
)

const (
	getStrategiesBaseFields = `SELECT id, entity_id, name, symbol, position, pnl, params, migration_id, created_at, updated_at FROM strategy_states`

	getStrategyByEntityIDQuery = getStrategiesBaseFields + ` WHERE entity_id = $1`
	sampleStrategiesQuery      = getStrategiesBaseFields + ` ORDER BY id LIMIT $1`
)

// createStrategyStates вставляет пачку состояний стратегий в одной транзакции
func (s *PostgresStore) createStrategyStates(parentCtx context.Context, migrationID string, records []migration.FieldMap) (int, error) {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin strategy batch: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for _, rec := range records {
		query, args, berr := buildInsertQuery("strategy_states", migration.KindStrategyStates, migrationID, fieldString(rec, "entity_id"), rec)
		if berr != nil {
			return 0, berr
		}
		tag, eerr := tx.Exec(ctx, query, args...)
		if eerr != nil {
			return 0, fmt.Errorf("failed to insert strategy state %s: %w", fieldString(rec, "entity_id"), eerr)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit strategy batch: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) getStrategyStateByEntityID(parentCtx context.Context, entityID string) (migration.FieldMap, error) {
	ctx, cancel := context.WithTimeout(parentCtx, 3*time.Second)
	defer cancel()

	state, err := scanStrategyState(s.db.QueryRow(ctx, getStrategyByEntityIDQuery, entityID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("strategy state with entity id %s not found: %w", entityID, err)
		}
		return nil, fmt.Errorf("failed to get strategy state %s: %w", entityID, err)
	}
	return state.toFields(), nil
}

func (s *PostgresStore) sampleStrategyStates(parentCtx context.Context, limit int) ([]migration.FieldMap, error) {
	ctx, cancel := context.WithTimeout(parentCtx, 3*time.Second)
	defer cancel()

	rows, err := s.db.Query(ctx, sampleStrategiesQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to sample strategy states: %w", err)
	}
	defer rows.Close()

	samples := []migration.FieldMap{}
	for rows.Next() {
		state, serr := scanStrategyState(rows)
		if serr != nil {
			return nil, fmt.Errorf("failed to scan strategy sample: %w", serr)
		}
		samples = append(samples, state.toFields())
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating strategy rows: %w", err)
	}
	return samples, nil
}

func scanStrategyState(scanner pgxScanner) (*StrategyState, error) {
	state := new(StrategyState)
	err := scanner.Scan(
		&state.Id,
		&state.EntityID,
		&state.Name,
		&state.Symbol,
		&state.Position,
		&state.PnL,
		&state.Params,
		&state.MigrationID,
		&state.CreatedAt,
		&state.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return state, nil
}
