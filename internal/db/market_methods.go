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
	getTicksBaseFields = `SELECT id, entity_id, symbol, bid, ask, last, volume, tick_time, migration_id, created_at, updated_at FROM market_ticks`

	getTickByEntityIDQuery = getTicksBaseFields + ` WHERE entity_id = $1`
	sampleTicksQuery       = getTicksBaseFields + ` ORDER BY id LIMIT $1`
)

// createMarketTicks вставляет пачку тиков в одной транзакции
func (s *PostgresStore) createMarketTicks(parentCtx context.Context, migrationID string, records []migration.FieldMap) (int, error) {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin tick batch: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for _, rec := range records {
		query, args, berr := buildInsertQuery("market_ticks", migration.KindMarketTicks, migrationID, fieldString(rec, "entity_id"), rec)
		if berr != nil {
			return 0, berr
		}
		tag, eerr := tx.Exec(ctx, query, args...)
		if eerr != nil {
			return 0, fmt.Errorf("failed to insert market tick %s: %w", fieldString(rec, "entity_id"), eerr)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit tick batch: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) getMarketTickByEntityID(parentCtx context.Context, entityID string) (migration.FieldMap, error) {
	ctx, cancel := context.WithTimeout(parentCtx, 3*time.Second)
	defer cancel()

	tick, err := scanMarketTick(s.db.QueryRow(ctx, getTickByEntityIDQuery, entityID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("market tick with entity id %s not found: %w", entityID, err)
		}
		return nil, fmt.Errorf("failed to get market tick %s: %w", entityID, err)
	}
	return tick.toFields(), nil
}

func (s *PostgresStore) sampleMarketTicks(parentCtx context.Context, limit int) ([]migration.FieldMap, error) {
	ctx, cancel := context.WithTimeout(parentCtx, 3*time.Second)
	defer cancel()

	rows, err := s.db.Query(ctx, sampleTicksQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to sample market ticks: %w", err)
	}
	defer rows.Close()

	samples := []migration.FieldMap{}
	for rows.Next() {
		tick, serr := scanMarketTick(rows)
		if serr != nil {
			return nil, fmt.Errorf("failed to scan tick sample: %w", serr)
		}
		samples = append(samples, tick.toFields())
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tick rows: %w", err)
	}
	return samples, nil
}

func scanMarketTick(scanner pgxScanner) (*MarketTick, error) {
	tick := new(MarketTick)
	err := scanner.Scan(
		&tick.Id,
		&tick.EntityID,
		&tick.Symbol,
		&tick.Bid,
		&tick.Ask,
		&tick.Last,
		&tick.Volume,
		&tick.TickTime,
		&tick.MigrationID,
		&tick.CreatedAt,
		&tick.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return tick, nil
}
