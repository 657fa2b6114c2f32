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
	getTradesBaseFields = `SELECT id, entity_id, symbol, side, quantity, price, strategy, executed_at, migration_id, created_at, updated_at FROM trades`

	getTradeByEntityIDQuery = getTradesBaseFields + ` WHERE entity_id = $1`
	sampleTradesQuery       = getTradesBaseFields + ` ORDER BY id LIMIT $1`
)

// createTrades вставляет пачку сделок в одной транзакции
func (s *PostgresStore) createTrades(parentCtx context.Context, migrationID string, records []migration.FieldMap) (int, error) {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin trade batch: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for _, rec := range records {
		query, args, berr := buildInsertQuery("trades", migration.KindTrades, migrationID, fieldString(rec, "entity_id"), rec)
		if berr != nil {
			return 0, berr
		}
		tag, eerr := tx.Exec(ctx, query, args...)
		if eerr != nil {
			return 0, fmt.Errorf("failed to insert trade %s: %w", fieldString(rec, "entity_id"), eerr)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit trade batch: %w", err)
	}
	return inserted, nil
}

// getTradeByEntityID извлекает сделку по внешнему идентификатору
func (s *PostgresStore) getTradeByEntityID(parentCtx context.Context, entityID string) (migration.FieldMap, error) {
	ctx, cancel := context.WithTimeout(parentCtx, 3*time.Second)
	defer cancel()

	trade, err := scanTrade(s.db.QueryRow(ctx, getTradeByEntityIDQuery, entityID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("trade with entity id %s not found: %w", entityID, err)
		}
		return nil, fmt.Errorf("failed to get trade %s: %w", entityID, err)
	}
	return trade.toFields(), nil
}

// sampleTrades возвращает до limit сделок для выборочной проверки
func (s *PostgresStore) sampleTrades(parentCtx context.Context, limit int) ([]migration.FieldMap, error) {
	ctx, cancel := context.WithTimeout(parentCtx, 3*time.Second)
	defer cancel()

	rows, err := s.db.Query(ctx, sampleTradesQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to sample trades: %w", err)
	}
	defer rows.Close()

	samples := []migration.FieldMap{}
	for rows.Next() {
		trade, serr := scanTrade(rows)
		if serr != nil {
			return nil, fmt.Errorf("failed to scan trade sample: %w", serr)
		}
		samples = append(samples, trade.toFields())
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", err)
	}
	return samples, nil
}

// pgxScanner интерфейс для абстракции pgx.Rows и pgx.Row
type pgxScanner interface {
	Scan(dest ...any) error
}

// scanTrade сканирует одну строку в структуру Trade
func scanTrade(scanner pgxScanner) (*Trade, error) {
	trade := new(Trade)
	err := scanner.Scan(
		&trade.Id,
		&trade.EntityID,
		&trade.Symbol,
		&trade.Side,
		&trade.Quantity,
		&trade.Price,
		&trade.Strategy,
		&trade.ExecutedAt,
		&trade.MigrationID,
		&trade.CreatedAt,
		&trade.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return trade, nil
}
