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
	getSnapshotsBaseFields = `SELECT id, entity_id, equity, cash, open_positions, taken_at, migration_id, created_at, updated_at FROM portfolio_snapshots`

	getSnapshotByEntityIDQuery = getSnapshotsBaseFields + ` WHERE entity_id = $1`
	sampleSnapshotsQuery       = getSnapshotsBaseFields + ` ORDER BY id LIMIT $1`
)

// createPortfolioSnapshots вставляет пачку снимков портфеля в одной транзакции
func (s *PostgresStore) createPortfolioSnapshots(parentCtx context.Context, migrationID string, records []migration.FieldMap) (int, error) {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin snapshot batch: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for _, rec := range records {
		query, args, berr := buildInsertQuery("portfolio_snapshots", migration.KindPortfolioSnapshots, migrationID, fieldString(rec, "entity_id"), rec)
		if berr != nil {
			return 0, berr
		}
		tag, eerr := tx.Exec(ctx, query, args...)
		if eerr != nil {
			return 0, fmt.Errorf("failed to insert portfolio snapshot %s: %w", fieldString(rec, "entity_id"), eerr)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit snapshot batch: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) getPortfolioSnapshotByEntityID(parentCtx context.Context, entityID string) (migration.FieldMap, error) {
	ctx, cancel := context.WithTimeout(parentCtx, 3*time.Second)
	defer cancel()

	snap, err := scanPortfolioSnapshot(s.db.QueryRow(ctx, getSnapshotByEntityIDQuery, entityID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("portfolio snapshot with entity id %s not found: %w", entityID, err)
		}
		return nil, fmt.Errorf("failed to get portfolio snapshot %s: %w", entityID, err)
	}
	return snap.toFields(), nil
}

func (s *PostgresStore) samplePortfolioSnapshots(parentCtx context.Context, limit int) ([]migration.FieldMap, error) {
	ctx, cancel := context.WithTimeout(parentCtx, 3*time.Second)
	defer cancel()

	rows, err := s.db.Query(ctx, sampleSnapshotsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to sample portfolio snapshots: %w", err)
	}
	defer rows.Close()

	samples := []migration.FieldMap{}
	for rows.Next() {
		snap, serr := scanPortfolioSnapshot(rows)
		if serr != nil {
			return nil, fmt.Errorf("failed to scan snapshot sample: %w", serr)
		}
		samples = append(samples, snap.toFields())
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshot rows: %w", err)
	}
	return samples, nil
}

func scanPortfolioSnapshot(scanner pgxScanner) (*PortfolioSnapshot, error) {
	snap := new(PortfolioSnapshot)
	err := scanner.Scan(
		&snap.Id,
		&snap.EntityID,
		&snap.Equity,
		&snap.Cash,
		&snap.OpenPositions,
		&snap.TakenAt,
		&snap.MigrationID,
		&snap.CreatedAt,
		&snap.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return snap, nil
}
