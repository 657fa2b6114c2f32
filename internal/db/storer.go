package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rx3lixir/migration-service/internal/migration"
)

// Интерфейс для абстракции методов базы данных от pgxpool
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore реализует migration.TargetStore поверх PostgreSQL
type PostgresStore struct {
	db    DBTX
	stats func() migration.PoolStats
}

var _ migration.TargetStore = (*PostgresStore)(nil)

// NewPostgresStore создает хранилище поверх пула соединений
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		db: pool,
		stats: func() migration.PoolStats {
			s := pool.Stat()
			return migration.PoolStats{
				TotalConns:    s.TotalConns(),
				IdleConns:     s.IdleConns(),
				AcquiredConns: s.AcquiredConns(),
			}
		},
	}
}

// NewStoreWithDBTX создает хранилище поверх произвольного DBTX.
// Статистика пула в этом случае недоступна.
func NewStoreWithDBTX(db DBTX) *PostgresStore {
	return &PostgresStore{
		db:    db,
		stats: func() migration.PoolStats { return migration.PoolStats{} },
	}
}

// CreatePostgresPool создает и проверяет пул соединений к PostgreSQL
func CreatePostgresPool(parentCtx context.Context, dburl string, connectTimeout time.Duration) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(parentCtx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, dburl)
	if err != nil {
		return nil, err
	}

	// Проверяем соединение
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// Ping выполняет no-op запрос для проверки доступности хранилища
func (s *PostgresStore) Ping(parentCtx context.Context) error {
	ctx, cancel := context.WithTimeout(parentCtx, 3*time.Second)
	defer cancel()

	var one int
	if err := s.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("store ping failed: %w", err)
	}
	return nil
}

// Stats возвращает состояние пула соединений
func (s *PostgresStore) Stats() migration.PoolStats {
	return s.stats()
}

// tableFor сопоставляет категорию данных таблице
func tableFor(kind migration.EntityKind) (string, error) {
	switch kind {
	case migration.KindTrades:
		return "trades", nil
	case migration.KindMarketTicks:
		return "market_ticks", nil
	case migration.KindStrategyStates:
		return "strategy_states", nil
	case migration.KindPortfolioSnapshots:
		return "portfolio_snapshots", nil
	default:
		return "", fmt.Errorf("unknown entity kind: %s", kind)
	}
}

// Count возвращает число записей категории
func (s *PostgresStore) Count(parentCtx context.Context, kind migration.EntityKind) (int64, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(parentCtx, 3*time.Second)
	defer cancel()

	var count int64
	if err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return count, nil
}

// CreateBatch вставляет пачку записей категории
func (s *PostgresStore) CreateBatch(parentCtx context.Context, kind migration.EntityKind, migrationID string, records []migration.FieldMap) (int, error) {
	switch kind {
	case migration.KindTrades:
		return s.createTrades(parentCtx, migrationID, records)
	case migration.KindMarketTicks:
		return s.createMarketTicks(parentCtx, migrationID, records)
	case migration.KindStrategyStates:
		return s.createStrategyStates(parentCtx, migrationID, records)
	case migration.KindPortfolioSnapshots:
		return s.createPortfolioSnapshots(parentCtx, migrationID, records)
	default:
		return 0, fmt.Errorf("unknown entity kind: %s", kind)
	}
}

// GetByEntityID возвращает текущую версию записи по ее внешнему идентификатору
func (s *PostgresStore) GetByEntityID(parentCtx context.Context, kind migration.EntityKind, entityID string) (migration.FieldMap, error) {
	switch kind {
	case migration.KindTrades:
		return s.getTradeByEntityID(parentCtx, entityID)
	case migration.KindMarketTicks:
		return s.getMarketTickByEntityID(parentCtx, entityID)
	case migration.KindStrategyStates:
		return s.getStrategyStateByEntityID(parentCtx, entityID)
	case migration.KindPortfolioSnapshots:
		return s.getPortfolioSnapshotByEntityID(parentCtx, entityID)
	default:
		return nil, fmt.Errorf("unknown entity kind: %s", kind)
	}
}

// Sample возвращает до limit записей категории для выборочной проверки
func (s *PostgresStore) Sample(parentCtx context.Context, kind migration.EntityKind, limit int) ([]migration.FieldMap, error) {
	switch kind {
	case migration.KindTrades:
		return s.sampleTrades(parentCtx, limit)
	case migration.KindMarketTicks:
		return s.sampleMarketTicks(parentCtx, limit)
	case migration.KindStrategyStates:
		return s.sampleStrategyStates(parentCtx, limit)
	case migration.KindPortfolioSnapshots:
		return s.samplePortfolioSnapshots(parentCtx, limit)
	default:
		return nil, fmt.Errorf("unknown entity kind: %s", kind)
	}
}

// UpdateByEntityID обновляет перечисленные поля записи.
// SET-часть строится из переданных полей, отфильтрованных по списку
// допустимых колонок категории - защита от инъекции через имена полей.
func (s *PostgresStore) UpdateByEntityID(parentCtx context.Context, kind migration.EntityKind, entityID string, fields migration.FieldMap) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	query, args, err := buildUpdateQuery(table, kind, entityID, fields)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(parentCtx, 3*time.Second)
	defer cancel()

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", table, entityID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s with entity id %s not found for update", table, entityID)
	}
	return nil
}

// ApplyChanges применяет порцию изменений в одной транзакции.
// Либо применяются все изменения, либо ни одно.
func (s *PostgresStore) ApplyChanges(parentCtx context.Context, migrationID string, changes []*migration.ChangeRecord) (int, error) {
	if len(changes) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	applied := 0
	for _, change := range changes {
		if err := applyChangeInTx(ctx, tx, migrationID, change); err != nil {
			return 0, fmt.Errorf("failed to apply change %s (%s %s): %w",
				change.ID, change.Op, change.EntityID, err)
		}
		applied++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit %d changes: %w", applied, err)
	}
	return applied, nil
}

// applyChangeInTx применяет одно изменение внутри открытой транзакции
func applyChangeInTx(ctx context.Context, tx pgx.Tx, migrationID string, change *migration.ChangeRecord) error {
	table, err := tableFor(change.Kind)
	if err != nil {
		return err
	}

	switch change.Op {
	case migration.OpCreate:
		query, args, berr := buildInsertQuery(table, change.Kind, migrationID, change.EntityID, change.Fields)
		if berr != nil {
			return berr
		}
		_, err = tx.Exec(ctx, query, args...)
		return err

	case migration.OpUpdate:
		fields := change.Fields
		if len(change.Diff) > 0 {
			fields = make(migration.FieldMap, len(change.Diff))
			for name, delta := range change.Diff {
				fields[name] = delta.New
			}
		}
		query, args, berr := buildUpdateQuery(table, change.Kind, change.EntityID, fields)
		if berr != nil {
			return berr
		}
		_, err = tx.Exec(ctx, query, args...)
		return err

	case migration.OpDelete:
		_, err = tx.Exec(ctx, "DELETE FROM "+table+" WHERE entity_id = $1", change.EntityID)
		return err

	default:
		return fmt.Errorf("unknown change operation: %s", change.Op)
	}
}

// DeleteByMigrationID удаляет все строки, созданные данным прогоном миграции
func (s *PostgresStore) DeleteByMigrationID(parentCtx context.Context, migrationID string) (int64, error) {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	var total int64
	for _, kind := range migration.EntityKinds() {
		table, err := tableFor(kind)
		if err != nil {
			return total, err
		}
		tag, err := s.db.Exec(ctx, "DELETE FROM "+table+" WHERE migration_id = $1", migrationID)
		if err != nil {
			return total, fmt.Errorf("failed to delete migrated rows from %s: %w", table, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}
