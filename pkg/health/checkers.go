package health

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rx3lixir/migration-service/internal/migration"
)

// PostgresChecker проверка PostgreSQL через pgxpool
func PostgresChecker(pool *pgxpool.Pool) Checker {
	return CheckerFunc(func(ctx context.Context) CheckResult {
		start := time.Now()

		// Пингуем базу
		err := pool.Ping(ctx)
		duration := time.Since(start)

		if err != nil {
			return CheckResult{
				Status: StatusDown,
				Error:  err.Error(),
				Details: map[string]any{
					"duration_ms": duration.Milliseconds(),
				},
			}
		}

		// Получаем статистику пула
		stats := pool.Stat()

		return CheckResult{
			Status: StatusUp,
			Details: map[string]any{
				"duration_ms":    duration.Milliseconds(),
				"total_conns":    stats.TotalConns(),
				"idle_conns":     stats.IdleConns(),
				"acquired_conns": stats.AcquiredConns(),
			},
		}
	})
}

// SyncStateChecker отдает текущее состояние движка синхронизации.
// Проверка информационная: неактивный движок не означает DOWN,
// это штатное состояние до запуска и после cutover.
func SyncStateChecker(state *migration.SyncState) Checker {
	return CheckerFunc(func(ctx context.Context) CheckResult {
		if state == nil {
			return CheckResult{
				Status: StatusDown,
				Error:  "sync state is not initialized",
			}
		}

		details := map[string]any{
			"active":          state.IsActive(),
			"pending_updates": state.PendingUpdates(),
			"sync_errors":     state.SyncErrors(),
			"conflicts":       state.SyncConflicts(),
		}
		if last := state.LastSyncTime(); !last.IsZero() {
			details["last_sync_time"] = last
		}

		return CheckResult{
			Status:  StatusUp,
			Details: details,
		}
	})
}
