package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rx3lixir/migration-service/internal/audit"
	"github.com/rx3lixir/migration-service/internal/config"
	"github.com/rx3lixir/migration-service/internal/db"
	"github.com/rx3lixir/migration-service/internal/memstore"
	"github.com/rx3lixir/migration-service/internal/migration"
	"github.com/rx3lixir/migration-service/internal/validation"
	"github.com/rx3lixir/migration-service/pkg/health"
	"github.com/rx3lixir/migration-service/pkg/logger"
	"github.com/rx3lixir/migration-service/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logger.New(&cfg.Logger)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Целевое хранилище
	pool, err := db.CreatePostgresPool(ctx, cfg.Postgres.URL, cfg.Postgres.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("creating postgres pool: %w", err)
	}
	defer pool.Close()

	store := db.NewPostgresStore(pool)

	// Живое in-memory хранилище - источник миграции
	source := memstore.New(log)
	if cfg.Source.DataFile != "" {
		loaded, err := source.LoadFromFile(cfg.Source.DataFile)
		if err != nil {
			return fmt.Errorf("loading source data: %w", err)
		}
		log.Info("Source data loaded", "file", cfg.Source.DataFile, "records", loaded)
	}

	orch := migration.NewOrchestrator(cfg.Migration, migration.Deps{
		Store:     store,
		Extractor: source,
		Source:    source,
		Log:       log,
		Emitter:   migration.NewEmitter(log),
	})

	// Аудит изменений в OpenSearch, если включен
	var auditSink *audit.Sink
	if cfg.OpenSearch.Enabled {
		auditClient, err := audit.New(cfg.OpenSearch, log)
		if err != nil {
			return fmt.Errorf("creating opensearch client: %w", err)
		}
		auditSink = audit.NewSink(auditClient, migration.NewRetryLogic(log), log)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Сервер метрик
	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Port, log)
		metricsServer.StartUptimeUpdater(gctx, "migration-service")
		g.Go(func() error {
			return metricsServer.Start()
		})
	}

	// Healthcheck сервер
	var healthServer *health.Server
	if cfg.Health.Enabled {
		healthServer = health.NewServer(pool, orch.State(), log,
			health.WithPort(cfg.Health.Port),
			health.WithCheckTimeout(cfg.Health.Timeout),
		)
		if auditSink != nil {
			healthServer.AddOpenSearchCheck(auditSink.Client())
		}
		g.Go(func() error {
			return healthServer.Start()
		})
	}

	log.Info("Starting migration",
		"migration_id", orch.ID(),
		"strategy", cfg.Migration.Strategy,
		"dry_run", cfg.Migration.DryRun,
	)

	result, migErr := orch.ExecuteMigration(gctx)

	if result != nil {
		log.Info("Migration finished",
			"migration_id", result.ID,
			"success", result.Success,
			"total_processed", result.TotalProcessed,
			"execution_time", result.ExecutionTime,
			"actual_downtime", result.ActualDowntime,
			"downtime_exceeded", result.DowntimeExceeded,
		)
	}

	// Проверка целостности и аудит выполняются только после успешного прогона
	if migErr == nil && !cfg.Migration.DryRun {
		if err := postMigration(ctx, cfg, orch, store, source, auditSink, log); err != nil {
			migErr = err
		}
	}

	// Гасим вспомогательные серверы
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if healthServer != nil {
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			log.Error("Health server shutdown failed", "error", err)
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error("Metrics server shutdown failed", "error", err)
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("Auxiliary server error", "error", err)
	}

	return migErr
}

// postMigration выполняет проверку целостности перенесенных данных
// и выгружает журнал изменений в индекс аудита.
func postMigration(
	ctx context.Context,
	cfg *config.AppConfig,
	orch *migration.Orchestrator,
	store migration.TargetStore,
	source *memstore.Store,
	auditSink *audit.Sink,
	log logger.Logger,
) error {
	validator := validation.New(store, source, log)
	report, err := validator.ValidateMigratedData(ctx, validation.Config{
		SampleRate: cfg.Migration.ValidationSampleRate,
		MaxPerKind: cfg.Migration.BatchSize,
		MinScore:   0.95,
	})
	if err != nil {
		return fmt.Errorf("post-migration validation: %w", err)
	}

	log.Info("Post-migration validation finished",
		"success", report.Success,
		"overall_score", report.OverallScore,
		"checked_records", report.CheckedRecords,
		"critical_issues", report.CriticalIssues,
	)

	if auditSink != nil {
		if err := auditSink.IndexChanges(ctx, orch.Engine().ChangeLog()); err != nil {
			log.Error("Failed to index change log", "error", err)
		}
		if conflicts := orch.Resolver().Conflicts(); len(conflicts) > 0 {
			if err := auditSink.IndexConflicts(ctx, conflicts); err != nil {
				log.Error("Failed to index conflicts", "error", err)
			}
		}
	}

	if !report.Success {
		return fmt.Errorf("validation score %.2f below threshold, critical issues: %d",
			report.OverallScore, len(report.CriticalIssues))
	}
	return nil
}
