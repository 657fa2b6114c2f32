package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/rx3lixir/migration-service/pkg/logger"
)

// AppConfig - корневая конфигурация сервиса миграции
type AppConfig struct {
	Logger     logger.Config    `mapstructure:"logger"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	OpenSearch OpenSearchConfig `mapstructure:"opensearch"`
	Migration  MigrationConfig  `mapstructure:"migration"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Health     HealthConfig     `mapstructure:"health"`
	Source     SourceConfig     `mapstructure:"source"`
}

// PostgresConfig - настройки подключения к целевому хранилищу
type PostgresConfig struct {
	URL            string        `mapstructure:"url" validate:"required"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"required"`
}

// OpenSearchConfig - настройки индекса аудита
type OpenSearchConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	URL                string        `mapstructure:"url" validate:"required_if=Enabled true"`
	ChangesIndex       string        `mapstructure:"changes_index"`
	ConflictsIndex     string        `mapstructure:"conflicts_index"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxRetries         int           `mapstructure:"max_retries" validate:"min=0,max=5"`
	MaxIdleConns       int           `mapstructure:"max_idle_conns"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	RetryOnStatus      []int         `mapstructure:"retry_on_status"`
}

// MigrationConfig - полная конфигурация одного прогона миграции
type MigrationConfig struct {
	// Общая стратегия переноса данных
	Strategy string `mapstructure:"strategy" validate:"required,oneof=rolling snapshot incremental"`

	// Фоновая синхронизация
	EnableRealTimeSync bool          `mapstructure:"enable_real_time_sync"`
	SyncInterval       time.Duration `mapstructure:"sync_interval" validate:"gt=0"`
	MaxSyncBatchSize   int           `mapstructure:"max_sync_batch_size" validate:"min=1"`
	ChangeLogRetention time.Duration `mapstructure:"change_log_retention" validate:"gt=0"`

	// Доступность на время миграции (только для отчетности)
	MaintainReadAvailability  bool `mapstructure:"maintain_read_availability"`
	MaintainWriteAvailability bool `mapstructure:"maintain_write_availability"`

	// Ограничения cutover и всего прогона
	MaxDowntime time.Duration `mapstructure:"max_downtime" validate:"gt=0"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`

	// Ресурсы и повторы
	Concurrency       int           `mapstructure:"concurrency" validate:"min=1"`
	NetworkTimeout    time.Duration `mapstructure:"network_timeout" validate:"gt=0"`
	RetryAttempts     int           `mapstructure:"retry_attempts" validate:"min=1,max=10"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" validate:"gte=1"`
	MemoryLimitMB     int           `mapstructure:"memory_limit_mb" validate:"min=16"`
	BatchSize         int           `mapstructure:"batch_size" validate:"min=1"`

	// Валидация данных
	ContinuousValidation bool    `mapstructure:"continuous_validation"`
	ValidationSampleRate float64 `mapstructure:"validation_sample_rate" validate:"gte=0,lte=1"`

	// Метрики
	EnableDetailedMetrics bool          `mapstructure:"enable_detailed_metrics"`
	MetricsInterval       time.Duration `mapstructure:"metrics_interval" validate:"gt=0"`

	// Политика разрешения конфликтов на весь прогон
	ConflictPolicy string `mapstructure:"conflict_policy" validate:"required,oneof=latest_wins memory_priority db_priority manual_review"`

	// Какие категории данных извлекать из снапшота
	IncludeMarketData         bool `mapstructure:"include_market_data"`
	IncludeStrategyData       bool `mapstructure:"include_strategy_data"`
	IncludeTradeHistory       bool `mapstructure:"include_trade_history"`
	IncludePortfolioSnapshots bool `mapstructure:"include_portfolio_snapshots"`
	MaxItemsPerCategory       int  `mapstructure:"max_items_per_category" validate:"min=0"`
	DryRun                    bool `mapstructure:"dry_run"`
}

// MetricsConfig - настройки HTTP сервера метрик
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    string `mapstructure:"port"`
}

// HealthConfig - настройки healthcheck сервера
type HealthConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Port    string        `mapstructure:"port"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SourceConfig - откуда наполняется живое in-memory хранилище
type SourceConfig struct {
	DataFile string `mapstructure:"data_file"`
}

// Load читает конфигурацию из файла и переменных окружения.
// Путь может быть пустым - тогда используются только дефолты и окружение.
func Load(path string) (*AppConfig, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("MIGRATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate проверяет конфигурацию через validator
func Validate(cfg *AppConfig) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// setDefaults задает значения по умолчанию для всего дерева конфигурации
func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "json")

	v.SetDefault("postgres.url", "postgres://localhost:5432/trading")
	v.SetDefault("postgres.connect_timeout", 3*time.Second)

	v.SetDefault("opensearch.enabled", false)
	v.SetDefault("opensearch.url", "http://localhost:9200")
	v.SetDefault("opensearch.changes_index", "migration-changes")
	v.SetDefault("opensearch.conflicts_index", "migration-conflicts")
	v.SetDefault("opensearch.timeout", 5*time.Second)
	v.SetDefault("opensearch.max_retries", 3)
	v.SetDefault("opensearch.max_idle_conns", 10)
	v.SetDefault("opensearch.insecure_skip_verify", true)
	v.SetDefault("opensearch.retry_on_status", []int{502, 503, 504, 429})

	v.SetDefault("migration.strategy", "rolling")
	v.SetDefault("migration.enable_real_time_sync", true)
	v.SetDefault("migration.sync_interval", 5*time.Second)
	v.SetDefault("migration.max_sync_batch_size", 500)
	v.SetDefault("migration.change_log_retention", 7*24*time.Hour)
	v.SetDefault("migration.maintain_read_availability", true)
	v.SetDefault("migration.maintain_write_availability", false)
	v.SetDefault("migration.max_downtime", 2*time.Second)
	v.SetDefault("migration.timeout", 10*time.Minute)
	v.SetDefault("migration.concurrency", 4)
	v.SetDefault("migration.network_timeout", 30*time.Second)
	v.SetDefault("migration.retry_attempts", 3)
	v.SetDefault("migration.backoff_multiplier", 2.0)
	v.SetDefault("migration.memory_limit_mb", 512)
	v.SetDefault("migration.batch_size", 100)
	v.SetDefault("migration.continuous_validation", false)
	v.SetDefault("migration.validation_sample_rate", 0.1)
	v.SetDefault("migration.enable_detailed_metrics", true)
	v.SetDefault("migration.metrics_interval", 10*time.Second)
	v.SetDefault("migration.conflict_policy", "latest_wins")
	v.SetDefault("migration.include_market_data", true)
	v.SetDefault("migration.include_strategy_data", true)
	v.SetDefault("migration.include_trade_history", true)
	v.SetDefault("migration.include_portfolio_snapshots", true)
	v.SetDefault("migration.max_items_per_category", 0)
	v.SetDefault("migration.dry_run", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", ":8091")

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.port", ":8090")
	v.SetDefault("health.timeout", 5*time.Second)
}
