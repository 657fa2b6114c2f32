package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики фаз миграции
var (
	// Счетчик завершенных фаз
	MigrationPhasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migration_phases_total",
			Help: "Total number of executed migration phases",
		},
		[]string{"phase", "status"},
	)

	// Гистограмма длительности фаз
	MigrationPhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "migration_phase_duration_seconds",
			Help:    "Duration of migration phases in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"phase"},
	)

	// Фактический простой во время cutover
	CutoverDowntimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "migration_cutover_downtime_seconds",
			Help: "Measured downtime of the cutover phase in seconds",
		},
	)

	// Перенесенные записи по категориям
	ItemsMigratedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migration_items_migrated_total",
			Help: "Total number of records migrated to the target store",
		},
		[]string{"entity"},
	)
)

// Метрики фоновой синхронизации
var (
	// Счетчик итераций синхронизации
	SyncIterationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migration_sync_iterations_total",
			Help: "Total number of sync engine iterations",
		},
		[]string{"status"}, // applied, empty, error
	)

	// Примененные инкрементальные изменения
	SyncChangesAppliedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "migration_sync_changes_applied_total",
			Help: "Total number of incremental changes applied to the target store",
		},
	)

	// Изменения, ожидающие применения
	SyncPendingUpdates = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "migration_sync_pending_updates",
			Help: "Number of pending incremental updates",
		},
	)

	// Обнаруженные конфликты по типам
	SyncConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migration_sync_conflicts_total",
			Help: "Total number of detected sync conflicts",
		},
		[]string{"type"},
	)
)

// Метрики ресурсов
var (
	// Текущее потребление памяти процессом миграции
	MemoryUsageBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "migration_memory_usage_bytes",
			Help: "Current heap allocation of the migration process",
		},
	)

	// Соединения пула целевого хранилища
	StorePoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "migration_store_pool_connections",
			Help: "Number of target store pool connections",
		},
		[]string{"state"}, // total, idle, acquired
	)

	// Время работы сервиса
	ServiceUptimeSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "service_uptime_seconds",
			Help: "Service uptime in seconds",
		},
		[]string{"service"},
	)
)

// RecordPhase фиксирует завершение фазы
func RecordPhase(phase string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failed"
	}
	MigrationPhasesTotal.WithLabelValues(phase, status).Inc()
	MigrationPhaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// UpdateServiceUptime обновляет метрику аптайма
func UpdateServiceUptime(serviceName string, startTime time.Time) {
	ServiceUptimeSeconds.WithLabelValues(serviceName).Set(time.Since(startTime).Seconds())
}

// UpdatePoolStats обновляет метрики пула соединений
func UpdatePoolStats(total, idle, acquired int32) {
	StorePoolConnections.WithLabelValues("total").Set(float64(total))
	StorePoolConnections.WithLabelValues("idle").Set(float64(idle))
	StorePoolConnections.WithLabelValues("acquired").Set(float64(acquired))
}
