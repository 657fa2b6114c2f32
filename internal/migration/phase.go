package migration

import (
	"errors"
	"sync/atomic"
	"time"
)

// MigrationPhase - фаза миграции. Фазы выполняются строго в порядке PhaseOrder,
// без циклов и повторов; после провала фазы оставшиеся не запускаются.
type MigrationPhase string

const (
	PhasePreparing             MigrationPhase = "PREPARING"
	PhaseExtractingSnapshot    MigrationPhase = "EXTRACTING_SNAPSHOT"
	PhaseInitialMigration      MigrationPhase = "INITIAL_MIGRATION"
	PhaseSyncSetup             MigrationPhase = "SYNC_SETUP"
	PhaseIncrementalSync       MigrationPhase = "INCREMENTAL_SYNC"
	PhaseValidation            MigrationPhase = "VALIDATION"
	PhaseCutoverPreparation    MigrationPhase = "CUTOVER_PREPARATION"
	PhaseCutover               MigrationPhase = "CUTOVER"
	PhasePostCutoverValidation MigrationPhase = "POST_CUTOVER_VALIDATION"
	PhaseCleanup               MigrationPhase = "CLEANUP"
)

// PhaseOrder - единственный легальный порядок выполнения фаз
var PhaseOrder = []MigrationPhase{
	PhasePreparing,
	PhaseExtractingSnapshot,
	PhaseInitialMigration,
	PhaseSyncSetup,
	PhaseIncrementalSync,
	PhaseValidation,
	PhaseCutoverPreparation,
	PhaseCutover,
	PhasePostCutoverValidation,
	PhaseCleanup,
}

// EntityKind - категория торговых данных, переносимых миграцией
type EntityKind string

const (
	KindTrades             EntityKind = "trades"
	KindMarketTicks        EntityKind = "market_ticks"
	KindStrategyStates     EntityKind = "strategy_states"
	KindPortfolioSnapshots EntityKind = "portfolio_snapshots"
)

// EntityKinds возвращает все категории в детерминированном порядке
func EntityKinds() []EntityKind {
	return []EntityKind{KindTrades, KindMarketTicks, KindStrategyStates, KindPortfolioSnapshots}
}

// Origin - сторона, на которой возникла версия записи или изменение
type Origin string

const (
	OriginMemory   Origin = "MEMORY"
	OriginDatabase Origin = "DATABASE"
)

// ChangeOp - тип обнаруженной мутации
type ChangeOp string

const (
	OpCreate ChangeOp = "CREATE"
	OpUpdate ChangeOp = "UPDATE"
	OpDelete ChangeOp = "DELETE"
)

// FieldMap - универсальное представление одной записи: имя поля -> значение
type FieldMap map[string]any

// FieldDelta - изменение одного поля записи
type FieldDelta struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// ChangeRecord - одна обнаруженная мутация живых данных.
// Хранится в журнале с вытеснением по возрасту.
type ChangeRecord struct {
	ID        string                `json:"id"`
	Timestamp time.Time             `json:"timestamp"`
	Kind      EntityKind            `json:"kind"`
	Op        ChangeOp              `json:"op"`
	EntityID  string                `json:"entity_id"`
	Diff      map[string]FieldDelta `json:"diff,omitempty"`
	Fields    FieldMap              `json:"fields,omitempty"`
	Origin    Origin                `json:"origin"`
	Synced    bool                  `json:"synced"`
}

// ChangeSet - порция изменений, накопившихся с момента последней синхронизации
type ChangeSet struct {
	TotalItems int
	Records    []*ChangeRecord
}

// SnapshotStats - статистика извлечения снапшота
type SnapshotStats struct {
	ItemsPerKind map[EntityKind]int `json:"items_per_kind"`
	TotalItems   int                `json:"total_items"`
	Duration     time.Duration      `json:"duration"`
}

// Snapshot - полная копия in-memory данных на момент извлечения
type Snapshot struct {
	TakenAt time.Time
	Items   map[EntityKind][]FieldMap
	Stats   SnapshotStats
}

// TotalItems возвращает суммарное количество записей в снапшоте
func (s *Snapshot) TotalItems() int {
	if s == nil {
		return 0
	}
	total := 0
	for _, items := range s.Items {
		total += len(items)
	}
	return total
}

// ExtractResult - результат работы экстрактора снапшотов
type ExtractResult struct {
	Success  bool
	Snapshot *Snapshot
	Errors   []string
	Warnings []string
	Stats    SnapshotStats
}

// ExtractOptions управляет объемом и побочными эффектами извлечения
type ExtractOptions struct {
	IncludeMarketData         bool
	IncludeStrategyData       bool
	IncludeTradeHistory       bool
	IncludePortfolioSnapshots bool
	MaxItemsPerCategory       int
	ValidateData              bool
	DryRun                    bool
}

// PhaseMetrics - снимок показателей, снимаемый при завершении фазы
// и по таймеру метрик во время активной миграции
type PhaseMetrics struct {
	ThroughputPerSec float64       `json:"throughput_per_sec"`
	MemoryBytes      uint64        `json:"memory_bytes"`
	CPUTime          time.Duration `json:"cpu_time"`
	NetworkLatency   time.Duration `json:"network_latency"`
	StoreConnections int32         `json:"store_connections"`
	CacheHitRate     float64       `json:"cache_hit_rate"`
}

// PhaseResult - итог одной выполненной фазы. После записи не изменяется.
type PhaseResult struct {
	Phase          MigrationPhase `json:"phase"`
	Success        bool           `json:"success"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
	Duration       time.Duration  `json:"duration"`
	ItemsProcessed int            `json:"items_processed"`
	Errors         []string       `json:"errors,omitempty"`
	Warnings       []string       `json:"warnings,omitempty"`
	Metrics        PhaseMetrics   `json:"metrics"`
}

// SyncStats - агрегированная статистика фоновой синхронизации
type SyncStats struct {
	RealTimeUpdates   int64 `json:"real_time_updates"`
	ConflictsDetected int64 `json:"conflicts_detected"`
	ConflictsResolved int64 `json:"conflicts_resolved"`
}

// MigrationResult - финальный агрегат прогона миграции.
// Строится ровно один раз: либо при успехе, либо в обработчике провала.
type MigrationResult struct {
	ID                string        `json:"id"`
	Success           bool          `json:"success"`
	TotalProcessed    int           `json:"total_processed"`
	TotalSucceeded    int           `json:"total_succeeded"`
	TotalFailed       int           `json:"total_failed"`
	ExecutionTime     time.Duration `json:"execution_time"`
	ThroughputPerSec  float64       `json:"throughput_per_sec"`
	PeakMemoryBytes   uint64        `json:"peak_memory_bytes"`
	ActualDowntime    time.Duration `json:"actual_downtime"`
	DowntimeExceeded  bool          `json:"downtime_exceeded"`
	ReadsAvailable    bool          `json:"reads_available"`
	WritesAvailable   bool          `json:"writes_available"`
	PhaseResults      []PhaseResult `json:"phase_results"`
	AggregatedMetrics PhaseMetrics  `json:"aggregated_metrics"`
	Sync              SyncStats     `json:"sync"`
}

// SyncState - состояние фоновой синхронизации.
// Пишет в него только SyncEngine, оркестратор лишь читает,
// поэтому вместо мьютекса достаточно атомиков.
type SyncState struct {
	active        atomic.Bool
	lastSyncNanos atomic.Int64
	pending       atomic.Int64
	errors        atomic.Int64
	conflicts     atomic.Int64
}

// NewSyncState создает неактивное состояние синхронизации
func NewSyncState() *SyncState {
	return &SyncState{}
}

func (s *SyncState) IsActive() bool { return s.active.Load() }

func (s *SyncState) SetActive(v bool) { s.active.Store(v) }

// LastSyncTime - момент последней успешной итерации; нулевое время, если их не было
func (s *SyncState) LastSyncTime() time.Time {
	nanos := s.lastSyncNanos.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

func (s *SyncState) SetLastSyncTime(t time.Time) { s.lastSyncNanos.Store(t.UnixNano()) }

func (s *SyncState) PendingUpdates() int64 { return s.pending.Load() }

func (s *SyncState) SetPendingUpdates(n int64) {
	if n < 0 {
		n = 0
	}
	s.pending.Store(n)
}

// AddPendingUpdates изменяет счетчик с нижней границей в ноль
func (s *SyncState) AddPendingUpdates(delta int64) {
	for {
		cur := s.pending.Load()
		next := cur + delta
		if next < 0 {
			next = 0
		}
		if s.pending.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (s *SyncState) SyncErrors() int64 { return s.errors.Load() }

func (s *SyncState) IncSyncErrors() { s.errors.Add(1) }

func (s *SyncState) SyncConflicts() int64 { return s.conflicts.Load() }

func (s *SyncState) IncSyncConflicts() { s.conflicts.Add(1) }

// Reset возвращает состояние к неактивному виду при завершении работы
func (s *SyncState) Reset() {
	s.active.Store(false)
	s.lastSyncNanos.Store(0)
	s.pending.Store(0)
	s.errors.Store(0)
	s.conflicts.Store(0)
}

// Ошибки уровня миграции
var (
	// ErrInsufficientResources - подготовка выявила нехватку памяти или недоступное хранилище
	ErrInsufficientResources = errors.New("insufficient resources for migration")
	// ErrExcessiveSyncErrors - фоновая синхронизация накопила слишком много ошибок
	ErrExcessiveSyncErrors = errors.New("excessive sync errors during incremental sync")
	// ErrSnapshotExtraction - экстрактор снапшота сообщил о провале
	ErrSnapshotExtraction = errors.New("snapshot extraction failed")
	// ErrConflictAlreadyResolved - повторное разрешение уже разрешенного конфликта
	ErrConflictAlreadyResolved = errors.New("conflict already resolved")
	// ErrConflictNotFound - конфликт с таким id не зарегистрирован
	ErrConflictNotFound = errors.New("conflict not found")
)
