package migration

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rx3lixir/migration-service/internal/config"
	"github.com/rx3lixir/migration-service/pkg/logger"
	"github.com/rx3lixir/migration-service/pkg/metrics"
)

// maxToleratedSyncErrors - порог, после которого накопленные ошибки
// фоновой синхронизации эскалируются в провал миграции
const maxToleratedSyncErrors = 10

// Deps - внешние коллабораторы оркестратора. Все зависимости передаются
// явно: оркестратор не тянется за глобальным состоянием.
type Deps struct {
	Store     TargetStore
	Extractor SourceExtractor
	Source    DeltaSource
	Log       logger.Logger
	Emitter   *Emitter
}

// Orchestrator ведет миграцию через фиксированную последовательность фаз,
// владеет жизненным циклом SyncEngine, измеряет простой cutover
// и запускает откат при провале.
type Orchestrator struct {
	cfg       config.MigrationConfig
	id        string
	store     TargetStore
	extractor SourceExtractor
	bulk      BulkMigrator
	engine    *SyncEngine
	resolver  *ConflictResolver
	state     *SyncState
	emitter   *Emitter
	log       logger.Logger

	// Изменяются только последовательным драйвером фаз
	phaseResults     []PhaseResult
	pendingWarnings  []string
	snapshot         *Snapshot
	initialCount     int
	finalSyncApplied int
	actualDowntime   time.Duration
	downtimeExceeded bool
	startTime        time.Time

	// Читаются и из цикла метрик
	peakMemory atomic.Uint64
	cpuSpent   atomic.Int64
}

// phaseStep связывает фазу с ее телом
type phaseStep struct {
	phase MigrationPhase
	fn    func(context.Context) (int, error)
}

// NewOrchestrator собирает оркестратор и его внутренние компоненты
func NewOrchestrator(cfg config.MigrationConfig, deps Deps) *Orchestrator {
	id := uuid.NewString()

	log := deps.Log
	if log == nil {
		log = logger.NewNop()
	}
	emitter := deps.Emitter
	if emitter == nil {
		emitter = NewEmitter(log)
	}

	state := NewSyncState()
	resolver := NewConflictResolver(ConflictPolicy(cfg.ConflictPolicy), id, deps.Store, emitter, log)

	engine := NewSyncEngine(id, deps.Source, deps.Store, resolver, state, log).
		WithMaxBatchSize(cfg.MaxSyncBatchSize).
		WithRetention(cfg.ChangeLogRetention)

	retry := NewRetryLogic(log).
		WithMaxRetries(cfg.RetryAttempts).
		WithBackoffFactor(cfg.BackoffMultiplier).
		WithOpTimeout(cfg.NetworkTimeout)

	bulk := NewBulkMigrator(deps.Store, retry, log, cfg.BatchSize, cfg.Concurrency)

	return &Orchestrator{
		cfg:       cfg,
		id:        id,
		store:     deps.Store,
		extractor: deps.Extractor,
		bulk:      bulk,
		engine:    engine,
		resolver:  resolver,
		state:     state,
		emitter:   emitter,
		log:       log.With("migration_id", id),
	}
}

// ID возвращает идентификатор прогона миграции
func (o *Orchestrator) ID() string { return o.id }

// Events возвращает эмиттер для подписки на события жизненного цикла
func (o *Orchestrator) Events() *Emitter { return o.emitter }

// Resolver возвращает резолвер конфликтов для ручного разрешения
func (o *Orchestrator) Resolver() *ConflictResolver { return o.resolver }

// State возвращает состояние фоновой синхронизации (только чтение)
func (o *Orchestrator) State() *SyncState { return o.state }

// Engine возвращает движок синхронизации. Журнал изменений движка
// используется для индексации аудита после прогона.
func (o *Orchestrator) Engine() *SyncEngine { return o.engine }

// ExecuteMigration последовательно выполняет все фазы миграции.
// При провале любой фазы строит MigrationResult{Success:false},
// делает best-effort откат и возвращает И результат, И ошибку фазы -
// оба способа наблюдения провала работают.
func (o *Orchestrator) ExecuteMigration(parentCtx context.Context) (*MigrationResult, error) {
	o.startTime = time.Now()

	ctx, cancel := context.WithTimeout(parentCtx, o.cfg.Timeout)
	defer cancel()

	o.log.Info("migration started",
		"strategy", o.cfg.Strategy,
		"real_time_sync", o.cfg.EnableRealTimeSync,
		"conflict_policy", o.cfg.ConflictPolicy,
	)
	o.emitter.Emit(EventMigrationStarted, MigrationStartedPayload{
		MigrationID: o.id,
		Config:      o.cfg,
	})

	metricsCtx, stopMetrics := context.WithCancel(context.Background())
	if o.cfg.EnableDetailedMetrics {
		go o.metricsLoop(metricsCtx)
	}

	// Ни один фоновый цикл не переживает прогон, удачный или нет
	defer func() {
		o.engine.Stop()
		stopMetrics()
		o.state.SetActive(false)
		o.releaseBuffers()
	}()

	var phaseErr error
	for _, step := range o.phasePlan() {
		if err := o.runPhase(ctx, step.phase, step.fn); err != nil {
			phaseErr = err
			break
		}
	}

	if phaseErr != nil {
		result := o.buildResult(false)
		if rbErr := o.rollback(); rbErr != nil {
			// Провал отката логируется, но не маскирует исходную ошибку
			o.log.Error("rollback failed", "error", rbErr)
		}
		o.emitter.Emit(EventMigrationFailed, result)
		o.log.Error("migration failed", "error", phaseErr, "execution_time", result.ExecutionTime)
		return result, phaseErr
	}

	result := o.buildResult(true)
	o.emitter.Emit(EventMigrationCompleted, result)
	o.log.Info("migration completed",
		"total_processed", result.TotalProcessed,
		"execution_time", result.ExecutionTime,
		"actual_downtime", result.ActualDowntime,
	)
	return result, nil
}

func (o *Orchestrator) phasePlan() []phaseStep {
	return []phaseStep{
		{PhasePreparing, o.phasePreparing},
		{PhaseExtractingSnapshot, o.phaseExtractingSnapshot},
		{PhaseInitialMigration, o.phaseInitialMigration},
		{PhaseSyncSetup, o.phaseSyncSetup},
		{PhaseIncrementalSync, o.phaseIncrementalSync},
		{PhaseValidation, o.phaseValidation},
		{PhaseCutoverPreparation, o.phaseCutoverPreparation},
		{PhaseCutover, o.phaseCutover},
		{PhasePostCutoverValidation, o.phasePostCutoverValidation},
		{PhaseCleanup, o.phaseCleanup},
	}
}

// runPhase - общая обвязка выполнения фазы: время, результат, события
func (o *Orchestrator) runPhase(ctx context.Context, phase MigrationPhase, fn func(context.Context) (int, error)) error {
	start := time.Now()
	o.emitter.Emit(EventPhaseStarted, PhaseStartedPayload{MigrationID: o.id, Phase: phase})
	o.log.Info("phase started", "phase", string(phase))

	items, err := fn(ctx)
	finished := time.Now()
	duration := finished.Sub(start)
	o.cpuSpent.Add(int64(duration))

	result := PhaseResult{
		Phase:          phase,
		StartedAt:      start,
		FinishedAt:     finished,
		Duration:       duration,
		ItemsProcessed: items,
		Warnings:       o.drainWarnings(),
		Metrics:        o.sampleMetrics(items, duration),
	}

	if err != nil {
		result.Success = false
		result.Errors = []string{err.Error()}
		o.phaseResults = append(o.phaseResults, result)
		metrics.RecordPhase(string(phase), false, duration)
		o.emitter.Emit(EventPhaseFailed, result)
		o.log.Error("phase failed",
			"phase", string(phase),
			"duration", duration,
			"error", err,
		)
		return fmt.Errorf("phase %s: %w", phase, err)
	}

	result.Success = true
	o.phaseResults = append(o.phaseResults, result)
	metrics.RecordPhase(string(phase), true, duration)
	o.emitter.Emit(EventPhaseCompleted, result)
	o.log.Info("phase completed",
		"phase", string(phase),
		"duration", duration,
		"items", items,
	)
	return nil
}

// phasePreparing проверяет ресурсы до любого движения данных:
// дешевле упасть сейчас, чем исчерпать память на середине миграции
func (o *Orchestrator) phasePreparing(ctx context.Context) (int, error) {
	if err := o.store.Ping(ctx); err != nil {
		return 0, fmt.Errorf("%w: target store unreachable: %v", ErrInsufficientResources, err)
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	usedMB := m.Alloc / (1024 * 1024)
	if usedMB >= uint64(o.cfg.MemoryLimitMB) {
		return 0, fmt.Errorf("%w: heap usage %dMB exceeds limit %dMB",
			ErrInsufficientResources, usedMB, o.cfg.MemoryLimitMB)
	}

	for _, kind := range EntityKinds() {
		count, err := o.store.Count(ctx, kind)
		if err != nil {
			return 0, fmt.Errorf("%w: repository %s is not answering: %v",
				ErrInsufficientResources, kind, err)
		}
		o.log.Debug("repository reachable", "kind", string(kind), "existing_rows", count)
	}

	return 0, nil
}

func (o *Orchestrator) phaseExtractingSnapshot(ctx context.Context) (int, error) {
	res, err := o.extractor.ExtractAllData(ctx, o.extractOptions())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSnapshotExtraction, err)
	}
	if !res.Success {
		return 0, fmt.Errorf("%w: %s", ErrSnapshotExtraction, strings.Join(res.Errors, "; "))
	}

	for _, w := range res.Warnings {
		o.warnf(w)
	}

	o.snapshot = res.Snapshot
	o.log.Info("snapshot extracted",
		"total_items", res.Snapshot.TotalItems(),
		"extract_duration", res.Stats.Duration,
	)
	return res.Snapshot.TotalItems(), nil
}

func (o *Orchestrator) phaseInitialMigration(ctx context.Context) (int, error) {
	n, err := o.bulk.MigrateSnapshot(ctx, o.snapshot, o.id)
	o.initialCount = n
	return n, err
}

func (o *Orchestrator) phaseSyncSetup(_ context.Context) (int, error) {
	if !o.cfg.EnableRealTimeSync {
		o.log.Info("real-time sync disabled, sync setup skipped")
		return 0, nil
	}
	o.engine.Start(o.cfg.SyncInterval)
	return 0, nil
}

// phaseIncrementalSync дает фоновому циклу время нагнать живые данные,
// затем проверяет, что синхронизация не деградировала
func (o *Orchestrator) phaseIncrementalSync(ctx context.Context) (int, error) {
	if !o.cfg.EnableRealTimeSync {
		o.log.Info("real-time sync disabled, incremental sync window skipped")
		return 0, nil
	}

	wait := o.cfg.Timeout / 4
	if wait > 30*time.Second {
		wait = 30 * time.Second
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(wait):
	}

	if errs := o.state.SyncErrors(); errs > maxToleratedSyncErrors {
		return 0, fmt.Errorf("%w: %d errors observed", ErrExcessiveSyncErrors, errs)
	}

	return int(o.engine.AppliedTotal()), nil
}

// phaseValidation собирает выборку из целевого хранилища; глубокая проверка
// корректности делается валидатором вне фаз, чтобы фаза оставалась короткой
func (o *Orchestrator) phaseValidation(ctx context.Context) (int, error) {
	sample := int(float64(o.cfg.BatchSize) * o.cfg.ValidationSampleRate)
	if sample < 1 {
		sample = 1
	}

	checked := 0
	for _, kind := range EntityKinds() {
		records, err := o.store.Sample(ctx, kind, sample)
		if err != nil {
			return checked, fmt.Errorf("failed to sample %s: %w", kind, err)
		}
		checked += len(records)
		o.log.Info("validation sample collected", "kind", string(kind), "records", len(records))
	}

	return checked, nil
}

func (o *Orchestrator) phaseCutoverPreparation(ctx context.Context) (int, error) {
	if pending := o.state.PendingUpdates(); pending > int64(o.cfg.MaxSyncBatchSize) {
		msg := fmt.Sprintf("pending updates (%d) exceed max sync batch size (%d), cutover may run long",
			pending, o.cfg.MaxSyncBatchSize)
		o.warnf(msg)
		o.log.Warn("cutover preparation warning", "detail", msg)
	}

	// Прогрев соединения: cutover не должен платить за установку
	if err := o.store.Ping(ctx); err != nil {
		return 0, fmt.Errorf("failed to pre-warm store connection: %w", err)
	}

	return 0, nil
}

// phaseCutover - критический путь. Время внутри тела фазы и есть
// измеряемый простой.
func (o *Orchestrator) phaseCutover(ctx context.Context) (int, error) {
	// Таймер простоя накрывает всю последовательность cutover,
	// включая остановку фоновой синхронизации
	start := time.Now()
	o.engine.Stop()

	applied, err := o.engine.PerformFinalSync(ctx)
	o.actualDowntime = time.Since(start)
	metrics.CutoverDowntimeSeconds.Set(o.actualDowntime.Seconds())

	if err != nil {
		// Неудачный cutover не должен оставить систему рассинхронизированной:
		// фоновая синхронизация перезапускается до возврата ошибки
		if o.cfg.EnableRealTimeSync {
			o.engine.Start(o.cfg.SyncInterval)
		}
		return 0, err
	}

	o.finalSyncApplied = applied

	if o.actualDowntime > o.cfg.MaxDowntime {
		// Мягкое нарушение: фиксируем и продолжаем. Прерывание посреди
		// cutover оставило бы данные в неоднозначном состоянии.
		o.downtimeExceeded = true
		msg := fmt.Sprintf("cutover downtime %s exceeded ceiling %s", o.actualDowntime, o.cfg.MaxDowntime)
		o.warnf(msg)
		o.log.Warn("cutover downtime exceeded ceiling",
			"actual_downtime", o.actualDowntime,
			"max_downtime", o.cfg.MaxDowntime,
		)
	}

	o.log.Info("cutover completed",
		"final_sync_applied", applied,
		"actual_downtime", o.actualDowntime,
	)
	return applied, nil
}

func (o *Orchestrator) phasePostCutoverValidation(ctx context.Context) (int, error) {
	if err := o.store.Ping(ctx); err != nil {
		return 0, fmt.Errorf("target store unreachable after cutover: %w", err)
	}

	total := 0
	for _, kind := range EntityKinds() {
		count, err := o.store.Count(ctx, kind)
		if err != nil {
			return total, fmt.Errorf("repository %s failed post-cutover check: %w", kind, err)
		}
		total += int(count)
	}

	o.log.Info("post-cutover validation passed", "total_rows", total)
	return 0, nil
}

func (o *Orchestrator) phaseCleanup(_ context.Context) (int, error) {
	o.releaseBuffers()
	o.log.Info("transient migration buffers released")
	return 0, nil
}

// releaseBuffers идемпотентно освобождает временные буферы оркестратора
func (o *Orchestrator) releaseBuffers() {
	o.snapshot = nil
}

// rollback - best-effort удаление строк, созданных этим прогоном.
// Использует свежий контекст: контекст прогона к этому моменту
// может быть уже отменен.
func (o *Orchestrator) rollback() error {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.NetworkTimeout)
	defer cancel()

	deleted, err := o.store.DeleteByMigrationID(ctx, o.id)
	if err != nil {
		return fmt.Errorf("failed to roll back migrated rows: %w", err)
	}

	o.log.Info("rollback removed migrated rows", "rows", deleted)
	return nil
}

func (o *Orchestrator) extractOptions() ExtractOptions {
	return ExtractOptions{
		IncludeMarketData:         o.cfg.IncludeMarketData,
		IncludeStrategyData:       o.cfg.IncludeStrategyData,
		IncludeTradeHistory:       o.cfg.IncludeTradeHistory,
		IncludePortfolioSnapshots: o.cfg.IncludePortfolioSnapshots,
		MaxItemsPerCategory:       o.cfg.MaxItemsPerCategory,
		ValidateData:              o.cfg.ContinuousValidation,
		DryRun:                    o.cfg.DryRun,
	}
}

// metricsLoop - необязательный низкочастотный сборщик метрик
func (o *Orchestrator) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample := o.sampleMetrics(0, 0)
			metrics.MemoryUsageBytes.Set(float64(sample.MemoryBytes))
			st := o.store.Stats()
			metrics.UpdatePoolStats(st.TotalConns, st.IdleConns, st.AcquiredConns)
			o.emitter.Emit(EventMetricsUpdated, sample)
		}
	}
}

// sampleMetrics снимает показатели для PhaseResult и таймера метрик
func (o *Orchestrator) sampleMetrics(items int, duration time.Duration) PhaseMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	for {
		peak := o.peakMemory.Load()
		if m.Alloc <= peak || o.peakMemory.CompareAndSwap(peak, m.Alloc) {
			break
		}
	}

	throughput := 0.0
	if duration > 0 {
		throughput = float64(items) / duration.Seconds()
	}

	st := o.store.Stats()

	return PhaseMetrics{
		ThroughputPerSec: throughput,
		MemoryBytes:      m.Alloc,
		CPUTime:          time.Duration(o.cpuSpent.Load()),
		NetworkLatency:   o.measureLatency(),
		StoreConnections: st.TotalConns,
		CacheHitRate:     o.extractor.CacheHitRate(),
	}
}

// measureLatency замеряет время no-op запроса к хранилищу
func (o *Orchestrator) measureLatency() time.Duration {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	if err := o.store.Ping(ctx); err != nil {
		return 0
	}
	return time.Since(start)
}

func (o *Orchestrator) warnf(msg string) {
	o.pendingWarnings = append(o.pendingWarnings, msg)
}

func (o *Orchestrator) drainWarnings() []string {
	if len(o.pendingWarnings) == 0 {
		return nil
	}
	out := o.pendingWarnings
	o.pendingWarnings = nil
	return out
}

// buildResult строит финальный агрегат. Вызывается ровно один раз за прогон.
func (o *Orchestrator) buildResult(success bool) *MigrationResult {
	execTime := time.Since(o.startTime)
	succeeded, failed := o.bulk.Counters()
	applied := o.engine.AppliedTotal()
	detected, resolved := o.resolver.Stats()

	total := o.initialCount + int(applied)
	throughput := 0.0
	if execTime > 0 {
		throughput = float64(total) / execTime.Seconds()
	}

	return &MigrationResult{
		ID:                o.id,
		Success:           success,
		TotalProcessed:    total,
		TotalSucceeded:    int(succeeded) + int(applied),
		TotalFailed:       int(failed),
		ExecutionTime:     execTime,
		ThroughputPerSec:  throughput,
		PeakMemoryBytes:   o.peakMemory.Load(),
		ActualDowntime:    o.actualDowntime,
		DowntimeExceeded:  o.downtimeExceeded,
		ReadsAvailable:    o.cfg.MaintainReadAvailability,
		WritesAvailable:   o.cfg.MaintainWriteAvailability,
		PhaseResults:      append([]PhaseResult(nil), o.phaseResults...),
		AggregatedMetrics: o.sampleMetrics(total, execTime),
		Sync: SyncStats{
			RealTimeUpdates:   applied,
			ConflictsDetected: detected,
			ConflictsResolved: resolved,
		},
	}
}
