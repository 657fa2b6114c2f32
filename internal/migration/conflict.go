package migration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rx3lixir/migration-service/pkg/logger"
)

// ConflictPolicy - политика разрешения конфликтов, задаваемая на весь прогон
type ConflictPolicy string

const (
	PolicyLatestWins     ConflictPolicy = "latest_wins"
	PolicyMemoryPriority ConflictPolicy = "memory_priority"
	PolicyDBPriority     ConflictPolicy = "db_priority"
	PolicyManualReview   ConflictPolicy = "manual_review"
)

// ConflictType - классификация расхождения между копиями записи
type ConflictType string

const (
	ConflictValueMismatch   ConflictType = "VALUE_MISMATCH"
	ConflictVersionConflict ConflictType = "VERSION_CONFLICT"
	ConflictMissingRecord   ConflictType = "MISSING_RECORD"
)

// ResolutionState - состояние разрешения конфликта
type ResolutionState string

const (
	ResolutionPending        ResolutionState = "PENDING"
	ResolutionResolved       ResolutionState = "RESOLVED"
	ResolutionManualRequired ResolutionState = "MANUAL_REQUIRED"
)

// ResolutionChoice - выбор при ручном разрешении конфликта
type ResolutionChoice string

const (
	ChooseMemory   ResolutionChoice = "memory"
	ChooseDatabase ResolutionChoice = "database"
	ChooseMerge    ResolutionChoice = "merge"
)

// RecordVersion - одна из двух конфликтующих версий записи
type RecordVersion struct {
	Origin    Origin    `json:"origin"`
	Timestamp time.Time `json:"timestamp"`
	Fields    FieldMap  `json:"fields"`
}

// SyncConflict - запись, разошедшаяся между живым хранилищем и базой.
// Никогда не удаляется: трейл конфликтов сохраняется как аудит.
type SyncConflict struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	Kind       EntityKind      `json:"kind"`
	EntityID   string          `json:"entity_id"`
	Memory     *RecordVersion  `json:"memory"`
	Database   *RecordVersion  `json:"database,omitempty"`
	Type       ConflictType    `json:"type"`
	Resolution ResolutionState `json:"resolution"`
	ResolvedBy string          `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// ConflictResolver решает, какая версия записи побеждает,
// либо откладывает конфликт на ручное рассмотрение
type ConflictResolver struct {
	policy      ConflictPolicy
	store       TargetStore
	emitter     *Emitter
	log         logger.Logger
	migrationID string

	mu        sync.Mutex
	conflicts []*SyncConflict
	byID      map[string]*SyncConflict

	detected atomic.Int64
	resolved atomic.Int64
}

// NewConflictResolver создает резолвер с фиксированной политикой
func NewConflictResolver(policy ConflictPolicy, migrationID string, store TargetStore, emitter *Emitter, log logger.Logger) *ConflictResolver {
	return &ConflictResolver{
		policy:      policy,
		store:       store,
		emitter:     emitter,
		log:         log,
		migrationID: migrationID,
		byID:        make(map[string]*SyncConflict),
	}
}

// Policy возвращает активную политику разрешения
func (r *ConflictResolver) Policy() ConflictPolicy { return r.policy }

// Detect регистрирует конфликт между двумя версиями записи и,
// если политика позволяет, сразу разрешает его.
// Ошибка авторазрешения оставляет конфликт в PENDING и не прерывает миграцию.
func (r *ConflictResolver) Detect(ctx context.Context, kind EntityKind, entityID string, memVersion, dbVersion *RecordVersion) (*SyncConflict, error) {
	if memVersion == nil {
		return nil, fmt.Errorf("memory version is required for conflict detection")
	}

	conflict := &SyncConflict{
		ID:         uuid.NewString(),
		Timestamp:  time.Now(),
		Kind:       kind,
		EntityID:   entityID,
		Memory:     memVersion,
		Database:   dbVersion,
		Type:       classifyConflict(memVersion, dbVersion),
		Resolution: ResolutionPending,
	}

	r.mu.Lock()
	r.conflicts = append(r.conflicts, conflict)
	r.byID[conflict.ID] = conflict
	r.mu.Unlock()
	r.detected.Add(1)

	if r.policy == PolicyManualReview {
		// Ручная политика: ни одно хранилище не мутируется,
		// конфликт остается PENDING до явного ResolveConflict
		r.emitter.Emit(EventConflictManualReview, conflict)
		r.log.Warn("conflict requires manual review",
			"conflict_id", conflict.ID,
			"kind", string(kind),
			"entity_id", entityID,
			"type", string(conflict.Type),
		)
		return conflict, nil
	}

	winner := r.pickWinner(memVersion, dbVersion)
	if err := r.apply(ctx, conflict, winner.Fields); err != nil {
		// Ошибка разрешения локальна для конфликта: помечаем его
		// как требующий ручного вмешательства и продолжаем
		r.mu.Lock()
		conflict.Resolution = ResolutionManualRequired
		r.mu.Unlock()
		r.log.Error("automatic conflict resolution failed",
			"conflict_id", conflict.ID,
			"entity_id", entityID,
			"error", err,
		)
		return conflict, nil
	}

	r.markResolved(conflict, string(r.policy))
	return conflict, nil
}

// ResolveConflict явно разрешает конфликт по его id.
// Повторное разрешение уже разрешенного конфликта отклоняется.
func (r *ConflictResolver) ResolveConflict(ctx context.Context, conflictID string, choice ResolutionChoice) error {
	r.mu.Lock()
	conflict, ok := r.byID[conflictID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}
	if conflict.Resolution == ResolutionResolved {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConflictAlreadyResolved, conflictID)
	}
	r.mu.Unlock()

	var fields FieldMap
	switch choice {
	case ChooseMemory:
		fields = conflict.Memory.Fields
	case ChooseDatabase:
		if conflict.Database == nil {
			return fmt.Errorf("conflict %s has no database version to choose", conflictID)
		}
		fields = conflict.Database.Fields
	case ChooseMerge:
		fields = mergeFields(conflict.Memory, conflict.Database)
	default:
		return fmt.Errorf("unknown resolution choice: %s", choice)
	}

	if err := r.apply(ctx, conflict, fields); err != nil {
		return fmt.Errorf("failed to apply resolution for conflict %s: %w", conflictID, err)
	}

	r.markResolved(conflict, "manual:"+string(choice))
	return nil
}

// Conflicts возвращает трейл конфликтов, самые свежие первыми
func (r *ConflictResolver) Conflicts() []*SyncConflict {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*SyncConflict, len(r.conflicts))
	copy(out, r.conflicts)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// PendingConflicts возвращает конфликты, ожидающие разрешения
func (r *ConflictResolver) PendingConflicts() []*SyncConflict {
	var pending []*SyncConflict
	for _, c := range r.Conflicts() {
		if c.Resolution != ResolutionResolved {
			pending = append(pending, c)
		}
	}
	return pending
}

// Stats возвращает количество обнаруженных и разрешенных конфликтов
func (r *ConflictResolver) Stats() (detected, resolved int64) {
	return r.detected.Load(), r.resolved.Load()
}

// pickWinner выбирает версию-победителя согласно политике.
// При latest_wins равные таймстемпы отдают приоритет версии из памяти.
func (r *ConflictResolver) pickWinner(memVersion, dbVersion *RecordVersion) *RecordVersion {
	if dbVersion == nil {
		return memVersion
	}

	switch r.policy {
	case PolicyMemoryPriority:
		return memVersion
	case PolicyDBPriority:
		return dbVersion
	default: // latest_wins
		if dbVersion.Timestamp.After(memVersion.Timestamp) {
			return dbVersion
		}
		return memVersion
	}
}

// apply записывает выбранные поля в целевое хранилище
func (r *ConflictResolver) apply(ctx context.Context, conflict *SyncConflict, fields FieldMap) error {
	if conflict.Type == ConflictMissingRecord {
		_, err := r.store.CreateBatch(ctx, conflict.Kind, r.migrationID, []FieldMap{fields})
		return err
	}
	return r.store.UpdateByEntityID(ctx, conflict.Kind, conflict.EntityID, fields)
}

func (r *ConflictResolver) markResolved(conflict *SyncConflict, by string) {
	now := time.Now()
	r.mu.Lock()
	conflict.Resolution = ResolutionResolved
	conflict.ResolvedBy = by
	conflict.ResolvedAt = &now
	r.mu.Unlock()
	r.resolved.Add(1)

	r.emitter.Emit(EventConflictResolved, ConflictResolvedPayload{
		ConflictID: conflict.ID,
		Resolution: by,
	})
	r.log.Info("conflict resolved",
		"conflict_id", conflict.ID,
		"entity_id", conflict.EntityID,
		"resolved_by", by,
	)
}

// classifyConflict определяет тип расхождения
func classifyConflict(memVersion, dbVersion *RecordVersion) ConflictType {
	if dbVersion == nil {
		return ConflictMissingRecord
	}
	if !memVersion.Timestamp.Equal(dbVersion.Timestamp) {
		return ConflictVersionConflict
	}
	return ConflictValueMismatch
}

// mergeFields сливает две версии по-полево: берется ненулевое значение,
// при двух ненулевых приоритет у версии из памяти
func mergeFields(memVersion, dbVersion *RecordVersion) FieldMap {
	merged := make(FieldMap)
	if dbVersion != nil {
		for k, v := range dbVersion.Fields {
			if v != nil {
				merged[k] = v
			}
		}
	}
	for k, v := range memVersion.Fields {
		if v != nil {
			merged[k] = v
		}
	}
	return merged
}
