package validation

import (
	"context"
	"fmt"
	"time"

	"github.com/rx3lixir/migration-service/internal/migration"
	"github.com/rx3lixir/migration-service/pkg/logger"
)

// SourceReader - доступ на чтение к живому in-memory хранилищу
type SourceReader interface {
	Get(kind migration.EntityKind, entityID string) (migration.FieldMap, bool)
	EntityIDs(kind migration.EntityKind) []string
}

// Config управляет глубиной проверки
type Config struct {
	// Доля записей каждой категории, попадающая в выборку
	SampleRate float64
	// Жесткий потолок выборки на категорию; 0 - без потолка
	MaxPerKind int
	// Минимальная доля совпавших записей для вердикта "успех"
	MinScore float64
}

// Mismatch описывает несоответствие поля между живыми данными и базой
type Mismatch struct {
	Kind        migration.EntityKind `json:"kind"`
	EntityID    string               `json:"entity_id"`
	Field       string               `json:"field"`
	SourceValue string               `json:"source_value"`
	TargetValue string               `json:"target_value"`
}

// Report - итог проверки целостности перенесенных данных
type Report struct {
	Success        bool          `json:"success"`
	OverallScore   float64       `json:"overall_score"`
	CheckedRecords int           `json:"checked_records"`
	CriticalIssues []string      `json:"critical_issues,omitempty"`
	Errors         []string      `json:"errors,omitempty"`
	Warnings       []string      `json:"warnings,omitempty"`
	Mismatches     []Mismatch    `json:"mismatches,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// comparableFields - поля, по которым сверяются копии записи
var comparableFields = map[migration.EntityKind][]string{
	migration.KindTrades:             {"symbol", "side", "quantity", "price", "strategy"},
	migration.KindMarketTicks:        {"symbol", "bid", "ask", "last", "volume"},
	migration.KindStrategyStates:     {"name", "symbol", "position", "pnl", "params"},
	migration.KindPortfolioSnapshots: {"equity", "cash", "open_positions"},
}

// Validator сверяет выборку записей между живым хранилищем и базой.
// Вызывается из внешнего потока миграции после завершения всех фаз,
// а не изнутри фазы VALIDATION - фаза остается короткой.
type Validator struct {
	store  migration.TargetStore
	source SourceReader
	log    logger.Logger
}

// New создает валидатор целостности
func New(store migration.TargetStore, source SourceReader, log logger.Logger) *Validator {
	return &Validator{
		store:  store,
		source: source,
		log:    log,
	}
}

// ValidateMigratedData выполняет выборочную пополевую сверку
func (v *Validator) ValidateMigratedData(ctx context.Context, cfg Config) (*Report, error) {
	start := time.Now()
	report := &Report{}

	matched := 0

	for _, kind := range migration.EntityKinds() {
		ids := v.source.EntityIDs(kind)
		sample := sampleSize(len(ids), cfg)
		if sample == 0 {
			continue
		}

		for _, entityID := range ids[:sample] {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			srcRec, ok := v.source.Get(kind, entityID)
			if !ok {
				continue
			}
			report.CheckedRecords++

			dbRec, err := v.store.GetByEntityID(ctx, kind, entityID)
			if err != nil {
				report.CriticalIssues = append(report.CriticalIssues,
					fmt.Sprintf("%s %s missing in target store: %v", kind, entityID, err))
				continue
			}

			mismatches := compareRecord(kind, entityID, srcRec, dbRec)
			if len(mismatches) == 0 {
				matched++
			} else {
				report.Mismatches = append(report.Mismatches, mismatches...)
			}
		}
	}

	if report.CheckedRecords > 0 {
		report.OverallScore = float64(matched) / float64(report.CheckedRecords)
	} else {
		report.OverallScore = 1
		report.Warnings = append(report.Warnings, "no records were available for validation")
	}

	report.Success = report.OverallScore >= cfg.MinScore && len(report.CriticalIssues) == 0
	report.Duration = time.Since(start)

	v.log.Info("integrity validation completed",
		"success", report.Success,
		"score", report.OverallScore,
		"checked", report.CheckedRecords,
		"critical_issues", len(report.CriticalIssues),
		"mismatches", len(report.Mismatches),
		"duration", report.Duration,
	)
	return report, nil
}

func sampleSize(total int, cfg Config) int {
	if total == 0 {
		return 0
	}
	n := int(float64(total) * cfg.SampleRate)
	if n < 1 {
		n = 1
	}
	if n > total {
		n = total
	}
	if cfg.MaxPerKind > 0 && n > cfg.MaxPerKind {
		n = cfg.MaxPerKind
	}
	return n
}

// compareRecord сверяет сопоставимые поля двух копий записи
func compareRecord(kind migration.EntityKind, entityID string, src, dst migration.FieldMap) []Mismatch {
	var mismatches []Mismatch
	for _, field := range comparableFields[kind] {
		srcVal, srcOk := src[field]
		dstVal, dstOk := dst[field]
		if !srcOk && !dstOk {
			continue
		}
		if fmt.Sprintf("%v", srcVal) != fmt.Sprintf("%v", dstVal) {
			mismatches = append(mismatches, Mismatch{
				Kind:        kind,
				EntityID:    entityID,
				Field:       field,
				SourceValue: fmt.Sprintf("%v", srcVal),
				TargetValue: fmt.Sprintf("%v", dstVal),
			})
		}
	}
	return mismatches
}
