package migration

import (
	"context"
	"time"
)

// PoolStats - снимок состояния пула соединений целевого хранилища
type PoolStats struct {
	TotalConns    int32
	IdleConns     int32
	AcquiredConns int32
}

// TargetStore - контракт целевого реляционного хранилища.
// Ядро миграции трактует любую ошибку как жесткий провал фазы.
type TargetStore interface {
	// Ping - no-op запрос для проверки доступности
	Ping(ctx context.Context) error

	// Count возвращает число записей категории в целевом хранилище
	Count(ctx context.Context, kind EntityKind) (int64, error)

	// CreateBatch вставляет пачку записей, помечая их идентификатором миграции.
	// Возвращает число успешно записанных.
	CreateBatch(ctx context.Context, kind EntityKind, migrationID string, records []FieldMap) (int, error)

	// UpdateByEntityID обновляет перечисленные поля записи по ее внешнему идентификатору
	UpdateByEntityID(ctx context.Context, kind EntityKind, entityID string, fields FieldMap) error

	// GetByEntityID возвращает текущую версию записи или ошибку, если записи нет
	GetByEntityID(ctx context.Context, kind EntityKind, entityID string) (FieldMap, error)

	// Sample возвращает до limit записей категории для выборочной проверки
	Sample(ctx context.Context, kind EntityKind, limit int) ([]FieldMap, error)

	// ApplyChanges применяет порцию изменений как единое целое.
	// Возвращает число примененных изменений; при ошибке не применяется ничего.
	ApplyChanges(ctx context.Context, migrationID string, changes []*ChangeRecord) (int, error)

	// DeleteByMigrationID удаляет все записи, созданные данным прогоном миграции
	DeleteByMigrationID(ctx context.Context, migrationID string) (int64, error)

	// Stats возвращает состояние пула соединений
	Stats() PoolStats
}

// SourceExtractor - контракт экстрактора снапшота живых торговых данных
type SourceExtractor interface {
	ExtractAllData(ctx context.Context, opts ExtractOptions) (*ExtractResult, error)

	// CacheHitRate - доля попаданий в кэш живого хранилища, для метрик
	CacheHitRate() float64
}

// DeltaSource - источник инкрементальных изменений для SyncEngine.
// Путь односторонний (память -> хранилище); обратное направление
// оставлено как точка расширения.
type DeltaSource interface {
	// ChangesSince возвращает до limit несинхронизированных изменений,
	// обнаруженных после since, вместе с их общим количеством
	ChangesSince(ctx context.Context, since time.Time, limit int) (*ChangeSet, error)

	// MarkApplied помечает изменения как синхронизированные после успешного применения
	MarkApplied(ctx context.Context, ids []string) error
}
