package migration

import (
	"sync"

	"github.com/rx3lixir/migration-service/internal/config"
	"github.com/rx3lixir/migration-service/pkg/logger"
)

// EventName - имя события жизненного цикла миграции
type EventName string

const (
	EventMigrationStarted     EventName = "migration:started"
	EventMigrationCompleted   EventName = "migration:completed"
	EventMigrationFailed      EventName = "migration:failed"
	EventPhaseStarted         EventName = "phase:started"
	EventPhaseCompleted       EventName = "phase:completed"
	EventPhaseFailed          EventName = "phase:failed"
	EventConflictManualReview EventName = "conflict:manual_review_required"
	EventConflictResolved     EventName = "conflict:resolved"
	EventMetricsUpdated       EventName = "metrics:updated"
)

// Listener - подписчик на событие. Паника подписчика изолируется
// и не прерывает ни эмиттер, ни остальных подписчиков.
type Listener func(payload any)

// Emitter - реестр подписчиков по именам событий
type Emitter struct {
	mu        sync.RWMutex
	listeners map[EventName][]Listener
	log       logger.Logger
}

// NewEmitter создает пустой эмиттер
func NewEmitter(log logger.Logger) *Emitter {
	return &Emitter{
		listeners: make(map[EventName][]Listener),
		log:       log,
	}
}

// Subscribe регистрирует подписчика на событие
func (e *Emitter) Subscribe(name EventName, fn Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[name] = append(e.listeners[name], fn)
}

// Emit синхронно вызывает всех подписчиков события.
// Каждый вызов изолирован: паника одного подписчика логируется
// и не мешает остальным.
func (e *Emitter) Emit(name EventName, payload any) {
	e.mu.RLock()
	subs := make([]Listener, len(e.listeners[name]))
	copy(subs, e.listeners[name])
	e.mu.RUnlock()

	for _, fn := range subs {
		e.safeInvoke(name, fn, payload)
	}
}

func (e *Emitter) safeInvoke(name EventName, fn Listener, payload any) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("event listener panicked",
				"event", string(name),
				"panic", r,
			)
		}
	}()
	fn(payload)
}

// Payload типы основных событий

// PhaseStartedPayload сопровождает phase:started
type PhaseStartedPayload struct {
	MigrationID string
	Phase       MigrationPhase
}

// MigrationStartedPayload сопровождает migration:started и несет
// эффективную конфигурацию прогона
type MigrationStartedPayload struct {
	MigrationID string
	Config      config.MigrationConfig
}

// ConflictResolvedPayload сопровождает conflict:resolved
type ConflictResolvedPayload struct {
	ConflictID string
	Resolution string
}
