package health

import (
	"context"
	"sync"
	"time"
)

// Status - состояние проверки или сервиса в целом
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// CheckResult - результат одной проверки
type CheckResult struct {
	Status  Status         `json:"status"`
	Error   string         `json:"error,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Checker выполняет одну проверку здоровья
type Checker interface {
	Check(ctx context.Context) CheckResult
}

// CheckerFunc - адаптер функции к интерфейсу Checker
type CheckerFunc func(ctx context.Context) CheckResult

func (f CheckerFunc) Check(ctx context.Context) CheckResult {
	return f(ctx)
}

// Response - агрегированный ответ healthcheck
type Response struct {
	Status    Status                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Health - реестр именованных проверок
type Health struct {
	service string
	version string
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]Checker
}

// HealthOption настраивает Health
type HealthOption func(*Health)

// WithTimeout задает таймаут одной проверки
func WithTimeout(timeout time.Duration) HealthOption {
	return func(h *Health) {
		h.timeout = timeout
	}
}

// New создает реестр проверок
func New(service, version string, opts ...HealthOption) *Health {
	h := &Health{
		service: service,
		version: version,
		timeout: 5 * time.Second,
		checks:  make(map[string]Checker),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AddCheck регистрирует именованную проверку
func (h *Health) AddCheck(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = checker
}

// Check выполняет все проверки. Сервис считается DOWN,
// если упала хотя бы одна проверка.
func (h *Health) Check(ctx context.Context) Response {
	h.mu.RLock()
	checks := make(map[string]Checker, len(h.checks))
	for name, checker := range h.checks {
		checks[name] = checker
	}
	h.mu.RUnlock()

	response := Response{
		Status:    StatusUp,
		Service:   h.service,
		Version:   h.version,
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}

	for name, checker := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
		result := checker.Check(checkCtx)
		cancel()

		response.Checks[name] = result
		if result.Status == StatusDown {
			response.Status = StatusDown
		}
	}

	return response
}
