// Package health отдаёт liveness/readiness и сводный статус зависимостей.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status представляет статус компонента
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const defaultCheckTimeout = 2 * time.Second

// Check хранит результат проверки одной зависимости.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Critical   bool   `json:"critical"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Report — сводка по всем зависимостям, которую отдаёт /healthz.
type Report struct {
	Status        Status           `json:"status"`
	Version       string           `json:"version,omitempty"`
	CheckedAt     time.Time        `json:"checked_at"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Checks        map[string]Check `json:"checks,omitempty"`
}

// Blocking возвращает отсортированные имена критичных зависимостей, которые не отвечают.
func (r Report) Blocking() []string {
	var names []string
	for name, check := range r.Checks {
		if check.Critical && check.Status == StatusUnhealthy {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Aggregate сводит статусы: любой unhealthy побеждает, затем degraded.
func Aggregate(checks map[string]Check) Status {
	overall := StatusHealthy
	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// Checker проверяет здоровье компонента в пределах ctx.
type Checker interface {
	Check(ctx context.Context) Check
}

// Option настраивает Handler.
type Option func(*Handler)

// WithTimeout задаёт общий таймаут одного прогона проверок.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithClock подменяет часы, используется в тестах.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// Handler собирает проверки зависимостей и отдаёт их по HTTP.
type Handler struct {
	mu       sync.RWMutex
	checkers map[string]Checker

	version   string
	timeout   time.Duration
	now       func() time.Time
	startedAt time.Time
}

// NewHandler создаёт health handler.
func NewHandler(version string, opts ...Option) *Handler {
	h := &Handler{
		checkers: make(map[string]Checker),
		version:  version,
		timeout:  defaultCheckTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.startedAt = h.now()
	return h
}

// RegisterChecker регистрирует проверку; повторная регистрация имени заменяет прежнюю.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

// Names возвращает имена зарегистрированных проверок по алфавиту.
func (h *Handler) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.checkers))
	for name := range h.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Evaluate опрашивает все зависимости параллельно под общим таймаутом.
func (h *Handler) Evaluate(ctx context.Context) Report {
	h.mu.RLock()
	checkers := make(map[string]Checker, len(h.checkers))
	for name, checker := range h.checkers {
		checkers[name] = checker
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	type result struct {
		name  string
		check Check
	}
	results := make(chan result, len(checkers))
	for name, checker := range checkers {
		go func(name string, checker Checker) {
			results <- result{name: name, check: checker.Check(ctx)}
		}(name, checker)
	}

	checks := make(map[string]Check, len(checkers))
	for range checkers {
		r := <-results
		checks[r.name] = r.check
	}

	now := h.now()
	return Report{
		Status:        Aggregate(checks),
		Version:       h.version,
		CheckedAt:     now,
		UptimeSeconds: int64(now.Sub(h.startedAt).Seconds()),
		Checks:        checks,
	}
}

// ServeHTTP отдаёт отчёт в JSON; 503, если не отвечает критичная зависимость.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := h.Evaluate(r.Context())

	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}

// ReadinessHandler снимает готовность, пока хотя бы одна критичная зависимость недоступна.
// Деградация некритичных компонентов готовность не снимает.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if blocking := h.Evaluate(r.Context()).Blocking(); len(blocking) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: " + strings.Join(blocking, ", ")))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// LivenessHandler отвечает 200, пока процесс жив.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type pingChecker struct {
	name     string
	ping     func(ctx context.Context) error
	critical bool
}

// NewPingChecker создаёт проверку критичной зависимости: ошибка ping даёт unhealthy.
func NewPingChecker(name string, ping func(ctx context.Context) error) Checker {
	return pingChecker{name: name, ping: ping, critical: true}
}

// NewOptionalChecker создаёт проверку зависимости, без которой сервис работает
// в урезанном режиме: ошибка ping даёт degraded.
func NewOptionalChecker(name string, ping func(ctx context.Context) error) Checker {
	return pingChecker{name: name, ping: ping}
}

func (c pingChecker) Check(ctx context.Context) Check {
	start := time.Now()
	err := c.ping(ctx)
	check := Check{Name: c.name, Status: StatusHealthy, Critical: c.critical, DurationMs: time.Since(start).Milliseconds()}
	if err == nil {
		return check
	}

	check.Message = err.Error()
	check.Status = StatusDegraded
	if c.critical {
		check.Status = StatusUnhealthy
	}
	return check
}
