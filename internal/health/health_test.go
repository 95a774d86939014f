package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okPing(context.Context) error { return nil }

func failPing(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func serve(t *testing.T, handler http.Handler, path string) (*httptest.ResponseRecorder, Report) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var report Report
	require.NoError(t, json.NewDecoder(w.Body).Decode(&report))
	return w, report
}

func TestHealthHandler(t *testing.T) {
	started := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := started
	handler := NewHandler("v1.0.0", WithClock(func() time.Time { return clock }))
	handler.RegisterChecker("postgres", NewPingChecker("postgres", okPing))
	clock = started.Add(90 * time.Second)

	w, report := serve(t, handler, "/healthz")

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, "v1.0.0", report.Version)
	assert.Equal(t, int64(90), report.UptimeSeconds)
	assert.True(t, report.CheckedAt.Equal(clock))
	require.Len(t, report.Checks, 1)
	assert.True(t, report.Checks["postgres"].Critical)
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("postgres", NewPingChecker("postgres", failPing("connection refused")))
	handler.RegisterChecker("redis", NewOptionalChecker("redis", okPing))

	w, report := serve(t, handler, "/healthz")

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", w.Code)
	}
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, "connection refused", report.Checks["postgres"].Message)
	assert.Equal(t, []string{"postgres"}, report.Blocking())
}

func TestHealthHandler_OptionalFailureDegrades(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("postgres", NewPingChecker("postgres", okPing))
	handler.RegisterChecker("rabbitmq", NewOptionalChecker("rabbitmq", failPing("channel closed")))

	w, report := serve(t, handler, "/healthz")

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 for degraded, got %d", w.Code)
	}
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, StatusDegraded, report.Checks["rabbitmq"].Status)
	assert.False(t, report.Checks["rabbitmq"].Critical)
	assert.Empty(t, report.Blocking())
}

func TestHealthHandler_CheckTimeout(t *testing.T) {
	handler := NewHandler("v1.0.0", WithTimeout(20*time.Millisecond))
	handler.RegisterChecker("redis", NewPingChecker("redis", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	report := handler.Evaluate(context.Background())

	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), report.Checks["redis"].Message)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]Check
		want   Status
	}{
		{name: "nothing registered", want: StatusHealthy},
		{name: "all healthy", checks: map[string]Check{"a": {Status: StatusHealthy}, "b": {Status: StatusHealthy}}, want: StatusHealthy},
		{name: "degraded wins over healthy", checks: map[string]Check{"a": {Status: StatusHealthy}, "b": {Status: StatusDegraded}}, want: StatusDegraded},
		{name: "unhealthy wins over degraded", checks: map[string]Check{"a": {Status: StatusDegraded}, "b": {Status: StatusUnhealthy}}, want: StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Aggregate(tt.checks))
		})
	}
}

func TestLivenessHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()

	LivenessHandler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	assert.Equal(t, "ok", w.Body.String())
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name     string
		checkers map[string]Checker
		wantCode int
		wantBody string
	}{
		{
			name:     "ready",
			checkers: map[string]Checker{"postgres": NewPingChecker("postgres", okPing)},
			wantCode: http.StatusOK,
			wantBody: "ready",
		},
		{
			name: "critical down lists blockers",
			checkers: map[string]Checker{
				"redis":    NewPingChecker("redis", failPing("down")),
				"postgres": NewPingChecker("postgres", failPing("down")),
			},
			wantCode: http.StatusServiceUnavailable,
			wantBody: "not ready: postgres, redis",
		},
		{
			name:     "optional down stays ready",
			checkers: map[string]Checker{"kafka": NewOptionalChecker("kafka", failPing("down"))},
			wantCode: http.StatusOK,
			wantBody: "ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler("v1.0.0")
			for name, checker := range tt.checkers {
				handler.RegisterChecker(name, checker)
			}

			req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
			w := httptest.NewRecorder()
			handler.ReadinessHandler(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantBody, w.Body.String())
		})
	}
}

func TestHandler_NamesAndReplace(t *testing.T) {
	handler := NewHandler("dev")
	handler.RegisterChecker("redis", NewOptionalChecker("redis", okPing))
	handler.RegisterChecker("rabbitmq", NewPingChecker("rabbitmq", okPing))
	handler.RegisterChecker("redis", NewPingChecker("redis", failPing("gone")))

	assert.Equal(t, []string{"rabbitmq", "redis"}, handler.Names())
	assert.Equal(t, []string{"redis"}, handler.Evaluate(context.Background()).Blocking())
}
