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
	"go.uber.org/zap"
)

func TestCheckAggregatesComponents(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Register(NewChecker("vectors", func(context.Context) error { return nil }))
	m.Register(NewChecker("graph", func(context.Context) error { return nil }))

	report := m.Check(context.Background())
	assert.Equal(t, "ok", report.Status)
	require.Len(t, report.Components, 2)
	assert.Equal(t, "up", report.Components["vectors"].Status)
	assert.True(t, m.Healthy(context.Background()))
}

func TestCheckDegradedWhenAnyComponentFails(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Register(NewChecker("vectors", func(context.Context) error { return nil }))
	m.Register(NewChecker("kv", func(context.Context) error { return errors.New("connection refused") }))

	report := m.Check(context.Background())
	assert.Equal(t, "degraded", report.Status)
	assert.Equal(t, "down", report.Components["kv"].Status)
	assert.Equal(t, "connection refused", report.Components["kv"].Error)
	assert.Equal(t, "up", report.Components["vectors"].Status)
	assert.False(t, m.Healthy(context.Background()))
}

func TestCheckTimesOutSlowProbe(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Register(NewChecker("slow", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Second):
			return nil
		}
	}))

	start := time.Now()
	report := m.Check(context.Background())
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, "degraded", report.Status)
	assert.Equal(t, "down", report.Components["slow"].Status)
}

func TestHandlerStatusCodes(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Register(NewChecker("vectors", func(context.Context) error { return nil }))

	rec := httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "ok", report.Status)

	m.Register(NewChecker("graph", func(context.Context) error { return errors.New("boom") }))
	rec = httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEmptyManagerIsHealthy(t *testing.T) {
	m := NewManager(zap.NewNop())
	assert.True(t, m.Healthy(context.Background()))
}
