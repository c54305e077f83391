package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealthCheckerAggregation(t *testing.T) {
	checker := NewHealthChecker()
	checker.Register("catalog", false, func(context.Context) error { return nil })
	checker.Register("redis", true, func(context.Context) error { return errors.New("down") })

	status := checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, StatusHealthy, status.Dependencies["catalog"].Status)
	assert.Equal(t, StatusDegraded, status.Dependencies["redis"].Status)

	checker.Register("catalog", false, func(context.Context) error { return errors.New("gone") })
	status = checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
}

func TestReadinessEndpoint(t *testing.T) {
	checker := NewHealthChecker()
	checker.Register("catalog", false, func(context.Context) error { return nil })

	mux := http.NewServeMux()
	RegisterHealthRoutes(mux, checker)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	checker.Register("catalog", false, func(context.Context) error { return errors.New("down") })
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
