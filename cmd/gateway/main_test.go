package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talentmesh/gateway/internal/balancer"
	"github.com/talentmesh/gateway/internal/config"
	"github.com/talentmesh/gateway/internal/health"
	"github.com/talentmesh/gateway/internal/observability"
	"github.com/talentmesh/gateway/internal/routing"
)

func TestLocalHandler(t *testing.T) {
	handler := localHandler(health.NewChecker("test"))

	t.Run("root banner", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "API Gateway is running", body["message"])
	})

	t.Run("health", func(t *testing.T) {
		for _, path := range []string{"/health", "/healthz", "/api/health"} {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
			assert.Equal(t, http.StatusOK, rec.Code, path)
		}
	})

	t.Run("unknown path", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/nope", nil))

		require.Equal(t, http.StatusNotFound, rec.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "route_not_found", body["error"])
	})
}

func TestApplyServices(t *testing.T) {
	table := routing.NewTable(nil)
	backends := balancer.NewRegistry()
	metrics := observability.NewMetrics("test")

	applyServices([]config.ServiceConfig{
		{
			Name:   "feedback-service",
			Prefix: "/api/v1/feedback",
			Endpoints: []config.EndpointConfig{
				{URL: "http://a:8001", Weight: 2},
				{URL: "http://b:8001", Weight: 1},
			},
		},
	}, table, backends, metrics)

	svc, ok := table.Resolve("/api/v1/feedback/1")
	require.True(t, ok)
	assert.Equal(t, "feedback-service", svc)
	assert.Len(t, backends.Endpoints("feedback-service"), 2)

	// A reload that drops the service removes it everywhere.
	applyServices(nil, table, backends, metrics)

	_, ok = table.Resolve("/api/v1/feedback/1")
	assert.False(t, ok)
	assert.Empty(t, backends.Services())
}
