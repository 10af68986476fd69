/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-admissionkit/admission"
)

func newAdminTestServer(t *testing.T) (*admission.Engine, http.Handler) {
	t.Helper()
	engine := newTestEngine(t, generousPlan())
	router := chi.NewRouter()
	NewAdminAPI(engine, errDomain).Routes(router)
	return engine, router
}

func TestAdminAPIGetMetrics(t *testing.T) {
	engine, router := newAdminTestServer(t)

	_, err := engine.Allow("alice", "test")
	require.NoError(t, err)

	respRec := httptest.NewRecorder()
	router.ServeHTTP(respRec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, respRec.Code)

	var m admission.MetricsSnapshot
	require.NoError(t, json.Unmarshal(respRec.Body.Bytes(), &m))
	require.Equal(t, int64(1), m.TotalRequests)
	require.Equal(t, int64(1), m.AllowedRequests)
	require.Equal(t, 1, m.TrackedClients)
}

func TestAdminAPIGetClientUsage(t *testing.T) {
	engine, router := newAdminTestServer(t)

	t.Run("unknown client", func(t *testing.T) {
		respRec := httptest.NewRecorder()
		router.ServeHTTP(respRec, httptest.NewRequest(http.MethodGet, "/clients/ghost/usage", nil))
		require.Equal(t, http.StatusNotFound, respRec.Code)
		requireErrorCode(t, respRec, AdminErrCodeClientNotFound)
	})

	t.Run("tracked client", func(t *testing.T) {
		_, err := engine.Allow("alice", "test")
		require.NoError(t, err)

		respRec := httptest.NewRecorder()
		router.ServeHTTP(respRec, httptest.NewRequest(http.MethodGet, "/clients/alice/usage", nil))
		require.Equal(t, http.StatusOK, respRec.Code)

		var usage admission.ClientUsage
		require.NoError(t, json.Unmarshal(respRec.Body.Bytes(), &usage))
		require.Equal(t, "alice", usage.ClientID)
		require.Equal(t, "test", usage.Tier)
		require.Equal(t, 1, usage.MinuteCount)
	})
}

func TestAdminAPIResetClientLimits(t *testing.T) {
	engine, router := newAdminTestServer(t)

	_, err := engine.Allow("alice", "test")
	require.NoError(t, err)
	require.Equal(t, 1, engine.TrackedClients())

	respRec := httptest.NewRecorder()
	router.ServeHTTP(respRec, httptest.NewRequest(http.MethodPost, "/clients/alice/reset", nil))
	require.Equal(t, http.StatusNoContent, respRec.Code)
	require.Equal(t, 0, engine.TrackedClients())
}

func TestAdminAPISetCustomLimits(t *testing.T) {
	putLimits := func(router http.Handler, clientID string, body string) *httptest.ResponseRecorder {
		respRec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPut, fmt.Sprintf("/clients/%s/limits", clientID),
			bytes.NewReader([]byte(body)))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(respRec, req)
		return respRec
	}

	t.Run("override raises the client's quota", func(t *testing.T) {
		engine, router := newAdminTestServer(t)

		respRec := putLimits(router, "alice", `{"tier": "test", "requestsPerMinute": 2000, "burstCooldown": "30s"}`)
		require.Equal(t, http.StatusNoContent, respRec.Code)

		d, err := engine.Allow("alice", "test")
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.Equal(t, "2000", d.Headers[admission.HeaderRateLimitLimit])

		// Other clients of the tier keep the catalog plan.
		d, err = engine.Allow("bob", "test")
		require.NoError(t, err)
		require.Equal(t, "1000", d.Headers[admission.HeaderRateLimitLimit])
	})

	t.Run("unknown tier in overrides", func(t *testing.T) {
		_, router := newAdminTestServer(t)
		respRec := putLimits(router, "alice", `{"tier": "gold", "requestsPerMinute": 10}`)
		require.Equal(t, http.StatusBadRequest, respRec.Code)
		requireErrorCode(t, respRec, AdminErrCodeUnknownTier)
	})

	t.Run("missing tier without an existing override", func(t *testing.T) {
		_, router := newAdminTestServer(t)
		respRec := putLimits(router, "alice", `{"requestsPerMinute": 10}`)
		require.Equal(t, http.StatusBadRequest, respRec.Code)
		requireErrorCode(t, respRec, AdminErrCodeInvalidLimits)
	})

	t.Run("unknown override key", func(t *testing.T) {
		_, router := newAdminTestServer(t)
		respRec := putLimits(router, "alice", `{"tier": "test", "bogus": 1}`)
		require.Equal(t, http.StatusBadRequest, respRec.Code)
		requireErrorCode(t, respRec, AdminErrCodeInvalidLimits)
	})

	t.Run("invalid quota value", func(t *testing.T) {
		_, router := newAdminTestServer(t)
		respRec := putLimits(router, "alice", `{"tier": "test", "requestsPerMinute": -5}`)
		require.Equal(t, http.StatusBadRequest, respRec.Code)
		requireErrorCode(t, respRec, AdminErrCodeInvalidLimits)
	})

	t.Run("malformed body", func(t *testing.T) {
		_, router := newAdminTestServer(t)
		respRec := putLimits(router, "alice", `{"tier": `)
		require.Equal(t, http.StatusBadRequest, respRec.Code)
	})
}

func TestAdminAPIRemoveCustomLimits(t *testing.T) {
	engine, router := newAdminTestServer(t)

	require.NoError(t, engine.SetCustomLimits("alice", map[string]interface{}{
		"tier": "test", "requestsPerMinute": 1,
	}))
	d, err := engine.Allow("alice", "test")
	require.NoError(t, err)
	require.Equal(t, "1", d.Headers[admission.HeaderRateLimitLimit])

	respRec := httptest.NewRecorder()
	router.ServeHTTP(respRec, httptest.NewRequest(http.MethodDelete, "/clients/alice/limits", nil))
	require.Equal(t, http.StatusNoContent, respRec.Code)

	d, err = engine.Allow("alice", "test")
	require.NoError(t, err)
	require.Equal(t, "1000", d.Headers[admission.HeaderRateLimitLimit])
}
