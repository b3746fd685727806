package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aristath/evolver/internal/domain"
	"github.com/aristath/evolver/internal/modules/evolution"
	"github.com/aristath/evolver/internal/modules/parser"
	"github.com/aristath/evolver/internal/modules/versioning"
	testingpkg "github.com/aristath/evolver/internal/testing"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// localOnlyRunner is a runner that only has a command for the local mode.
type localOnlyRunner struct {
	*testingpkg.MockRunner
}

func (localOnlyRunner) Modes() []domain.ExecutionMode {
	return []domain.ExecutionMode{domain.ModeLocal}
}

func newTestSessions(results ...*domain.RunResult) *evolution.SessionManager {
	return newTestSessionsWith(testingpkg.NewMockGenerator(), testingpkg.NewMockRunner(results...))
}

func newTestSessionsWith(generator domain.CandidateGenerator, runner domain.BacktestRunner) *evolution.SessionManager {
	cfg := evolution.DefaultConfig()
	cfg.MaxIterations = 1
	controller := evolution.NewController(
		testingpkg.NewMockLineageStore(),
		testingpkg.NewMockArtifactStore(),
		generator,
		runner,
		parser.New(parser.DefaultConfig()),
		versioning.NewNamer(zerolog.Nop()),
		nil,
		cfg,
		zerolog.Nop(),
	)
	return evolution.NewSessionManager(controller, zerolog.Nop())
}

func newTestRouter(t *testing.T, sessions *evolution.SessionManager) *chi.Mux {
	t.Helper()
	handler := NewHandler(sessions, zerolog.Nop())
	router := chi.NewRouter()
	require.NotPanics(t, func() {
		handler.RegisterRoutes(router)
	}, "RegisterRoutes should not panic")
	return router
}

func TestRegisterRoutes(t *testing.T) {
	router := newTestRouter(t, newTestSessions(nil))

	testCases := []struct {
		method string
		path   string
		name   string
	}{
		{"POST", "/families/momentum/stop", "Stop"},
		{"GET", "/sessions", "ListSessions"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
			if rec.Code == http.StatusNotFound {
				assert.Equal(t, "application/json", rec.Header().Get("Content-Type"), "route %s %s should be registered", tc.method, tc.path)
			}
			assert.NotEqual(t, http.StatusMethodNotAllowed, rec.Code)
		})
	}
}

func TestHandleEvolve_StartsSession(t *testing.T) {
	sessions := newTestSessions(nil) // backtest blocks until stopped
	router := newTestRouter(t, sessions)

	body := strings.NewReader(`{"iterations": 3, "goal": "trend following"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/families/momentum/evolve", body))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var info evolution.SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "momentum", info.Family)
	assert.True(t, info.Running)

	// A second request for the same family conflicts
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/families/momentum/evolve", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/sessions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Active []evolution.SessionInfo `json:"active"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Active, 1)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/families/momentum/stop", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sessions.Shutdown(ctx))
}

func TestHandleEvolve_Validation(t *testing.T) {
	router := newTestRouter(t, newTestSessions(nil))

	tests := []struct {
		name string
		path string
		body string
	}{
		{"invalid family", "/families/..x/evolve", ""},
		{"bad json", "/families/momentum/evolve", "{"},
		{"too many iterations", "/families/momentum/evolve", `{"iterations": 5000}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest("POST", tt.path, strings.NewReader(tt.body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandleEvolve_UnknownModeRejectedBeforeStart(t *testing.T) {
	generator := testingpkg.NewMockGenerator()
	sessions := newTestSessionsWith(generator, localOnlyRunner{testingpkg.NewMockRunner(nil)})
	router := newTestRouter(t, sessions)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/families/momentum/evolve", strings.NewReader(`{"mode": "cloud"}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Unknown mode")
	assert.Empty(t, sessions.Active())
	assert.Empty(t, generator.Requests())
}

func TestHandleStop_NoSession(t *testing.T) {
	router := newTestRouter(t, newTestSessions(nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/families/momentum/stop", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
