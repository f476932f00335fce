package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samhotchkiss/popo-bridge/internal/config"
	"github.com/samhotchkiss/popo-bridge/internal/event"
	"github.com/samhotchkiss/popo-bridge/internal/metrics"
)

type stubDispatcher struct{}

func (stubDispatcher) Dispatch(context.Context, config.BotSettings, *event.RobotEvent) error {
	return nil
}

func newRouter() http.Handler {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewRouter(RouterOptions{
		Bots: config.Bots{
			"team-b": {ID: "team-b", Token: "token", AESKey: "PFPsJJk5AnYEJwcXHeDdwBm6f2AQCsGF"},
			"team-a": {ID: "team-a", Token: "token", AESKey: "PFPsJJk5AnYEJwcXHeDdwBm6f2AQCsGF"},
		},
		Dispatcher: stubDispatcher{},
		Logger:     logger,
	})
}

func TestRootListsDeploymentsSorted(t *testing.T) {
	rec := httptest.NewRecorder()
	newRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Deployments []string `json:"deployments"`
		Callback    string   `json:"callback"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"team-a", "team-b"}, body.Deployments)
	assert.Equal(t, "/bots/{deployment}/callback", body.Callback)
}

func TestMetricsIncludesPoolWhenRegistered(t *testing.T) {
	metrics.ResetForTests()
	metrics.RegisterPool(func() metrics.PoolMetrics {
		return metrics.PoolMetrics{Capacity: 8, Running: 3, Free: 5}
	})
	t.Cleanup(metrics.ResetForTests)

	rec := httptest.NewRecorder()
	newRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/bots/team-a/callback", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	newRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot metrics.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	require.NotNil(t, snapshot.Pool)
	assert.Equal(t, 3, snapshot.Pool.Running)
	assert.EqualValues(t, 1, snapshot.Deployments["team-a"].CallbacksTotal)
}

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()

	newRouter().ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
