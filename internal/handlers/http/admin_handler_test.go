package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"rtcore/internal/core/domain"
	"rtcore/internal/core/ports"
	"rtcore/internal/core/services"
	"rtcore/internal/infrastructure/middleware"
	"rtcore/internal/infrastructure/monitoring"
)

type stubSignaling struct{}

func (stubSignaling) Join(ctx context.Context, p ports.JoinParams) (*ports.JoinAck, error) {
	return &ports.JoinAck{UID: p.UID}, nil
}
func (stubSignaling) Leave(ctx context.Context) error                                 { return nil }
func (stubSignaling) RenewToken(ctx context.Context, token string) error              { return nil }
func (stubSignaling) SetClientRole(ctx context.Context, role domain.ClientRole) error { return nil }
func (stubSignaling) Publish(ctx context.Context, kind domain.MediaKind, enabled bool) error {
	return nil
}
func (stubSignaling) Subscribe(ctx context.Context, uid domain.UID, kind domain.MediaKind, enabled bool) error {
	return nil
}
func (stubSignaling) SetLocalFallback(ctx context.Context, level domain.FallbackLevel) error {
	return nil
}
func (stubSignaling) SetRemoteFallback(ctx context.Context, uid domain.UID, level domain.FallbackLevel) error {
	return nil
}
func (stubSignaling) SetListener(l ports.TransportListener) {}
func (stubSignaling) Close() error                          { return nil }

type stubRelay struct{}

func (stubRelay) Open(ctx context.Context, source domain.ChannelMediaInfo) error        { return nil }
func (stubRelay) AddDestination(ctx context.Context, dest domain.ChannelMediaInfo) error { return nil }
func (stubRelay) RemoveDestination(ctx context.Context, channel string) error            { return nil }
func (stubRelay) Pause(ctx context.Context) error                                        { return nil }
func (stubRelay) Resume(ctx context.Context) error                                       { return nil }
func (stubRelay) Close(ctx context.Context) error                                        { return nil }
func (stubRelay) SetListener(l ports.RelayListener)                                      {}

type stubStats struct{}

func (stubStats) Collect(ctx context.Context) (domain.TransportSnapshot, error) {
	return domain.TransportSnapshot{}, nil
}

// blockingLastmile measures until its context ends.
type blockingLastmile struct{}

func (blockingLastmile) Probe(ctx context.Context, cfg domain.ProbeConfig) (domain.ProbeMeasurement, error) {
	<-ctx.Done()
	return domain.ProbeMeasurement{}, ctx.Err()
}

type stubFactory struct{}

func (stubFactory) NewSignaling() (ports.SignalingTransport, error) { return stubSignaling{}, nil }
func (stubFactory) NewRelay() (ports.RelayTransport, error)         { return stubRelay{}, nil }
func (stubFactory) NewStatsSource(ports.SignalingTransport) ports.StatsSource {
	return stubStats{}
}

type adminFixture struct {
	router  *gin.Engine
	engine  *services.Engine
	session *services.Session
	health  *monitoring.HealthChecker
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zaptest.NewLogger(t).Sugar()

	cfg := services.DefaultEngineConfig("app0001")
	cfg.Telemetry.Interval = time.Hour
	engine, err := services.NewEngine(cfg, stubFactory{}, blockingLastmile{}, log)
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	s, err := engine.CreateSession()
	require.NoError(t, err)
	go func() {
		for range s.Events() {
		}
	}()

	reg := prometheus.NewRegistry()
	collector := monitoring.NewPrometheusCollector(reg)
	collector.Observe(s.ID(), domain.ConnectionStateChanged{State: domain.ConnectionStateDisconnected})

	health := monitoring.NewHealthChecker()
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(log))
	NewAdminHandler(engine, health, reg).SetupRoutes(router, router.Group("/api/v1"))

	return &adminFixture{router: router, engine: engine, session: s, health: health}
}

func (f *adminFixture) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func (f *adminFixture) join(t *testing.T) {
	t.Helper()
	require.NoError(t, f.session.Join(context.Background(), "room-1", "opaque-token", 42, domain.DefaultJoinOptions()))
	require.Eventually(t, func() bool {
		return f.session.State() == domain.ConnectionStateConnected
	}, 2*time.Second, 5*time.Millisecond)
}

func relayBody(channels ...string) gin.H {
	dests := make([]gin.H, 0, len(channels))
	for i, ch := range channels {
		dests = append(dests, gin.H{"channel": ch, "token": "opaque-token", "uid": 100 + i})
	}
	return gin.H{"source": gin.H{"channel": "room-1"}, "destinations": dests}
}

func TestAdmin_HealthAndReady(t *testing.T) {
	f := newAdminFixture(t)

	w, body := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["sessions"])

	w, _ = f.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	f.health.AddCheck("signal", time.Second, func(ctx context.Context) error {
		return errors.New("unreachable")
	})
	w, body = f.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestAdmin_Metrics(t *testing.T) {
	f := newAdminFixture(t)

	w, _ := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rtcore_sessions")
}

func TestAdmin_ListAndGetSession(t *testing.T) {
	f := newAdminFixture(t)

	w, body := f.do(t, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sessions := body["sessions"].([]interface{})
	require.Len(t, sessions, 1)
	view := sessions[0].(map[string]interface{})
	assert.Equal(t, f.session.ID(), view["id"])
	assert.Equal(t, "disconnected", view["state"])
	assert.Equal(t, "idle", view["relay"])
	assert.Equal(t, "disabled", view["local_fallback"])
	assert.Equal(t, "audio_only_and_reduced_bitrate", view["remote_fallback"])

	require.NoError(t, f.session.SetLocalPublishFallbackOption(domain.FallbackAudioOnly))

	w, body = f.do(t, http.MethodGet, "/api/v1/sessions/"+f.session.ID(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	view = body["session"].(map[string]interface{})
	assert.Equal(t, f.session.ID(), view["id"])
	assert.Equal(t, "audio_only", view["local_fallback"])

	w, body = f.do(t, http.MethodGet, "/api/v1/sessions/missing/stats", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", body["error"])
}

func TestAdmin_RelayRequiresConnectedSource(t *testing.T) {
	f := newAdminFixture(t)
	path := "/api/v1/sessions/" + f.session.ID() + "/relay"

	w, body := f.do(t, http.MethodPost, path, relayBody("dest-1"))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATE", body["error"])

	w, _ = f.do(t, http.MethodPost, path+"/pause", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// stopping an idle relay is fine
	w, body = f.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "idle", body["relay"].(map[string]interface{})["state"])
}

func TestAdmin_RelayRejectsBadConfig(t *testing.T) {
	f := newAdminFixture(t)
	path := "/api/v1/sessions/" + f.session.ID() + "/relay"

	tests := []struct {
		name string
		body interface{}
	}{
		{"no destinations", gin.H{"source": gin.H{"channel": "room-1"}, "destinations": []gin.H{}}},
		{"bad channel name", relayBody("bad/channel")},
		{"too many destinations", relayBody("d1", "d2", "d3", "d4", "d5")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := f.do(t, http.MethodPost, path, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "INVALID_INPUT", body["error"])
		})
	}
}

func TestAdmin_RelayLifecycle(t *testing.T) {
	f := newAdminFixture(t)
	f.join(t)
	path := "/api/v1/sessions/" + f.session.ID() + "/relay"

	w, _ := f.do(t, http.MethodPost, path, relayBody("dest-1", "dest-2"))
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		return f.session.Relay().State() == domain.RelayStateRunning
	}, 2*time.Second, 5*time.Millisecond)

	w, body := f.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	relay := body["relay"].(map[string]interface{})
	assert.Equal(t, "running", relay["state"])
	assert.Len(t, relay["destinations"], 2)

	w, _ = f.do(t, http.MethodPost, path, relayBody("dest-3"))
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = f.do(t, http.MethodPost, path+"/pause", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	require.Eventually(t, func() bool {
		return f.session.Relay().Snapshot().Paused
	}, 2*time.Second, 5*time.Millisecond)

	w, _ = f.do(t, http.MethodPut, path, relayBody("dest-1"))
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool {
		return len(f.session.Relay().Snapshot().Destinations) == 1
	}, 2*time.Second, 5*time.Millisecond)

	w, _ = f.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.RelayStateIdle, f.session.Relay().State())
}

func TestAdmin_ProbeResultMissing(t *testing.T) {
	f := newAdminFixture(t)

	w, body := f.do(t, http.MethodGet, "/api/v1/probe", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", body["error"])
}

func TestAdmin_LastmileInProgress(t *testing.T) {
	f := newAdminFixture(t)
	require.NoError(t, f.engine.StartLastmileProbeTest(domain.ProbeConfig{
		ProbeUplink:              true,
		ExpectedUplinkBitrateBps: 500_000,
	}))

	w, body := f.do(t, http.MethodGet, "/api/v1/probe", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["probe"].(map[string]interface{})["running"])

	f.engine.StopLastmileProbeTest()
	w, _ = f.do(t, http.MethodGet, "/api/v1/probe", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
