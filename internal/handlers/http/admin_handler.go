package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rtcore/internal/core/domain"
	"rtcore/internal/core/services"
	"rtcore/internal/infrastructure/monitoring"
	"rtcore/pkg/errors"
	"rtcore/pkg/validation"
)

// AdminHandler exposes the sessions of an engine to operators.
type AdminHandler struct {
	engine   *services.Engine
	health   *monitoring.HealthChecker
	gatherer prometheus.Gatherer
}

func NewAdminHandler(engine *services.Engine, health *monitoring.HealthChecker, gatherer prometheus.Gatherer) *AdminHandler {
	return &AdminHandler{
		engine:   engine,
		health:   health,
		gatherer: gatherer,
	}
}

// SetupRoutes registers the probe endpoints on router and the session API on
// api. Callers put auth in front of api only.
func (h *AdminHandler) SetupRoutes(router *gin.Engine, api *gin.RouterGroup) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	sessions := api.Group("/sessions")
	{
		sessions.GET("", h.ListSessions)
		sessions.GET("/:id", h.GetSession)
		sessions.GET("/:id/stats", h.GetSessionStats)
		sessions.GET("/:id/relay", h.GetRelay)
		sessions.POST("/:id/relay", h.StartRelay)
		sessions.PUT("/:id/relay", h.UpdateRelay)
		sessions.DELETE("/:id/relay", h.StopRelay)
		sessions.POST("/:id/relay/pause", h.PauseRelay)
		sessions.POST("/:id/relay/resume", h.ResumeRelay)
	}
	api.GET("/probe", h.GetProbe)
}

type channelMediaRequest struct {
	Channel string `json:"channel" binding:"max=64"`
	Token   string `json:"token" binding:"max=2048"`
	UID     uint32 `json:"uid"`
}

type relayRequest struct {
	Source       channelMediaRequest   `json:"source"`
	Destinations []channelMediaRequest `json:"destinations" binding:"required,min=1,dive"`
}

func (r relayRequest) toDomain() (domain.RelayConfig, error) {
	cfg := domain.RelayConfig{Source: r.Source.toDomain()}
	for _, d := range r.Destinations {
		d.Channel = strings.TrimSpace(d.Channel)
		if err := validation.ValidateChannelName(d.Channel); err != nil {
			return domain.RelayConfig{}, errors.NewInvalidInputError(err.Error()).WithContext("channel", d.Channel)
		}
		cfg.Destinations = append(cfg.Destinations, d.toDomain())
	}
	return cfg, nil
}

func (r channelMediaRequest) toDomain() domain.ChannelMediaInfo {
	return domain.ChannelMediaInfo{Channel: r.Channel, Token: r.Token, UID: domain.UID(r.UID)}
}

type sessionView struct {
	ID          string    `json:"id"`
	State       string    `json:"state"`
	Reason      string    `json:"reason"`
	Channel     string    `json:"channel,omitempty"`
	UID         uint32    `json:"uid,omitempty"`
	Role        string    `json:"role"`
	RemoteUsers int       `json:"remote_users"`
	Since       time.Time `json:"since"`
	Relay       string    `json:"relay"`

	LocalFallback  string `json:"local_fallback"`
	RemoteFallback string `json:"remote_fallback"`
}

func newSessionView(s *services.Session) sessionView {
	info := s.Info()
	return sessionView{
		ID:          info.ID,
		State:       info.State.String(),
		Reason:      info.Reason.String(),
		Channel:     info.Channel,
		UID:         uint32(info.UID),
		Role:        info.Role.String(),
		RemoteUsers: info.RemoteUsers,
		Since:       info.Since,
		Relay:       s.Relay().State().String(),

		LocalFallback:  info.LocalFallback.String(),
		RemoteFallback: info.RemoteFallback.String(),
	}
}

type destinationView struct {
	Channel string `json:"channel"`
	UID     uint32 `json:"uid"`
	Joined  bool   `json:"joined"`
	Error   string `json:"error,omitempty"`
}

type relayView struct {
	State        string            `json:"state"`
	LastError    string            `json:"last_error,omitempty"`
	Paused       bool              `json:"paused"`
	Source       string            `json:"source,omitempty"`
	Destinations []destinationView `json:"destinations"`
}

func newRelayView(snap domain.RelaySnapshot) relayView {
	v := relayView{
		State:        snap.State.String(),
		Paused:       snap.Paused,
		Source:       snap.Source,
		Destinations: make([]destinationView, 0, len(snap.Destinations)),
	}
	if snap.LastError != domain.RelayErrNone {
		v.LastError = snap.LastError.String()
	}
	for _, d := range snap.Destinations {
		dv := destinationView{Channel: d.Channel, UID: uint32(d.UID), Joined: d.Joined}
		if d.Err != domain.RelayErrNone {
			dv.Error = d.Err.String()
		}
		v.Destinations = append(v.Destinations, dv)
	}
	return v
}

func (h *AdminHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": len(h.engine.Sessions()),
	})
}

func (h *AdminHandler) Ready(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	if !status.Healthy() {
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *AdminHandler) ListSessions(c *gin.Context) {
	sessions := h.engine.Sessions()
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, newSessionView(s))
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": views,
	})
}

func (h *AdminHandler) session(c *gin.Context) (*services.Session, bool) {
	id := c.Param("id")
	s, ok := h.engine.Session(id)
	if !ok {
		c.Error(errors.NewNotFoundError("session").WithContext("session_id", id))
		return nil, false
	}
	return s, true
}

func (h *AdminHandler) GetSession(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session": newSessionView(s),
	})
}

func (h *AdminHandler) GetSessionStats(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stats": s.Stats(),
	})
}

func (h *AdminHandler) GetRelay(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"relay": newRelayView(s.Relay().Snapshot()),
	})
}

func (h *AdminHandler) bindRelay(c *gin.Context) (domain.RelayConfig, bool) {
	var req relayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return domain.RelayConfig{}, false
	}
	cfg, err := req.toDomain()
	if err != nil {
		c.Error(err)
		return domain.RelayConfig{}, false
	}
	return cfg, true
}

func (h *AdminHandler) StartRelay(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	cfg, ok := h.bindRelay(c)
	if !ok {
		return
	}
	if err := s.Relay().Start(c.Request.Context(), cfg); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"relay": newRelayView(s.Relay().Snapshot()),
	})
}

func (h *AdminHandler) UpdateRelay(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	cfg, ok := h.bindRelay(c)
	if !ok {
		return
	}
	if err := s.Relay().Update(c.Request.Context(), cfg); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"relay": newRelayView(s.Relay().Snapshot()),
	})
}

func (h *AdminHandler) StopRelay(c *gin.Context) {
	h.relayAction(c, (*services.RelayOrchestrator).Stop)
}

func (h *AdminHandler) PauseRelay(c *gin.Context) {
	h.relayAction(c, (*services.RelayOrchestrator).PauseAll)
}

func (h *AdminHandler) ResumeRelay(c *gin.Context) {
	h.relayAction(c, (*services.RelayOrchestrator).ResumeAll)
}

func (h *AdminHandler) relayAction(c *gin.Context, action func(*services.RelayOrchestrator) error) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := action(s.Relay()); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"relay": newRelayView(s.Relay().Snapshot()),
	})
}

// GetProbe returns the last lastmile result and whether a measurement is in
// progress. It is a 404 only when neither exists.
func (h *AdminHandler) GetProbe(c *gin.Context) {
	running := h.engine.LastmileTestRunning()
	res, ok := h.engine.LastProbeResult()
	if !ok {
		if running {
			c.JSON(http.StatusOK, gin.H{"probe": gin.H{"running": true}})
			return
		}
		c.Error(errors.NewNotFoundError("probe result"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"probe": gin.H{
			"running":  running,
			"state":    res.State.String(),
			"rtt_ms":   res.RTTMs,
			"uplink":   res.Uplink,
			"downlink": res.Downlink,
		},
	})
}
