package services

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"rtcore/internal/core/domain"
	"rtcore/internal/core/ports"
	"rtcore/pkg/config"
	"rtcore/pkg/utils"
	"rtcore/pkg/validation"
)

type RelaySettings struct {
	LostTimeout    time.Duration
	FailTimeout    time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RequestTimeout time.Duration
}

func DefaultRelaySettings() RelaySettings {
	return RelaySettings{
		LostTimeout:    10 * time.Second,
		FailTimeout:    20 * time.Minute,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

type EngineConfig struct {
	AppID        string
	Connection   ConnectionConfig
	ProbeTimeout time.Duration
	Fallback     FallbackConfig
	Telemetry    TelemetryConfig
	Relay        RelaySettings
}

func DefaultEngineConfig(appID string) EngineConfig {
	return EngineConfig{
		AppID:        appID,
		Connection:   DefaultConnectionConfig(),
		ProbeTimeout: 30 * time.Second,
		Fallback:     DefaultFallbackConfig(),
		Telemetry:    DefaultTelemetryConfig(),
		Relay:        DefaultRelaySettings(),
	}
}

// NewEngineConfig maps the file configuration onto the engine.
func NewEngineConfig(cfg *config.Config) EngineConfig {
	return EngineConfig{
		AppID: cfg.Engine.AppID,
		Connection: ConnectionConfig{
			LostTimeout:           cfg.Connection.LostTimeout,
			FailTimeout:           cfg.Connection.FailTimeout,
			InitialBackoff:        cfg.Connection.InitialBackoff,
			MaxBackoff:            cfg.Connection.MaxBackoff,
			TokenRenewWindow:      cfg.Connection.TokenRenewWindow,
			TokenWillExpireLead:   cfg.Connection.TokenWillExpireLead,
			RequestTimeout:        cfg.Signal.RequestTimeout,
			LeaveTimeout:          cfg.Connection.LeaveTimeout,
			MaxInitialBitrateKbps: cfg.Connection.MaxInitialBitrateKbps,
		},
		ProbeTimeout: cfg.Probe.Timeout,
		Fallback: FallbackConfig{
			LossThreshold:    cfg.Fallback.LossThreshold,
			MinBandwidthKbps: cfg.Fallback.MinBandwidthKbps,
			DowngradeSamples: cfg.Fallback.DowngradeSamples,
			UpgradeSamples:   cfg.Fallback.UpgradeSamples,
		},
		Telemetry: TelemetryConfig{
			Interval:       cfg.Telemetry.Interval,
			VideoFreezeGap: cfg.Telemetry.VideoFreezeGap,
			AudioFreezeGap: cfg.Telemetry.AudioFreezeGap,
			MinFreezeFPS:   cfg.Telemetry.MinFreezeFPS,
			CollectTimeout: cfg.Telemetry.CollectTimeout,
		},
		Relay: RelaySettings{
			LostTimeout:    cfg.Relay.LostTimeout,
			FailTimeout:    cfg.Relay.FailTimeout,
			InitialBackoff: cfg.Relay.InitialBackoff,
			MaxBackoff:     cfg.Relay.MaxBackoff,
			RequestTimeout: cfg.Relay.RequestTimeout,
		},
	}
}

type EngineOption func(*Engine)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(clk clock.Clock) EngineOption {
	return func(e *Engine) {
		e.clock = clk
	}
}

// WithEventTaps registers observers called for every event of every stream.
func WithEventTaps(taps ...EventTap) EngineOption {
	return func(e *Engine) {
		e.taps = append(e.taps, taps...)
	}
}

// Engine owns the sessions of one application and the lastmile probe.
type Engine struct {
	cfg     EngineConfig
	factory ports.TransportFactory
	clock   clock.Clock
	logger  *zap.SugaredLogger
	taps    []EventTap
	tokens  *TokenInspector
	quality *QualityService
	events  *EventStream
	probe   *ProbeService

	mu       sync.Mutex
	sessions map[string]*Session
	channels map[string]string
	closed   bool
}

func NewEngine(cfg EngineConfig, factory ports.TransportFactory, prober ports.ProbeTransport, logger *zap.SugaredLogger, opts ...EngineOption) (*Engine, error) {
	if err := validation.ValidateAppID(cfg.AppID); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidAppID, err)
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: transport factory is required", domain.ErrInvalidArgument)
	}

	e := &Engine{
		cfg:      cfg,
		factory:  factory,
		clock:    clock.New(),
		logger:   logger,
		tokens:   NewTokenInspector(),
		quality:  NewQualityService(),
		sessions: make(map[string]*Session),
		channels: make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.events = NewEventStream("engine", e.taps...)
	e.probe = NewProbeService(prober, e.quality, e.events, e.clock, cfg.ProbeTimeout, logger.With("component", "probe"))

	logger.Infow("engine created", "app_id", cfg.AppID)
	return e, nil
}

// CreateSession builds a session with its own transports. It starts
// DISCONNECTED.
func (e *Engine) CreateSession() (*Session, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, domain.ErrEngineClosed
	}

	sig, err := e.factory.NewSignaling()
	if err != nil {
		return nil, fmt.Errorf("create signaling transport: %w", err)
	}
	relay, err := e.factory.NewRelay()
	if err != nil {
		_ = sig.Close()
		return nil, fmt.Errorf("create relay transport: %w", err)
	}

	s := newSession(e, utils.GenerateSessionID(), sig, e.factory.NewStatsSource(sig), relay)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		go s.Close()
		return nil, domain.ErrEngineClosed
	}
	e.sessions[s.id] = s
	e.logger.Infow("session created", "session_id", s.id)
	return s, nil
}

func (e *Engine) Session(id string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	return s, ok
}

// Sessions returns the live sessions ordered by id.
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	out := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Events carries engine level events, currently the lastmile probe results.
func (e *Engine) Events() <-chan domain.Event {
	return e.events.Events()
}

func (e *Engine) StartLastmileProbeTest(cfg domain.ProbeConfig) error {
	return e.probe.Start(cfg)
}

func (e *Engine) StopLastmileProbeTest() {
	e.probe.Stop()
}

func (e *Engine) LastProbeResult() (domain.ProbeResult, bool) {
	return e.probe.LastResult()
}

func (e *Engine) LastmileTestRunning() bool {
	return e.probe.Running()
}

func (e *Engine) initialBitrateKbps() int {
	return e.probe.InitialBitrateKbps(e.cfg.Connection.MaxInitialBitrateKbps)
}

// Close stops the probe and closes every session.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	e.probe.Stop()
	for _, s := range sessions {
		s.Close()
	}
	e.events.Close()
	e.logger.Infow("engine closed", "sessions", len(sessions))
}

// claimChannel reserves channel for session id.
func (e *Engine) claimChannel(id, channel string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if owner, ok := e.channels[channel]; ok && owner != id {
		return fmt.Errorf("channel held by session %s: %w", owner, domain.ErrAlreadyInChannel)
	}
	e.channels[channel] = id
	return nil
}

func (e *Engine) releaseChannel(id, channel string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if owner, ok := e.channels[channel]; ok && owner == id {
		delete(e.channels, channel)
	}
}

func (e *Engine) removeSession(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.sessions, id)
	for ch, owner := range e.channels {
		if owner == id {
			delete(e.channels, ch)
		}
	}
}
