package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"rtcore/internal/core/domain"
	"rtcore/internal/core/ports"
	"rtcore/pkg/logger"
	"rtcore/pkg/retry"
	"rtcore/pkg/tracing"
	"rtcore/pkg/utils"
	"rtcore/pkg/validation"
)

type ConnectionConfig struct {
	LostTimeout           time.Duration
	FailTimeout           time.Duration
	InitialBackoff        time.Duration
	MaxBackoff            time.Duration
	TokenRenewWindow      time.Duration
	TokenWillExpireLead   time.Duration
	RequestTimeout        time.Duration
	LeaveTimeout          time.Duration
	MaxInitialBitrateKbps int
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		LostTimeout:           10 * time.Second,
		FailTimeout:           20 * time.Minute,
		InitialBackoff:        500 * time.Millisecond,
		MaxBackoff:            30 * time.Second,
		TokenRenewWindow:      30 * time.Second,
		TokenWillExpireLead:   30 * time.Second,
		RequestTimeout:        10 * time.Second,
		LeaveTimeout:          3 * time.Second,
		MaxInitialBitrateKbps: 2000,
	}
}

// SessionInfo is a read-only view of a session for admin surfaces. The
// channel is redacted.
type SessionInfo struct {
	ID          string
	State       domain.ConnectionState
	Reason      domain.ConnectionChangeReason
	Channel     string
	UID         domain.UID
	Role        domain.ClientRole
	RemoteUsers int
	Since       time.Time

	LocalFallback  domain.FallbackOption
	RemoteFallback domain.FallbackOption
}

type remoteUser struct {
	uid       domain.UID
	published map[domain.MediaKind]bool
	video     domain.RemoteVideoState
	audio     domain.RemoteAudioState
	audioOnly bool
}

// Session is one channel membership. Every transition runs on its serial
// executor; network calls run in goroutines and post their results back
// tagged with the generation they were started under.
type Session struct {
	id        string
	engine    *Engine
	cfg       ConnectionConfig
	transport ports.SignalingTransport
	clock     clock.Clock
	logger    *zap.SugaredLogger
	tokens    *TokenInspector
	quality   *QualityService
	fallback  *FallbackController
	teleCfg   TelemetryConfig
	stats     ports.StatsSource
	exec      *serialExecutor
	events    *EventStream
	relay     *RelayOrchestrator

	info   atomic.Pointer[SessionInfo]
	tele   atomic.Pointer[TelemetryAggregator]
	closed atomic.Bool

	// executor owned
	gen        uint64
	membership uint64
	opCtx      context.Context
	opCancel   context.CancelFunc

	state   domain.ConnectionState
	reason  domain.ConnectionChangeReason
	emitted bool
	since   time.Time

	channel       string
	token         string
	uid           domain.UID
	opts          domain.JoinOptions
	joinStart     time.Time
	connectedOnce bool
	switching     bool
	leaving       chan struct{}

	window          *retry.Window
	renewTimer      *clock.Timer
	willExpireTimer *clock.Timer
	awaitingToken   bool

	publish     map[domain.MediaKind]domain.PublishState
	subscribe   map[domain.StreamKey]domain.SubscribeState
	remotes     map[domain.UID]*remoteUser
	localMuted  map[domain.MediaKind]bool
	remoteMutes map[domain.StreamKey]bool
	priorities  map[domain.UID]domain.Priority
}

func newSession(e *Engine, id string, transport ports.SignalingTransport, stats ports.StatsSource, relay ports.RelayTransport) *Session {
	log := e.logger.With("session_id", id)
	s := &Session{
		id:          id,
		engine:      e,
		cfg:         e.cfg.Connection,
		transport:   transport,
		clock:       e.clock,
		logger:      log,
		tokens:      e.tokens,
		quality:     e.quality,
		fallback:    NewFallbackController(e.cfg.Fallback, log),
		teleCfg:     e.cfg.Telemetry,
		stats:       stats,
		exec:        newSerialExecutor(),
		events:      NewEventStream(id, e.taps...),
		state:       domain.ConnectionStateDisconnected,
		since:       e.clock.Now(),
		opts:        domain.DefaultJoinOptions(),
		publish:     make(map[domain.MediaKind]domain.PublishState),
		subscribe:   make(map[domain.StreamKey]domain.SubscribeState),
		remotes:     make(map[domain.UID]*remoteUser),
		localMuted:  make(map[domain.MediaKind]bool),
		remoteMutes: make(map[domain.StreamKey]bool),
		priorities:  make(map[domain.UID]domain.Priority),
	}
	s.opCtx, s.opCancel = context.WithCancel(context.Background())
	s.relay = newRelayOrchestrator(id, s.State, s.events, relay, e.cfg.Relay, e.clock, log)
	s.storeInfoLocked()
	transport.SetListener(s)
	return s
}

func (s *Session) ID() string {
	return s.id
}

// Events returns the ordered event stream of this session.
func (s *Session) Events() <-chan domain.Event {
	return s.events.Events()
}

// Relay returns the media relay owned by this session.
func (s *Session) Relay() *RelayOrchestrator {
	return s.relay
}

func (s *Session) Info() SessionInfo {
	return *s.info.Load()
}

func (s *Session) State() domain.ConnectionState {
	return s.info.Load().State
}

// Stats returns the latest telemetry snapshot. It is empty outside a membership.
func (s *Session) Stats() domain.QualityStats {
	if t := s.tele.Load(); t != nil {
		return t.Snapshot()
	}
	return domain.QualityStats{}
}

// Join starts joining channel. Validation errors are returned synchronously;
// the outcome of the handshake is reported through events.
func (s *Session) Join(ctx context.Context, channel, token string, uid domain.UID, opts domain.JoinOptions) error {
	if err := validateChannelAndToken(channel, token); err != nil {
		return err
	}
	if opts.Role != domain.RoleHost && opts.Role != domain.RoleAudience {
		return fmt.Errorf("%w: client role %d", domain.ErrInvalidArgument, int(opts.Role))
	}
	if !opts.LocalFallback.Valid() || !opts.RemoteFallback.Valid() {
		return fmt.Errorf("%w: fallback option", domain.ErrInvalidArgument)
	}
	if err := s.tokens.CheckJoin(token, channel, uid, s.clock.Now()); err != nil {
		return err
	}

	_, span := tracing.TraceSessionOperation(ctx, "join_request", s.id, logger.Redact(channel))
	defer span.End()

	var err error
	if !s.exec.run(func() {
		if s.state != domain.ConnectionStateDisconnected && s.state != domain.ConnectionStateFailed {
			err = fmt.Errorf("join in state %s: %w", s.state, domain.ErrInvalidState)
			return
		}
		if err = s.engine.claimChannel(s.id, channel); err != nil {
			return
		}
		s.channel, s.token, s.uid, s.opts = channel, token, uid, opts
		s.connectedOnce = false
		s.switching = false
		s.joinStart = s.clock.Now()
		s.membership++

		s.logger.Infow("joining channel",
			logger.Channel(channel),
			"uid", uid,
			"role", opts.Role.String(),
		)
		gen := s.nextGenLocked()
		s.startWindowLocked(gen)
		s.setStateLocked(domain.ConnectionStateConnecting, domain.ReasonConnecting)
	}) {
		return domain.ErrSessionClosed
	}
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

// Leave always succeeds. No event of the abandoned membership is emitted
// after it returns except the LeaveChannel and DISCONNECTED pair it emits itself.
func (s *Session) Leave(ctx context.Context) error {
	var active bool
	s.exec.run(func() {
		if s.state == domain.ConnectionStateDisconnected {
			return
		}
		active = true
		s.nextGenLocked()
		s.stopWindowLocked()
		s.stopTokenTimersLocked()
		s.relay.detach()

		final := s.stopTelemetryLocked()
		s.events.Publish(domain.LeaveChannel{Stats: final.Session})
		s.setStateLocked(domain.ConnectionStateDisconnected, domain.ReasonLeft)
		s.clearRemotesLocked()
		s.engine.releaseChannel(s.id, s.channel)
		s.logger.Infow("left channel", logger.Channel(s.channel))
	})

	// a failed session may still hold a link the failure path has not closed
	if active {
		s.leaveTransport(ctx)
	}
	return nil
}

func (s *Session) leaveTransport(ctx context.Context) {
	lctx, cancel := context.WithTimeout(ctx, s.cfg.LeaveTimeout)
	defer cancel()
	if err := s.transport.Leave(lctx); err != nil {
		s.logger.Warnw("transport leave failed", "error", err)
	}
}

// SwitchChannel leaves the current channel and joins another without passing
// through DISCONNECTED. If the new join fails the previous membership is not
// restored.
func (s *Session) SwitchChannel(ctx context.Context, token, channel string) error {
	if err := validateChannelAndToken(channel, token); err != nil {
		return err
	}

	_, span := tracing.TraceSessionOperation(ctx, "switch_channel", s.id, logger.Redact(channel))
	defer span.End()

	var err error
	if !s.exec.run(func() {
		if s.state != domain.ConnectionStateConnected {
			err = fmt.Errorf("switch channel in state %s: %w", s.state, domain.ErrNotInChannel)
			return
		}
		if err = s.tokens.CheckJoin(token, channel, s.uid, s.clock.Now()); err != nil {
			return
		}
		if channel == s.channel {
			err = fmt.Errorf("switch channel: %w", domain.ErrAlreadyInChannel)
			return
		}
		if err = s.engine.claimChannel(s.id, channel); err != nil {
			return
		}
		s.relay.detach()
		s.stopTokenTimersLocked()
		final := s.stopTelemetryLocked()
		s.events.Publish(domain.LeaveChannel{Stats: final.Session})
		s.engine.releaseChannel(s.id, s.channel)

		s.logger.Infow("switching channel",
			"from", logger.Redact(s.channel),
			"to", logger.Redact(channel),
		)
		s.channel, s.token = channel, token
		s.connectedOnce = false
		s.switching = true
		s.joinStart = s.clock.Now()
		s.membership++

		gen := s.nextGenLocked()
		s.startWindowLocked(gen)
		s.setStateLocked(domain.ConnectionStateConnecting, domain.ReasonConnecting)
		s.clearRemotesLocked()
	}) {
		return domain.ErrSessionClosed
	}
	return err
}

// RenewToken replaces the token of the current membership.
func (s *Session) RenewToken(ctx context.Context, token string) error {
	if err := validation.ValidateToken(token); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	}
	if exp, ok := s.tokens.ExpiresAt(token); ok && !s.clock.Now().Before(exp) {
		return fmt.Errorf("%w: token already expired", domain.ErrInvalidToken)
	}

	var err error
	if !s.exec.run(func() {
		if s.state == domain.ConnectionStateDisconnected || s.state == domain.ConnectionStateFailed {
			err = fmt.Errorf("renew token: %w", domain.ErrNotInChannel)
			return
		}
		s.token = token
		s.stopRenewTimerLocked()
		s.armTokenExpiryLocked(s.gen)
		if s.state != domain.ConnectionStateConnected {
			// the next handshake attempt carries the new token
			s.awaitingToken = false
			return
		}

		gen, opCtx := s.gen, s.opCtx
		go func() {
			rctx, cancel := s.clock.WithTimeout(opCtx, s.cfg.RequestTimeout)
			defer cancel()
			rerr := s.transport.RenewToken(rctx, token)
			s.exec.submit(func() { s.onRenewResultLocked(gen, rerr) })
		}()
	}) {
		return domain.ErrSessionClosed
	}
	return err
}

// SetClientRole switches between host and audience. Outside a membership the
// role is stored for the next join.
func (s *Session) SetClientRole(role domain.ClientRole) error {
	if role != domain.RoleHost && role != domain.RoleAudience {
		return fmt.Errorf("%w: client role %d", domain.ErrInvalidArgument, int(role))
	}
	if !s.exec.run(func() {
		old := s.opts.Role
		if old == role {
			return
		}
		if s.state != domain.ConnectionStateConnected {
			s.opts.Role = role
			s.storeInfoLocked()
			return
		}
		gen, opCtx := s.gen, s.opCtx
		go func() {
			rctx, cancel := s.clock.WithTimeout(opCtx, s.cfg.RequestTimeout)
			defer cancel()
			err := s.transport.SetClientRole(rctx, role)
			s.exec.submit(func() { s.onRoleResultLocked(gen, old, role, err) })
		}()
	}) {
		return domain.ErrSessionClosed
	}
	return nil
}

func (s *Session) MuteLocalAudioStream(mute bool) error {
	return s.muteLocal(domain.MediaAudio, mute)
}

func (s *Session) MuteLocalVideoStream(mute bool) error {
	return s.muteLocal(domain.MediaVideo, mute)
}

func (s *Session) MuteRemoteAudioStream(uid domain.UID, mute bool) error {
	return s.muteRemote(uid, domain.MediaAudio, mute)
}

func (s *Session) MuteRemoteVideoStream(uid domain.UID, mute bool) error {
	return s.muteRemote(uid, domain.MediaVideo, mute)
}

func (s *Session) muteLocal(kind domain.MediaKind, mute bool) error {
	if !s.exec.run(func() {
		s.localMuted[kind] = mute
		if s.state == domain.ConnectionStateConnected {
			s.applyPublishLocked(s.gen)
		}
	}) {
		return domain.ErrSessionClosed
	}
	return nil
}

func (s *Session) muteRemote(uid domain.UID, kind domain.MediaKind, mute bool) error {
	if uid == 0 {
		return fmt.Errorf("%w: remote uid must not be zero", domain.ErrInvalidUID)
	}
	if !s.exec.run(func() {
		s.remoteMutes[domain.StreamKey{UID: uid, Kind: kind}] = mute
		if s.state != domain.ConnectionStateConnected {
			return
		}
		if _, ok := s.remotes[uid]; ok {
			reason := domain.RemoteReasonLocalUnmuted
			if mute {
				reason = domain.RemoteReasonLocalMuted
			}
			s.applySubscribeLocked(s.gen, uid, reason)
		}
	}) {
		return domain.ErrSessionClosed
	}
	return nil
}

func (s *Session) SetLocalPublishFallbackOption(opt domain.FallbackOption) error {
	if !opt.Valid() {
		return fmt.Errorf("%w: fallback option %d", domain.ErrInvalidArgument, int(opt))
	}
	if !s.exec.run(func() {
		s.opts.LocalFallback = opt
		s.applyFallbackLocked(s.gen, s.fallback.SetLocalOption(opt))
		s.storeInfoLocked()
	}) {
		return domain.ErrSessionClosed
	}
	return nil
}

func (s *Session) SetRemoteSubscribeFallbackOption(opt domain.FallbackOption) error {
	if !opt.Valid() {
		return fmt.Errorf("%w: fallback option %d", domain.ErrInvalidArgument, int(opt))
	}
	if !s.exec.run(func() {
		s.opts.RemoteFallback = opt
		s.applyFallbackLocked(s.gen, s.fallback.SetRemoteOption(opt))
		s.storeInfoLocked()
	}) {
		return domain.ErrSessionClosed
	}
	return nil
}

// SetRemoteUserPriority marks uid as high or normal priority for fallback.
// The priority is kept for users that have not joined yet.
func (s *Session) SetRemoteUserPriority(uid domain.UID, p domain.Priority) error {
	if p != domain.PriorityNormal && p != domain.PriorityHigh {
		return fmt.Errorf("%w: priority %d", domain.ErrInvalidArgument, int(p))
	}
	if !s.exec.run(func() {
		s.priorities[uid] = p
		if _, ok := s.remotes[uid]; !ok {
			return
		}
		decisions, err := s.fallback.SetPriority(uid, p)
		if err != nil {
			return
		}
		s.applyFallbackLocked(s.gen, decisions)
	}) {
		return domain.ErrSessionClosed
	}
	return nil
}

// Close leaves the channel and releases the session.
func (s *Session) Close() {
	if s.closed.Swap(true) {
		return
	}
	_ = s.Leave(context.Background())
	s.relay.close()
	s.exec.stop()
	s.events.Close()
	s.engine.removeSession(s.id)
	if err := s.transport.Close(); err != nil {
		s.logger.Debugw("transport close failed", "error", err)
	}
}

// --- ports.TransportListener ---

func (s *Session) OnHeartbeatTimeout() {
	s.exec.submit(func() { s.interruptLocked(domain.ReasonInterrupted) })
}

func (s *Session) OnClientIPChanged() {
	s.exec.submit(func() { s.interruptLocked(domain.ReasonClientIPChanged) })
}

func (s *Session) OnTokenExpired() {
	s.exec.submit(s.tokenExpiredLocked)
}

func (s *Session) OnKicked(reason domain.ConnectionChangeReason) {
	s.exec.submit(func() {
		if s.state == domain.ConnectionStateDisconnected || s.state == domain.ConnectionStateFailed {
			return
		}
		s.logger.Warnw("removed by routing service", "reason", reason.String())
		s.failLocked(reason)
	})
}

func (s *Session) OnRemoteUserJoined(user ports.RemoteUser) {
	s.exec.submit(func() {
		if s.state == domain.ConnectionStateConnected {
			s.addRemoteLocked(s.gen, user)
		}
	})
}

func (s *Session) OnRemoteUserOffline(uid domain.UID, reason domain.UserOfflineReason) {
	s.exec.submit(func() {
		if s.state != domain.ConnectionStateConnected {
			return
		}
		s.removeRemoteLocked(uid, reason)
	})
}

func (s *Session) OnRemoteStreamMuted(uid domain.UID, kind domain.MediaKind, muted bool) {
	s.exec.submit(func() {
		if s.state != domain.ConnectionStateConnected {
			return
		}
		u, ok := s.remotes[uid]
		if !ok {
			return
		}
		u.published[kind] = !muted
		reason := domain.RemoteReasonRemoteUnmuted
		if muted {
			reason = domain.RemoteReasonRemoteMuted
		}
		s.applySubscribeLocked(s.gen, uid, reason)
	})
}

// OnFrameRendered implements ports.FrameSink.
func (s *Session) OnFrameRendered(key domain.StreamKey, at time.Time) {
	if t := s.tele.Load(); t != nil {
		t.OnFrameRendered(key, at)
	}
}

// --- transitions, executor only ---

func (s *Session) nextGenLocked() uint64 {
	s.opCancel()
	s.opCtx, s.opCancel = context.WithCancel(context.Background())
	s.gen++
	return s.gen
}

func (s *Session) setStateLocked(state domain.ConnectionState, reason domain.ConnectionChangeReason) {
	if s.emitted && s.state == state && s.reason == reason {
		return
	}
	if s.emitted && !s.state.CanTransitionTo(state) {
		s.logger.Warnw("unexpected connection transition",
			"from", s.state.String(),
			"to", state.String(),
			"reason", reason.String(),
		)
	}
	prev := s.state
	s.state, s.reason, s.emitted = state, reason, true
	if prev != state {
		s.since = s.clock.Now()
	}
	if prev == domain.ConnectionStateConnected && state != domain.ConnectionStateConnected {
		s.idleMediaLocked()
	}
	s.storeInfoLocked()

	s.logger.Infow("connection state changed",
		"from", prev.String(),
		"to", state.String(),
		"reason", reason.String(),
	)
	s.events.Publish(domain.ConnectionStateChanged{State: state, Reason: reason})
	s.relay.sourceStateChanged(state)
}

func (s *Session) storeInfoLocked() {
	s.info.Store(&SessionInfo{
		ID:          s.id,
		State:       s.state,
		Reason:      s.reason,
		Channel:     logger.Redact(s.channel),
		UID:         s.uid,
		Role:        s.opts.Role,
		RemoteUsers: len(s.remotes),
		Since:       s.since,

		LocalFallback:  s.fallback.LocalOption(),
		RemoteFallback: s.fallback.RemoteOption(),
	})
}

func (s *Session) startWindowLocked(gen uint64) {
	s.stopWindowLocked()
	s.window = retry.NewWindow(retry.WindowConfig{
		LostTimeout:    s.cfg.LostTimeout,
		FailTimeout:    s.cfg.FailTimeout,
		InitialBackoff: s.cfg.InitialBackoff,
		MaxBackoff:     s.cfg.MaxBackoff,
	}, s.clock, retry.WindowHandlers{
		OnAttempt: func(n int) {
			s.exec.submit(func() { s.attemptLocked(gen, n) })
		},
		OnLost: func() {
			s.exec.submit(func() {
				if gen == s.gen && s.reconnectingOrConnecting() {
					s.logger.Warnw("connection lost", "elapsed", s.clock.Since(s.joinStart))
					s.events.Publish(domain.ConnectionLost{})
				}
			})
		},
		OnExpired: func() {
			s.exec.submit(func() {
				if gen == s.gen && s.reconnectingOrConnecting() {
					s.failLocked(domain.ReasonJoinFailed)
				}
			})
		},
	})
	s.window.Start()
}

func (s *Session) stopWindowLocked() {
	if s.window != nil {
		s.window.Stop()
		s.window = nil
	}
}

func (s *Session) reconnectingOrConnecting() bool {
	return s.state == domain.ConnectionStateConnecting || s.state == domain.ConnectionStateReconnecting
}

func (s *Session) attemptLocked(gen uint64, n int) {
	if gen != s.gen || !s.reconnectingOrConnecting() {
		return
	}
	params := ports.JoinParams{
		AppID:              s.engine.cfg.AppID,
		Channel:            s.channel,
		Token:              s.token,
		UID:                s.uid,
		Role:               s.opts.Role,
		InitialBitrateKbps: s.engine.initialBitrateKbps(),
		Rejoin:             s.state == domain.ConnectionStateReconnecting,
	}
	leaveFirst := s.switching
	s.switching = false
	leaving := s.leaving
	state := s.state
	opCtx := s.opCtx

	s.logger.Debugw("handshake attempt", "attempt", n, "rejoin", params.Rejoin)

	go func() {
		ctx, span := tracing.TraceSessionOperation(opCtx, "join", s.id, logger.Redact(params.Channel))
		defer span.End()
		tracing.AddSpanAttributes(ctx,
			tracing.BitrateKey.Int(params.InitialBitrateKbps),
			tracing.StateKey.String(state.String()),
		)

		if leaving != nil {
			select {
			case <-leaving:
			case <-ctx.Done():
				return
			}
		}
		if leaveFirst {
			lctx, cancel := s.clock.WithTimeout(ctx, s.cfg.LeaveTimeout)
			if err := s.transport.Leave(lctx); err != nil {
				s.logger.Warnw("leaving previous channel failed", "error", err)
			}
			cancel()
		}

		rctx, cancel := s.clock.WithTimeout(ctx, s.cfg.RequestTimeout)
		ack, err := s.transport.Join(rctx, params)
		cancel()
		if err != nil {
			tracing.RecordError(ctx, err)
			var rejection *domain.JoinRejection
			if errors.As(err, &rejection) {
				tracing.AddSpanAttributes(ctx, tracing.ReasonKey.String(rejection.Reason.String()))
			}
		}
		s.exec.submit(func() { s.onJoinResultLocked(gen, params, ack, err) })
	}()
}

func (s *Session) onJoinResultLocked(gen uint64, params ports.JoinParams, ack *ports.JoinAck, err error) {
	if gen != s.gen || !s.reconnectingOrConnecting() {
		return
	}
	if err == nil {
		s.stopWindowLocked()
		s.onConnectedLocked(gen, ack)
		return
	}

	var rejection *domain.JoinRejection
	if errors.As(err, &rejection) && rejection.Reason.Terminal() {
		s.logger.Warnw("handshake rejected", "reason", rejection.Reason.String(), "rejoin", params.Rejoin)
		s.failLocked(rejection.Reason)
		return
	}

	s.logger.Infow("handshake attempt failed", "error", err, "rejoin", params.Rejoin)
	if s.window != nil {
		s.window.AttemptFailed()
	}
}

func (s *Session) onConnectedLocked(gen uint64, ack *ports.JoinAck) {
	rejoin := s.connectedOnce
	s.connectedOnce = true
	s.awaitingToken = false
	if ack != nil && ack.UID != 0 {
		s.uid = ack.UID
	}

	if !rejoin {
		s.fallback.Reset()
		s.fallback.SetLocalOption(s.opts.LocalFallback)
		s.fallback.SetRemoteOption(s.opts.RemoteFallback)
	}

	s.setStateLocked(domain.ConnectionStateConnected, domain.ReasonJoined)
	elapsed := s.clock.Since(s.joinStart)
	if rejoin {
		s.events.Publish(domain.RejoinChannelSuccess{Channel: s.channel, UID: s.uid, Elapsed: elapsed})
	} else {
		s.events.Publish(domain.JoinChannelSuccess{Channel: s.channel, UID: s.uid, Elapsed: elapsed})
	}

	s.startTelemetryLocked()
	s.applyPublishLocked(gen)

	present := make(map[domain.UID]bool)
	if ack != nil {
		for _, u := range ack.RemoteUsers {
			present[u.UID] = true
			s.addRemoteLocked(gen, u)
		}
	}
	for _, uid := range sortedUIDs(s.remotes) {
		if !present[uid] {
			s.removeRemoteLocked(uid, domain.UserOfflineDropped)
		}
	}
	s.armTokenExpiryLocked(gen)
}

// interruptLocked moves a connected session into reconnection.
func (s *Session) interruptLocked(reason domain.ConnectionChangeReason) {
	if s.state != domain.ConnectionStateConnected {
		return
	}
	gen := s.nextGenLocked()
	s.stopRenewTimerLocked()
	s.joinStart = s.clock.Now()
	s.startWindowLocked(gen)
	s.setStateLocked(domain.ConnectionStateReconnecting, reason)
}

func (s *Session) failLocked(reason domain.ConnectionChangeReason) {
	s.nextGenLocked()
	s.stopWindowLocked()
	s.stopTokenTimersLocked()
	s.stopTelemetryLocked()
	s.setStateLocked(domain.ConnectionStateFailed, reason)
	s.clearRemotesLocked()
	s.engine.releaseChannel(s.id, s.channel)

	// the next handshake waits for the link to be released
	done := make(chan struct{})
	s.leaving = done
	go func() {
		defer close(done)
		s.leaveTransport(context.Background())
	}()
}

func (s *Session) tokenExpiredLocked() {
	switch s.state {
	case domain.ConnectionStateConnected:
		if s.awaitingToken {
			return
		}
		s.awaitingToken = true
		s.armRenewDeadlineLocked(s.gen)
		s.setStateLocked(domain.ConnectionStateConnected, domain.ReasonTokenExpired)
		s.events.Publish(domain.RequestToken{})
	case domain.ConnectionStateConnecting, domain.ConnectionStateReconnecting:
		s.failLocked(domain.ReasonTokenExpired)
	}
}

func (s *Session) armRenewDeadlineLocked(gen uint64) {
	s.stopRenewTimerLocked()
	s.renewTimer = s.clock.AfterFunc(s.cfg.TokenRenewWindow, func() {
		s.exec.submit(func() { s.renewDeadlineLocked(gen) })
	})
}

func (s *Session) renewDeadlineLocked(gen uint64) {
	if gen != s.gen || !s.awaitingToken || s.state != domain.ConnectionStateConnected {
		return
	}
	s.logger.Warnw("token not renewed in time", "window", s.cfg.TokenRenewWindow)
	s.nextGenLocked()
	s.setStateLocked(domain.ConnectionStateReconnecting, domain.ReasonTokenExpired)
	s.failLocked(domain.ReasonTokenExpired)
}

func (s *Session) onRenewResultLocked(gen uint64, err error) {
	if gen != s.gen || s.state != domain.ConnectionStateConnected {
		return
	}
	if err == nil {
		s.awaitingToken = false
		s.setStateLocked(domain.ConnectionStateConnected, domain.ReasonTokenRenewed)
		return
	}

	var rejection *domain.JoinRejection
	if errors.As(err, &rejection) && rejection.Reason.Terminal() {
		s.failLocked(rejection.Reason)
		return
	}
	s.logger.Warnw("token renewal failed", "error", err)
	if s.awaitingToken {
		s.armRenewDeadlineLocked(gen)
		s.events.Publish(domain.RequestToken{})
	}
}

func (s *Session) armTokenExpiryLocked(gen uint64) {
	if s.willExpireTimer != nil {
		s.willExpireTimer.Stop()
		s.willExpireTimer = nil
	}
	exp, ok := s.tokens.ExpiresAt(s.token)
	if !ok {
		return
	}
	delay := utils.Until(s.clock.Now(), exp.Add(-s.cfg.TokenWillExpireLead))
	s.willExpireTimer = s.clock.AfterFunc(delay, func() {
		s.exec.submit(func() {
			if gen == s.gen && s.state == domain.ConnectionStateConnected {
				s.events.Publish(domain.TokenPrivilegeWillExpire{ExpiresAt: exp})
			}
		})
	})
}

func (s *Session) stopRenewTimerLocked() {
	if s.renewTimer != nil {
		s.renewTimer.Stop()
		s.renewTimer = nil
	}
}

func (s *Session) stopTokenTimersLocked() {
	s.stopRenewTimerLocked()
	if s.willExpireTimer != nil {
		s.willExpireTimer.Stop()
		s.willExpireTimer = nil
	}
	s.awaitingToken = false
}

func (s *Session) onRoleResultLocked(gen uint64, old, role domain.ClientRole, err error) {
	if gen != s.gen || s.state != domain.ConnectionStateConnected {
		return
	}
	if err != nil {
		s.logger.Warnw("client role change failed", "role", role.String(), "error", err)
		return
	}
	s.opts.Role = role
	s.storeInfoLocked()
	s.events.Publish(domain.ClientRoleChanged{Old: old, New: role})
	s.applyPublishLocked(gen)
}

// --- media state ---

func (s *Session) wantPublishLocked(kind domain.MediaKind) bool {
	if s.opts.Role != domain.RoleHost || s.localMuted[kind] {
		return false
	}
	if kind == domain.MediaVideo {
		return s.opts.PublishVideo
	}
	return s.opts.PublishAudio
}

func (s *Session) applyPublishLocked(gen uint64) {
	for _, kind := range []domain.MediaKind{domain.MediaAudio, domain.MediaVideo} {
		want := s.wantPublishLocked(kind)
		cur := s.publish[kind]
		active := cur == domain.PublishInProgress || cur == domain.PublishPublished

		switch {
		case want && !active:
			s.setPublishLocked(kind, domain.PublishInProgress)
			s.publishAsync(gen, kind, true)
		case !want && active:
			s.setPublishLocked(kind, domain.PublishNotPublished)
			if kind == domain.MediaVideo {
				s.fallback.SetLocalActive(false)
			}
			s.publishAsync(gen, kind, false)
		case !want && cur == domain.PublishIdle:
			s.setPublishLocked(kind, domain.PublishNotPublished)
		}
	}
}

func (s *Session) publishAsync(gen uint64, kind domain.MediaKind, enabled bool) {
	opCtx := s.opCtx
	go func() {
		ctx, cancel := s.clock.WithTimeout(opCtx, s.cfg.RequestTimeout)
		defer cancel()
		err := s.transport.Publish(ctx, kind, enabled)
		s.exec.submit(func() { s.onPublishResultLocked(gen, kind, enabled, err) })
	}()
}

func (s *Session) onPublishResultLocked(gen uint64, kind domain.MediaKind, enabled bool, err error) {
	if gen != s.gen || s.state != domain.ConnectionStateConnected {
		return
	}
	if err != nil {
		s.logger.Warnw("publish request failed", "media", kind.String(), "enabled", enabled, "error", err)
	}
	if !enabled || s.publish[kind] != domain.PublishInProgress {
		return
	}
	if err != nil {
		s.setPublishLocked(kind, domain.PublishNotPublished)
		return
	}
	s.setPublishLocked(kind, domain.PublishPublished)
	if kind == domain.MediaVideo {
		s.fallback.SetLocalActive(true)
	}
}

func (s *Session) setPublishLocked(kind domain.MediaKind, state domain.PublishState) {
	old := s.publish[kind]
	if old == state {
		return
	}
	s.publish[kind] = state
	s.events.Publish(domain.PublishStateChanged{Media: kind, Old: old, New: state})
}

func (s *Session) wantSubscribeLocked(u *remoteUser, kind domain.MediaKind) bool {
	if !u.published[kind] {
		return false
	}
	if muted, ok := s.remoteMutes[domain.StreamKey{UID: u.uid, Kind: kind}]; ok {
		return !muted
	}
	if kind == domain.MediaVideo {
		return s.opts.AutoSubscribeVideo
	}
	return s.opts.AutoSubscribeAudio
}

func (s *Session) applySubscribeLocked(gen uint64, uid domain.UID, reason domain.RemoteStateReason) {
	u, ok := s.remotes[uid]
	if !ok {
		return
	}
	for _, kind := range []domain.MediaKind{domain.MediaAudio, domain.MediaVideo} {
		key := domain.StreamKey{UID: uid, Kind: kind}
		want := s.wantSubscribeLocked(u, kind)
		cur := s.subscribe[key]
		active := cur == domain.SubscribeInProgress || cur == domain.SubscribeSubscribed

		switch {
		case want && !active:
			s.setSubscribeLocked(key, domain.SubscribeInProgress)
			s.setRemoteMediaLocked(u, kind, true, reason, false)
			s.subscribeAsync(gen, key, true, reason)
		case !want && active:
			s.setSubscribeLocked(key, domain.SubscribeNotSubscribed)
			s.setRemoteMediaLocked(u, kind, false, reason, false)
			s.subscribeAsync(gen, key, false, reason)
		case !want && cur == domain.SubscribeIdle:
			s.setSubscribeLocked(key, domain.SubscribeNotSubscribed)
			s.setRemoteMediaLocked(u, kind, false, reason, false)
		}
	}
}

func (s *Session) subscribeAsync(gen uint64, key domain.StreamKey, enabled bool, reason domain.RemoteStateReason) {
	opCtx := s.opCtx
	go func() {
		ctx, cancel := s.clock.WithTimeout(opCtx, s.cfg.RequestTimeout)
		defer cancel()
		err := s.transport.Subscribe(ctx, key.UID, key.Kind, enabled)
		s.exec.submit(func() { s.onSubscribeResultLocked(gen, key, enabled, reason, err) })
	}()
}

func (s *Session) onSubscribeResultLocked(gen uint64, key domain.StreamKey, enabled bool, reason domain.RemoteStateReason, err error) {
	if gen != s.gen || s.state != domain.ConnectionStateConnected {
		return
	}
	if err != nil {
		s.logger.Warnw("subscribe request failed", "uid", key.UID, "media", key.Kind.String(), "enabled", enabled, "error", err)
	}
	u, ok := s.remotes[key.UID]
	if !ok || !enabled || s.subscribe[key] != domain.SubscribeInProgress {
		return
	}
	if err != nil {
		s.setSubscribeLocked(key, domain.SubscribeNotSubscribed)
		s.setRemoteMediaLocked(u, key.Kind, false, domain.RemoteReasonInternal, false)
		return
	}
	s.setSubscribeLocked(key, domain.SubscribeSubscribed)
	s.setRemoteMediaLocked(u, key.Kind, true, reason, true)
}

func (s *Session) setSubscribeLocked(key domain.StreamKey, state domain.SubscribeState) {
	old := s.subscribe[key]
	if old == state {
		return
	}
	s.subscribe[key] = state
	s.events.Publish(domain.SubscribeStateChanged{UID: key.UID, Media: key.Kind, Old: old, New: state})
}

// setRemoteMediaLocked drives the remote audio and video states. flowing
// means the subscription is confirmed and media is expected.
func (s *Session) setRemoteMediaLocked(u *remoteUser, kind domain.MediaKind, on bool, reason domain.RemoteStateReason, flowing bool) {
	key := domain.StreamKey{UID: u.uid, Kind: kind}
	tele := s.tele.Load()

	if kind == domain.MediaAudio {
		next := domain.RemoteAudioStopped
		switch {
		case on && flowing:
			next = domain.RemoteAudioDecoding
		case on:
			next = domain.RemoteAudioStarting
		}
		s.setRemoteAudioLocked(u, next, reason)
		if tele != nil {
			tele.SetStreamActive(key, on && flowing)
		}
		return
	}

	next := domain.RemoteVideoStopped
	switch {
	case on && u.audioOnly:
		next, reason = domain.RemoteVideoStopped, domain.RemoteReasonAudioFallback
	case on && flowing:
		next = domain.RemoteVideoDecoding
	case on:
		next = domain.RemoteVideoStarting
	}
	s.setRemoteVideoLocked(u, next, reason)
	if tele != nil {
		tele.SetStreamActive(key, next == domain.RemoteVideoDecoding)
	}
}

func (s *Session) setRemoteVideoLocked(u *remoteUser, state domain.RemoteVideoState, reason domain.RemoteStateReason) {
	if u.video == state {
		return
	}
	u.video = state
	s.events.Publish(domain.RemoteVideoStateChanged{UID: u.uid, State: state, Reason: reason})
}

func (s *Session) setRemoteAudioLocked(u *remoteUser, state domain.RemoteAudioState, reason domain.RemoteStateReason) {
	if u.audio == state {
		return
	}
	u.audio = state
	s.events.Publish(domain.RemoteAudioStateChanged{UID: u.uid, State: state, Reason: reason})
}

func (s *Session) addRemoteLocked(gen uint64, ru ports.RemoteUser) {
	u, ok := s.remotes[ru.UID]
	if !ok {
		u = &remoteUser{uid: ru.UID, published: make(map[domain.MediaKind]bool)}
		s.remotes[ru.UID] = u
		s.fallback.AddRemote(ru.UID)
		if p, ok := s.priorities[ru.UID]; ok {
			s.fallback.SetPriority(ru.UID, p)
		}
		s.storeInfoLocked()
		s.events.Publish(domain.UserJoined{UID: ru.UID})
	}
	u.published[domain.MediaAudio] = ru.AudioPublished
	u.published[domain.MediaVideo] = ru.VideoPublished
	s.applySubscribeLocked(gen, ru.UID, domain.RemoteReasonRemoteUnmuted)
}

func (s *Session) removeRemoteLocked(uid domain.UID, reason domain.UserOfflineReason) {
	u, ok := s.remotes[uid]
	if !ok {
		return
	}
	s.setRemoteVideoLocked(u, domain.RemoteVideoStopped, domain.RemoteReasonRemoteOffline)
	s.setRemoteAudioLocked(u, domain.RemoteAudioStopped, domain.RemoteReasonRemoteOffline)
	for _, kind := range []domain.MediaKind{domain.MediaAudio, domain.MediaVideo} {
		delete(s.subscribe, domain.StreamKey{UID: uid, Kind: kind})
	}
	delete(s.remotes, uid)
	s.fallback.RemoveRemote(uid)
	if t := s.tele.Load(); t != nil {
		t.RemoveUser(uid)
	}
	s.storeInfoLocked()
	s.events.Publish(domain.UserOffline{UID: uid, Reason: reason})
}

// idleMediaLocked returns every publish and subscribe state to idle when the
// session stops being connected.
func (s *Session) idleMediaLocked() {
	for _, kind := range []domain.MediaKind{domain.MediaAudio, domain.MediaVideo} {
		s.setPublishLocked(kind, domain.PublishIdle)
	}
	keys := make([]domain.StreamKey, 0, len(s.subscribe))
	for key := range s.subscribe {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].UID != keys[j].UID {
			return keys[i].UID < keys[j].UID
		}
		return keys[i].Kind < keys[j].Kind
	})
	for _, key := range keys {
		s.setSubscribeLocked(key, domain.SubscribeIdle)
	}
	s.subscribe = make(map[domain.StreamKey]domain.SubscribeState)
	s.fallback.SetLocalActive(false)
	for _, u := range s.remotes {
		u.video = domain.RemoteVideoStopped
		u.audio = domain.RemoteAudioStopped
		if t := s.tele.Load(); t != nil {
			t.SetStreamActive(domain.StreamKey{UID: u.uid, Kind: domain.MediaVideo}, false)
			t.SetStreamActive(domain.StreamKey{UID: u.uid, Kind: domain.MediaAudio}, false)
		}
	}
}

func (s *Session) clearRemotesLocked() {
	s.remotes = make(map[domain.UID]*remoteUser)
	s.fallback.Reset()
	s.storeInfoLocked()
}

// --- telemetry and fallback ---

func (s *Session) startTelemetryLocked() {
	if s.tele.Load() != nil || s.stats == nil {
		return
	}
	membership := s.membership
	t := NewTelemetryAggregator(s.teleCfg, s.stats, s.quality, s.fallback, s.clock, s.logger,
		func(r TelemetryReport) {
			s.exec.submit(func() { s.onTelemetryLocked(membership, r) })
		})
	s.tele.Store(t)
	t.Start()
}

// stopTelemetryLocked ends the aggregator of the current membership and
// returns its final snapshot.
func (s *Session) stopTelemetryLocked() domain.QualityStats {
	t := s.tele.Swap(nil)
	if t == nil {
		return domain.QualityStats{}
	}
	t.Stop()
	return t.Snapshot()
}

func (s *Session) onTelemetryLocked(membership uint64, r TelemetryReport) {
	if membership != s.membership || s.state != domain.ConnectionStateConnected {
		return
	}

	s.events.Publish(domain.RtcStatsEvent{Stats: r.Stats.Session})
	if s.publish[domain.MediaVideo] == domain.PublishPublished {
		s.events.Publish(domain.LocalVideoStatsEvent{Stats: r.Stats.LocalVideo})
	}
	if s.publish[domain.MediaAudio] == domain.PublishPublished {
		s.events.Publish(domain.LocalAudioStatsEvent{Stats: r.Stats.LocalAudio})
	}
	for _, uid := range sortedUIDs(r.Stats.RemoteVideo) {
		s.events.Publish(domain.RemoteVideoStatsEvent{Stats: r.Stats.RemoteVideo[uid]})
	}
	for _, uid := range sortedUIDs(r.Stats.RemoteAudio) {
		s.events.Publish(domain.RemoteAudioStatsEvent{Stats: r.Stats.RemoteAudio[uid]})
	}
	for _, q := range r.Quality {
		s.events.Publish(q)
	}

	for _, f := range r.Freezes {
		u, ok := s.remotes[f.UID]
		if !ok {
			continue
		}
		switch {
		case f.Frozen && u.video == domain.RemoteVideoDecoding:
			s.setRemoteVideoLocked(u, domain.RemoteVideoFrozen, domain.RemoteReasonNetworkCongestion)
		case !f.Frozen && u.video == domain.RemoteVideoFrozen:
			s.setRemoteVideoLocked(u, domain.RemoteVideoDecoding, domain.RemoteReasonNetworkRecovery)
		}
	}

	var uplink *domain.NetworkSample
	if s.publish[domain.MediaVideo] == domain.PublishPublished {
		sample := r.Stats.Uplink
		uplink = &sample
	}
	downlink := make(map[domain.UID]domain.NetworkSample, len(r.Stats.Downlink))
	for uid, sample := range r.Stats.Downlink {
		if s.subscribe[domain.StreamKey{UID: uid, Kind: domain.MediaVideo}] == domain.SubscribeSubscribed {
			downlink[uid] = sample
		}
	}
	s.applyFallbackLocked(s.gen, s.fallback.Evaluate(uplink, downlink))
}

func (s *Session) applyFallbackLocked(gen uint64, decisions []FallbackDecision) {
	if len(decisions) == 0 || s.state != domain.ConnectionStateConnected {
		return
	}
	opCtx := s.opCtx
	for _, d := range decisions {
		d := d
		go func() {
			ctx, cancel := s.clock.WithTimeout(opCtx, s.cfg.RequestTimeout)
			defer cancel()
			var err error
			if d.Local {
				err = s.transport.SetLocalFallback(ctx, d.To)
			} else {
				err = s.transport.SetRemoteFallback(ctx, d.UID, d.To)
			}
			if err != nil && ctx.Err() == nil {
				s.logger.Debugw("fallback hint not applied", "uid", d.UID, "level", d.To.String(), "error", err)
			}
		}()

		if d.Local {
			switch {
			case d.EnteredAudioOnly():
				s.events.Publish(domain.LocalPublishFallbackToAudioOnly{AudioOnly: true})
			case d.LeftAudioOnly():
				s.events.Publish(domain.LocalPublishFallbackToAudioOnly{AudioOnly: false})
			}
			continue
		}

		u, ok := s.remotes[d.UID]
		if !ok {
			continue
		}
		subscribed := s.subscribe[domain.StreamKey{UID: d.UID, Kind: domain.MediaVideo}] == domain.SubscribeSubscribed
		switch {
		case d.EnteredAudioOnly():
			u.audioOnly = true
			s.events.Publish(domain.RemoteSubscribeFallbackToAudioOnly{UID: d.UID, AudioOnly: true})
			if subscribed {
				s.setRemoteMediaLocked(u, domain.MediaVideo, true, domain.RemoteReasonAudioFallback, true)
			}
		case d.LeftAudioOnly():
			u.audioOnly = false
			s.events.Publish(domain.RemoteSubscribeFallbackToAudioOnly{UID: d.UID, AudioOnly: false})
			if subscribed {
				s.setRemoteMediaLocked(u, domain.MediaVideo, true, domain.RemoteReasonAudioFallbackRecovery, true)
			}
		}
	}
}

func validateChannelAndToken(channel, token string) error {
	if err := validation.ValidateChannelName(channel); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidChannelName, err)
	}
	if err := validation.ValidateToken(token); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	}
	return nil
}

func sortedUIDs[V any](m map[domain.UID]V) []domain.UID {
	out := make([]domain.UID, 0, len(m))
	for uid := range m {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
