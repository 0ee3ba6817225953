package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rtcore/internal/core/domain"
	"rtcore/internal/core/ports"
	"rtcore/pkg/logger"
	"rtcore/pkg/retry"
	"rtcore/pkg/tracing"
	"rtcore/pkg/validation"
)

type relayDestination struct {
	info   domain.ChannelMediaInfo
	joined bool
	err    domain.RelayError
}

// RelayOrchestrator forwards the media of its session's channel into up to
// four destination channels. Like the session it runs every transition on a
// serial executor and performs transport calls off it.
type RelayOrchestrator struct {
	sessionID   string
	sourceState func() domain.ConnectionState
	events      *EventStream
	transport   ports.RelayTransport
	settings    RelaySettings
	clock       clock.Clock
	logger      *zap.SugaredLogger
	exec        *serialExecutor

	snapshot atomic.Pointer[domain.RelaySnapshot]

	// executor owned
	gen      uint64
	opCtx    context.Context
	opCancel context.CancelFunc
	state    domain.RelayState
	lastErr  domain.RelayError
	emitted  bool
	config   domain.RelayConfig
	dests    []*relayDestination
	paused   bool
	updating bool
	window   *retry.Window
}

func newRelayOrchestrator(
	sessionID string,
	sourceState func() domain.ConnectionState,
	events *EventStream,
	transport ports.RelayTransport,
	settings RelaySettings,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *RelayOrchestrator {
	r := &RelayOrchestrator{
		sessionID:   sessionID,
		sourceState: sourceState,
		events:      events,
		transport:   transport,
		settings:    settings,
		clock:       clk,
		logger:      logger.With("component", "relay"),
		exec:        newSerialExecutor(),
		state:       domain.RelayStateIdle,
	}
	r.opCtx, r.opCancel = context.WithCancel(context.Background())
	r.storeSnapshotLocked()
	if transport != nil {
		transport.SetListener(r)
	}
	return r
}

func (r *RelayOrchestrator) State() domain.RelayState {
	return r.snapshot.Load().State
}

// Snapshot returns the relay state and per destination status.
func (r *RelayOrchestrator) Snapshot() domain.RelaySnapshot {
	return *r.snapshot.Load()
}

// Start opens the source and joins every destination. Destinations are
// joined in parallel and fail independently.
func (r *RelayOrchestrator) Start(ctx context.Context, cfg domain.RelayConfig) error {
	if err := validateRelayConfig(cfg); err != nil {
		return err
	}

	var err error
	if !r.exec.run(func() {
		if r.transport == nil {
			err = fmt.Errorf("no relay transport: %w", domain.ErrInvalidState)
			return
		}
		if r.sourceState() != domain.ConnectionStateConnected {
			err = domain.ErrSourceNotConnected
			return
		}
		switch r.state {
		case domain.RelayStateConnecting, domain.RelayStateRunning:
			err = fmt.Errorf("relay: %w", domain.ErrAlreadyRunning)
			return
		case domain.RelayStateFailure:
			err = fmt.Errorf("relay in failure, stop it first: %w", domain.ErrInvalidState)
			return
		}

		r.config = cfg.Clone()
		r.dests = make([]*relayDestination, 0, len(cfg.Destinations))
		for _, d := range r.config.Destinations {
			r.dests = append(r.dests, &relayDestination{info: d})
		}
		r.paused = false
		gen := r.nextGenLocked()

		r.logger.Infow("starting media relay",
			"source", logger.Redact(cfg.Source.Channel),
			"destinations", len(cfg.Destinations),
		)
		r.setStateLocked(domain.RelayStateConnecting, domain.RelayErrNone)
		r.connectAsync(gen, false)
	}) {
		return domain.ErrSessionClosed
	}
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

// Update diffs the destinations of a running relay and acknowledges each
// change with a relay event. Only one update runs at a time.
func (r *RelayOrchestrator) Update(ctx context.Context, cfg domain.RelayConfig) error {
	if len(cfg.Destinations) == 0 {
		r.exec.submit(func() {
			if r.state == domain.RelayStateRunning {
				r.events.Publish(domain.ChannelMediaRelayEvent{Code: domain.RelayEventUpdateDestChannelIsNull})
			}
		})
		return fmt.Errorf("%w: no destination channel", domain.ErrInvalidRelayConfig)
	}
	if err := validateRelayConfig(cfg); err != nil {
		return err
	}

	var err error
	if !r.exec.run(func() {
		if r.state != domain.RelayStateRunning {
			err = domain.ErrRelayNotRunning
			return
		}
		if r.updating {
			err = fmt.Errorf("relay update in flight: %w", domain.ErrInvalidState)
			return
		}

		current := make(map[string]domain.ChannelMediaInfo, len(r.dests))
		for _, d := range r.dests {
			current[d.info.Channel] = d.info
		}
		var add []domain.ChannelMediaInfo
		wanted := make(map[string]bool, len(cfg.Destinations))
		for _, d := range cfg.Destinations {
			wanted[d.Channel] = true
			if old, ok := current[d.Channel]; !ok || old != d {
				add = append(add, d)
			}
		}
		var remove []string
		for _, d := range r.dests {
			if !wanted[d.info.Channel] {
				remove = append(remove, d.info.Channel)
			}
		}

		if len(add) == 0 && len(remove) == 0 {
			r.events.Publish(domain.ChannelMediaRelayEvent{Code: domain.RelayEventUpdateDestChannelNotChange})
			return
		}
		fresh := 0
		for _, d := range add {
			if _, ok := current[d.Channel]; !ok {
				fresh++
			}
		}
		if n := len(r.dests) - len(remove) + fresh; n > domain.MaxRelayDestinations {
			err = fmt.Errorf("%w: got %d, %d allowed", domain.ErrTooManyDestinations, n, domain.MaxRelayDestinations)
			return
		}
		r.logger.Infow("updating media relay", "add", len(add), "remove", len(remove))

		r.updating = true
		gen, opCtx := r.gen, r.opCtx
		go func() {
			ctx, span := tracing.TraceRelayOperation(opCtx, "relay_update", r.sessionID, len(cfg.Destinations))
			defer span.End()

			removed := make([]error, len(remove))
			for i, ch := range remove {
				rctx, cancel := r.clock.WithTimeout(ctx, r.settings.RequestTimeout)
				removed[i] = r.transport.RemoveDestination(rctx, ch)
				cancel()
			}
			added := r.addDestinations(ctx, add)
			r.exec.submit(func() { r.onUpdateResultLocked(gen, remove, removed, add, added) })
		}()
	}) {
		return domain.ErrSessionClosed
	}
	return err
}

// Stop tears the relay down. It succeeds in every state.
func (r *RelayOrchestrator) Stop() error {
	if r.halt() {
		r.closeTransport()
	}
	return nil
}

func (r *RelayOrchestrator) PauseAll() error {
	return r.toggle(true)
}

func (r *RelayOrchestrator) ResumeAll() error {
	return r.toggle(false)
}

// OnRelayConnectionLost implements ports.RelayListener.
func (r *RelayOrchestrator) OnRelayConnectionLost() {
	r.exec.submit(r.connectionLostLocked)
}

func (r *RelayOrchestrator) OnRelayFailure(code domain.RelayError, channel string) {
	r.exec.submit(func() {
		if r.state != domain.RelayStateRunning && r.state != domain.RelayStateConnecting {
			return
		}
		if code.Transient() {
			r.connectionLostLocked()
			return
		}
		if d := r.destinationLocked(channel); d != nil && r.state == domain.RelayStateRunning {
			d.joined, d.err = false, code
			r.storeSnapshotLocked()
			r.logger.Warnw("relay destination failed", "destination", logger.Redact(channel), "error", code.String())
			r.events.Publish(domain.ChannelMediaRelayEvent{Code: domain.RelayEventUpdateDestChannelRefused, Channel: channel})
			if r.joinedCountLocked() > 0 {
				return
			}
		}
		r.failLocked(code)
	})
}

func (r *RelayOrchestrator) OnRelayPacket(code domain.RelayEventCode, channel string) {
	r.exec.submit(func() {
		if r.state == domain.RelayStateRunning {
			r.events.Publish(domain.ChannelMediaRelayEvent{Code: code, Channel: channel})
		}
	})
}

// sourceStateChanged follows the owning session. Leaving stops the relay,
// failure moves it to FAILURE.
func (r *RelayOrchestrator) sourceStateChanged(state domain.ConnectionState) {
	switch state {
	case domain.ConnectionStateDisconnected:
		r.exec.submit(func() {
			if r.state != domain.RelayStateIdle {
				r.stopLocked()
				go r.closeTransport()
			}
		})
	case domain.ConnectionStateFailed:
		r.exec.submit(func() {
			if r.state == domain.RelayStateConnecting || r.state == domain.RelayStateRunning {
				r.failLocked(domain.RelayErrServerConnectionLost)
			}
		})
	}
}

// detach stops the relay for the owning session without waiting on the transport.
func (r *RelayOrchestrator) detach() {
	if r.halt() {
		go r.closeTransport()
	}
}

func (r *RelayOrchestrator) close() {
	_ = r.Stop()
	r.exec.stop()
}

// halt moves the relay to IDLE and reports whether there was anything to tear down.
func (r *RelayOrchestrator) halt() bool {
	var active bool
	r.exec.run(func() {
		if r.state == domain.RelayStateIdle {
			return
		}
		active = true
		r.stopLocked()
	})
	return active
}

func (r *RelayOrchestrator) stopLocked() {
	r.nextGenLocked()
	r.stopWindowLocked()
	r.config = domain.RelayConfig{}
	r.dests = nil
	r.paused = false
	r.logger.Infow("media relay stopped")
	r.setStateLocked(domain.RelayStateIdle, domain.RelayErrNone)
}

func (r *RelayOrchestrator) closeTransport() {
	if r.transport == nil {
		return
	}
	ctx, cancel := r.clock.WithTimeout(context.Background(), r.settings.RequestTimeout)
	defer cancel()
	if err := r.transport.Close(ctx); err != nil {
		r.logger.Warnw("closing relay transport failed", "error", err)
	}
}

func (r *RelayOrchestrator) toggle(pause bool) error {
	var err error
	if !r.exec.run(func() {
		if r.state != domain.RelayStateRunning {
			err = domain.ErrRelayNotRunning
			return
		}
		gen, opCtx := r.gen, r.opCtx
		go func() {
			ctx, cancel := r.clock.WithTimeout(opCtx, r.settings.RequestTimeout)
			defer cancel()
			var terr error
			if pause {
				terr = r.transport.Pause(ctx)
			} else {
				terr = r.transport.Resume(ctx)
			}
			r.exec.submit(func() { r.onToggleResultLocked(gen, pause, terr) })
		}()
	}) {
		return domain.ErrSessionClosed
	}
	return err
}

func (r *RelayOrchestrator) onToggleResultLocked(gen uint64, pause bool, err error) {
	if gen != r.gen || r.state != domain.RelayStateRunning {
		return
	}
	code := domain.RelayEventResumeSendSuccess
	switch {
	case pause && err == nil:
		code = domain.RelayEventPauseSendSuccess
	case pause:
		code = domain.RelayEventPauseSendFailed
	case err != nil:
		code = domain.RelayEventResumeSendFailed
	}
	if err == nil {
		r.paused = pause
		r.storeSnapshotLocked()
	} else {
		r.logger.Warnw("relay pause toggle failed", "pause", pause, "error", err)
	}
	r.events.Publish(domain.ChannelMediaRelayEvent{Code: code})
}

func (r *RelayOrchestrator) nextGenLocked() uint64 {
	r.updating = false
	r.opCancel()
	r.opCtx, r.opCancel = context.WithCancel(context.Background())
	r.gen++
	return r.gen
}

func (r *RelayOrchestrator) connectAsync(gen uint64, reconnect bool) {
	source := r.config.Source
	dests := make([]domain.ChannelMediaInfo, len(r.dests))
	for i, d := range r.dests {
		dests[i] = d.info
	}
	opCtx := r.opCtx

	go func() {
		ctx, span := tracing.TraceRelayOperation(opCtx, "relay_connect", r.sessionID, len(dests))
		defer span.End()

		rctx, cancel := r.clock.WithTimeout(ctx, r.settings.RequestTimeout)
		err := r.transport.Open(rctx, source)
		cancel()
		if err != nil {
			tracing.RecordError(ctx, err)
			r.exec.submit(func() { r.onConnectResultLocked(gen, reconnect, err, nil) })
			return
		}
		results := r.addDestinations(ctx, dests)
		r.exec.submit(func() { r.onConnectResultLocked(gen, reconnect, nil, results) })
	}()
}

// addDestinations joins every destination concurrently and returns one
// result per input, in order.
func (r *RelayOrchestrator) addDestinations(ctx context.Context, dests []domain.ChannelMediaInfo) []error {
	results := make([]error, len(dests))
	var g errgroup.Group
	for i, d := range dests {
		i, d := i, d
		g.Go(func() error {
			dctx, cancel := r.clock.WithTimeout(ctx, r.settings.RequestTimeout)
			defer cancel()
			results[i] = r.transport.AddDestination(dctx, d)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *RelayOrchestrator) onConnectResultLocked(gen uint64, reconnect bool, srcErr error, results []error) {
	if gen != r.gen || r.state != domain.RelayStateConnecting {
		return
	}

	if srcErr != nil {
		code := relayErrorCode(srcErr, domain.RelayErrFailedJoinSource)
		if reconnect && r.window != nil && !errors.Is(srcErr, domain.ErrInvalidRelayConfig) && retryableRelayError(code) {
			r.logger.Infow("relay reconnect attempt failed", "error", srcErr)
			r.window.AttemptFailed()
			return
		}
		r.logger.Warnw("relay source join failed", "error", srcErr)
		r.failLocked(code)
		return
	}

	var refused []string
	var firstCode domain.RelayError
	for i, err := range results {
		d := r.dests[i]
		if err == nil {
			d.joined, d.err = true, domain.RelayErrNone
			continue
		}
		code := relayErrorCode(err, domain.RelayErrFailedJoinDestination)
		d.joined, d.err = false, code
		if firstCode == domain.RelayErrNone {
			firstCode = code
		}
		refused = append(refused, d.info.Channel)
		r.logger.Warnw("relay destination refused", "destination", logger.Redact(d.info.Channel), "error", err)
	}

	if r.joinedCountLocked() == 0 {
		if reconnect && r.window != nil && retryableRelayError(firstCode) {
			r.window.AttemptFailed()
			return
		}
		if firstCode != domain.RelayErrDestinationTokenExpired {
			firstCode = domain.RelayErrFailedJoinDestination
		}
		r.failLocked(firstCode)
		return
	}

	r.stopWindowLocked()
	if !reconnect {
		r.events.Publish(domain.ChannelMediaRelayEvent{Code: domain.RelayEventJoinedSourceChannel, Channel: r.config.Source.Channel})
	}
	for _, d := range r.dests {
		if d.joined {
			r.events.Publish(domain.ChannelMediaRelayEvent{Code: domain.RelayEventJoinedDestinationChannel, Channel: d.info.Channel})
		}
	}
	for _, ch := range refused {
		r.events.Publish(domain.ChannelMediaRelayEvent{Code: domain.RelayEventUpdateDestChannelRefused, Channel: ch})
	}
	r.setStateLocked(domain.RelayStateRunning, domain.RelayErrNone)
	if reconnect {
		r.events.Publish(domain.ChannelMediaRelayEvent{Code: domain.RelayEventNetworkConnected})
	}
}

func (r *RelayOrchestrator) onUpdateResultLocked(gen uint64, remove []string, removed []error, add []domain.ChannelMediaInfo, added []error) {
	if gen != r.gen {
		return
	}
	r.updating = false
	if r.state != domain.RelayStateRunning {
		return
	}

	for i, ch := range remove {
		if removed[i] != nil {
			r.logger.Warnw("removing relay destination failed", "destination", logger.Redact(ch), "error", removed[i])
		}
		r.config.RemoveDestination(ch)
		for j, d := range r.dests {
			if d.info.Channel == ch {
				r.dests = append(r.dests[:j], r.dests[j+1:]...)
				break
			}
		}
		r.events.Publish(domain.ChannelMediaRelayEvent{Code: domain.RelayEventUpdateDestChannel, Channel: ch})
	}

	for i, info := range add {
		if err := added[i]; err != nil {
			r.logger.Warnw("relay destination refused", "destination", logger.Redact(info.Channel), "error", err)
			r.events.Publish(domain.ChannelMediaRelayEvent{Code: domain.RelayEventUpdateDestChannelRefused, Channel: info.Channel})
			continue
		}
		if err := r.config.AddDestination(info); err != nil {
			r.events.Publish(domain.ChannelMediaRelayEvent{Code: domain.RelayEventUpdateDestChannelRefused, Channel: info.Channel})
			continue
		}
		if d := r.destinationLocked(info.Channel); d != nil {
			d.info, d.joined, d.err = info, true, domain.RelayErrNone
		} else {
			r.dests = append(r.dests, &relayDestination{info: info, joined: true})
		}
		r.events.Publish(domain.ChannelMediaRelayEvent{Code: domain.RelayEventUpdateDestChannel, Channel: info.Channel})
	}
	r.storeSnapshotLocked()
}

func (r *RelayOrchestrator) connectionLostLocked() {
	if r.state != domain.RelayStateRunning {
		return
	}
	gen := r.nextGenLocked()
	r.events.Publish(domain.ChannelMediaRelayEvent{Code: domain.RelayEventNetworkDisconnected})
	r.setStateLocked(domain.RelayStateConnecting, domain.RelayErrServerConnectionLost)

	r.window = retry.NewWindow(retry.WindowConfig{
		LostTimeout:    r.settings.LostTimeout,
		FailTimeout:    r.settings.FailTimeout,
		InitialBackoff: r.settings.InitialBackoff,
		MaxBackoff:     r.settings.MaxBackoff,
	}, r.clock, retry.WindowHandlers{
		OnAttempt: func(n int) {
			r.exec.submit(func() {
				if gen == r.gen && r.state == domain.RelayStateConnecting {
					r.logger.Debugw("relay reconnect attempt", "attempt", n)
					r.connectAsync(gen, true)
				}
			})
		},
		OnLost: func() {
			r.logger.Warnw("relay connection lost", "timeout", r.settings.LostTimeout)
		},
		OnExpired: func() {
			r.exec.submit(func() {
				if gen == r.gen && r.state == domain.RelayStateConnecting {
					r.failLocked(domain.RelayErrServerConnectionLost)
				}
			})
		},
	})
	r.window.Start()
}

func (r *RelayOrchestrator) stopWindowLocked() {
	if r.window != nil {
		r.window.Stop()
		r.window = nil
	}
}

func (r *RelayOrchestrator) failLocked(code domain.RelayError) {
	r.nextGenLocked()
	r.stopWindowLocked()
	r.logger.Warnw("media relay failed", "error", code.String())
	r.setStateLocked(domain.RelayStateFailure, code)
}

func (r *RelayOrchestrator) setStateLocked(state domain.RelayState, code domain.RelayError) {
	if r.emitted && r.state == state && r.lastErr == code {
		return
	}
	r.state, r.lastErr, r.emitted = state, code, true
	r.storeSnapshotLocked()
	r.events.Publish(domain.ChannelMediaRelayStateChanged{State: state, Err: code})
}

func (r *RelayOrchestrator) storeSnapshotLocked() {
	snap := &domain.RelaySnapshot{
		State:     r.state,
		LastError: r.lastErr,
		Paused:    r.paused,
		Source:    logger.Redact(r.config.Source.Channel),
	}
	for _, d := range r.dests {
		snap.Destinations = append(snap.Destinations, domain.RelayDestinationStatus{
			Channel: logger.Redact(d.info.Channel),
			UID:     d.info.UID,
			Joined:  d.joined,
			Err:     d.err,
		})
	}
	r.snapshot.Store(snap)
}

func (r *RelayOrchestrator) destinationLocked(channel string) *relayDestination {
	if channel == "" {
		return nil
	}
	for _, d := range r.dests {
		if d.info.Channel == channel {
			return d
		}
	}
	return nil
}

func (r *RelayOrchestrator) joinedCountLocked() int {
	n := 0
	for _, d := range r.dests {
		if d.joined {
			n++
		}
	}
	return n
}

func validateRelayConfig(cfg domain.RelayConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Source.Channel != "" {
		if err := validation.ValidateChannelName(cfg.Source.Channel); err != nil {
			return fmt.Errorf("%w: source: %v", domain.ErrInvalidRelayConfig, err)
		}
	}
	for _, d := range cfg.Destinations {
		if err := validation.ValidateChannelName(d.Channel); err != nil {
			return fmt.Errorf("%w: destination: %v", domain.ErrInvalidRelayConfig, err)
		}
	}
	return nil
}

// relayErrorCode extracts the relay error carried by err, or fallback.
func relayErrorCode(err error, fallback domain.RelayError) domain.RelayError {
	var f *domain.RelayFailure
	if errors.As(err, &f) && f.Code != domain.RelayErrNone {
		return f.Code
	}
	return fallback
}

func retryableRelayError(code domain.RelayError) bool {
	switch code {
	case domain.RelayErrSourceTokenExpired, domain.RelayErrDestinationTokenExpired, domain.RelayErrNoResourceAvailable:
		return false
	default:
		return true
	}
}
