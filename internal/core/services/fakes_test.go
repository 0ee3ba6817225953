package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"rtcore/internal/core/domain"
	"rtcore/internal/core/ports"
)

const waitFor = 2 * time.Second

type fakeSignaling struct {
	mu       sync.Mutex
	listener ports.TransportListener
	joinFn   func(p ports.JoinParams) (*ports.JoinAck, error)
	renewErr error

	joins      []ports.JoinParams
	leaves     int
	renewals   []string
	publishes  map[domain.MediaKind]bool
	subscribes map[domain.StreamKey]bool
	hints      []domain.FallbackLevel
	closed     bool
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{
		publishes:  make(map[domain.MediaKind]bool),
		subscribes: make(map[domain.StreamKey]bool),
	}
}

func (f *fakeSignaling) Join(ctx context.Context, p ports.JoinParams) (*ports.JoinAck, error) {
	f.mu.Lock()
	f.joins = append(f.joins, p)
	fn := f.joinFn
	f.mu.Unlock()

	if fn != nil {
		return fn(p)
	}
	return &ports.JoinAck{UID: p.UID}, nil
}

func (f *fakeSignaling) Leave(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
	return nil
}

func (f *fakeSignaling) RenewToken(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewals = append(f.renewals, token)
	return f.renewErr
}

func (f *fakeSignaling) SetClientRole(ctx context.Context, role domain.ClientRole) error {
	return nil
}

func (f *fakeSignaling) Publish(ctx context.Context, kind domain.MediaKind, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishes[kind] = enabled
	return nil
}

func (f *fakeSignaling) Subscribe(ctx context.Context, uid domain.UID, kind domain.MediaKind, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes[domain.StreamKey{UID: uid, Kind: kind}] = enabled
	return nil
}

func (f *fakeSignaling) SetLocalFallback(ctx context.Context, level domain.FallbackLevel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hints = append(f.hints, level)
	return nil
}

func (f *fakeSignaling) SetRemoteFallback(ctx context.Context, uid domain.UID, level domain.FallbackLevel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hints = append(f.hints, level)
	return nil
}

func (f *fakeSignaling) SetListener(l ports.TransportListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = l
}

func (f *fakeSignaling) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSignaling) notify() ports.TransportListener {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listener
}

func (f *fakeSignaling) setJoin(fn func(p ports.JoinParams) (*ports.JoinAck, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joinFn = fn
}

func (f *fakeSignaling) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.joins)
}

func (f *fakeSignaling) lastJoin() ports.JoinParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins[len(f.joins)-1]
}

func (f *fakeSignaling) leaveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leaves
}

func (f *fakeSignaling) subscribed(key domain.StreamKey) (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.subscribes[key]
	return v, ok
}

type fakeRelay struct {
	mu       sync.Mutex
	listener ports.RelayListener
	openErr  error
	destErrs map[string]error
	opened   int
	added    []string
	removed  []string
	closed   int
	paused   bool
	addGate  chan struct{}
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{destErrs: make(map[string]error)}
}

func (f *fakeRelay) Open(ctx context.Context, source domain.ChannelMediaInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	return f.openErr
}

func (f *fakeRelay) AddDestination(ctx context.Context, dest domain.ChannelMediaInfo) error {
	f.mu.Lock()
	gate := f.addGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.destErrs[dest.Channel]; err != nil {
		return err
	}
	f.added = append(f.added, dest.Channel)
	return nil
}

func (f *fakeRelay) RemoveDestination(ctx context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, channel)
	return nil
}

func (f *fakeRelay) Pause(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
	return nil
}

func (f *fakeRelay) Resume(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
	return nil
}

func (f *fakeRelay) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeRelay) SetListener(l ports.RelayListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = l
}

func (f *fakeRelay) notify() ports.RelayListener {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listener
}

func (f *fakeRelay) setOpenErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

// holdAdds blocks AddDestination until the returned func is called.
func (f *fakeRelay) holdAdds() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.addGate = gate
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.addGate = nil
		f.mu.Unlock()
		close(gate)
	}
}

func (f *fakeRelay) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

type fakeStats struct {
	mu   sync.Mutex
	snap domain.TransportSnapshot
	next func() domain.TransportSnapshot
	err  error
}

func (f *fakeStats) Collect(ctx context.Context) (domain.TransportSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next != nil {
		return f.next(), f.err
	}
	return f.snap, f.err
}

func (f *fakeStats) generate(next func() domain.TransportSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = next
}

func (f *fakeStats) set(snap domain.TransportSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = snap
}

type fakeFactory struct {
	sig   *fakeSignaling
	relay *fakeRelay
	stats *fakeStats
}

func (f *fakeFactory) NewSignaling() (ports.SignalingTransport, error) {
	return f.sig, nil
}

func (f *fakeFactory) NewRelay() (ports.RelayTransport, error) {
	return f.relay, nil
}

func (f *fakeFactory) NewStatsSource(sig ports.SignalingTransport) ports.StatsSource {
	return f.stats
}

type fakeProber struct {
	mu      sync.Mutex
	fn      func(ctx context.Context, cfg domain.ProbeConfig) (domain.ProbeMeasurement, error)
	started chan struct{}
}

func (p *fakeProber) Probe(ctx context.Context, cfg domain.ProbeConfig) (domain.ProbeMeasurement, error) {
	p.mu.Lock()
	fn := p.fn
	p.mu.Unlock()
	if p.started != nil {
		p.started <- struct{}{}
	}
	return fn(ctx, cfg)
}

// eventRecorder drains an event channel and keeps everything it saw.
type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func recordEvents(ch <-chan domain.Event) *eventRecorder {
	r := &eventRecorder{}
	go func() {
		for ev := range ch {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *eventRecorder) all() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

func (r *eventRecorder) states() []domain.ConnectionStateChanged {
	var out []domain.ConnectionStateChanged
	for _, ev := range r.all() {
		if sc, ok := ev.(domain.ConnectionStateChanged); ok {
			out = append(out, sc)
		}
	}
	return out
}

func (r *eventRecorder) count(kind domain.EventKind) int {
	n := 0
	for _, ev := range r.all() {
		if ev.Kind() == kind {
			n++
		}
	}
	return n
}

func (r *eventRecorder) relayEvents(code domain.RelayEventCode) []domain.ChannelMediaRelayEvent {
	var out []domain.ChannelMediaRelayEvent
	for _, ev := range r.all() {
		if re, ok := ev.(domain.ChannelMediaRelayEvent); ok && re.Code == code {
			out = append(out, re)
		}
	}
	return out
}

func (r *eventRecorder) hasState(state domain.ConnectionState, reason domain.ConnectionChangeReason) bool {
	for _, sc := range r.states() {
		if sc.State == state && sc.Reason == reason {
			return true
		}
	}
	return false
}

func (r *eventRecorder) waitState(t *testing.T, state domain.ConnectionState, reason domain.ConnectionChangeReason) {
	t.Helper()
	require.Eventually(t, func() bool { return r.hasState(state, reason) }, waitFor, 5*time.Millisecond,
		"no %s/%s transition", state, reason)
}

func (r *eventRecorder) waitKind(t *testing.T, kind domain.EventKind, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.count(kind) >= n }, waitFor, 5*time.Millisecond,
		"expected %d %s events", n, kind)
}

type harness struct {
	engine  *Engine
	session *Session
	sig     *fakeSignaling
	relay   *fakeRelay
	stats   *fakeStats
	clock   *clock.Mock
	events  *eventRecorder
}

func testEngineConfig() EngineConfig {
	cfg := DefaultEngineConfig("app0001")
	cfg.Telemetry.Interval = time.Hour
	return cfg
}

func newHarness(t *testing.T, cfg EngineConfig) *harness {
	t.Helper()

	clk := clock.NewMock()
	clk.Set(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	f := &fakeFactory{sig: newFakeSignaling(), relay: newFakeRelay(), stats: &fakeStats{}}

	e, err := NewEngine(cfg, f, nil, zaptest.NewLogger(t).Sugar(), WithClock(clk))
	require.NoError(t, err)
	s, err := e.CreateSession()
	require.NoError(t, err)

	h := &harness{
		engine:  e,
		session: s,
		sig:     f.sig,
		relay:   f.relay,
		stats:   f.stats,
		clock:   clk,
		events:  recordEvents(s.Events()),
	}
	t.Cleanup(e.Close)
	return h
}

// joined brings the harness session to CONNECTED.
func (h *harness) joined(t *testing.T) {
	t.Helper()
	require.NoError(t, h.session.Join(context.Background(), "room-1", "opaque-token", 42, domain.DefaultJoinOptions()))
	h.events.waitState(t, domain.ConnectionStateConnected, domain.ReasonJoined)
}

// sync waits until every task queued on the session executor has run.
func (h *harness) sync() {
	h.session.exec.run(func() {})
}

// advance moves the mock clock forward in steps so chained timers get to
// reschedule between steps.
func (h *harness) advance(total, step time.Duration) {
	for elapsed := time.Duration(0); elapsed < total; elapsed += step {
		h.clock.Add(step)
		h.sync()
	}
}

func (f *fakeRelay) setDestErr(channel string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destErrs[channel] = err
}

func (f *fakeRelay) calls() (added, removed []string, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.added...), append([]string(nil), f.removed...), f.closed
}
