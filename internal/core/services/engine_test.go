package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"

	"rtcore/internal/core/domain"
	"rtcore/internal/core/ports"
)

// perSessionFactory hands every session its own fake transports.
type perSessionFactory struct {
	mu   sync.Mutex
	sigs []*fakeSignaling
}

func (f *perSessionFactory) NewSignaling() (ports.SignalingTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sig := newFakeSignaling()
	f.sigs = append(f.sigs, sig)
	return sig, nil
}

func (f *perSessionFactory) NewRelay() (ports.RelayTransport, error) {
	return newFakeRelay(), nil
}

func (f *perSessionFactory) NewStatsSource(sig ports.SignalingTransport) ports.StatsSource {
	return &fakeStats{}
}

func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *perSessionFactory) {
	t.Helper()
	f := &perSessionFactory{}
	opts = append([]EngineOption{WithClock(clock.NewMock())}, opts...)
	e, err := NewEngine(testEngineConfig(), f, nil, zaptest.NewLogger(t).Sugar(), opts...)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, f
}

func TestEngine_RejectsInvalidAppID(t *testing.T) {
	for _, appID := range []string{"", "app id with spaces", "app/1"} {
		_, err := NewEngine(DefaultEngineConfig(appID), &perSessionFactory{}, nil, zaptest.NewLogger(t).Sugar())
		assert.ErrorIs(t, err, domain.ErrInvalidAppID, "app id %q", appID)
	}

	_, err := NewEngine(DefaultEngineConfig("app0001"), nil, nil, zaptest.NewLogger(t).Sugar())
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestEngine_SessionsAreTracked(t *testing.T) {
	e, _ := newTestEngine(t)

	a, err := e.CreateSession()
	require.NoError(t, err)
	b, err := e.CreateSession()
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())

	got, ok := e.Session(a.ID())
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Len(t, e.Sessions(), 2)
	assert.Equal(t, domain.ConnectionStateDisconnected, a.State())

	b.Close()
	_, ok = e.Session(b.ID())
	assert.False(t, ok)
	assert.Len(t, e.Sessions(), 1)
}

func TestEngine_ChannelHeldByOneSession(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	a, err := e.CreateSession()
	require.NoError(t, err)
	b, err := e.CreateSession()
	require.NoError(t, err)
	events := recordEvents(a.Events())
	recordEvents(b.Events())

	require.NoError(t, a.Join(ctx, "room-1", "opaque-token", 1, domain.DefaultJoinOptions()))
	events.waitState(t, domain.ConnectionStateConnected, domain.ReasonJoined)

	err = b.Join(ctx, "room-1", "opaque-token", 2, domain.DefaultJoinOptions())
	assert.ErrorIs(t, err, domain.ErrAlreadyInChannel)
	assert.Equal(t, domain.ConnectionStateDisconnected, b.State())

	// another channel is fine
	require.NoError(t, b.Join(ctx, "room-2", "opaque-token", 2, domain.DefaultJoinOptions()))
	require.NoError(t, b.Leave(ctx))

	require.NoError(t, a.Leave(ctx))
	require.NoError(t, b.Join(ctx, "room-1", "opaque-token", 2, domain.DefaultJoinOptions()))
}

func TestEngine_CloseClosesSessions(t *testing.T) {
	e, f := newTestEngine(t)

	s, err := e.CreateSession()
	require.NoError(t, err)
	recordEvents(s.Events())
	require.NoError(t, s.Join(context.Background(), "room-1", "opaque-token", 1, domain.DefaultJoinOptions()))

	e.Close()
	e.Close()

	assert.Empty(t, e.Sessions())
	assert.Equal(t, domain.ConnectionStateDisconnected, s.State())
	f.mu.Lock()
	sig := f.sigs[0]
	f.mu.Unlock()
	sig.mu.Lock()
	assert.True(t, sig.closed)
	sig.mu.Unlock()

	_, err = e.CreateSession()
	assert.ErrorIs(t, err, domain.ErrEngineClosed)
}

func TestEngine_TapsSeeEveryEvent(t *testing.T) {
	var tapped atomic.Int32
	e, _ := newTestEngine(t, WithEventTaps(func(sessionID string, ev domain.Event) {
		if _, ok := ev.(domain.ConnectionStateChanged); ok {
			tapped.Inc()
		}
	}))

	s, err := e.CreateSession()
	require.NoError(t, err)
	events := recordEvents(s.Events())
	require.NoError(t, s.Join(context.Background(), "room-1", "opaque-token", 1, domain.DefaultJoinOptions()))
	events.waitState(t, domain.ConnectionStateConnected, domain.ReasonJoined)

	assert.Eventually(t, func() bool { return tapped.Load() >= 2 }, waitFor, 5*time.Millisecond)
}

func TestEngine_ProbeWithoutTransport(t *testing.T) {
	e, _ := newTestEngine(t)

	err := e.StartLastmileProbeTest(validProbe)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, ok := e.LastProbeResult()
	assert.False(t, ok)
	e.StopLastmileProbeTest()
}
