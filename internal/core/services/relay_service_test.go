package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtcore/internal/core/domain"
)

func relayConfig(dests ...string) domain.RelayConfig {
	cfg := domain.RelayConfig{Source: domain.ChannelMediaInfo{Channel: "room-1", Token: "src-token"}}
	for i, ch := range dests {
		cfg.Destinations = append(cfg.Destinations, domain.ChannelMediaInfo{
			Channel: ch,
			Token:   "dst-token",
			UID:     domain.UID(100 + i),
		})
	}
	return cfg
}

func (r *eventRecorder) relayStates() []domain.ChannelMediaRelayStateChanged {
	var out []domain.ChannelMediaRelayStateChanged
	for _, ev := range r.all() {
		if sc, ok := ev.(domain.ChannelMediaRelayStateChanged); ok {
			out = append(out, sc)
		}
	}
	return out
}

func (r *eventRecorder) waitRelayState(t *testing.T, state domain.RelayState, code domain.RelayError) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, sc := range r.relayStates() {
			if sc.State == state && sc.Err == code {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond, "no relay %s/%s transition", state, code)
}

func (r *eventRecorder) waitRelayEvent(t *testing.T, code domain.RelayEventCode, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.relayEvents(code)) >= n }, waitFor, 5*time.Millisecond,
		"expected %d %s relay events", n, code)
}

// syncRelay waits until every task queued on the relay executor has run.
func (h *harness) syncRelay() {
	h.session.relay.exec.run(func() {})
}

func runningRelay(t *testing.T, h *harness, dests ...string) *RelayOrchestrator {
	t.Helper()
	h.joined(t)
	relay := h.session.Relay()
	require.NoError(t, relay.Start(context.Background(), relayConfig(dests...)))
	h.events.waitRelayState(t, domain.RelayStateRunning, domain.RelayErrNone)
	return relay
}

func TestRelayConfig_FifthDestinationRejected(t *testing.T) {
	cfg := relayConfig("dest-a", "dest-b", "dest-c", "dest-d")

	err := cfg.AddDestination(domain.ChannelMediaInfo{Channel: "dest-e"})
	assert.ErrorIs(t, err, domain.ErrTooManyDestinations)
	assert.Len(t, cfg.Destinations, 4)

	// replacing an existing destination is not an addition
	require.NoError(t, cfg.AddDestination(domain.ChannelMediaInfo{Channel: "dest-b", Token: "fresh"}))
	assert.Equal(t, "fresh", cfg.Destinations[1].Token)
}

func TestRelay_StopWhileIdle(t *testing.T) {
	h := newHarness(t, testEngineConfig())

	assert.NoError(t, h.session.Relay().Stop())
	assert.Equal(t, domain.RelayStateIdle, h.session.Relay().State())
	h.syncRelay()
	assert.Empty(t, h.events.relayStates())
}

func TestRelay_StartRequiresConnectedSource(t *testing.T) {
	h := newHarness(t, testEngineConfig())

	err := h.session.Relay().Start(context.Background(), relayConfig("dest-a"))
	assert.ErrorIs(t, err, domain.ErrSourceNotConnected)
	assert.Zero(t, h.relay.openCount())
}

func TestRelay_StartValidation(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	h.joined(t)
	relay := h.session.Relay()

	err := relay.Start(context.Background(), relayConfig())
	assert.ErrorIs(t, err, domain.ErrInvalidRelayConfig)

	err = relay.Start(context.Background(), relayConfig("a", "b", "c", "d", "e"))
	assert.ErrorIs(t, err, domain.ErrTooManyDestinations)

	err = relay.Start(context.Background(), relayConfig("dest-a", "dest-a"))
	assert.ErrorIs(t, err, domain.ErrInvalidRelayConfig)
	assert.Equal(t, domain.RelayStateIdle, relay.State())
}

func TestRelay_StartJoinsEveryDestination(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	relay := runningRelay(t, h, "dest-a", "dest-b")

	h.events.waitRelayEvent(t, domain.RelayEventJoinedDestinationChannel, 2)
	assert.Len(t, h.events.relayEvents(domain.RelayEventJoinedSourceChannel), 1)
	assert.Equal(t, []domain.ChannelMediaRelayStateChanged{
		{State: domain.RelayStateConnecting},
		{State: domain.RelayStateRunning},
	}, h.events.relayStates())

	snap := relay.Snapshot()
	require.Len(t, snap.Destinations, 2)
	for _, d := range snap.Destinations {
		assert.True(t, d.Joined)
		assert.NotContains(t, d.Channel, "dest-")
	}

	err := relay.Start(context.Background(), relayConfig("dest-c"))
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)
}

func TestRelay_PartialDestinationFailure(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	h.relay.setDestErr("dest-b", errors.New("refused"))
	relay := runningRelay(t, h, "dest-a", "dest-b")

	h.events.waitRelayEvent(t, domain.RelayEventUpdateDestChannelRefused, 1)
	refused := h.events.relayEvents(domain.RelayEventUpdateDestChannelRefused)
	assert.Equal(t, "dest-b", refused[0].Channel)

	snap := relay.Snapshot()
	require.Len(t, snap.Destinations, 2)
	assert.True(t, snap.Destinations[0].Joined)
	assert.False(t, snap.Destinations[1].Joined)
	assert.Equal(t, domain.RelayErrFailedJoinDestination, snap.Destinations[1].Err)
}

func TestRelay_AllDestinationsFailing(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	h.joined(t)
	h.relay.setDestErr("dest-a", errors.New("refused"))
	h.relay.setDestErr("dest-b", errors.New("refused"))
	relay := h.session.Relay()

	require.NoError(t, relay.Start(context.Background(), relayConfig("dest-a", "dest-b")))
	h.events.waitRelayState(t, domain.RelayStateFailure, domain.RelayErrFailedJoinDestination)

	err := relay.Start(context.Background(), relayConfig("dest-a"))
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	require.NoError(t, relay.Stop())
	assert.Equal(t, domain.RelayStateIdle, relay.State())

	h.relay.setDestErr("dest-a", nil)
	require.NoError(t, relay.Start(context.Background(), relayConfig("dest-a")))
	h.events.waitRelayState(t, domain.RelayStateRunning, domain.RelayErrNone)
}

func TestRelay_DestinationTokenExpired(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	h.joined(t)
	h.relay.setDestErr("dest-a", &domain.RelayFailure{Code: domain.RelayErrDestinationTokenExpired, Channel: "dest-a"})

	require.NoError(t, h.session.Relay().Start(context.Background(), relayConfig("dest-a")))
	h.events.waitRelayState(t, domain.RelayStateFailure, domain.RelayErrDestinationTokenExpired)
}

func TestRelay_SourceTokenExpired(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	h.joined(t)
	h.relay.setOpenErr(&domain.RelayFailure{Code: domain.RelayErrSourceTokenExpired})

	require.NoError(t, h.session.Relay().Start(context.Background(), relayConfig("dest-a")))
	h.events.waitRelayState(t, domain.RelayStateFailure, domain.RelayErrSourceTokenExpired)
}

func TestRelay_Update(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	relay := runningRelay(t, h, "dest-a", "dest-b")
	ctx := context.Background()

	require.NoError(t, relay.Update(ctx, relayConfig("dest-a", "dest-b")))
	h.events.waitRelayEvent(t, domain.RelayEventUpdateDestChannelNotChange, 1)

	err := relay.Update(ctx, relayConfig())
	assert.ErrorIs(t, err, domain.ErrInvalidRelayConfig)
	h.events.waitRelayEvent(t, domain.RelayEventUpdateDestChannelIsNull, 1)

	require.NoError(t, relay.Update(ctx, relayConfig("dest-a", "dest-c")))
	h.events.waitRelayEvent(t, domain.RelayEventUpdateDestChannel, 2)

	_, removed, _ := h.relay.calls()
	assert.Equal(t, []string{"dest-b"}, removed)

	changed := map[string]bool{}
	for _, ev := range h.events.relayEvents(domain.RelayEventUpdateDestChannel) {
		changed[ev.Channel] = true
	}
	assert.Equal(t, map[string]bool{"dest-b": true, "dest-c": true}, changed)

	h.syncRelay()
	snap := relay.Snapshot()
	require.Len(t, snap.Destinations, 2)
	assert.True(t, snap.Destinations[0].Joined)
	assert.True(t, snap.Destinations[1].Joined)
	assert.Equal(t, domain.RelayStateRunning, snap.State)
}

func TestRelay_OverlappingUpdateRejected(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	relay := runningRelay(t, h, "dest-a", "dest-b", "dest-c", "dest-d")
	ctx := context.Background()

	release := h.relay.holdAdds()
	require.NoError(t, relay.Update(ctx, relayConfig("dest-a", "dest-b", "dest-c", "dest-e")))
	err := relay.Update(ctx, relayConfig("dest-a", "dest-b", "dest-c", "dest-f"))
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	release()
	h.events.waitRelayEvent(t, domain.RelayEventUpdateDestChannel, 2)
	h.syncRelay()

	added, removed, _ := h.relay.calls()
	assert.Equal(t, []string{"dest-d"}, removed)
	assert.NotContains(t, added, "dest-f")
	// live transport destinations match what the relay tracks
	assert.Len(t, added, 5)

	snap := relay.Snapshot()
	var channels []string
	for _, d := range snap.Destinations {
		channels = append(channels, d.Channel)
	}
	assert.ElementsMatch(t, []string{"dest-a", "dest-b", "dest-c", "dest-e"}, channels)

	// the next update goes through once the first one is applied
	require.NoError(t, relay.Update(ctx, relayConfig("dest-a", "dest-b", "dest-c", "dest-f")))
	h.events.waitRelayEvent(t, domain.RelayEventUpdateDestChannel, 4)
	added, _, _ = h.relay.calls()
	assert.Contains(t, added, "dest-f")
}

func TestRelay_UpdateRequiresRunning(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	h.joined(t)

	err := h.session.Relay().Update(context.Background(), relayConfig("dest-a"))
	assert.ErrorIs(t, err, domain.ErrRelayNotRunning)

	h.syncRelay()
	assert.Empty(t, h.events.relayEvents(domain.RelayEventUpdateDestChannelIsNull))
}

func TestRelay_ReconnectsAfterConnectionLoss(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	runningRelay(t, h, "dest-a")

	h.relay.notify().OnRelayConnectionLost()
	h.events.waitRelayEvent(t, domain.RelayEventNetworkConnected, 1)

	assert.Len(t, h.events.relayEvents(domain.RelayEventNetworkDisconnected), 1)
	assert.Len(t, h.events.relayEvents(domain.RelayEventJoinedSourceChannel), 1, "source join is reported once")
	assert.Equal(t, []domain.ChannelMediaRelayStateChanged{
		{State: domain.RelayStateConnecting},
		{State: domain.RelayStateRunning},
		{State: domain.RelayStateConnecting, Err: domain.RelayErrServerConnectionLost},
		{State: domain.RelayStateRunning},
	}, h.events.relayStates())
	assert.Equal(t, 2, h.relay.openCount())
}

func TestRelay_ReconnectGivesUpAfterOuterBound(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	relay := runningRelay(t, h, "dest-a")

	h.relay.setOpenErr(errors.New("unreachable"))
	h.relay.notify().OnRelayConnectionLost()
	h.events.waitRelayState(t, domain.RelayStateConnecting, domain.RelayErrServerConnectionLost)

	require.Eventually(t, func() bool {
		h.clock.Add(time.Minute)
		h.syncRelay()
		return relay.State() == domain.RelayStateFailure
	}, waitFor, time.Millisecond)

	assert.Equal(t, domain.RelayErrServerConnectionLost, relay.Snapshot().LastError)
	assert.Equal(t, domain.ConnectionStateConnected, h.session.State(), "the session is unaffected")
}

func TestRelay_DestinationFailureIsIsolated(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	relay := runningRelay(t, h, "dest-a", "dest-b")

	h.relay.notify().OnRelayFailure(domain.RelayErrFailedPacketSentToDestination, "dest-a")
	h.events.waitRelayEvent(t, domain.RelayEventUpdateDestChannelRefused, 1)
	assert.Equal(t, domain.RelayStateRunning, relay.State())

	h.relay.notify().OnRelayFailure(domain.RelayErrFailedPacketSentToDestination, "dest-b")
	h.events.waitRelayState(t, domain.RelayStateFailure, domain.RelayErrFailedPacketSentToDestination)
}

func TestRelay_PauseAndResume(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	relay := runningRelay(t, h, "dest-a")

	require.NoError(t, relay.PauseAll())
	h.events.waitRelayEvent(t, domain.RelayEventPauseSendSuccess, 1)
	assert.True(t, relay.Snapshot().Paused)

	require.NoError(t, relay.ResumeAll())
	h.events.waitRelayEvent(t, domain.RelayEventResumeSendSuccess, 1)
	assert.False(t, relay.Snapshot().Paused)

	require.NoError(t, relay.Stop())
	assert.ErrorIs(t, relay.PauseAll(), domain.ErrRelayNotRunning)
}

func TestRelay_PacketEventsOnlyWhileRunning(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	h.joined(t)
	h.session.Relay().OnRelayPacket(domain.RelayEventReceivedVideoPacketFromSource, "")
	h.syncRelay()
	assert.Empty(t, h.events.relayEvents(domain.RelayEventReceivedVideoPacketFromSource))

	require.NoError(t, h.session.Relay().Start(context.Background(), relayConfig("dest-a")))
	h.events.waitRelayState(t, domain.RelayStateRunning, domain.RelayErrNone)
	h.relay.notify().OnRelayPacket(domain.RelayEventReceivedVideoPacketFromSource, "")
	h.events.waitRelayEvent(t, domain.RelayEventReceivedVideoPacketFromSource, 1)
}

func TestRelay_SessionLeaveStopsRelay(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	relay := runningRelay(t, h, "dest-a")

	require.NoError(t, h.session.Leave(context.Background()))
	assert.Equal(t, domain.RelayStateIdle, relay.State())
	require.Eventually(t, func() bool {
		_, _, closed := h.relay.calls()
		return closed == 1
	}, waitFor, 5*time.Millisecond)
}

func TestRelay_SessionFailureFailsRelay(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	relay := runningRelay(t, h, "dest-a")

	h.sig.notify().OnKicked(domain.ReasonBannedByServer)
	h.events.waitRelayState(t, domain.RelayStateFailure, domain.RelayErrServerConnectionLost)
	assert.Equal(t, domain.RelayStateFailure, relay.State())
}
