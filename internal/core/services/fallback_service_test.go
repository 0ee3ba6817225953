package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rtcore/internal/core/domain"
)

var (
	badSample  = domain.NetworkSample{PacketLossRate: 0.30}
	goodSample = domain.NetworkSample{PacketLossRate: 0.01, AvailableBandwidthKbps: 1200, BandwidthValid: true}
)

func newTestFallback() *FallbackController {
	return NewFallbackController(DefaultFallbackConfig(), zap.NewNop().Sugar())
}

func remoteTick(f *FallbackController, samples map[domain.UID]domain.NetworkSample) []FallbackDecision {
	return f.Evaluate(nil, samples)
}

func TestFallback_IsBad(t *testing.T) {
	f := newTestFallback()

	assert.True(t, f.IsBad(domain.NetworkSample{PacketLossRate: 0.2}))
	assert.False(t, f.IsBad(domain.NetworkSample{PacketLossRate: 0.15}))
	assert.True(t, f.IsBad(domain.NetworkSample{AvailableBandwidthKbps: 100, BandwidthValid: true}))
	assert.False(t, f.IsBad(domain.NetworkSample{AvailableBandwidthKbps: 100}))
}

func TestFallback_AlternatingSamplesNeverFlap(t *testing.T) {
	f := newTestFallback()
	f.AddRemote(1)
	f.SetLocalOption(domain.FallbackAudioOnlyAndReducedBitrate)
	f.SetLocalActive(true)

	for i := 0; i < 200; i++ {
		sample := goodSample
		if i%2 == 0 {
			sample = badSample
		}
		decisions := f.Evaluate(&sample, map[domain.UID]domain.NetworkSample{1: sample})
		require.Empty(t, decisions, "tick %d", i)
	}
	assert.Equal(t, domain.LevelFull, f.Level(1))
	assert.Equal(t, domain.LevelFull, f.LocalLevel())
}

func TestFallback_StepsThroughReducedBitrate(t *testing.T) {
	f := newTestFallback()
	f.AddRemote(1)
	bad := map[domain.UID]domain.NetworkSample{1: badSample}
	good := map[domain.UID]domain.NetworkSample{1: goodSample}

	assert.Empty(t, remoteTick(f, bad))
	d := remoteTick(f, bad)
	require.Len(t, d, 1)
	assert.Equal(t, FallbackDecision{UID: 1, From: domain.LevelFull, To: domain.LevelReduced}, d[0])
	assert.False(t, d[0].EnteredAudioOnly())

	remoteTick(f, bad)
	d = remoteTick(f, bad)
	require.Len(t, d, 1)
	assert.True(t, d[0].EnteredAudioOnly())
	assert.Equal(t, domain.LevelAudioOnly, f.Level(1))

	for i := 0; i < 4; i++ {
		require.Empty(t, remoteTick(f, good))
	}
	d = remoteTick(f, good)
	require.Len(t, d, 1)
	assert.True(t, d[0].LeftAudioOnly())
	assert.Equal(t, domain.LevelReduced, f.Level(1))

	for i := 0; i < 5; i++ {
		remoteTick(f, good)
	}
	assert.Equal(t, domain.LevelFull, f.Level(1))
}

func TestFallback_AudioOnlySkipsReduced(t *testing.T) {
	f := newTestFallback()
	f.SetRemoteOption(domain.FallbackAudioOnly)
	f.AddRemote(3)

	remoteTick(f, map[domain.UID]domain.NetworkSample{3: badSample})
	d := remoteTick(f, map[domain.UID]domain.NetworkSample{3: badSample})
	require.Len(t, d, 1)
	assert.Equal(t, domain.LevelAudioOnly, d[0].To)
}

func TestFallback_DisabledNeverDegrades(t *testing.T) {
	f := newTestFallback()
	f.SetRemoteOption(domain.FallbackDisabled)
	f.AddRemote(3)

	for i := 0; i < 10; i++ {
		require.Empty(t, remoteTick(f, map[domain.UID]domain.NetworkSample{3: badSample}))
	}
	assert.Equal(t, domain.LevelFull, f.Level(3))
}

func TestFallback_LocalStreamOnlyWhilePublishing(t *testing.T) {
	f := newTestFallback()
	f.SetLocalOption(domain.FallbackAudioOnly)

	for i := 0; i < 3; i++ {
		require.Empty(t, f.Evaluate(&badSample, nil))
	}

	f.SetLocalActive(true)
	f.Evaluate(&badSample, nil)
	d := f.Evaluate(&badSample, nil)
	require.Len(t, d, 1)
	assert.True(t, d[0].Local)
	assert.True(t, d[0].EnteredAudioOnly())

	// disabling the option restores full video at once
	d = f.SetLocalOption(domain.FallbackDisabled)
	require.Len(t, d, 1)
	assert.Equal(t, domain.LevelFull, d[0].To)
	assert.True(t, d[0].LeftAudioOnly())
}

func TestFallback_HighPriorityShedsNormalFirst(t *testing.T) {
	f := newTestFallback()
	f.AddRemote(1)
	f.AddRemote(2)
	_, err := f.SetPriority(2, domain.PriorityHigh)
	require.NoError(t, err)

	bad := map[domain.UID]domain.NetworkSample{1: badSample, 2: badSample}

	remoteTick(f, bad)
	d := remoteTick(f, bad)
	require.Len(t, d, 1)
	assert.Equal(t, domain.UID(1), d[0].UID)
	assert.Equal(t, domain.LevelFull, f.Level(2))

	d = remoteTick(f, bad)
	require.Len(t, d, 1)
	assert.Equal(t, domain.UID(1), d[0].UID)
	assert.Equal(t, domain.LevelAudioOnly, f.Level(1))
	assert.Equal(t, domain.LevelFull, f.Level(2))

	// nothing left to shed, the high stream degrades itself
	remoteTick(f, bad)
	d = remoteTick(f, bad)
	require.Len(t, d, 1)
	assert.Equal(t, domain.UID(2), d[0].UID)
	assert.Equal(t, domain.LevelReduced, f.Level(2))
}

func TestFallback_HighPriorityRecoversFirst(t *testing.T) {
	f := newTestFallback()
	f.AddRemote(1)
	f.AddRemote(2)
	_, err := f.SetPriority(2, domain.PriorityHigh)
	require.NoError(t, err)
	f.remote[1].level = domain.LevelReduced
	f.remote[2].level = domain.LevelAudioOnly

	good := map[domain.UID]domain.NetworkSample{1: goodSample, 2: goodSample}
	for i := 0; i < 4; i++ {
		require.Empty(t, remoteTick(f, good))
	}
	d := remoteTick(f, good)
	require.Len(t, d, 1)
	assert.Equal(t, domain.UID(2), d[0].UID)
	assert.Equal(t, domain.LevelReduced, f.Level(1), "normal waits while a high stream is degraded")

	for i := 0; i < 4; i++ {
		remoteTick(f, good)
	}
	d = remoteTick(f, good)
	require.Len(t, d, 2)
	assert.Equal(t, domain.UID(2), d[0].UID)
	assert.Equal(t, domain.UID(1), d[1].UID)
	assert.Equal(t, domain.LevelFull, f.Level(1))
	assert.Equal(t, domain.LevelFull, f.Level(2))
}

func TestFallback_SetPriorityUnknownUser(t *testing.T) {
	f := newTestFallback()
	_, err := f.SetPriority(99, domain.PriorityHigh)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}
