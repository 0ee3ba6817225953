package services

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"rtcore/internal/core/domain"
	"rtcore/internal/core/ports"
)

type TelemetryConfig struct {
	Interval       time.Duration
	VideoFreezeGap time.Duration
	AudioFreezeGap time.Duration
	MinFreezeFPS   int
	CollectTimeout time.Duration
}

func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Interval:       2 * time.Second,
		VideoFreezeGap: 500 * time.Millisecond,
		AudioFreezeGap: 200 * time.Millisecond,
		MinFreezeFPS:   5,
		CollectTimeout: time.Second,
	}
}

// FreezeTransition reports a remote video entering or leaving a stall.
type FreezeTransition struct {
	UID    domain.UID
	Frozen bool
}

// TelemetryReport is produced once per tick.
type TelemetryReport struct {
	Stats   domain.QualityStats
	Quality []domain.NetworkQuality
	Freezes []FreezeTransition
}

type streamTotals struct {
	bytes       uint64
	packets     uint64
	packetsLost uint64
	frames      uint64
	firstSeen   time.Time
}

// TelemetryAggregator turns cumulative transport counters into cumulative
// stats, instantaneous rates and freeze accounting. Snapshots are immutable
// and can be read from any goroutine.
type TelemetryAggregator struct {
	cfg      TelemetryConfig
	source   ports.StatsSource
	quality  *QualityService
	fallback *FallbackController
	clock    clock.Clock
	logger   *zap.SugaredLogger
	onReport func(TelemetryReport)

	mu        sync.Mutex
	started   time.Time
	prev      *domain.TransportSnapshot
	prevAt    time.Time
	totals    map[domain.StreamKey]*streamTotals
	local     map[domain.MediaKind]*streamTotals
	detectors map[domain.StreamKey]*freezeDetector
	frozen    map[domain.UID]bool
	seq       uint64

	snapshot atomic.Pointer[domain.QualityStats]

	cancel context.CancelFunc
	done   chan struct{}
}

func NewTelemetryAggregator(
	cfg TelemetryConfig,
	source ports.StatsSource,
	quality *QualityService,
	fallback *FallbackController,
	clk clock.Clock,
	logger *zap.SugaredLogger,
	onReport func(TelemetryReport),
) *TelemetryAggregator {
	t := &TelemetryAggregator{
		cfg:       cfg,
		source:    source,
		quality:   quality,
		fallback:  fallback,
		clock:     clk,
		logger:    logger,
		onReport:  onReport,
		started:   clk.Now(),
		totals:    make(map[domain.StreamKey]*streamTotals),
		local:     make(map[domain.MediaKind]*streamTotals),
		detectors: make(map[domain.StreamKey]*freezeDetector),
		frozen:    make(map[domain.UID]bool),
	}
	t.snapshot.Store(&domain.QualityStats{
		Taken:       t.started,
		RemoteVideo: map[domain.UID]domain.RemoteVideoStats{},
		RemoteAudio: map[domain.UID]domain.RemoteAudioStats{},
		Downlink:    map[domain.UID]domain.NetworkSample{},
	})
	return t
}

// Start runs the collection loop until Stop.
func (t *TelemetryAggregator) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(ctx, t.done)
}

// Stop ends the loop and waits for an in-flight tick to finish.
func (t *TelemetryAggregator) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel = nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Snapshot returns the latest stats. The returned value must not be mutated.
func (t *TelemetryAggregator) Snapshot() domain.QualityStats {
	return *t.snapshot.Load()
}

// SetStreamActive starts or stops the active time of a remote stream.
func (t *TelemetryAggregator) SetStreamActive(key domain.StreamKey, active bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	d := t.detectorLocked(key)
	if active {
		d.markActive(now)
		return
	}
	d.markInactive(now)
	if key.Kind == domain.MediaVideo {
		delete(t.frozen, key.UID)
	}
}

// RemoveUser drops all accounting for a remote user.
func (t *TelemetryAggregator) RemoveUser(uid domain.UID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, kind := range []domain.MediaKind{domain.MediaAudio, domain.MediaVideo} {
		key := domain.StreamKey{UID: uid, Kind: kind}
		delete(t.detectors, key)
		delete(t.totals, key)
	}
	delete(t.frozen, uid)
}

// OnFrameRendered implements ports.FrameSink.
func (t *TelemetryAggregator) OnFrameRendered(key domain.StreamKey, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.detectorLocked(key).onFrame(at)
}

func (t *TelemetryAggregator) detectorLocked(key domain.StreamKey) *freezeDetector {
	d, ok := t.detectors[key]
	if !ok {
		if key.Kind == domain.MediaVideo {
			d = newFreezeDetector(t.cfg.VideoFreezeGap, t.cfg.MinFreezeFPS)
		} else {
			// audio frames arrive at a fixed cadence so every gap counts
			d = newFreezeDetector(t.cfg.AudioFreezeGap, 0)
		}
		t.detectors[key] = d
	}
	return d
}

func (t *TelemetryAggregator) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := t.clock.Ticker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := t.Tick(ctx)
			if err != nil {
				t.logger.Debugw("stats collection failed", "error", err)
				continue
			}
			if ctx.Err() == nil && t.onReport != nil {
				t.onReport(report)
			}
		}
	}
}

// Tick collects once and folds the counters into a new snapshot.
func (t *TelemetryAggregator) Tick(ctx context.Context) (TelemetryReport, error) {
	cctx, cancel := t.clock.WithTimeout(ctx, t.cfg.CollectTimeout)
	snap, err := t.source.Collect(cctx)
	cancel()
	if err != nil {
		return TelemetryReport{}, err
	}
	return t.fold(snap), nil
}

func (t *TelemetryAggregator) fold(snap domain.TransportSnapshot) TelemetryReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	if snap.Collected.IsZero() {
		snap.Collected = now
	}
	elapsed := t.cfg.Interval
	if !t.prevAt.IsZero() && now.After(t.prevAt) {
		elapsed = now.Sub(t.prevAt)
	}

	t.seq++
	stats := domain.QualityStats{
		Sequence:    t.seq,
		Taken:       now,
		RemoteVideo: make(map[domain.UID]domain.RemoteVideoStats),
		RemoteAudio: make(map[domain.UID]domain.RemoteAudioStats),
		Downlink:    make(map[domain.UID]domain.NetworkSample),
	}
	report := TelemetryReport{}

	var txDelta, rxDelta uint64
	for kind, cur := range snap.Local {
		tot := t.localTotalsLocked(kind, now)
		var prev domain.StreamCounters
		if t.prev != nil {
			prev = t.prev.Local[kind]
		}
		d := accumulate(tot, cur, prev)
		txDelta += d.bytes

		kbps := bitrateKbps(d.bytes, elapsed)
		loss := lossRate(d.packets, d.packetsLost)
		switch kind {
		case domain.MediaVideo:
			stats.LocalVideo = domain.LocalVideoStats{
				SentBitrateKbps: kbps,
				SentFrameRate:   frameRate(d.frames, elapsed),
				TargetFrameRate: cur.TargetFPS,
				TotalBytes:      tot.bytes,
				PacketLossRate:  loss,
				FallbackLevel:   t.fallback.LocalLevel(),
				PublishDuration: now.Sub(tot.firstSeen),
			}
			stats.Session.TxVideoBytes = tot.bytes
		default:
			stats.LocalAudio = domain.LocalAudioStats{
				SentBitrateKbps: kbps,
				TotalBytes:      tot.bytes,
				PacketLossRate:  loss,
				PublishDuration: now.Sub(tot.firstSeen),
			}
			stats.Session.TxAudioBytes = tot.bytes
		}
	}

	users := make(map[domain.UID]struct{})
	for key, cur := range snap.Remote {
		users[key.UID] = struct{}{}
		tot, ok := t.totals[key]
		if !ok {
			tot = &streamTotals{firstSeen: now}
			t.totals[key] = tot
		}
		var prev domain.StreamCounters
		if t.prev != nil {
			prev = t.prev.Remote[key]
		}
		d := accumulate(tot, cur, prev)
		rxDelta += d.bytes

		det := t.detectorLocked(key)
		det.setTargetFPS(cur.TargetFPS, now)

		kbps := bitrateKbps(d.bytes, elapsed)
		loss := lossRate(d.packets, d.packetsLost)
		sample := domain.NetworkSample{
			Timestamp:              now,
			PacketLossRate:         loss,
			RTT:                    cur.RTT,
			Jitter:                 cur.Jitter,
			AvailableBandwidthKbps: cur.BandwidthKbps,
			BandwidthValid:         cur.BandwidthValid,
		}
		if key.Kind == domain.MediaVideo || !hasVideo(snap, key.UID) {
			stats.Downlink[key.UID] = sample
		}

		switch key.Kind {
		case domain.MediaVideo:
			stats.RemoteVideo[key.UID] = domain.RemoteVideoStats{
				UID:                 key.UID,
				Delay:               cur.RTT / 2,
				ReceivedBitrateKbps: kbps,
				DecoderOutputFPS:    frameRate(d.frames, elapsed),
				PacketLossRate:      loss,
				TotalBytes:          tot.bytes,
				FreezeCount:         det.freezeCount,
				TotalFrozenTime:     det.frozenTotal,
				FrozenRate:          det.frozenRate(now),
				TotalActiveTime:     det.activeTime(now),
				PublishDuration:     now.Sub(tot.firstSeen),
				FallbackLevel:       t.fallback.Level(key.UID),
			}
			stats.Session.RxVideoBytes += tot.bytes

			stalled := det.stalled(now)
			if stalled != t.frozen[key.UID] {
				t.frozen[key.UID] = stalled
				report.Freezes = append(report.Freezes, FreezeTransition{UID: key.UID, Frozen: stalled})
			}
		default:
			stats.RemoteAudio[key.UID] = domain.RemoteAudioStats{
				UID:                 key.UID,
				Quality:             t.quality.Rate(sample),
				NetworkDelay:        cur.RTT / 2,
				Jitter:              cur.Jitter,
				AudioLossRate:       loss,
				ReceivedBitrateKbps: kbps,
				TotalBytes:          tot.bytes,
				FreezeCount:         det.freezeCount,
				TotalFrozenTime:     det.frozenTotal,
				FrozenRate:          det.frozenRate(now),
				TotalActiveTime:     det.activeTime(now),
				PublishDuration:     now.Sub(tot.firstSeen),
			}
			stats.Session.RxAudioBytes += tot.bytes
		}
	}

	uplink := snap.Uplink
	if uplink.Timestamp.IsZero() {
		uplink.Timestamp = now
	}
	downlink := snap.Downlink
	if downlink.Timestamp.IsZero() {
		downlink.Timestamp = now
	}
	stats.Uplink = uplink

	stats.Session.Duration = now.Sub(t.started)
	stats.Session.TxBytes = stats.Session.TxAudioBytes + stats.Session.TxVideoBytes
	stats.Session.RxBytes = stats.Session.RxAudioBytes + stats.Session.RxVideoBytes
	stats.Session.TxKBitRate = bitrateKbps(txDelta, elapsed)
	stats.Session.RxKBitRate = bitrateKbps(rxDelta, elapsed)
	stats.Session.TxPacketLossRate = uplink.PacketLossRate
	stats.Session.RxPacketLossRate = downlink.PacketLossRate
	stats.Session.LastmileDelay = snap.UplinkRTT
	stats.Session.UserCount = len(users) + 1
	stats.Session.CPUPercent = snap.CPUPercent

	report.Quality = append(report.Quality, domain.NetworkQuality{
		UID: 0,
		Tx:  t.quality.Rate(uplink),
		Rx:  t.quality.Rate(downlink),
	})
	for _, uid := range sortedUIDs(stats.Downlink) {
		report.Quality = append(report.Quality, domain.NetworkQuality{
			UID: uid,
			Tx:  domain.QualityUnknown,
			Rx:  t.quality.Rate(stats.Downlink[uid]),
		})
	}

	cp := snap
	t.prev = &cp
	t.prevAt = now
	t.snapshot.Store(&stats)
	report.Stats = stats
	return report
}

func (t *TelemetryAggregator) localTotalsLocked(kind domain.MediaKind, now time.Time) *streamTotals {
	tot, ok := t.local[kind]
	if !ok {
		tot = &streamTotals{firstSeen: now}
		t.local[kind] = tot
	}
	return tot
}

// accumulate adds the non-negative delta between two cumulative readings to
// tot and returns the delta. A reading lower than the previous one means the
// transport reset its counters, which contributes nothing.
func accumulate(tot *streamTotals, cur, prev domain.StreamCounters) streamTotals {
	d := streamTotals{
		bytes:       nonNegative(cur.Bytes, prev.Bytes),
		packets:     nonNegative(cur.Packets, prev.Packets),
		packetsLost: nonNegative(cur.PacketsLost, prev.PacketsLost),
		frames:      nonNegative(cur.Frames, prev.Frames),
	}
	tot.bytes += d.bytes
	tot.packets += d.packets
	tot.packetsLost += d.packetsLost
	tot.frames += d.frames
	return d
}

func nonNegative(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

func bitrateKbps(bytes uint64, elapsed time.Duration) int {
	if elapsed <= 0 {
		return 0
	}
	return int(float64(bytes*8) / elapsed.Seconds() / 1000)
}

func frameRate(frames uint64, elapsed time.Duration) int {
	if elapsed <= 0 {
		return 0
	}
	return int(float64(frames)/elapsed.Seconds() + 0.5)
}

func lossRate(received, lost uint64) float64 {
	total := received + lost
	if total == 0 {
		return 0
	}
	return float64(lost) / float64(total)
}

func hasVideo(snap domain.TransportSnapshot, uid domain.UID) bool {
	_, ok := snap.Remote[domain.StreamKey{UID: uid, Kind: domain.MediaVideo}]
	return ok
}
