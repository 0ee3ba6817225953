package webrtc

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"rtcore/internal/core/domain"
	"rtcore/internal/core/ports"
)

// MediaSession is the receive side media pipeline of one session. It
// negotiates a peer connection during the join handshake, feeds frame render
// events to the session and reports transport statistics.
type MediaSession struct {
	pc      *webrtc.PeerConnection
	clock   clock.Clock
	logger  *zap.SugaredLogger
	reports *ReportTracker

	mu       sync.Mutex
	sink     ports.FrameSink
	keys     map[uint32]domain.StreamKey
	trackers map[uint32]*FrameTracker
}

func newMediaState(clk clock.Clock, logger *zap.SugaredLogger) *MediaSession {
	return &MediaSession{
		clock:    clk,
		logger:   logger,
		reports:  NewReportTracker(clk),
		keys:     make(map[uint32]domain.StreamKey),
		trackers: make(map[uint32]*FrameTracker),
	}
}

// NewMediaSession creates a peer connection that receives audio and video.
func NewMediaSession(cfg webrtc.Configuration, clk clock.Clock, logger *zap.SugaredLogger) (*MediaSession, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	m := newMediaState(clk, logger.With("component", "media"))
	m.pc = pc

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("failed to add %s transceiver: %w", kind, err)
		}
	}

	pc.OnTrack(m.handleTrack)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.logger.Infow("peer connection state changed", "connection_state", state.String())
	})
	return m, nil
}

// CreateOffer returns the local description once ICE gathering completed.
func (m *MediaSession) CreateOffer(ctx context.Context) (string, error) {
	offer, err := m.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(m.pc)
	if err := m.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return m.pc.LocalDescription().SDP, nil
}

func (m *MediaSession) ApplyAnswer(sdp string) error {
	return m.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (m *MediaSession) SetFrameSink(sink ports.FrameSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
	for _, t := range m.trackers {
		t.SetSink(sink)
	}
}

func (m *MediaSession) Close() error {
	if m.pc == nil {
		return nil
	}
	return m.pc.Close()
}

func (m *MediaSession) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := domain.MediaAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.MediaVideo
	}
	key := domain.StreamKey{UID: uidFromStreamID(track.StreamID()), Kind: kind}
	ssrc := uint32(track.SSRC())

	tracker := m.register(ssrc, key)
	m.reports.SetClockRate(ssrc, track.Codec().ClockRate)

	m.logger.Infow("remote track started",
		"uid", key.UID,
		"kind", kind.String(),
		"codec", track.Codec().MimeType,
		"ssrc", ssrc,
	)

	go func() {
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				m.logger.Debugw("remote track ended", "uid", key.UID, "kind", kind.String(), "error", err)
				return
			}
			tracker.Push(pkt)
		}
	}()

	go func() {
		for {
			pkts, _, err := receiver.ReadRTCP()
			if err != nil {
				return
			}
			m.reports.Process(pkts)
		}
	}()
}

func (m *MediaSession) register(ssrc uint32, key domain.StreamKey) *FrameTracker {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := NewFrameTracker(key, m.clock)
	t.SetSink(m.sink)
	m.keys[ssrc] = key
	m.trackers[ssrc] = t
	return t
}

// Collect implements ports.StatsSource from the peer connection statistics.
func (m *MediaSession) Collect(ctx context.Context) (domain.TransportSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.TransportSnapshot{}, err
	}
	return m.snapshot(m.pc.GetStats()), nil
}

func (m *MediaSession) snapshot(report webrtc.StatsReport) domain.TransportSnapshot {
	snap := domain.TransportSnapshot{
		Collected: m.clock.Now(),
		Local:     make(map[domain.MediaKind]domain.StreamCounters),
		Remote:    make(map[domain.StreamKey]domain.StreamCounters),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range report {
		switch st := s.(type) {
		case webrtc.InboundRTPStreamStats:
			m.addInboundLocked(&snap, st)
		case webrtc.OutboundRTPStreamStats:
			addOutbound(&snap, st)
		case webrtc.ICECandidatePairStats:
			addCandidatePair(&snap, st)
		}
	}

	if sample, ok := m.reports.Sample(); ok {
		snap.Uplink.PacketLossRate = sample.PacketLossRate
		snap.Uplink.Jitter = sample.Jitter
		if snap.Uplink.RTT == 0 {
			snap.Uplink.RTT = sample.RTT
			snap.UplinkRTT = sample.RTT
		}
	}
	snap.Uplink.Timestamp = snap.Collected
	snap.Downlink.Timestamp = snap.Collected
	return snap
}

func (m *MediaSession) addInboundLocked(snap *domain.TransportSnapshot, st webrtc.InboundRTPStreamStats) {
	ssrc := uint32(st.SSRC)
	key, ok := m.keys[ssrc]
	if !ok {
		return
	}
	c := domain.StreamCounters{
		Bytes:   st.BytesReceived,
		Packets: uint64(st.PacketsReceived),
		Jitter:  seconds(st.Jitter),
	}
	if st.PacketsLost > 0 {
		c.PacketsLost = uint64(st.PacketsLost)
	}
	if t, ok := m.trackers[ssrc]; ok {
		c.Frames = t.Frames()
		c.TargetFPS = t.TargetFPS()
	}
	snap.Remote[key] = c

	if c.Jitter > snap.Downlink.Jitter {
		snap.Downlink.Jitter = c.Jitter
	}
	if total := c.Packets + c.PacketsLost; total > 0 {
		if loss := float64(c.PacketsLost) / float64(total); loss > snap.Downlink.PacketLossRate {
			snap.Downlink.PacketLossRate = loss
		}
	}
}

func addOutbound(snap *domain.TransportSnapshot, st webrtc.OutboundRTPStreamStats) {
	kind := domain.MediaAudio
	if st.Kind == "video" {
		kind = domain.MediaVideo
	}
	c := snap.Local[kind]
	c.Bytes += st.BytesSent
	c.Packets += uint64(st.PacketsSent)
	snap.Local[kind] = c
}

func addCandidatePair(snap *domain.TransportSnapshot, st webrtc.ICECandidatePairStats) {
	if !st.Nominated {
		return
	}
	rtt := seconds(st.CurrentRoundTripTime)
	snap.UplinkRTT = rtt
	snap.Uplink.RTT = rtt
	snap.Downlink.RTT = rtt
	if st.AvailableOutgoingBitrate > 0 {
		snap.Uplink.AvailableBandwidthKbps = int(st.AvailableOutgoingBitrate / 1000)
		snap.Uplink.BandwidthValid = true
	}
	if st.AvailableIncomingBitrate > 0 {
		snap.Downlink.AvailableBandwidthKbps = int(st.AvailableIncomingBitrate / 1000)
		snap.Downlink.BandwidthValid = true
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// uidFromStreamID reads the user id from a media stream id such as "uid-42".
func uidFromStreamID(id string) domain.UID {
	i := strings.LastIndexFunc(id, func(r rune) bool { return r < '0' || r > '9' })
	n, err := strconv.ParseUint(id[i+1:], 10, 32)
	if err != nil {
		return 0
	}
	return domain.UID(n)
}
