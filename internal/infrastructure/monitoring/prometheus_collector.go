package monitoring

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"rtcore/internal/core/domain"
)

// PrometheusCollector turns core events into metrics. Observe is meant to be
// registered as an engine event tap and never blocks.
type PrometheusCollector struct {
	sessionsByState   *prometheus.GaugeVec
	stateChangesTotal *prometheus.CounterVec
	joinDuration      prometheus.Histogram
	connectionLost    prometheus.Counter
	tokenEventsTotal  *prometheus.CounterVec
	networkQuality    *prometheus.GaugeVec
	bitrateKbps       *prometheus.GaugeVec
	lastmileDelay     prometheus.Histogram
	remoteUsers       prometheus.Gauge
	fallbackTotal     *prometheus.CounterVec
	videoFreezesTotal prometheus.Counter
	relayStateTotal   *prometheus.CounterVec
	relayEventsTotal  *prometheus.CounterVec
	probeResultsTotal *prometheus.CounterVec
	probeUplinkKbps   prometheus.Gauge

	mu     sync.Mutex
	states map[string]domain.ConnectionState
}

func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	f := promauto.With(reg)
	return &PrometheusCollector{
		sessionsByState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rtcore_sessions",
			Help: "Number of sessions per connection state",
		}, []string{"state"}),

		stateChangesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rtcore_connection_state_changes_total",
			Help: "Connection state transitions by target state and reason",
		}, []string{"state", "reason"}),

		joinDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rtcore_join_duration_seconds",
			Help:    "Time from join request to first CONNECTED",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		connectionLost: f.NewCounter(prometheus.CounterOpts{
			Name: "rtcore_connection_lost_total",
			Help: "Reconnect windows that passed the lost timeout",
		}),

		tokenEventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rtcore_token_events_total",
			Help: "Token expiry warnings and renewal requests",
		}, []string{"kind"}),

		networkQuality: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rtcore_local_network_quality",
			Help: "Last reported quality rating of the local user (0 unknown, 6 down)",
		}, []string{"direction"}),

		bitrateKbps: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rtcore_bitrate_kbps",
			Help: "Session bitrate over the last telemetry interval",
		}, []string{"direction"}),

		lastmileDelay: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rtcore_lastmile_delay_seconds",
			Help:    "Round trip time to the edge",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.4, 0.8, 1.6},
		}),

		remoteUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "rtcore_channel_users",
			Help: "Users in the channel including the local user",
		}),

		fallbackTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rtcore_fallback_transitions_total",
			Help: "Audio-only fallback transitions",
		}, []string{"scope", "audio_only"}),

		videoFreezesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "rtcore_remote_video_freezes_total",
			Help: "Remote video streams entering the frozen state",
		}),

		relayStateTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rtcore_relay_state_changes_total",
			Help: "Media relay state transitions",
		}, []string{"state", "error"}),

		relayEventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rtcore_relay_events_total",
			Help: "Media relay events by code",
		}, []string{"code"}),

		probeResultsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rtcore_lastmile_probe_results_total",
			Help: "Lastmile probe outcomes",
		}, []string{"state"}),

		probeUplinkKbps: f.NewGauge(prometheus.GaugeOpts{
			Name: "rtcore_lastmile_uplink_kbps",
			Help: "Uplink bandwidth estimated by the last complete probe",
		}),

		states: make(map[string]domain.ConnectionState),
	}
}

// Observe records one event of session sessionID.
func (p *PrometheusCollector) Observe(sessionID string, ev domain.Event) {
	switch e := ev.(type) {
	case domain.ConnectionStateChanged:
		p.stateChangesTotal.WithLabelValues(e.State.String(), e.Reason.String()).Inc()
		p.trackState(sessionID, e.State)
	case domain.JoinChannelSuccess:
		p.joinDuration.Observe(e.Elapsed.Seconds())
	case domain.ConnectionLost:
		p.connectionLost.Inc()
	case domain.TokenPrivilegeWillExpire:
		p.tokenEventsTotal.WithLabelValues("will_expire").Inc()
	case domain.RequestToken:
		p.tokenEventsTotal.WithLabelValues("request").Inc()
	case domain.NetworkQuality:
		if e.UID == 0 {
			p.networkQuality.WithLabelValues("tx").Set(float64(e.Tx))
			p.networkQuality.WithLabelValues("rx").Set(float64(e.Rx))
		}
	case domain.RtcStatsEvent:
		p.bitrateKbps.WithLabelValues("tx").Set(float64(e.Stats.TxKBitRate))
		p.bitrateKbps.WithLabelValues("rx").Set(float64(e.Stats.RxKBitRate))
		p.remoteUsers.Set(float64(e.Stats.UserCount))
		if e.Stats.LastmileDelay > 0 {
			p.lastmileDelay.Observe(e.Stats.LastmileDelay.Seconds())
		}
	case domain.LocalPublishFallbackToAudioOnly:
		p.fallbackTotal.WithLabelValues("local", boolLabel(e.AudioOnly)).Inc()
	case domain.RemoteSubscribeFallbackToAudioOnly:
		p.fallbackTotal.WithLabelValues("remote", boolLabel(e.AudioOnly)).Inc()
	case domain.RemoteVideoStateChanged:
		if e.State == domain.RemoteVideoFrozen {
			p.videoFreezesTotal.Inc()
		}
	case domain.ChannelMediaRelayStateChanged:
		p.relayStateTotal.WithLabelValues(e.State.String(), e.Err.String()).Inc()
	case domain.ChannelMediaRelayEvent:
		p.relayEventsTotal.WithLabelValues(e.Code.String()).Inc()
	case domain.LastmileProbeResult:
		p.probeResultsTotal.WithLabelValues(e.Result.State.String()).Inc()
		if e.Result.State == domain.ProbeComplete && e.Result.Uplink.BandwidthValid {
			p.probeUplinkKbps.Set(float64(e.Result.Uplink.AvailableBandwidthKbps))
		}
	case domain.LastmileProbeFailed:
		p.probeResultsTotal.WithLabelValues("failed").Inc()
	}
}

// ForgetSession drops the state gauge contribution of a closed session.
func (p *PrometheusCollector) ForgetSession(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if prev, ok := p.states[sessionID]; ok {
		p.sessionsByState.WithLabelValues(prev.String()).Dec()
		delete(p.states, sessionID)
	}
}

func (p *PrometheusCollector) trackState(sessionID string, state domain.ConnectionState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if prev, ok := p.states[sessionID]; ok {
		if prev == state {
			return
		}
		p.sessionsByState.WithLabelValues(prev.String()).Dec()
	}
	p.states[sessionID] = state
	p.sessionsByState.WithLabelValues(state.String()).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
