package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rtcore/internal/core/domain"
	"rtcore/internal/core/ports"
	"rtcore/pkg/utils"
)

// Message is the JSON frame exchanged with the routing service. Responses
// carry the RequestID of the request they answer; notifications have none.
type Message struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *ErrorPayload   `json:"error,omitempty"`
}

// Request types.
const (
	msgJoin           = "join"
	msgLeave          = "leave"
	msgRenewToken     = "renew_token"
	msgSetRole        = "set_role"
	msgPublish        = "publish"
	msgSubscribe      = "subscribe"
	msgLocalFallback  = "local_fallback"
	msgRemoteFallback = "remote_fallback"
	msgStats          = "stats"
	msgProbe          = "probe"
	msgRelayOpen      = "relay_open"
	msgRelayAdd       = "relay_add"
	msgRelayRemove    = "relay_remove"
	msgRelayPause     = "relay_pause"
	msgRelayResume    = "relay_resume"
	msgRelayClose     = "relay_close"
)

// Notification types.
const (
	msgAck             = "ack"
	msgTokenExpired    = "token_expired"
	msgKicked          = "kicked"
	msgClientIPChanged = "client_ip_changed"
	msgUserJoined      = "user_joined"
	msgUserOffline     = "user_offline"
	msgStreamMuted     = "stream_muted"
	msgProbeProgress   = "probe_progress"
	msgRelayFailure    = "relay_failure"
	msgRelayEvent      = "relay_event"
)

// ErrConnectionClosed is returned for requests that were in flight when the
// link dropped or that were issued without a link.
var ErrConnectionClosed = errors.New("signaling connection closed")

type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message,omitempty"`
	RelayCode int    `json:"relay_code,omitempty"`
	Channel   string `json:"channel,omitempty"`
}

var rejectionReasons = map[string]domain.ConnectionChangeReason{
	"banned":               domain.ReasonBanned,
	"banned_by_server":     domain.ReasonBannedByServer,
	"invalid_app_id":       domain.ReasonInvalidAppID,
	"invalid_channel_name": domain.ReasonInvalidChannelName,
	"invalid_token":        domain.ReasonInvalidToken,
	"token_expired":        domain.ReasonTokenExpired,
	"join_failed":          domain.ReasonJoinFailed,
}

// toError maps a service error onto the domain error the core understands.
func (e *ErrorPayload) toError(request string) error {
	if reason, ok := rejectionReasons[e.Code]; ok {
		return &domain.JoinRejection{Reason: reason, Detail: e.Message}
	}
	switch e.Code {
	case "relay_failure":
		return &domain.RelayFailure{
			Code:    domain.RelayError(e.RelayCode),
			Channel: e.Channel,
			Cause:   errors.New(e.Message),
		}
	case "unreachable":
		return fmt.Errorf("%s: %w", request, domain.ErrNetworkUnreachable)
	case "invalid_argument":
		return fmt.Errorf("%s: %w: %s", request, domain.ErrInvalidArgument, e.Message)
	case "user_not_found":
		return fmt.Errorf("%s: %w", request, domain.ErrUserNotFound)
	default:
		return fmt.Errorf("%s rejected: %s: %s", request, e.Code, e.Message)
	}
}

func kickReason(code string) domain.ConnectionChangeReason {
	if reason, ok := rejectionReasons[code]; ok {
		return reason
	}
	return domain.ReasonBannedByServer
}

func mediaKind(s string) domain.MediaKind {
	if s == "video" {
		return domain.MediaVideo
	}
	return domain.MediaAudio
}

func offlineReason(s string) domain.UserOfflineReason {
	switch s {
	case "dropped":
		return domain.UserOfflineDropped
	case "became_audience":
		return domain.UserOfflineBecameAudience
	default:
		return domain.UserOfflineQuit
	}
}

type joinRequest struct {
	AppID              string `json:"app_id"`
	Channel            string `json:"channel"`
	Token              string `json:"token,omitempty"`
	UID                uint32 `json:"uid"`
	Role               string `json:"role"`
	InitialBitrateKbps int    `json:"initial_bitrate_kbps,omitempty"`
	Rejoin             bool   `json:"rejoin,omitempty"`
	SDP                string `json:"sdp,omitempty"`
}

type remoteUserPayload struct {
	UID   uint32 `json:"uid"`
	Audio bool   `json:"audio"`
	Video bool   `json:"video"`
}

func (p remoteUserPayload) toPort() ports.RemoteUser {
	return ports.RemoteUser{
		UID:            domain.UID(p.UID),
		AudioPublished: p.Audio,
		VideoPublished: p.Video,
	}
}

type joinResponse struct {
	UID   uint32              `json:"uid"`
	Users []remoteUserPayload `json:"users"`
	SDP   string              `json:"sdp,omitempty"`
}

type tokenPayload struct {
	Token string `json:"token"`
}

type rolePayload struct {
	Role string `json:"role"`
}

type streamPayload struct {
	UID     uint32 `json:"uid,omitempty"`
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
}

type fallbackPayload struct {
	UID   uint32 `json:"uid,omitempty"`
	Level string `json:"level"`
}

type kickedPayload struct {
	Reason string `json:"reason"`
}

type offlinePayload struct {
	UID    uint32 `json:"uid"`
	Reason string `json:"reason"`
}

type mutedPayload struct {
	UID   uint32 `json:"uid"`
	Kind  string `json:"kind"`
	Muted bool   `json:"muted"`
}

type channelPayload struct {
	Channel string `json:"channel"`
	Token   string `json:"token,omitempty"`
	UID     uint32 `json:"uid,omitempty"`
}

type relayNoticePayload struct {
	Code    int    `json:"code"`
	Channel string `json:"channel,omitempty"`
}

type probeRequest struct {
	Uplink      bool `json:"uplink"`
	Downlink    bool `json:"downlink"`
	UplinkBps   int  `json:"uplink_bps,omitempty"`
	DownlinkBps int  `json:"downlink_bps,omitempty"`
}

type oneWayPayload struct {
	LossRate      float64 `json:"loss_rate"`
	JitterMs      int     `json:"jitter_ms"`
	BandwidthKbps int     `json:"bandwidth_kbps,omitempty"`
}

func (p oneWayPayload) toDomain() domain.ProbeOneWayResult {
	return domain.ProbeOneWayResult{
		PacketLossRate:         p.LossRate,
		JitterMs:               p.JitterMs,
		AvailableBandwidthKbps: p.BandwidthKbps,
		BandwidthValid:         p.BandwidthKbps > 0,
	}
}

type probeResponse struct {
	RTTMs    int           `json:"rtt_ms"`
	Uplink   oneWayPayload `json:"uplink"`
	Downlink oneWayPayload `json:"downlink"`
}

func (p probeResponse) toDomain(partial bool) domain.ProbeMeasurement {
	return domain.ProbeMeasurement{
		RTT:      utils.FromMillis(p.RTTMs),
		Uplink:   p.Uplink.toDomain(),
		Downlink: p.Downlink.toDomain(),
		Partial:  partial,
	}
}

type countersPayload struct {
	UID           uint32 `json:"uid,omitempty"`
	Kind          string `json:"kind"`
	Bytes         uint64 `json:"bytes"`
	Packets       uint64 `json:"packets"`
	PacketsLost   uint64 `json:"packets_lost"`
	Frames        uint64 `json:"frames"`
	TargetFPS     int    `json:"target_fps,omitempty"`
	RTTMs         int    `json:"rtt_ms,omitempty"`
	JitterMs      int    `json:"jitter_ms,omitempty"`
	BandwidthKbps int    `json:"bandwidth_kbps,omitempty"`
}

func (p countersPayload) toDomain() domain.StreamCounters {
	return domain.StreamCounters{
		Bytes:          p.Bytes,
		Packets:        p.Packets,
		PacketsLost:    p.PacketsLost,
		Frames:         p.Frames,
		TargetFPS:      p.TargetFPS,
		RTT:            utils.FromMillis(p.RTTMs),
		Jitter:         utils.FromMillis(p.JitterMs),
		BandwidthKbps:  p.BandwidthKbps,
		BandwidthValid: p.BandwidthKbps > 0,
	}
}

type samplePayload struct {
	LossRate      float64 `json:"loss_rate"`
	RTTMs         int     `json:"rtt_ms"`
	JitterMs      int     `json:"jitter_ms"`
	BandwidthKbps int     `json:"bandwidth_kbps,omitempty"`
}

func (p samplePayload) toDomain(at time.Time) domain.NetworkSample {
	return domain.NetworkSample{
		Timestamp:              at,
		PacketLossRate:         p.LossRate,
		RTT:                    utils.FromMillis(p.RTTMs),
		Jitter:                 utils.FromMillis(p.JitterMs),
		AvailableBandwidthKbps: p.BandwidthKbps,
		BandwidthValid:         p.BandwidthKbps > 0,
	}
}

type statsResponse struct {
	Local      []countersPayload `json:"local"`
	Remote     []countersPayload `json:"remote"`
	Uplink     samplePayload     `json:"uplink"`
	Downlink   samplePayload     `json:"downlink"`
	CPUPercent float64           `json:"cpu_percent"`
}

func (r statsResponse) toDomain(at time.Time) domain.TransportSnapshot {
	snap := domain.TransportSnapshot{
		Collected:  at,
		Local:      make(map[domain.MediaKind]domain.StreamCounters, len(r.Local)),
		Remote:     make(map[domain.StreamKey]domain.StreamCounters, len(r.Remote)),
		UplinkRTT:  utils.FromMillis(r.Uplink.RTTMs),
		Uplink:     r.Uplink.toDomain(at),
		Downlink:   r.Downlink.toDomain(at),
		CPUPercent: r.CPUPercent,
	}
	for _, c := range r.Local {
		snap.Local[mediaKind(c.Kind)] = c.toDomain()
	}
	for _, c := range r.Remote {
		snap.Remote[domain.StreamKey{UID: domain.UID(c.UID), Kind: mediaKind(c.Kind)}] = c.toDomain()
	}
	return snap
}
