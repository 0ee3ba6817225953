package domain

import (
	"fmt"
	"time"
)

// QualityRating is the user facing network quality indication.
type QualityRating int

const (
	QualityUnknown QualityRating = iota
	QualityExcellent
	QualityGood
	QualityPoor
	QualityBad
	QualityVeryBad
	QualityDown
)

func (q QualityRating) String() string {
	switch q {
	case QualityUnknown:
		return "unknown"
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityPoor:
		return "poor"
	case QualityBad:
		return "bad"
	case QualityVeryBad:
		return "very_bad"
	case QualityDown:
		return "down"
	default:
		return fmt.Sprintf("unknown(%d)", int(q))
	}
}

// NetworkSample is one observation of path quality, used to rate a link and
// to drive stream fallback.
type NetworkSample struct {
	Timestamp              time.Time
	PacketLossRate         float64 // 0..1
	RTT                    time.Duration
	Jitter                 time.Duration
	AvailableBandwidthKbps int
	BandwidthValid         bool
}

type RemoteVideoState int

const (
	RemoteVideoStopped RemoteVideoState = iota
	RemoteVideoStarting
	RemoteVideoDecoding
	RemoteVideoFrozen
	RemoteVideoFailed
)

func (s RemoteVideoState) String() string {
	switch s {
	case RemoteVideoStopped:
		return "stopped"
	case RemoteVideoStarting:
		return "starting"
	case RemoteVideoDecoding:
		return "decoding"
	case RemoteVideoFrozen:
		return "frozen"
	case RemoteVideoFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

type RemoteAudioState int

const (
	RemoteAudioStopped RemoteAudioState = iota
	RemoteAudioStarting
	RemoteAudioDecoding
	RemoteAudioFrozen
	RemoteAudioFailed
)

func (s RemoteAudioState) String() string {
	switch s {
	case RemoteAudioStopped:
		return "stopped"
	case RemoteAudioStarting:
		return "starting"
	case RemoteAudioDecoding:
		return "decoding"
	case RemoteAudioFrozen:
		return "frozen"
	case RemoteAudioFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

type RemoteStateReason int

const (
	RemoteReasonInternal RemoteStateReason = iota
	RemoteReasonNetworkCongestion
	RemoteReasonNetworkRecovery
	RemoteReasonLocalMuted
	RemoteReasonLocalUnmuted
	RemoteReasonRemoteMuted
	RemoteReasonRemoteUnmuted
	RemoteReasonRemoteOffline
	RemoteReasonAudioFallback
	RemoteReasonAudioFallbackRecovery
)

func (r RemoteStateReason) String() string {
	switch r {
	case RemoteReasonInternal:
		return "internal"
	case RemoteReasonNetworkCongestion:
		return "network_congestion"
	case RemoteReasonNetworkRecovery:
		return "network_recovery"
	case RemoteReasonLocalMuted:
		return "local_muted"
	case RemoteReasonLocalUnmuted:
		return "local_unmuted"
	case RemoteReasonRemoteMuted:
		return "remote_muted"
	case RemoteReasonRemoteUnmuted:
		return "remote_unmuted"
	case RemoteReasonRemoteOffline:
		return "remote_offline"
	case RemoteReasonAudioFallback:
		return "audio_fallback"
	case RemoteReasonAudioFallbackRecovery:
		return "audio_fallback_recovery"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}
