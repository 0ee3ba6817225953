package ports

import (
	"context"
	"time"

	"rtcore/internal/core/domain"
)

type JoinParams struct {
	AppID              string
	Channel            string
	Token              string
	UID                domain.UID
	Role               domain.ClientRole
	InitialBitrateKbps int
	// Rejoin marks a handshake issued while reconnecting.
	Rejoin bool
}

type RemoteUser struct {
	UID            domain.UID
	AudioPublished bool
	VideoPublished bool
}

type JoinAck struct {
	UID         domain.UID
	RemoteUsers []RemoteUser
}

// SignalingTransport is the link to the routing service owned by one session.
// Implementations perform network I/O and may block until ctx is done.
type SignalingTransport interface {
	Join(ctx context.Context, params JoinParams) (*JoinAck, error)
	Leave(ctx context.Context) error
	RenewToken(ctx context.Context, token string) error
	SetClientRole(ctx context.Context, role domain.ClientRole) error
	Publish(ctx context.Context, kind domain.MediaKind, enabled bool) error
	Subscribe(ctx context.Context, uid domain.UID, kind domain.MediaKind, enabled bool) error
	// Fallback hints are advisory; the routing service applies them when it can.
	SetLocalFallback(ctx context.Context, level domain.FallbackLevel) error
	SetRemoteFallback(ctx context.Context, uid domain.UID, level domain.FallbackLevel) error
	SetListener(l TransportListener)
	Close() error
}

// TransportListener receives unsolicited notifications from a signaling transport.
type TransportListener interface {
	OnHeartbeatTimeout()
	OnTokenExpired()
	OnKicked(reason domain.ConnectionChangeReason)
	OnClientIPChanged()
	OnRemoteUserJoined(user RemoteUser)
	OnRemoteUserOffline(uid domain.UID, reason domain.UserOfflineReason)
	OnRemoteStreamMuted(uid domain.UID, kind domain.MediaKind, muted bool)
}

// ProbeTransport measures the last mile before joining.
type ProbeTransport interface {
	Probe(ctx context.Context, cfg domain.ProbeConfig) (domain.ProbeMeasurement, error)
}

// RelayTransport forwards the source channel media into destination channels.
type RelayTransport interface {
	Open(ctx context.Context, source domain.ChannelMediaInfo) error
	AddDestination(ctx context.Context, dest domain.ChannelMediaInfo) error
	RemoveDestination(ctx context.Context, channel string) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close(ctx context.Context) error
	SetListener(l RelayListener)
}

type RelayListener interface {
	OnRelayConnectionLost()
	OnRelayFailure(code domain.RelayError, channel string)
	OnRelayPacket(code domain.RelayEventCode, channel string)
}

// StatsSource returns cumulative transport counters.
type StatsSource interface {
	Collect(ctx context.Context) (domain.TransportSnapshot, error)
}

// FrameSink is fed by the media pipeline each time a frame becomes renderable.
type FrameSink interface {
	OnFrameRendered(key domain.StreamKey, at time.Time)
}

// TransportFactory builds per session collaborators.
type TransportFactory interface {
	NewSignaling() (SignalingTransport, error)
	NewRelay() (RelayTransport, error)
	NewStatsSource(sig SignalingTransport) StatsSource
}

// EventMirror forwards events outside the process.
type EventMirror interface {
	Mirror(ctx context.Context, sessionID string, ev domain.Event) error
}
