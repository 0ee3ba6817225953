package domain

import "fmt"

// UID identifies a user inside a channel. Zero asks the routing service to
// assign one.
type UID uint32

type ConnectionState int

const (
	ConnectionStateDisconnected ConnectionState = iota + 1
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateReconnecting
	ConnectionStateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateReconnecting:
		return "reconnecting"
	case ConnectionStateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// CanTransitionTo reports whether the state machine allows moving from s to next.
// Leaving (to disconnected) is always allowed.
func (s ConnectionState) CanTransitionTo(next ConnectionState) bool {
	if next == ConnectionStateDisconnected {
		return true
	}
	switch s {
	case ConnectionStateDisconnected, ConnectionStateFailed:
		return next == ConnectionStateConnecting
	case ConnectionStateConnecting:
		// connecting -> connecting covers a channel switch re-entering the handshake
		return next == ConnectionStateConnected || next == ConnectionStateFailed || next == ConnectionStateConnecting
	case ConnectionStateConnected:
		return next == ConnectionStateReconnecting || next == ConnectionStateConnecting || next == ConnectionStateConnected
	case ConnectionStateReconnecting:
		return next == ConnectionStateConnected || next == ConnectionStateFailed
	default:
		return false
	}
}

type ConnectionChangeReason int

const (
	ReasonConnecting ConnectionChangeReason = iota
	ReasonJoined
	ReasonInterrupted
	ReasonBanned
	ReasonJoinFailed
	ReasonLeft
	ReasonInvalidAppID
	ReasonInvalidChannelName
	ReasonInvalidToken
	ReasonTokenExpired
	ReasonBannedByServer
	ReasonProxyReconnect
	ReasonTokenRenewed
	ReasonClientIPChanged
	ReasonKeepAliveTimeout
)

func (r ConnectionChangeReason) String() string {
	switch r {
	case ReasonConnecting:
		return "connecting"
	case ReasonJoined:
		return "joined"
	case ReasonInterrupted:
		return "interrupted"
	case ReasonBanned:
		return "banned"
	case ReasonJoinFailed:
		return "join_failed"
	case ReasonLeft:
		return "left"
	case ReasonInvalidAppID:
		return "invalid_app_id"
	case ReasonInvalidChannelName:
		return "invalid_channel_name"
	case ReasonInvalidToken:
		return "invalid_token"
	case ReasonTokenExpired:
		return "token_expired"
	case ReasonBannedByServer:
		return "banned_by_server"
	case ReasonProxyReconnect:
		return "proxy_reconnect"
	case ReasonTokenRenewed:
		return "token_renewed"
	case ReasonClientIPChanged:
		return "client_ip_changed"
	case ReasonKeepAliveTimeout:
		return "keep_alive_timeout"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// Terminal reports whether a handshake rejected with this reason must not be
// retried automatically.
func (r ConnectionChangeReason) Terminal() bool {
	switch r {
	case ReasonBanned, ReasonBannedByServer, ReasonInvalidAppID, ReasonInvalidChannelName,
		ReasonInvalidToken, ReasonTokenExpired:
		return true
	default:
		return false
	}
}

type ClientRole int

const (
	RoleHost ClientRole = iota + 1
	RoleAudience
)

func (r ClientRole) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleAudience:
		return "audience"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

type MediaKind int

const (
	MediaAudio MediaKind = iota
	MediaVideo
)

func (k MediaKind) String() string {
	if k == MediaVideo {
		return "video"
	}
	return "audio"
}

type PublishState int

const (
	PublishIdle PublishState = iota
	PublishNotPublished
	PublishInProgress
	PublishPublished
)

func (s PublishState) String() string {
	switch s {
	case PublishIdle:
		return "idle"
	case PublishNotPublished:
		return "not_published"
	case PublishInProgress:
		return "in_progress"
	case PublishPublished:
		return "published"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

type SubscribeState int

const (
	SubscribeIdle SubscribeState = iota
	SubscribeNotSubscribed
	SubscribeInProgress
	SubscribeSubscribed
)

func (s SubscribeState) String() string {
	switch s {
	case SubscribeIdle:
		return "idle"
	case SubscribeNotSubscribed:
		return "not_subscribed"
	case SubscribeInProgress:
		return "in_progress"
	case SubscribeSubscribed:
		return "subscribed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// StreamKey addresses one remote stream.
type StreamKey struct {
	UID  UID
	Kind MediaKind
}

// JoinOptions are the caller supplied join parameters. They take effect once
// the session reaches the connected state.
type JoinOptions struct {
	Role               ClientRole
	AutoSubscribeAudio bool
	AutoSubscribeVideo bool
	PublishAudio       bool
	PublishVideo       bool
	LocalFallback      FallbackOption
	RemoteFallback     FallbackOption
}

// DefaultJoinOptions returns a host publishing and subscribing everything.
func DefaultJoinOptions() JoinOptions {
	return JoinOptions{
		Role:               RoleHost,
		AutoSubscribeAudio: true,
		AutoSubscribeVideo: true,
		PublishAudio:       true,
		PublishVideo:       true,
		LocalFallback:      FallbackDisabled,
		RemoteFallback:     FallbackAudioOnlyAndReducedBitrate,
	}
}

// UserOfflineReason tells why a remote user left the channel.
type UserOfflineReason int

const (
	UserOfflineQuit UserOfflineReason = iota
	UserOfflineDropped
	UserOfflineBecameAudience
)

func (r UserOfflineReason) String() string {
	switch r {
	case UserOfflineQuit:
		return "quit"
	case UserOfflineDropped:
		return "dropped"
	case UserOfflineBecameAudience:
		return "became_audience"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}
