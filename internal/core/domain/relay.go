package domain

import (
	"fmt"
)

// MaxRelayDestinations bounds the number of destination channels of one relay.
const MaxRelayDestinations = 4

type ChannelMediaInfo struct {
	Channel string
	Token   string
	UID     UID
}

// RelayConfig describes a relay from the source channel into destinations.
type RelayConfig struct {
	Source       ChannelMediaInfo
	Destinations []ChannelMediaInfo
}

// AddDestination appends or replaces the destination for info.Channel. A new
// channel beyond MaxRelayDestinations is rejected and leaves the config untouched.
func (c *RelayConfig) AddDestination(info ChannelMediaInfo) error {
	if info.Channel == "" {
		return fmt.Errorf("%w: empty destination channel", ErrInvalidRelayConfig)
	}
	for i, d := range c.Destinations {
		if d.Channel == info.Channel {
			c.Destinations[i] = info
			return nil
		}
	}
	if len(c.Destinations) >= MaxRelayDestinations {
		return fmt.Errorf("%w: %d destinations allowed", ErrTooManyDestinations, MaxRelayDestinations)
	}
	c.Destinations = append(c.Destinations, info)
	return nil
}

// RemoveDestination drops the destination for channel if present.
func (c *RelayConfig) RemoveDestination(channel string) bool {
	for i, d := range c.Destinations {
		if d.Channel == channel {
			c.Destinations = append(c.Destinations[:i], c.Destinations[i+1:]...)
			return true
		}
	}
	return false
}

// Validate checks the shape of a relay configuration.
func (c RelayConfig) Validate() error {
	if len(c.Destinations) == 0 {
		return fmt.Errorf("%w: no destination channel", ErrInvalidRelayConfig)
	}
	if len(c.Destinations) > MaxRelayDestinations {
		return fmt.Errorf("%w: got %d, %d allowed", ErrTooManyDestinations, len(c.Destinations), MaxRelayDestinations)
	}
	seen := make(map[string]struct{}, len(c.Destinations))
	for _, d := range c.Destinations {
		if d.Channel == "" {
			return fmt.Errorf("%w: empty destination channel", ErrInvalidRelayConfig)
		}
		if _, dup := seen[d.Channel]; dup {
			return fmt.Errorf("%w: duplicate destination channel", ErrInvalidRelayConfig)
		}
		seen[d.Channel] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate a running relay's config.
func (c RelayConfig) Clone() RelayConfig {
	out := RelayConfig{Source: c.Source}
	out.Destinations = append([]ChannelMediaInfo(nil), c.Destinations...)
	return out
}

type RelayState int

const (
	RelayStateIdle RelayState = iota
	RelayStateConnecting
	RelayStateRunning
	RelayStateFailure
)

func (s RelayState) String() string {
	switch s {
	case RelayStateIdle:
		return "idle"
	case RelayStateConnecting:
		return "connecting"
	case RelayStateRunning:
		return "running"
	case RelayStateFailure:
		return "failure"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

type RelayError int

const (
	RelayErrNone RelayError = iota
	RelayErrServerErrorResponse
	RelayErrServerNoResponse
	RelayErrNoResourceAvailable
	RelayErrFailedJoinSource
	RelayErrFailedJoinDestination
	RelayErrFailedPacketReceivedFromSource
	RelayErrFailedPacketSentToDestination
	RelayErrServerConnectionLost
	RelayErrInternalError
	RelayErrSourceTokenExpired
	RelayErrDestinationTokenExpired
)

func (e RelayError) String() string {
	switch e {
	case RelayErrNone:
		return "none"
	case RelayErrServerErrorResponse:
		return "server_error_response"
	case RelayErrServerNoResponse:
		return "server_no_response"
	case RelayErrNoResourceAvailable:
		return "no_resource_available"
	case RelayErrFailedJoinSource:
		return "failed_join_source"
	case RelayErrFailedJoinDestination:
		return "failed_join_destination"
	case RelayErrFailedPacketReceivedFromSource:
		return "failed_packet_received_from_source"
	case RelayErrFailedPacketSentToDestination:
		return "failed_packet_sent_to_destination"
	case RelayErrServerConnectionLost:
		return "server_connection_lost"
	case RelayErrInternalError:
		return "internal_error"
	case RelayErrSourceTokenExpired:
		return "source_token_expired"
	case RelayErrDestinationTokenExpired:
		return "destination_token_expired"
	default:
		return fmt.Sprintf("unknown(%d)", int(e))
	}
}

// Transient reports whether the orchestrator retries on its own.
func (e RelayError) Transient() bool {
	return e == RelayErrServerConnectionLost
}

// RelayFailure is returned by relay transports to carry a specific relay error.
type RelayFailure struct {
	Code    RelayError
	Channel string
	Cause   error
}

func (f *RelayFailure) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("relay %s: %v", f.Code, f.Cause)
	}
	return fmt.Sprintf("relay %s", f.Code)
}

func (f *RelayFailure) Unwrap() error {
	return f.Cause
}

type RelayEventCode int

const (
	RelayEventNetworkDisconnected RelayEventCode = iota
	RelayEventNetworkConnected
	RelayEventJoinedSourceChannel
	RelayEventJoinedDestinationChannel
	RelayEventSentToDestinationChannel
	RelayEventReceivedVideoPacketFromSource
	RelayEventReceivedAudioPacketFromSource
	RelayEventUpdateDestChannel
	RelayEventUpdateDestChannelRefused
	RelayEventUpdateDestChannelNotChange
	RelayEventUpdateDestChannelIsNull
	RelayEventVideoProfileUpdate
	RelayEventPauseSendSuccess
	RelayEventPauseSendFailed
	RelayEventResumeSendSuccess
	RelayEventResumeSendFailed
)

func (c RelayEventCode) String() string {
	switch c {
	case RelayEventNetworkDisconnected:
		return "network_disconnected"
	case RelayEventNetworkConnected:
		return "network_connected"
	case RelayEventJoinedSourceChannel:
		return "joined_source_channel"
	case RelayEventJoinedDestinationChannel:
		return "joined_destination_channel"
	case RelayEventSentToDestinationChannel:
		return "sent_to_destination_channel"
	case RelayEventReceivedVideoPacketFromSource:
		return "received_video_packet_from_source"
	case RelayEventReceivedAudioPacketFromSource:
		return "received_audio_packet_from_source"
	case RelayEventUpdateDestChannel:
		return "update_dest_channel"
	case RelayEventUpdateDestChannelRefused:
		return "update_dest_channel_refused"
	case RelayEventUpdateDestChannelNotChange:
		return "update_dest_channel_not_change"
	case RelayEventUpdateDestChannelIsNull:
		return "update_dest_channel_is_null"
	case RelayEventVideoProfileUpdate:
		return "video_profile_update"
	case RelayEventPauseSendSuccess:
		return "pause_send_success"
	case RelayEventPauseSendFailed:
		return "pause_send_failed"
	case RelayEventResumeSendSuccess:
		return "resume_send_success"
	case RelayEventResumeSendFailed:
		return "resume_send_failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// RelayDestinationStatus is the per destination view of a relay.
type RelayDestinationStatus struct {
	Channel string
	UID     UID
	Joined  bool
	Err     RelayError
}

// RelaySnapshot is a read-only view of a relay session.
type RelaySnapshot struct {
	State        RelayState
	LastError    RelayError
	Paused       bool
	Source       string
	Destinations []RelayDestinationStatus
}
