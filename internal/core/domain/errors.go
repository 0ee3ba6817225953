package domain

import "errors"

var (
	ErrInvalidAppID        = errors.New("invalid app id")
	ErrInvalidChannelName  = errors.New("invalid channel name")
	ErrInvalidToken        = errors.New("invalid token")
	ErrInvalidUID          = errors.New("invalid uid")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrInvalidProbeConfig  = errors.New("invalid probe config")
	ErrInvalidRelayConfig  = errors.New("invalid relay config")
	ErrTooManyDestinations = errors.New("too many relay destinations")
	ErrAlreadyRunning      = errors.New("already running")
	ErrAlreadyInChannel    = errors.New("already in channel")
	ErrNotInChannel        = errors.New("not in channel")
	ErrInvalidState        = errors.New("invalid state")
	ErrSourceNotConnected  = errors.New("relay source session not connected")
	ErrRelayNotRunning     = errors.New("relay not running")
	ErrNetworkUnreachable  = errors.New("network unreachable")
	ErrSessionClosed       = errors.New("session closed")
	ErrEngineClosed        = errors.New("engine closed")
	ErrUserNotFound        = errors.New("remote user not found")
)

// JoinRejection is returned by a signaling transport when the routing service
// refuses a handshake for a specific reason.
type JoinRejection struct {
	Reason ConnectionChangeReason
	Detail string
}

func (e *JoinRejection) Error() string {
	if e.Detail != "" {
		return "join rejected: " + e.Reason.String() + ": " + e.Detail
	}
	return "join rejected: " + e.Reason.String()
}
