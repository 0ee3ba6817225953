package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"rtcore/internal/core/domain"
	"rtcore/internal/core/ports"
)

// RelayTransport drives a channel media relay over its own websocket link.
type RelayTransport struct {
	cfg    Config
	logger *zap.SugaredLogger

	mu       sync.Mutex
	conn     *conn
	listener ports.RelayListener
}

func NewRelayTransport(cfg Config, log *zap.SugaredLogger) *RelayTransport {
	return &RelayTransport{
		cfg:    cfg,
		logger: log.With("component", "relay_link"),
	}
}

func (r *RelayTransport) SetListener(l ports.RelayListener) {
	r.mu.Lock()
	r.listener = l
	r.mu.Unlock()
}

// Open dials a fresh link and joins the source channel on it.
func (r *RelayTransport) Open(ctx context.Context, source domain.ChannelMediaInfo) error {
	r.mu.Lock()
	old := r.conn
	r.conn = nil
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}

	var c *conn
	c, err := dial(ctx, r.cfg, "relay", r.handleNotify, func(error) { r.linkLost(c) }, r.logger)
	if err != nil {
		return &domain.RelayFailure{Code: domain.RelayErrServerNoResponse, Cause: err}
	}

	r.mu.Lock()
	r.conn = c
	r.mu.Unlock()

	return c.request(ctx, msgRelayOpen, channelPayload{
		Channel: source.Channel,
		Token:   source.Token,
		UID:     uint32(source.UID),
	}, nil)
}

func (r *RelayTransport) AddDestination(ctx context.Context, dest domain.ChannelMediaInfo) error {
	return r.send(ctx, msgRelayAdd, channelPayload{
		Channel: dest.Channel,
		Token:   dest.Token,
		UID:     uint32(dest.UID),
	})
}

func (r *RelayTransport) RemoveDestination(ctx context.Context, channel string) error {
	return r.send(ctx, msgRelayRemove, channelPayload{Channel: channel})
}

func (r *RelayTransport) Pause(ctx context.Context) error {
	return r.send(ctx, msgRelayPause, nil)
}

func (r *RelayTransport) Resume(ctx context.Context) error {
	return r.send(ctx, msgRelayResume, nil)
}

// Close stops the relay on the service side when the link is still up and
// then drops the link.
func (r *RelayTransport) Close(ctx context.Context) error {
	r.mu.Lock()
	c := r.conn
	r.conn = nil
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	defer c.Close()
	return c.request(ctx, msgRelayClose, nil, nil)
}

func (r *RelayTransport) send(ctx context.Context, typ string, payload interface{}) error {
	r.mu.Lock()
	c := r.conn
	r.mu.Unlock()
	if c == nil || !c.alive() {
		return &domain.RelayFailure{
			Code:  domain.RelayErrServerConnectionLost,
			Cause: fmt.Errorf("%s: %w", typ, ErrConnectionClosed),
		}
	}
	return c.request(ctx, typ, payload, nil)
}

func (r *RelayTransport) linkLost(c *conn) {
	r.mu.Lock()
	if r.conn != c {
		r.mu.Unlock()
		return
	}
	r.conn = nil
	l := r.listener
	r.mu.Unlock()

	if l != nil {
		l.OnRelayConnectionLost()
	}
}

func (r *RelayTransport) handleNotify(msg *Message) {
	r.mu.Lock()
	l := r.listener
	r.mu.Unlock()
	if l == nil {
		return
	}

	var p relayNoticePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		r.logger.Warnw("invalid relay notification", "type", msg.Type, "error", err)
		return
	}
	switch msg.Type {
	case msgRelayFailure:
		l.OnRelayFailure(domain.RelayError(p.Code), p.Channel)
	case msgRelayEvent:
		l.OnRelayPacket(domain.RelayEventCode(p.Code), p.Channel)
	default:
		r.logger.Debugw("ignoring relay notification", "type", msg.Type)
	}
}

var _ ports.RelayTransport = (*RelayTransport)(nil)
