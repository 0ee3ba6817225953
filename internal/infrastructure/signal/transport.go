package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"rtcore/internal/core/domain"
	"rtcore/internal/core/ports"
	"rtcore/pkg/logger"
)

// MediaNegotiator exchanges session descriptions as part of the join
// handshake. It is optional; without one the join carries no SDP.
type MediaNegotiator interface {
	CreateOffer(ctx context.Context) (string, error)
	ApplyAnswer(sdp string) error
	SetFrameSink(sink ports.FrameSink)
	Close() error
}

// Transport is a ports.SignalingTransport over a websocket link. The link is
// dialled by Join and redialled by a rejoin after it was lost.
type Transport struct {
	cfg    Config
	media  MediaNegotiator
	clock  clock.Clock
	logger *zap.SugaredLogger

	mu       sync.Mutex
	conn     *conn
	listener ports.TransportListener
}

func NewTransport(cfg Config, media MediaNegotiator, clk clock.Clock, log *zap.SugaredLogger) *Transport {
	return &Transport{
		cfg:    cfg,
		media:  media,
		clock:  clk,
		logger: log.With("component", "signaling"),
	}
}

// SetListener also hands the media pipeline a frame sink when the listener
// is one.
func (t *Transport) SetListener(l ports.TransportListener) {
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()

	if sink, ok := l.(ports.FrameSink); ok && t.media != nil {
		t.media.SetFrameSink(sink)
	}
}

func (t *Transport) Join(ctx context.Context, p ports.JoinParams) (*ports.JoinAck, error) {
	c, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}

	appID := p.AppID
	if appID == "" {
		appID = t.cfg.AppID
	}
	req := joinRequest{
		AppID:              appID,
		Channel:            p.Channel,
		Token:              p.Token,
		UID:                uint32(p.UID),
		Role:               p.Role.String(),
		InitialBitrateKbps: p.InitialBitrateKbps,
		Rejoin:             p.Rejoin,
	}
	if t.media != nil {
		offer, err := t.media.CreateOffer(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create offer: %w", err)
		}
		req.SDP = offer
	}

	var resp joinResponse
	if err := c.request(ctx, msgJoin, req, &resp); err != nil {
		return nil, err
	}
	if t.media != nil && resp.SDP != "" {
		if err := t.media.ApplyAnswer(resp.SDP); err != nil {
			return nil, fmt.Errorf("failed to apply answer: %w", err)
		}
	}

	ack := &ports.JoinAck{UID: domain.UID(resp.UID)}
	for _, u := range resp.Users {
		ack.RemoteUsers = append(ack.RemoteUsers, u.toPort())
	}

	t.logger.Infow("join acknowledged",
		"channel", logger.Redact(p.Channel),
		"uid", resp.UID,
		"remote_users", len(resp.Users),
		"rejoin", p.Rejoin,
	)
	return ack, nil
}

// Leave tells the service the user is leaving and closes the link. The link
// is closed even if the request fails.
func (t *Transport) Leave(ctx context.Context) error {
	t.mu.Lock()
	c := t.conn
	t.conn = nil
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	defer c.Close()
	return c.request(ctx, msgLeave, nil, nil)
}

func (t *Transport) RenewToken(ctx context.Context, token string) error {
	return t.send(ctx, msgRenewToken, tokenPayload{Token: token})
}

func (t *Transport) SetClientRole(ctx context.Context, role domain.ClientRole) error {
	return t.send(ctx, msgSetRole, rolePayload{Role: role.String()})
}

func (t *Transport) Publish(ctx context.Context, kind domain.MediaKind, enabled bool) error {
	return t.send(ctx, msgPublish, streamPayload{Kind: kind.String(), Enabled: enabled})
}

func (t *Transport) Subscribe(ctx context.Context, uid domain.UID, kind domain.MediaKind, enabled bool) error {
	return t.send(ctx, msgSubscribe, streamPayload{UID: uint32(uid), Kind: kind.String(), Enabled: enabled})
}

func (t *Transport) SetLocalFallback(ctx context.Context, level domain.FallbackLevel) error {
	return t.send(ctx, msgLocalFallback, fallbackPayload{Level: level.String()})
}

func (t *Transport) SetRemoteFallback(ctx context.Context, uid domain.UID, level domain.FallbackLevel) error {
	return t.send(ctx, msgRemoteFallback, fallbackPayload{UID: uint32(uid), Level: level.String()})
}

// Collect implements ports.StatsSource with counters reported by the service.
func (t *Transport) Collect(ctx context.Context) (domain.TransportSnapshot, error) {
	c := t.current()
	if c == nil {
		return domain.TransportSnapshot{}, ErrConnectionClosed
	}
	var resp statsResponse
	if err := c.request(ctx, msgStats, nil, &resp); err != nil {
		return domain.TransportSnapshot{}, err
	}
	return resp.toDomain(t.clock.Now()), nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	c := t.conn
	t.conn = nil
	t.mu.Unlock()
	if c != nil {
		c.Close()
	}
	if t.media != nil {
		return t.media.Close()
	}
	return nil
}

func (t *Transport) send(ctx context.Context, typ string, payload interface{}) error {
	c := t.current()
	if c == nil {
		return fmt.Errorf("%s: %w", typ, ErrConnectionClosed)
	}
	return c.request(ctx, typ, payload, nil)
}

func (t *Transport) current() *conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil && !t.conn.alive() {
		t.conn = nil
	}
	return t.conn
}

func (t *Transport) connect(ctx context.Context) (*conn, error) {
	if c := t.current(); c != nil {
		return c, nil
	}

	var c *conn
	c, err := dial(ctx, t.cfg, "signaling", t.handleNotify, func(err error) { t.linkLost(c, err) }, t.logger)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.conn != nil && t.conn.alive() {
		// lost a race with a concurrent join
		existing := t.conn
		t.mu.Unlock()
		c.Close()
		return existing, nil
	}
	t.conn = c
	t.mu.Unlock()
	return c, nil
}

func (t *Transport) linkLost(c *conn, err error) {
	t.mu.Lock()
	if t.conn != c {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	l := t.listener
	t.mu.Unlock()

	if l != nil {
		l.OnHeartbeatTimeout()
	}
}

func (t *Transport) handleNotify(msg *Message) {
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()
	if l == nil {
		return
	}

	switch msg.Type {
	case msgTokenExpired:
		l.OnTokenExpired()
	case msgKicked:
		var p kickedPayload
		if t.decode(msg, &p) {
			l.OnKicked(kickReason(p.Reason))
		}
	case msgClientIPChanged:
		l.OnClientIPChanged()
	case msgUserJoined:
		var p remoteUserPayload
		if t.decode(msg, &p) {
			l.OnRemoteUserJoined(p.toPort())
		}
	case msgUserOffline:
		var p offlinePayload
		if t.decode(msg, &p) {
			l.OnRemoteUserOffline(domain.UID(p.UID), offlineReason(p.Reason))
		}
	case msgStreamMuted:
		var p mutedPayload
		if t.decode(msg, &p) {
			l.OnRemoteStreamMuted(domain.UID(p.UID), mediaKind(p.Kind), p.Muted)
		}
	default:
		t.logger.Debugw("ignoring notification", "type", msg.Type)
	}
}

func (t *Transport) decode(msg *Message, out interface{}) bool {
	if err := json.Unmarshal(msg.Payload, out); err != nil {
		t.logger.Warnw("invalid notification payload", "type", msg.Type, "error", err)
		return false
	}
	return true
}

var (
	_ ports.SignalingTransport = (*Transport)(nil)
	_ ports.StatsSource        = (*Transport)(nil)
)
