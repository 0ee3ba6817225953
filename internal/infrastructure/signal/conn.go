package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"rtcore/internal/core/domain"
	"rtcore/pkg/utils"
)

// Config holds the link settings shared by every transport of one factory.
type Config struct {
	URL            string
	AppID          string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	// Outbound request rate per link.
	MessagesPerSecond float64
	Burst             int
}

func DefaultConfig(rawURL string) Config {
	return Config{
		URL:               rawURL,
		DialTimeout:       10 * time.Second,
		RequestTimeout:    10 * time.Second,
		PingInterval:      5 * time.Second,
		PongTimeout:       15 * time.Second,
		WriteTimeout:      5 * time.Second,
		MessagesPerSecond: 20,
		Burst:             10,
	}
}

// conn is one websocket link to the routing service. It correlates requests
// with responses and hands everything else to onNotify. onDown fires once if
// the link drops without Close being called.
type conn struct {
	ws      *websocket.Conn
	cfg     Config
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	onNotify func(*Message)
	onDown   func(error)

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *Message
	local   bool

	done      chan struct{}
	closeOnce sync.Once
}

func linkURL(raw, link string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid signaling url: %w", err)
	}
	q := u.Query()
	q.Set("link", link)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func dial(ctx context.Context, cfg Config, link string, onNotify func(*Message), onDown func(error), logger *zap.SugaredLogger) (*conn, error) {
	target, err := linkURL(cfg.URL, link)
	if err != nil {
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	ws, _, err := dialer.DialContext(dctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s link: %v", domain.ErrNetworkUnreachable, link, err)
	}

	c := &conn{
		ws:       ws,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.Burst),
		logger:   logger.With("link", link),
		onNotify: onNotify,
		onDown:   onDown,
		pending:  make(map[string]chan *Message),
		done:     make(chan struct{}),
	}

	_ = ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	go c.readLoop()
	go c.pingLoop()

	c.logger.Debugw("signaling link established")
	return c, nil
}

func (c *conn) readLoop() {
	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.shutdown(err)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		if msg.RequestID != "" {
			c.mu.Lock()
			ch, ok := c.pending[msg.RequestID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- &msg:
				default:
				}
				continue
			}
			c.logger.Debugw("response for unknown request", "request_id", msg.RequestID, "type", msg.Type)
			continue
		}
		if c.onNotify != nil {
			c.onNotify(&msg)
		}
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.shutdown(fmt.Errorf("ping failed: %w", err))
				return
			}
		case <-c.done:
			return
		}
	}
}

// request sends typ with payload and waits for the matching response. out may
// be nil when the response carries no data.
func (c *conn) request(ctx context.Context, typ string, payload, out interface{}) error {
	return c.call(ctx, typ, payload, out, c.cfg.RequestTimeout)
}

// call is request with an explicit response timeout; zero leaves it to ctx.
func (c *conn) call(ctx context.Context, typ string, payload, out interface{}, timeout time.Duration) error {
	msg := Message{Type: typ, RequestID: utils.GenerateRequestID()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", typ, err)
		}
		msg.Payload = data
	}

	ch := make(chan *Message, 1)
	c.mu.Lock()
	c.pending[msg.RequestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.RequestID)
		c.mu.Unlock()
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", typ, err)
	}
	if err := c.write(msg); err != nil {
		return err
	}

	rctx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		rctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error.toError(typ)
		}
		if out != nil && len(resp.Payload) > 0 {
			if err := json.Unmarshal(resp.Payload, out); err != nil {
				return fmt.Errorf("invalid %s response: %w", typ, err)
			}
		}
		return nil
	case <-c.done:
		return fmt.Errorf("%s: %w", typ, ErrConnectionClosed)
	case <-rctx.Done():
		return fmt.Errorf("%s: %w", typ, rctx.Err())
	}
}

func (c *conn) write(msg Message) error {
	select {
	case <-c.done:
		return fmt.Errorf("%s: %w", msg.Type, ErrConnectionClosed)
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

// Close tears the link down without reporting it as lost.
func (c *conn) Close() {
	c.mu.Lock()
	c.local = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.cfg.WriteTimeout))
	c.writeMu.Unlock()

	c.shutdown(nil)
}

func (c *conn) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()

		c.mu.Lock()
		local := c.local
		c.mu.Unlock()
		if local {
			c.logger.Debugw("signaling link closed")
			return
		}

		c.logger.Warnw("signaling link lost", "error", cause)
		if c.onDown != nil {
			c.onDown(cause)
		}
	})
}
