package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/workerpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"rtcore/internal/core/domain"
	"rtcore/pkg/circuitbreaker"
	"rtcore/pkg/logger"
)

// Publisher is the part of a redis client the mirror needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type MirrorConfig struct {
	Channel        string
	InstanceID     string
	PublishTimeout time.Duration
	// MaxPending bounds events queued by the tap; beyond it events are dropped.
	MaxPending   int
	IncludeStats bool
	Breaker      circuitbreaker.Config
}

func DefaultMirrorConfig(instanceID string) MirrorConfig {
	return MirrorConfig{
		Channel:        "rtcore:events",
		InstanceID:     instanceID,
		PublishTimeout: 2 * time.Second,
		MaxPending:     1024,
		Breaker:        circuitbreaker.DefaultConfig(),
	}
}

// Envelope is the wire form of a mirrored event.
type Envelope struct {
	Kind       domain.EventKind `json:"kind"`
	InstanceID string           `json:"instance_id"`
	SessionID  string           `json:"session_id"`
	Timestamp  time.Time        `json:"timestamp"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
}

// EventMirror publishes core events to a redis channel for other processes.
// Channel names are redacted before they leave the process.
type EventMirror struct {
	client  Publisher
	cfg     MirrorConfig
	clock   clock.Clock
	logger  *zap.SugaredLogger
	breaker *circuitbreaker.CircuitBreaker
	pool    *workerpool.WorkerPool

	dropped atomic.Uint64
}

func NewEventMirror(client Publisher, cfg MirrorConfig, clk clock.Clock, log *zap.SugaredLogger) *EventMirror {
	m := &EventMirror{
		client:  client,
		cfg:     cfg,
		clock:   clk,
		logger:  log.With("component", "event_mirror"),
		breaker: circuitbreaker.New(cfg.Breaker, clk),
		pool:    workerpool.New(1),
	}
	m.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		m.logger.Warnw("event mirror breaker changed state", "from", from.String(), "to", to.String())
	})
	return m
}

// Mirror implements ports.EventMirror.
func (m *EventMirror) Mirror(ctx context.Context, sessionID string, ev domain.Event) error {
	data, err := m.encode(sessionID, ev)
	if err != nil {
		return err
	}

	return m.breaker.Execute(ctx, func(ctx context.Context) error {
		pctx, cancel := m.clock.WithTimeout(ctx, m.cfg.PublishTimeout)
		defer cancel()
		if err := m.client.Publish(pctx, m.cfg.Channel, data).Err(); err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}
		return nil
	})
}

// Tap returns an event tap that mirrors asynchronously and in order.
func (m *EventMirror) Tap() func(sessionID string, ev domain.Event) {
	return func(sessionID string, ev domain.Event) {
		if !m.cfg.IncludeStats && strings.HasPrefix(string(ev.Kind()), "stats.") {
			return
		}
		if m.cfg.MaxPending > 0 && m.pool.WaitingQueueSize() >= m.cfg.MaxPending {
			if m.dropped.Inc()%100 == 1 {
				m.logger.Warnw("event mirror backlog full, dropping events", "dropped", m.dropped.Load())
			}
			return
		}
		m.pool.Submit(func() {
			if err := m.Mirror(context.Background(), sessionID, ev); err != nil {
				m.logger.Debugw("event not mirrored", "kind", string(ev.Kind()), "error", err)
			}
		})
	}
}

// Dropped returns the number of events discarded because of backlog.
func (m *EventMirror) Dropped() uint64 {
	return m.dropped.Load()
}

func (m *EventMirror) BreakerState() circuitbreaker.State {
	return m.breaker.State()
}

// Close flushes queued events.
func (m *EventMirror) Close() {
	m.pool.StopWait()
}

func (m *EventMirror) encode(sessionID string, ev domain.Event) ([]byte, error) {
	payload, err := json.Marshal(redactEvent(ev))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	data, err := json.Marshal(Envelope{
		Kind:       ev.Kind(),
		InstanceID: m.cfg.InstanceID,
		SessionID:  sessionID,
		Timestamp:  m.clock.Now().UTC(),
		Payload:    payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// redactEvent returns the value to serialize for ev.
func redactEvent(ev domain.Event) interface{} {
	switch e := ev.(type) {
	case domain.JoinChannelSuccess:
		e.Channel = logger.Redact(e.Channel)
		return e
	case domain.RejoinChannelSuccess:
		e.Channel = logger.Redact(e.Channel)
		return e
	case domain.ChannelMediaRelayEvent:
		e.Channel = logger.Redact(e.Channel)
		return e
	case domain.LastmileProbeFailed:
		msg := ""
		if e.Err != nil {
			msg = e.Err.Error()
		}
		return struct {
			Error string `json:"error"`
		}{msg}
	default:
		return ev
	}
}
