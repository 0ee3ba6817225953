package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"rtcore/internal/core/domain"
	"rtcore/internal/core/ports"
	"rtcore/pkg/tracing"
)

// ProbeService runs at most one lastmile probe at a time and reports exactly
// one terminal event per run.
type ProbeService struct {
	transport ports.ProbeTransport
	quality   *QualityService
	events    *EventStream
	clock     clock.Clock
	timeout   time.Duration
	logger    *zap.SugaredLogger

	mu      sync.Mutex
	gen     uint64
	running bool
	cancel  context.CancelFunc

	last atomic.Pointer[domain.ProbeResult]
}

func NewProbeService(
	transport ports.ProbeTransport,
	quality *QualityService,
	events *EventStream,
	clk clock.Clock,
	timeout time.Duration,
	logger *zap.SugaredLogger,
) *ProbeService {
	return &ProbeService{
		transport: transport,
		quality:   quality,
		events:    events,
		clock:     clk,
		timeout:   timeout,
		logger:    logger,
	}
}

// Start validates cfg and begins an asynchronous measurement.
func (p *ProbeService) Start(cfg domain.ProbeConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if p.transport == nil {
		return fmt.Errorf("%w: no probe transport configured", domain.ErrInvalidState)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("lastmile probe: %w", domain.ErrAlreadyRunning)
	}

	p.gen++
	gen := p.gen
	ctx, cancel := p.clock.WithTimeout(context.Background(), p.timeout)
	p.cancel = cancel
	p.running = true

	p.logger.Infow("lastmile probe started",
		"uplink", cfg.ProbeUplink,
		"downlink", cfg.ProbeDownlink,
		"expected_uplink_bps", cfg.ExpectedUplinkBitrateBps,
		"expected_downlink_bps", cfg.ExpectedDownlinkBitrateBps,
	)

	go p.measure(ctx, gen, cfg)
	return nil
}

// Stop cancels the running probe. No probe event is emitted for the
// cancelled run once Stop returns. Stopping an idle probe is a no-op.
func (p *ProbeService) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	p.gen++
	p.running = false
	p.cancel()
	p.logger.Infow("lastmile probe stopped")
}

func (p *ProbeService) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// LastResult returns the most recent terminal result, if any.
func (p *ProbeService) LastResult() (domain.ProbeResult, bool) {
	r := p.last.Load()
	if r == nil {
		return domain.ProbeResult{}, false
	}
	return *r, true
}

// InitialBitrateKbps derives a join bitrate target from the last complete
// result. Zero means no usable estimate.
func (p *ProbeService) InitialBitrateKbps(maxKbps int) int {
	r, ok := p.LastResult()
	if !ok || r.State != domain.ProbeComplete || !r.Uplink.BandwidthValid {
		return 0
	}
	kbps := r.Uplink.AvailableBandwidthKbps
	if maxKbps > 0 && kbps > maxKbps {
		kbps = maxKbps
	}
	return kbps
}

func (p *ProbeService) measure(ctx context.Context, gen uint64, cfg domain.ProbeConfig) {
	ctx, span := tracing.TraceProbe(ctx, cfg.ExpectedUplinkBitrateBps, cfg.ExpectedDownlinkBitrateBps)
	defer span.End()

	m, err := p.transport.Probe(ctx, cfg)
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	p.finish(gen, cfg, m, err, timedOut)
}

func (p *ProbeService) finish(gen uint64, cfg domain.ProbeConfig, m domain.ProbeMeasurement, err error, timedOut bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gen != p.gen {
		return
	}
	p.running = false
	p.cancel()

	result, ok := p.classify(cfg, m, err, timedOut)
	if !ok {
		p.logger.Warnw("lastmile probe failed", "error", err, "timed_out", timedOut)
		p.events.Publish(domain.LastmileProbeFailed{Err: err})
		return
	}

	p.last.Store(&result)
	rating := p.quality.RateProbe(cfg, result)
	p.logger.Infow("lastmile probe finished",
		"state", result.State.String(),
		"quality", rating.String(),
		"rtt_ms", result.RTTMs,
		"uplink_kbps", result.Uplink.AvailableBandwidthKbps,
		"downlink_kbps", result.Downlink.AvailableBandwidthKbps,
	)
	p.events.Publish(domain.LastmileQuality{Quality: rating})
	p.events.Publish(domain.LastmileProbeResult{Result: result})
}

func (p *ProbeService) classify(cfg domain.ProbeConfig, m domain.ProbeMeasurement, err error, timedOut bool) (domain.ProbeResult, bool) {
	result := domain.ProbeResult{Finished: p.clock.Now()}

	switch {
	case errors.Is(err, domain.ErrNetworkUnreachable):
		result.State = domain.ProbeUnavailable
		return result, true
	case err != nil && !(timedOut && m.Partial):
		// a timed out run without partial data has nothing to report
		return result, false
	case m.Partial:
		result.State = domain.ProbeIncompleteNoBWE
	default:
		result.State = domain.ProbeComplete
	}

	result.RTTMs = int(m.RTT / time.Millisecond)
	if cfg.ProbeUplink {
		result.Uplink = m.Uplink
	}
	if cfg.ProbeDownlink {
		result.Downlink = m.Downlink
	}
	if result.State == domain.ProbeIncompleteNoBWE {
		result.Uplink.AvailableBandwidthKbps, result.Uplink.BandwidthValid = 0, false
		result.Downlink.AvailableBandwidthKbps, result.Downlink.BandwidthValid = 0, false
	}
	return result, true
}
