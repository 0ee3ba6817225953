package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"rtcore/internal/core/domain"
	"rtcore/internal/core/ports"
)

// ProbeTransport runs a lastmile probe on a short lived link. The service
// streams probe_progress notifications; the last one is returned as a partial
// measurement when ctx ends first.
type ProbeTransport struct {
	cfg    Config
	logger *zap.SugaredLogger
}

func NewProbeTransport(cfg Config, log *zap.SugaredLogger) *ProbeTransport {
	return &ProbeTransport{
		cfg:    cfg,
		logger: log.With("component", "probe_link"),
	}
}

func (p *ProbeTransport) Probe(ctx context.Context, cfg domain.ProbeConfig) (domain.ProbeMeasurement, error) {
	var (
		mu       sync.Mutex
		progress *probeResponse
	)
	onNotify := func(msg *Message) {
		if msg.Type != msgProbeProgress {
			return
		}
		var r probeResponse
		if err := json.Unmarshal(msg.Payload, &r); err != nil {
			p.logger.Debugw("invalid probe progress", "error", err)
			return
		}
		mu.Lock()
		progress = &r
		mu.Unlock()
	}

	c, err := dial(ctx, p.cfg, "probe", onNotify, nil, p.logger)
	if err != nil {
		return domain.ProbeMeasurement{}, err
	}
	defer c.Close()

	req := probeRequest{
		Uplink:      cfg.ProbeUplink,
		Downlink:    cfg.ProbeDownlink,
		UplinkBps:   cfg.ExpectedUplinkBitrateBps,
		DownlinkBps: cfg.ExpectedDownlinkBitrateBps,
	}

	var resp probeResponse
	err = c.call(ctx, msgProbe, req, &resp, 0)
	if err == nil {
		return resp.toDomain(false), nil
	}
	if errors.Is(err, ErrConnectionClosed) {
		err = errors.Join(domain.ErrNetworkUnreachable, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if progress != nil {
		return progress.toDomain(true), err
	}
	return domain.ProbeMeasurement{}, err
}

var _ ports.ProbeTransport = (*ProbeTransport)(nil)
