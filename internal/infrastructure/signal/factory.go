package signal

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"rtcore/internal/core/domain"
	"rtcore/internal/core/ports"
)

// Factory builds websocket transports for each session of an engine.
type Factory struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.SugaredLogger

	// NewMedia, when set, attaches a media pipeline to every signaling
	// transport; its stats then replace the service reported counters.
	NewMedia func() (MediaNegotiator, error)
}

func NewFactory(cfg Config, clk clock.Clock, log *zap.SugaredLogger) *Factory {
	return &Factory{cfg: cfg, clock: clk, logger: log}
}

func (f *Factory) NewSignaling() (ports.SignalingTransport, error) {
	var media MediaNegotiator
	if f.NewMedia != nil {
		m, err := f.NewMedia()
		if err != nil {
			return nil, err
		}
		media = m
	}
	return NewTransport(f.cfg, media, f.clock, f.logger), nil
}

func (f *Factory) NewRelay() (ports.RelayTransport, error) {
	return NewRelayTransport(f.cfg, f.logger), nil
}

// NewStatsSource prefers the media pipeline's own statistics.
func (f *Factory) NewStatsSource(sig ports.SignalingTransport) ports.StatsSource {
	t, ok := sig.(*Transport)
	if !ok {
		return noStats{}
	}
	if src, ok := t.media.(ports.StatsSource); ok {
		return src
	}
	return t
}

// NewProbe returns the lastmile probe transport for the engine.
func (f *Factory) NewProbe() ports.ProbeTransport {
	return NewProbeTransport(f.cfg, f.logger)
}

type noStats struct{}

func (noStats) Collect(context.Context) (domain.TransportSnapshot, error) {
	return domain.TransportSnapshot{}, ErrConnectionClosed
}

var _ ports.TransportFactory = (*Factory)(nil)
