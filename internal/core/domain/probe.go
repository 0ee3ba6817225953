package domain

import (
	"fmt"
	"time"
)

const (
	MinProbeBitrateBps = 100_000
	MaxProbeBitrateBps = 5_000_000
)

type ProbeConfig struct {
	ProbeUplink                bool
	ProbeDownlink              bool
	ExpectedUplinkBitrateBps   int
	ExpectedDownlinkBitrateBps int
}

// Validate rejects configurations before any measurement starts.
func (c ProbeConfig) Validate() error {
	if !c.ProbeUplink && !c.ProbeDownlink {
		return fmt.Errorf("%w: at least one direction must be probed", ErrInvalidProbeConfig)
	}
	if c.ProbeUplink && !bitrateInRange(c.ExpectedUplinkBitrateBps) {
		return fmt.Errorf("%w: expected uplink bitrate %d outside [%d,%d]",
			ErrInvalidProbeConfig, c.ExpectedUplinkBitrateBps, MinProbeBitrateBps, MaxProbeBitrateBps)
	}
	if c.ProbeDownlink && !bitrateInRange(c.ExpectedDownlinkBitrateBps) {
		return fmt.Errorf("%w: expected downlink bitrate %d outside [%d,%d]",
			ErrInvalidProbeConfig, c.ExpectedDownlinkBitrateBps, MinProbeBitrateBps, MaxProbeBitrateBps)
	}
	return nil
}

func bitrateInRange(bps int) bool {
	return bps >= MinProbeBitrateBps && bps <= MaxProbeBitrateBps
}

type ProbeState int

const (
	ProbeComplete ProbeState = iota + 1
	ProbeIncompleteNoBWE
	ProbeUnavailable
)

func (s ProbeState) String() string {
	switch s {
	case ProbeComplete:
		return "complete"
	case ProbeIncompleteNoBWE:
		return "incomplete_no_bwe"
	case ProbeUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ProbeOneWayResult describes one direction of the path. Bandwidth is only
// meaningful when BandwidthValid is set.
type ProbeOneWayResult struct {
	PacketLossRate         float64 // 0..1
	JitterMs               int
	AvailableBandwidthKbps int
	BandwidthValid         bool
}

// ProbeResult is an immutable snapshot of one probe run.
type ProbeResult struct {
	State    ProbeState
	Uplink   ProbeOneWayResult
	Downlink ProbeOneWayResult
	RTTMs    int
	Finished time.Time
}

// ProbeMeasurement is what a probe transport reports back. Partial marks a
// measurement that ran out of time before bandwidth estimation converged.
type ProbeMeasurement struct {
	Uplink   ProbeOneWayResult
	Downlink ProbeOneWayResult
	RTT      time.Duration
	Partial  bool
}
