package webrtc

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/rtcp"

	"rtcore/internal/core/domain"
)

const (
	ntpEpochOffset   = 2208988800 // seconds from 1900 to 1970
	defaultClockRate = 90000
)

type receptionState struct {
	fractionLost uint8
	jitter       uint32
	totalLost    uint32
}

// ReportTracker folds RTCP reception reports into a network sample.
type ReportTracker struct {
	clock clock.Clock

	mu         sync.Mutex
	clockRates map[uint32]uint32
	reports    map[uint32]receptionState
	rtt        time.Duration
	nacks      uint64
	plis       uint64
	updated    time.Time
}

func NewReportTracker(clk clock.Clock) *ReportTracker {
	return &ReportTracker{
		clock:      clk,
		clockRates: make(map[uint32]uint32),
		reports:    make(map[uint32]receptionState),
	}
}

// SetClockRate records the RTP clock rate of ssrc for jitter conversion.
func (r *ReportTracker) SetClockRate(ssrc, rate uint32) {
	r.mu.Lock()
	r.clockRates[ssrc] = rate
	r.mu.Unlock()
}

func (r *ReportTracker) Process(pkts []rtcp.Packet) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.ReceiverReport:
			r.addLocked(p.Reports, now)
		case *rtcp.SenderReport:
			r.addLocked(p.Reports, now)
		case *rtcp.TransportLayerNack:
			r.nacks += uint64(len(p.Nacks))
		case *rtcp.PictureLossIndication:
			r.plis++
		}
	}
}

func (r *ReportTracker) addLocked(reports []rtcp.ReceptionReport, now time.Time) {
	for _, rr := range reports {
		r.reports[rr.SSRC] = receptionState{
			fractionLost: rr.FractionLost,
			jitter:       rr.Jitter,
			totalLost:    rr.TotalLost,
		}
		if rr.LastSenderReport != 0 {
			if rtt, ok := rttFromReport(now, rr.LastSenderReport, rr.Delay); ok {
				r.rtt = rtt
			}
		}
		r.updated = now
	}
}

// Sample reports the worst loss and jitter across reported streams.
func (r *ReportTracker) Sample() (domain.NetworkSample, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.reports) == 0 {
		return domain.NetworkSample{}, false
	}
	s := domain.NetworkSample{Timestamp: r.updated, RTT: r.rtt}
	for ssrc, st := range r.reports {
		if loss := float64(st.fractionLost) / 256; loss > s.PacketLossRate {
			s.PacketLossRate = loss
		}
		rate := r.clockRates[ssrc]
		if rate == 0 {
			rate = defaultClockRate
		}
		if j := time.Duration(st.jitter) * time.Second / time.Duration(rate); j > s.Jitter {
			s.Jitter = j
		}
	}
	return s, true
}

// Feedback returns the NACK and PLI counts seen so far.
func (r *ReportTracker) Feedback() (nacks, plis uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nacks, r.plis
}

// ntpCompact returns the middle 32 bits of the NTP timestamp of t.
func ntpCompact(t time.Time) uint32 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return uint32(secs<<16) | uint32(frac>>16)
}

// rttFromReport computes the round trip time from the LSR and DLSR fields of
// a reception report arriving at now.
func rttFromReport(now time.Time, lsr, dlsr uint32) (time.Duration, bool) {
	d := ntpCompact(now) - lsr - dlsr
	if d >= 1<<31 {
		return 0, false
	}
	return time.Duration(d) * time.Second / 65536, true
}
