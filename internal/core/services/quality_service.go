package services

import (
	"time"

	"rtcore/internal/core/domain"
)

// qualityThreshold is the worst path a rating tolerates.
type qualityThreshold struct {
	PacketLoss    float64
	RTT           time.Duration
	Jitter        time.Duration
	BandwidthKbps int // checked only for samples with a valid estimate
}

// QualityService turns path samples into user facing quality ratings.
type QualityService struct {
	order      []domain.QualityRating
	thresholds map[domain.QualityRating]qualityThreshold
}

func NewQualityService() *QualityService {
	return &QualityService{
		order: []domain.QualityRating{
			domain.QualityExcellent,
			domain.QualityGood,
			domain.QualityPoor,
			domain.QualityBad,
		},
		thresholds: map[domain.QualityRating]qualityThreshold{
			domain.QualityExcellent: {
				PacketLoss:    0.01,
				RTT:           100 * time.Millisecond,
				Jitter:        30 * time.Millisecond,
				BandwidthKbps: 1000,
			},
			domain.QualityGood: {
				PacketLoss:    0.03,
				RTT:           200 * time.Millisecond,
				Jitter:        50 * time.Millisecond,
				BandwidthKbps: 500,
			},
			domain.QualityPoor: {
				PacketLoss:    0.08,
				RTT:           400 * time.Millisecond,
				Jitter:        100 * time.Millisecond,
				BandwidthKbps: 250,
			},
			domain.QualityBad: {
				PacketLoss:    0.2,
				RTT:           800 * time.Millisecond,
				Jitter:        200 * time.Millisecond,
				BandwidthKbps: 100,
			},
		},
	}
}

// Rate returns the best rating whose thresholds the sample meets. A sample
// without a timestamp has not been measured yet.
func (qs *QualityService) Rate(s domain.NetworkSample) domain.QualityRating {
	if s.Timestamp.IsZero() {
		return domain.QualityUnknown
	}
	if s.PacketLossRate >= 0.99 || (s.BandwidthValid && s.AvailableBandwidthKbps == 0) {
		return domain.QualityDown
	}
	for _, rating := range qs.order {
		if qs.meets(s, qs.thresholds[rating]) {
			return rating
		}
	}
	return domain.QualityVeryBad
}

// RateProbe rates the uplink of a probe result, falling back to the downlink
// when only that direction was measured.
func (qs *QualityService) RateProbe(cfg domain.ProbeConfig, r domain.ProbeResult) domain.QualityRating {
	if r.State == domain.ProbeUnavailable {
		return domain.QualityDown
	}
	dir := r.Uplink
	if !cfg.ProbeUplink {
		dir = r.Downlink
	}
	return qs.Rate(domain.NetworkSample{
		Timestamp:              r.Finished,
		PacketLossRate:         dir.PacketLossRate,
		RTT:                    time.Duration(r.RTTMs) * time.Millisecond,
		Jitter:                 time.Duration(dir.JitterMs) * time.Millisecond,
		AvailableBandwidthKbps: dir.AvailableBandwidthKbps,
		BandwidthValid:         dir.BandwidthValid,
	})
}

func (qs *QualityService) meets(s domain.NetworkSample, t qualityThreshold) bool {
	if s.BandwidthValid && s.AvailableBandwidthKbps < t.BandwidthKbps {
		return false
	}
	return s.PacketLossRate <= t.PacketLoss &&
		s.RTT <= t.RTT &&
		s.Jitter <= t.Jitter
}
