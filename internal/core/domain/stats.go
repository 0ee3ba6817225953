package domain

import "time"

// StreamCounters are cumulative transport counters for one stream as reported
// by the transport. Rates are derived by the telemetry aggregator.
type StreamCounters struct {
	Bytes          uint64
	Packets        uint64
	PacketsLost    uint64
	Frames         uint64
	TargetFPS      int
	RTT            time.Duration
	Jitter         time.Duration
	BandwidthKbps  int
	BandwidthValid bool
}

// TransportSnapshot is what a stats source returns on each collection.
type TransportSnapshot struct {
	Collected time.Time
	Local     map[MediaKind]StreamCounters
	Remote    map[StreamKey]StreamCounters
	// Link level estimates used for quality indications.
	UplinkRTT  time.Duration
	Downlink   NetworkSample
	Uplink     NetworkSample
	CPUPercent float64
}

type RtcStats struct {
	Duration         time.Duration
	TxBytes          uint64
	RxBytes          uint64
	TxAudioBytes     uint64
	TxVideoBytes     uint64
	RxAudioBytes     uint64
	RxVideoBytes     uint64
	TxKBitRate       int
	RxKBitRate       int
	TxPacketLossRate float64
	RxPacketLossRate float64
	LastmileDelay    time.Duration
	UserCount        int
	CPUPercent       float64
}

type LocalVideoStats struct {
	SentBitrateKbps int
	SentFrameRate   int
	TargetFrameRate int
	TotalBytes      uint64
	PacketLossRate  float64
	FallbackLevel   FallbackLevel
	PublishDuration time.Duration
}

type LocalAudioStats struct {
	SentBitrateKbps int
	TotalBytes      uint64
	PacketLossRate  float64
	PublishDuration time.Duration
}

type RemoteVideoStats struct {
	UID                 UID
	Delay               time.Duration
	ReceivedBitrateKbps int
	DecoderOutputFPS    int
	PacketLossRate      float64
	TotalBytes          uint64
	FreezeCount         int
	TotalFrozenTime     time.Duration
	FrozenRate          float64
	TotalActiveTime     time.Duration
	PublishDuration     time.Duration
	FallbackLevel       FallbackLevel
}

type RemoteAudioStats struct {
	UID                 UID
	Quality             QualityRating
	NetworkDelay        time.Duration
	Jitter              time.Duration
	AudioLossRate       float64
	ReceivedBitrateKbps int
	TotalBytes          uint64
	FreezeCount         int
	TotalFrozenTime     time.Duration
	FrozenRate          float64
	TotalActiveTime     time.Duration
	PublishDuration     time.Duration
}

// QualityStats is an immutable snapshot produced by the telemetry aggregator.
// Consumers must not mutate the maps.
type QualityStats struct {
	Sequence    uint64
	Taken       time.Time
	Session     RtcStats
	LocalVideo  LocalVideoStats
	LocalAudio  LocalAudioStats
	RemoteVideo map[UID]RemoteVideoStats
	RemoteAudio map[UID]RemoteAudioStats
	// Samples used by the fallback controller for this tick.
	Uplink   NetworkSample
	Downlink map[UID]NetworkSample
}
