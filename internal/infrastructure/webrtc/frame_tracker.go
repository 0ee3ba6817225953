package webrtc

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/deque"
	"github.com/pion/rtp"

	"rtcore/internal/core/domain"
	"rtcore/internal/core/ports"
)

const fpsWindow = time.Second

// FrameTracker turns the RTP packets of one remote stream into frame render
// events. A video frame ends on the marker bit; an audio frame is one RTP
// timestamp.
type FrameTracker struct {
	key   domain.StreamKey
	clock clock.Clock

	mu      sync.Mutex
	sink    ports.FrameSink
	started bool
	lastTS  uint32
	frames  uint64
	recent  deque.Deque[time.Time]
	rate    int
}

func NewFrameTracker(key domain.StreamKey, clk clock.Clock) *FrameTracker {
	return &FrameTracker{key: key, clock: clk}
}

func (f *FrameTracker) SetSink(sink ports.FrameSink) {
	f.mu.Lock()
	f.sink = sink
	f.mu.Unlock()
}

func (f *FrameTracker) Push(pkt *rtp.Packet) {
	now := f.clock.Now()

	f.mu.Lock()
	var complete bool
	if f.key.Kind == domain.MediaVideo {
		complete = pkt.Marker
	} else {
		complete = !f.started || pkt.Timestamp != f.lastTS
	}
	f.started = true
	f.lastTS = pkt.Timestamp
	if !complete {
		f.mu.Unlock()
		return
	}

	f.frames++
	f.recent.PushBack(now)
	f.trimLocked(now)
	f.rate = f.recent.Len()
	sink := f.sink
	f.mu.Unlock()

	if sink != nil {
		sink.OnFrameRendered(f.key, now)
	}
}

func (f *FrameTracker) Frames() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

func (f *FrameTracker) trimLocked(now time.Time) {
	for f.recent.Len() > 0 && now.Sub(f.recent.Front()) >= fpsWindow {
		f.recent.PopFront()
	}
}

// TargetFPS is the frame rate measured when the last frame completed. It does
// not decay while the stream stalls.
func (f *FrameTracker) TargetFPS() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rate
}
