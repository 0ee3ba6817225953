package services

import (
	"sync"

	"github.com/gammazero/deque"

	"rtcore/internal/core/domain"
)

// EventTap observes every event delivered by a stream, in order, before the
// consumer sees it. Taps run on the pump goroutine and must not block.
type EventTap func(sessionID string, ev domain.Event)

// EventStream is an unbounded ordered event queue drained by one goroutine
// into an unbuffered channel. Publish never blocks the caller.
type EventStream struct {
	id   string
	taps []EventTap

	lock   sync.Mutex
	events deque.Deque[domain.Event]
	closed bool

	wake chan struct{}
	done chan struct{}
	out  chan domain.Event
}

func NewEventStream(id string, taps ...EventTap) *EventStream {
	s := &EventStream{
		id:   id,
		taps: taps,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan domain.Event),
	}
	s.events.SetMinCapacity(4)

	go s.pump()
	return s
}

// Events returns the receive side of the stream. It is closed after Close.
func (s *EventStream) Events() <-chan domain.Event {
	return s.out
}

func (s *EventStream) Publish(ev domain.Event) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return
	}
	s.events.PushBack(ev)
	if s.events.Len() == 1 {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Close drops undelivered events and stops the pump.
func (s *EventStream) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.events.Clear()
	close(s.done)
}

func (s *EventStream) pump() {
	defer close(s.out)

	for {
		select {
		case <-s.wake:
			for {
				s.lock.Lock()
				if s.closed || s.events.Len() == 0 {
					s.lock.Unlock()
					break
				}
				ev := s.events.PopFront()
				s.lock.Unlock()

				for _, tap := range s.taps {
					tap(s.id, ev)
				}

				select {
				case s.out <- ev:
				case <-s.done:
					return
				}
			}

		case <-s.done:
			return
		}
	}
}
