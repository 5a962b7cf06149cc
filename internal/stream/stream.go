// Package stream delivers one conversation's events, in order, to a
// single consumer.
//
// The producer calls [Stream.Emit]; each call blocks until the consumer
// takes the event or detaches. Sequence numbers start at 1 and increase
// by one per event. Exactly one terminal event ([Done] or [Error]) ends
// the stream, after which the events channel is closed.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDetached is returned by Emit after the consumer went away.
var ErrDetached = errors.New("stream consumer detached")

// ErrFinished is returned by Emit after a terminal event was sent.
var ErrFinished = errors.New("stream already finished")

// Event is one delivered occurrence.
type Event struct {
	Seq  uint64
	At   time.Time
	Body Body
}

// Type returns the variant name of the body.
func (e Event) Type() Type {
	return e.Body.Type()
}

// MarshalJSON renders the event as {"seq", "type", "at", "data"}.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Seq  uint64    `json:"seq"`
		Type Type      `json:"type"`
		At   time.Time `json:"at"`
		Data Body      `json:"data"`
	}{e.Seq, e.Body.Type(), e.At, e.Body})
}

// Stream is a single-producer, single-consumer ordered event channel.
type Stream struct {
	ch chan Event

	// mu serializes Emit so events enter ch in sequence order. Seq and
	// Finished read the atomics and never wait on a blocked send.
	mu       sync.Mutex
	seq      atomic.Uint64
	finished atomic.Bool

	gone       chan struct{}
	detachOnce sync.Once
}

// New creates a stream. buffer is how many events may be queued before
// Emit waits for the consumer.
func New(buffer int) *Stream {
	if buffer < 0 {
		buffer = 0
	}
	return &Stream{
		ch:   make(chan Event, buffer),
		gone: make(chan struct{}),
	}
}

// Emit delivers b as the next event.
func (s *Stream) Emit(b Body) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished.Load() {
		return ErrFinished
	}
	select {
	case <-s.gone:
		return ErrDetached
	default:
	}

	next := s.seq.Load() + 1
	evt := Event{Seq: next, At: time.Now(), Body: b}
	select {
	case s.ch <- evt:
	case <-s.gone:
		return ErrDetached
	}
	s.seq.Store(next)

	if terminal(b) {
		s.finished.Store(true)
		close(s.ch)
	}
	return nil
}

// Events returns the channel the consumer reads from. It is closed after
// the terminal event.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Detach tells the producer the consumer is gone. Safe to call more than
// once and from any goroutine.
func (s *Stream) Detach() {
	s.detachOnce.Do(func() { close(s.gone) })
}

// Detached is closed once the consumer detaches.
func (s *Stream) Detached() <-chan struct{} {
	return s.gone
}

// Err reports ErrDetached after the consumer detached, else nil.
func (s *Stream) Err() error {
	select {
	case <-s.gone:
		return ErrDetached
	default:
		return nil
	}
}

// Finished reports whether a terminal event was delivered.
func (s *Stream) Finished() bool {
	return s.finished.Load()
}

// Seq returns the sequence number of the last delivered event.
func (s *Stream) Seq() uint64 {
	return s.seq.Load()
}

// Consume reads events until the terminal one, handing each to h. It
// stops early, detaching the stream, when ctx ends or h fails.
func Consume(ctx context.Context, s *Stream, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			s.Detach()
			return ctx.Err()
		case evt, ok := <-s.Events():
			if !ok {
				return nil
			}
			if err := Dispatch(evt, h); err != nil {
				s.Detach()
				return err
			}
		}
	}
}
