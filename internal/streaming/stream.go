// Package streaming folds canonical stream events into responses and
// provides the stream plumbing shared by adapters and the orchestrator.
package streaming

import (
	"errors"
	"io"
	"maps"
	"sync"

	"monollm/internal/core"
)

// ErrStreamClosed is returned by Recv after Close.
var ErrStreamClosed = errors.New("stream closed")

// DecodeFunc reads the next vendor record and converts it into zero or more
// canonical events. It returns io.EOF when the vendor stream has ended.
type DecodeFunc func() ([]core.StreamEvent, error)

// BodyStream adapts a vendor response body to core.Stream.
type BodyStream struct {
	body    io.Closer
	decode  DecodeFunc
	pending []core.StreamEvent
	done    bool

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewBodyStream creates a stream that pulls events through decode and
// releases body on Close.
func NewBodyStream(body io.Closer, decode DecodeFunc) *BodyStream {
	return &BodyStream{body: body, decode: decode, closed: make(chan struct{})}
}

// Recv returns the next event, reading from the body only when no decoded
// events are pending.
func (s *BodyStream) Recv() (core.StreamEvent, error) {
	for {
		select {
		case <-s.closed:
			return core.StreamEvent{}, ErrStreamClosed
		default:
		}
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return core.StreamEvent{}, io.EOF
		}
		events, err := s.decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.done = true
				s.pending = append(s.pending, events...)
				continue
			}
			return core.StreamEvent{}, err
		}
		s.pending = append(s.pending, events...)
	}
}

// Close releases the body. Safe to call more than once and concurrently with Recv.
func (s *BodyStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.body != nil {
			s.closeErr = s.body.Close()
		}
	})
	return s.closeErr
}

// sliceStream replays a fixed event sequence.
type sliceStream struct {
	events []core.StreamEvent
	pos    int
	closed bool
}

// FromEvents returns a stream replaying a copy of events.
func FromEvents(events []core.StreamEvent) core.Stream {
	cp := make([]core.StreamEvent, len(events))
	for i, ev := range events {
		ev.Metadata = maps.Clone(ev.Metadata)
		cp[i] = ev
	}
	return &sliceStream{events: cp}
}

func (s *sliceStream) Recv() (core.StreamEvent, error) {
	if s.closed {
		return core.StreamEvent{}, ErrStreamClosed
	}
	if s.pos >= len(s.events) {
		return core.StreamEvent{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

// guard enforces the stream contract on top of an adapter stream.
type guard struct {
	inner     core.Stream
	terminal  bool
	closeOnce sync.Once
	closeErr  error
	mu        sync.Mutex
	closed    bool
}

// Guard wraps s so that exactly one terminal event is delivered, nothing
// follows it, and the underlying stream is closed exactly once. A vendor
// stream that ends cleanly without a terminal event gets a synthetic one.
// Reaching the terminal event closes the underlying stream.
func Guard(s core.Stream) core.Stream {
	if g, ok := s.(*guard); ok {
		return g
	}
	return &guard{inner: s}
}

func (g *guard) Recv() (core.StreamEvent, error) {
	g.mu.Lock()
	closed, terminal := g.closed, g.terminal
	g.mu.Unlock()
	if terminal {
		return core.StreamEvent{}, io.EOF
	}
	if closed {
		return core.StreamEvent{}, ErrStreamClosed
	}

	ev, err := g.inner.Recv()
	if errors.Is(err, io.EOF) {
		ev, err = core.StreamEvent{IsTerminal: true}, nil
	}
	if err != nil {
		return core.StreamEvent{}, err
	}
	if ev.IsTerminal {
		g.mu.Lock()
		g.terminal = true
		g.mu.Unlock()
		_ = g.Close()
	}
	return ev, nil
}

func (g *guard) Close() error {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		g.closed = true
		g.mu.Unlock()
		g.closeErr = g.inner.Close()
	})
	return g.closeErr
}
