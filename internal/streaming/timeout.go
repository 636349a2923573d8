package streaming

import (
	"fmt"
	"sync"
	"time"

	"monollm/internal/core"
)

type recvResult struct {
	ev  core.StreamEvent
	err error
}

// readTimeoutStream bounds every Recv by an idle timeout.
type readTimeoutStream struct {
	inner    core.Stream
	timeout  time.Duration
	provider string

	mu      sync.Mutex
	expired error
}

// WithReadTimeout bounds each Recv on s by d. When d elapses with no event the
// underlying stream is closed and Recv returns a read-phase connection error.
// A non-positive d returns s unchanged.
func WithReadTimeout(s core.Stream, d time.Duration, provider string) core.Stream {
	if d <= 0 {
		return s
	}
	return &readTimeoutStream{inner: s, timeout: d, provider: provider}
}

func (s *readTimeoutStream) Recv() (core.StreamEvent, error) {
	s.mu.Lock()
	expired := s.expired
	s.mu.Unlock()
	if expired != nil {
		return core.StreamEvent{}, expired
	}

	ch := make(chan recvResult, 1)
	go func() {
		ev, err := s.inner.Recv()
		ch <- recvResult{ev: ev, err: err}
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.ev, r.err
	case <-timer.C:
		err := core.NewConnectionError(s.provider, core.PhaseRead,
			fmt.Sprintf("no stream data received within %s", s.timeout), nil)
		s.mu.Lock()
		s.expired = err
		s.mu.Unlock()
		_ = s.inner.Close()
		return core.StreamEvent{}, err
	}
}

func (s *readTimeoutStream) Close() error {
	return s.inner.Close()
}
