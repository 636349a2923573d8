package httpclient

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"monollm/internal/core"
)

// TimeoutError marks a timeout with the phase in which it fired.
type TimeoutError struct {
	Phase string
	Err   error
}

func (e *TimeoutError) Error() string {
	return e.Phase + " timeout: " + e.Err.Error()
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Timeout reports true so net.Error checks keep working.
func (e *TimeoutError) Timeout() bool { return true }

// deadlineConn arms a fresh deadline before every read and write.
type deadlineConn struct {
	net.Conn
	read  time.Duration
	write time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.read > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.read))
	}
	n, err := c.Conn.Read(b)
	if err != nil && isTimeout(err) {
		return n, &TimeoutError{Phase: core.PhaseRead, Err: err}
	}
	return n, err
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.write > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.write))
	}
	n, err := c.Conn.Write(b)
	if err != nil && isTimeout(err) {
		return n, &TimeoutError{Phase: core.PhaseWrite, Err: err}
	}
	return n, err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// TimeoutPhase reports which phase a transport timeout fired in. It returns
// false for errors that are not timeouts, including caller context expiry.
func TimeoutPhase(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return te.Phase, true
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "TLS handshake timeout"):
		return core.PhaseConnect, true
	case strings.Contains(msg, "timeout awaiting response headers"):
		return core.PhaseRead, true
	}

	var oe *net.OpError
	if errors.As(err, &oe) && oe.Timeout() {
		switch oe.Op {
		case "dial":
			return core.PhaseConnect, true
		case "write":
			return core.PhaseWrite, true
		default:
			return core.PhaseRead, true
		}
	}
	// net/http timeouts also match context.DeadlineExceeded, so bare context
	// expiry is only ruled out once the transport messages are checked.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "", false
	}
	if isTimeout(err) {
		return core.PhaseRead, true
	}
	return "", false
}

// ClassifyError converts a transport failure into a canonical connection
// error tagged with the timed-out phase, if any.
func ClassifyError(provider string, err error) *core.Error {
	if e, ok := core.AsError(err); ok {
		return e
	}
	phase, timedOut := TimeoutPhase(err)
	msg := "failed to reach provider: " + err.Error()
	if timedOut {
		msg = phase + " timeout while calling provider"
	}
	return core.NewConnectionError(provider, phase, msg, err)
}
