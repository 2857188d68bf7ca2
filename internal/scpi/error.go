package scpi

import (
	"errors"
	"fmt"
	"net"
	"os"
)

// ConnectionError indicates the link to the instrument could not be
// established or maintained. It is fatal for the operation that produced it.
type ConnectionError struct {
	Addr     string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("connection to %s failed after %d attempts: %s", e.Addr, e.Attempts, e.Err)
	}
	return fmt.Sprintf("connection to %s failed: %s", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError indicates no response arrived within the configured deadline.
type TimeoutError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TimeoutError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s timed out after %d attempts: %s", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s timed out: %s", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ProtocolError indicates a reply that cannot be parsed as a well-formed
// response. It is never retried: it means the instrument is unsupported or
// misbehaving.
type ProtocolError struct {
	Op     string
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: protocol error: %s", e.Op, e.Detail)
}

// AcquisitionError indicates a truncated or corrupt waveform block. The
// declared and received payload sizes are recorded for diagnostics.
type AcquisitionError struct {
	Detail   string
	Declared int
	Received int
}

func (e *AcquisitionError) Error() string {
	if e.Declared != e.Received {
		return fmt.Sprintf("acquisition error: %s (declared %d bytes, received %d)", e.Detail, e.Declared, e.Received)
	}
	return fmt.Sprintf("acquisition error: %s", e.Detail)
}

// isTimeout reports whether err is a deadline expiry rather than a broken link.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// retryable reports whether an operation may be repeated after err. Malformed
// responses and corrupt blocks are surfaced immediately; socket-level
// failures and timeouts are worth another attempt.
func retryable(err error) bool {
	var perr *ProtocolError
	var aerr *AcquisitionError
	return !errors.As(err, &perr) && !errors.As(err, &aerr)
}
