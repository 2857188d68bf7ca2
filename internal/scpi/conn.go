// Package scpi implements the command/response link to a measurement
// instrument over TCP: newline-terminated text queries and IEEE-488.2
// definite-length binary blocks for waveform transfer.
package scpi

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTimeout bounds every single command/response round trip.
	DefaultTimeout = 3 * time.Second

	// DefaultRetries is the number of additional attempts after a failed one.
	DefaultRetries = 2

	// DefaultBackoff is the delay before the first retry; it doubles on each
	// subsequent one.
	DefaultBackoff = 100 * time.Millisecond
)

// WithTimeout sets the per-operation I/O deadline.
func WithTimeout(timeout time.Duration) func(*Conn) {
	return func(c *Conn) {
		c.timeout = timeout
	}
}

// WithRetries sets the retry budget and the initial backoff delay for
// transient failures. A retries value of zero disables retrying.
func WithRetries(retries int, backoff time.Duration) func(*Conn) {
	return func(c *Conn) {
		c.retries = retries
		c.backoff = backoff
	}
}

// WithLogger sets the logger for the connection.
func WithLogger(logger *slog.Logger) func(*Conn) {
	return func(c *Conn) {
		c.logger = logger
	}
}

// Conn is a command/response channel to one instrument. It owns the
// underlying socket for its lifetime and is safe for use by one goroutine
// at a time; callers requiring concurrency must serialize externally.
type Conn struct {
	addr string
	conn net.Conn
	br   *bufio.Reader

	timeout time.Duration
	retries int
	backoff time.Duration
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to an instrument at host:port. It returns a *ConnectionError
// if the instrument is unreachable or refuses the connection, and a
// *TimeoutError if the handshake does not complete within the deadline.
func Dial(ctx context.Context, host string, port int, options ...func(*Conn)) (*Conn, error) {
	c := Conn{
		addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		timeout: DefaultTimeout,
		retries: DefaultRetries,
		backoff: DefaultBackoff,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&c)
	}

	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		if isTimeout(err) {
			return nil, &TimeoutError{Op: "connect", Attempts: 1, Err: err}
		}
		return nil, &ConnectionError{Addr: c.addr, Attempts: 1, Err: err}
	}

	c.conn = conn
	c.br = bufio.NewReader(conn)

	c.logger.Debug("instrument link established", slog.String("addr", c.addr))
	return &c, nil
}

// Addr returns the remote address of the link.
func (c *Conn) Addr() string { return c.addr }

// Send writes a command that produces no reply.
func (c *Conn) Send(ctx context.Context, cmd string) error {
	return c.withRetry(ctx, cmd, func() error {
		return c.write(ctx, cmd)
	})
}

// Query writes a command and reads one newline-terminated reply. A reply
// that cannot be parsed as a well-formed response is a *ProtocolError.
func (c *Conn) Query(ctx context.Context, cmd string) (reply string, err error) {
	err = c.withRetry(ctx, cmd, func() error {
		if err := c.write(ctx, cmd); err != nil {
			return err
		}

		line, err := c.br.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading reply: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return &ProtocolError{Op: cmd, Detail: "empty reply"}
		}

		reply = line
		return nil
	})
	return reply, err
}

// QueryBlock writes a command and reads a definite-length binary block:
// a '#' marker, one digit giving the number of length digits, that many
// digits encoding the payload length, then exactly that many payload bytes.
// A declared/received length mismatch is an *AcquisitionError and no
// partial payload is ever returned.
func (c *Conn) QueryBlock(ctx context.Context, cmd string) (payload []byte, err error) {
	err = c.withRetry(ctx, cmd, func() error {
		if err := c.write(ctx, cmd); err != nil {
			return err
		}

		block, err := readBlock(c.br)
		if err != nil {
			return err
		}

		// Discard the response terminator, if it has already arrived. Some
		// instruments end the block with "\r\n", so drain every buffered
		// terminator byte rather than just one.
		for c.br.Buffered() > 0 {
			b, err := c.br.ReadByte()
			if err != nil {
				break
			}
			if b != '\n' && b != '\r' {
				_ = c.br.UnreadByte()
				break
			}
		}

		payload = block
		return nil
	})
	return payload, err
}

// Close releases the socket. It is safe to call multiple times.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
		c.logger.Debug("instrument link closed", slog.String("addr", c.addr))
	})
	return c.closeErr
}

func (c *Conn) write(ctx context.Context, cmd string) error {
	if err := c.setDeadline(ctx); err != nil {
		return err
	}
	if _, err := c.conn.Write([]byte(cmd + "\n")); err != nil {
		return fmt.Errorf("writing command: %w", err)
	}
	return nil
}

// setDeadline arms the socket deadline for one round trip, honouring an
// earlier context deadline if one is set.
func (c *Conn) setDeadline(ctx context.Context) error {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return c.conn.SetDeadline(deadline)
}

// withRetry runs fn up to 1+retries times, backing off exponentially between
// attempts. Protocol and acquisition errors are surfaced immediately;
// exhausting the budget surfaces the last error as a *TimeoutError or
// *ConnectionError carrying the attempt count.
func (c *Conn) withRetry(ctx context.Context, op string, fn func() error) error {
	attempts := c.retries + 1

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if cErr := ctx.Err(); cErr != nil {
			return cErr
		}

		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}

		if attempt < attempts {
			delay := c.backoff << (attempt - 1)
			c.logger.Warn("instrument I/O failed, retrying",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", delay),
				slog.String("error", err.Error()))

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if isTimeout(err) {
		return &TimeoutError{Op: op, Attempts: attempts, Err: err}
	}
	return &ConnectionError{Addr: c.addr, Attempts: attempts, Err: err}
}

// readBlock parses one definite-length block from br. Framing violations
// before any payload is consumed are protocol errors; a shortfall against
// the declared payload length is an acquisition error.
func readBlock(br *bufio.Reader) ([]byte, error) {
	marker, err := br.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("reading block marker: %w", err)
	}
	if marker != '#' {
		return nil, &ProtocolError{Op: "block", Detail: fmt.Sprintf("expected marker '#', found %q", marker)}
	}

	digit, err := br.ReadByte()
	if err != nil {
		return nil, &AcquisitionError{Detail: fmt.Sprintf("reading length-of-length digit: %s", err)}
	}
	if digit < '1' || digit > '9' {
		return nil, &ProtocolError{Op: "block", Detail: fmt.Sprintf("invalid length-of-length digit %q", digit)}
	}

	lenDigits := make([]byte, digit-'0')
	if n, err := io.ReadFull(br, lenDigits); err != nil {
		return nil, &AcquisitionError{
			Detail:   "truncated block length",
			Declared: len(lenDigits),
			Received: n,
		}
	}

	length, err := strconv.Atoi(string(lenDigits))
	if err != nil {
		return nil, &ProtocolError{Op: "block", Detail: fmt.Sprintf("malformed block length %q", lenDigits)}
	}

	payload := make([]byte, length)
	if n, err := io.ReadFull(br, payload); err != nil {
		return nil, &AcquisitionError{
			Detail:   "truncated block payload",
			Declared: length,
			Received: n,
		}
	}

	return payload, nil
}
