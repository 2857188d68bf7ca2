package scope

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/klecknerlab/wavefit/internal/scpi"
	"github.com/klecknerlab/wavefit/internal/waveform"
)

const (
	// DefaultAttempts is the number of times a whole capture sequence is
	// tried before the last error is surfaced.
	DefaultAttempts = 3

	// DefaultPollInterval is the delay between run-state polls while waiting
	// for a single-shot acquisition to complete.
	DefaultPollInterval = 100 * time.Millisecond
)

// WithLogger sets the logger for the session.
func WithLogger(logger *slog.Logger) func(*Session) {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithAttempts sets the whole-capture retry budget.
func WithAttempts(attempts int) func(*Session) {
	return func(s *Session) {
		s.attempts = attempts
	}
}

// WithPollInterval sets the delay between acquisition run-state polls.
func WithPollInterval(interval time.Duration) func(*Session) {
	return func(s *Session) {
		s.pollInterval = interval
	}
}

// Session owns the live connection to one instrument for its lifetime,
// along with the instrument's current channel/timebase configuration. At
// most one capture is in flight per session at a time; concurrent Capture
// calls are serialized.
type Session struct {
	link   Link
	driver Driver
	idn    string

	logger       *slog.Logger
	attempts     int
	pollInterval time.Duration

	mu         sync.Mutex
	channel    int
	cfg        Config
	configured bool

	closeOnce sync.Once
	closeErr  error
}

// Open identifies the instrument on link with a *IDN? query, selects the
// matching dialect driver and performs its one-time setup. An instrument no
// driver recognises is a *scpi.ProtocolError.
func Open(ctx context.Context, link Link, drivers []Driver, options ...func(*Session)) (*Session, error) {
	idn, err := link.Query(ctx, "*IDN?")
	if err != nil {
		return nil, fmt.Errorf("identifying instrument: %w", err)
	}

	var driver Driver
	for _, d := range drivers {
		if d.Match(idn) {
			driver = d
			break
		}
	}
	if driver == nil {
		return nil, &scpi.ProtocolError{Op: "*IDN?", Detail: fmt.Sprintf("unsupported instrument %q", idn)}
	}

	s := Session{
		link:         link,
		driver:       driver,
		idn:          idn,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		attempts:     DefaultAttempts,
		pollInterval: DefaultPollInterval,
	}

	for _, option := range options {
		option(&s)
	}

	if err := driver.Setup(ctx, link); err != nil {
		return nil, fmt.Errorf("initializing %s driver: %w", driver.Family(), err)
	}

	s.logger.Info("instrument session opened",
		slog.String("family", driver.Family()),
		slog.String("idn", idn))
	return &s, nil
}

// Identity returns the instrument's identification reply.
func (s *Session) Identity() string { return s.idn }

// Family returns the selected driver's instrument family.
func (s *Session) Family() string { return s.driver.Family() }

// Capture produces one physical-unit waveform: it pushes the channel and
// timebase configuration (skipped when unchanged since the previous
// capture), arms a single-shot trigger, polls the run state until the
// acquisition stops or ctx expires, then fetches and decodes the curve.
//
// The whole sequence is retried as one unit on transient I/O failure up to
// the session's attempt budget; exhausting it surfaces the last error.
// Protocol errors and caller cancellation are surfaced immediately.
func (s *Session) Capture(ctx context.Context, channel int, cfg Config) (*waveform.Waveform, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if cErr := ctx.Err(); cErr != nil {
			return nil, cErr
		}

		var w *waveform.Waveform
		if w, err = s.captureOnce(ctx, channel, cfg); err == nil {
			return w, nil
		}

		// A failed attempt leaves the instrument state unknown, so the next
		// one repeats the full configure/arm/fetch sequence.
		s.configured = false

		var perr *scpi.ProtocolError
		if errors.As(err, &perr) || ctx.Err() != nil {
			return nil, err
		}

		if attempt < s.attempts {
			s.logger.Warn("capture failed, retrying",
				slog.Int("channel", channel),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
		}
	}

	return nil, fmt.Errorf("capture failed after %d attempts: %w", s.attempts, err)
}

func (s *Session) captureOnce(ctx context.Context, channel int, cfg Config) (*waveform.Waveform, error) {
	if !s.configured || s.channel != channel || s.cfg != cfg {
		if err := s.driver.Configure(ctx, s.link, channel, cfg); err != nil {
			return nil, fmt.Errorf("configuring channel %d: %w", channel, err)
		}
		s.channel, s.cfg, s.configured = channel, cfg, true
	}

	if err := s.driver.Arm(ctx, s.link); err != nil {
		return nil, fmt.Errorf("arming trigger: %w", err)
	}
	captured := time.Now().UTC()

	if err := s.waitStopped(ctx); err != nil {
		return nil, err
	}

	pre, err := s.driver.Preamble(ctx, s.link, channel)
	if err != nil {
		return nil, fmt.Errorf("fetching preamble: %w", err)
	}

	raw, err := s.driver.Curve(ctx, s.link, channel)
	if err != nil {
		return nil, fmt.Errorf("fetching curve: %w", err)
	}
	if len(raw) != pre.Points {
		return nil, &scpi.AcquisitionError{
			Detail:   "curve length does not match preamble",
			Declared: pre.Points,
			Received: len(raw),
		}
	}

	samples := waveform.Decode(raw, pre.Signed, pre.Scale, pre.Offset)

	return waveform.New(samples, waveform.Meta{
		SampleInterval: pre.SampleInterval,
		TriggerOffset:  pre.TriggerOffset,
		Channel:        channel,
		Captured:       captured,
		Scale:          pre.Scale,
		Offset:         pre.Offset,
	})
}

// waitStopped polls the acquisition run state until the instrument reports
// stopped or ctx expires. Deadline expiry is a *scpi.TimeoutError.
func (s *Session) waitStopped(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		stopped, err := s.driver.Stopped(ctx, s.link)
		if err != nil {
			return fmt.Errorf("polling run state: %w", err)
		}
		if stopped {
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &scpi.TimeoutError{Op: "acquisition poll", Attempts: 1, Err: ctx.Err()}
			}
			return ctx.Err()
		}
	}
}

// Close returns the instrument to continuous acquisition and releases the
// underlying link. It is safe to call multiple times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		if err := s.driver.Resume(ctx, s.link); err != nil {
			s.logger.Warn("failed to resume instrument on close", slog.String("error", err.Error()))
		}

		if closer, ok := s.link.(io.Closer); ok {
			s.closeErr = closer.Close()
		}
	})
	return s.closeErr
}
