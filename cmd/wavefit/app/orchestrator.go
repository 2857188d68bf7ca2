package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/klecknerlab/wavefit/internal/scope"
	"github.com/klecknerlab/wavefit/internal/sinefit"
	"github.com/klecknerlab/wavefit/internal/storage"
	"github.com/klecknerlab/wavefit/internal/waveform"
)

// Orchestrator drives the capture/fit pipeline: an acquisition worker
// produces waveforms under per-capture deadlines while fitting and harmonic
// analysis run on a separate goroutine, so a long fit never delays the next
// capture's deadline timers.
type Orchestrator struct {
	session   *scope.Session
	store     *storage.Store
	sessionID int64
	logger    *slog.Logger

	capture CaptureConfig
	fit     FitConfig

	wg sync.WaitGroup
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(session *scope.Session, store *storage.Store, sessionID int64, config *Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		session:   session,
		store:     store,
		sessionID: sessionID,
		logger:    logger,
		capture:   config.Capture,
		fit:       config.Fit,
	}
}

// Run captures waveforms until the configured count is reached or ctx is
// cancelled, fitting and storing each one. The first capture error aborts
// the run; cancellation is not an error.
func (o *Orchestrator) Run(ctx context.Context) error {
	waveforms := make(chan *waveform.Waveform, 1)

	var captureErr error
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(waveforms)
		captureErr = o.captureLoop(ctx, waveforms)
	}()

	for w := range waveforms {
		o.process(ctx, w)
	}

	o.wg.Wait()

	if captureErr != nil && !errors.Is(captureErr, context.Canceled) {
		return captureErr
	}
	return nil
}

func (o *Orchestrator) captureLoop(ctx context.Context, waveforms chan<- *waveform.Waveform) error {
	cfg := scope.Config{
		TimebaseScale: o.capture.TimebaseScale,
		RecordLength:  o.capture.RecordLength,
		VerticalScale: o.capture.VerticalScale,
	}

	for n := 0; o.capture.Count == 0 || n < o.capture.Count; n++ {
		if n > 0 && o.capture.IntervalSeconds > 0 {
			select {
			case <-time.After(o.capture.Interval()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		captureCtx, cancel := context.WithTimeout(ctx, o.capture.Deadline())
		w, err := o.session.Capture(captureCtx, o.capture.Channel, cfg)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("capturing waveform %d: %w", n+1, err)
		}

		o.logger.Info("waveform captured",
			slog.Int("n", n+1),
			slog.Int("samples", w.Len()),
			slog.String("duration", fmt.Sprintf("%gs", w.Duration())))

		select {
		case waveforms <- w:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// process fits one waveform, analyzes its harmonics and appends the tuple
// to the result log. Fit non-convergence is data, not a failure; degenerate
// input is logged and the bare waveform is still stored.
func (o *Orchestrator) process(ctx context.Context, w *waveform.Waveform) {
	var fitOptions []sinefit.Option
	if o.fit.MaxIterations > 0 {
		fitOptions = append(fitOptions, sinefit.WithMaxIterations(o.fit.MaxIterations))
	}
	if o.fit.Tolerance > 0 {
		fitOptions = append(fitOptions, sinefit.WithTolerance(o.fit.Tolerance))
	}

	fit, err := sinefit.Fit(ctx, w, fitOptions...)
	if err != nil {
		var derr *sinefit.DegenerateInputError
		if errors.As(err, &derr) {
			o.logger.Warn("fit skipped", slog.String("error", err.Error()))
			if _, err = o.store.StoreResult(ctx, o.sessionID, w, nil, nil); err != nil {
				o.logger.Error(err.Error())
			}
			return
		}

		o.logger.Error(err.Error())
		return
	}

	if !fit.Converged {
		o.logger.Warn("fit did not converge",
			slog.String("reason", fit.FailureReason),
			slog.Int("iterations", fit.Iterations))
	}

	var harmonicOptions []sinefit.HarmonicOption
	if o.fit.HannWindow {
		harmonicOptions = append(harmonicOptions, sinefit.WithHannWindow())
	}

	hs, err := sinefit.Harmonics(w, fit.Frequency, o.fit.MaxHarmonics, harmonicOptions...)
	if err != nil {
		o.logger.Warn("harmonic analysis skipped", slog.String("error", err.Error()))
		hs = nil
	}

	if _, err = o.store.StoreResult(ctx, o.sessionID, w, fit, hs); err != nil {
		o.logger.Error(err.Error())
		return
	}

	harmonicCount := 0
	if hs != nil {
		harmonicCount = len(hs.Components)
	}

	freq, freqSuffix := humanize.ComputeSI(fit.Frequency)
	amp, ampSuffix := humanize.ComputeSI(fit.Amplitude)
	o.logger.Info("waveform fitted",
		slog.String("frequency", fmt.Sprintf("%.4g %sHz", freq, freqSuffix)),
		slog.String("amplitude", fmt.Sprintf("%.4g %sV", amp, ampSuffix)),
		slog.String("phase", fmt.Sprintf("%.4f rad", fit.Phase)),
		slog.Bool("converged", fit.Converged),
		slog.Int("harmonics", harmonicCount))
}
