package sinefit

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/klecknerlab/wavefit/internal/waveform"
)

// synth builds a waveform sampling amp*sin(2*pi*freq*t + phase) + dc.
func synth(t *testing.T, n int, dt, freq, amp, phase, dc float64) *waveform.Waveform {
	t.Helper()

	samples := make([]float64, n)
	for i := range samples {
		samples[i] = amp*math.Sin(2*math.Pi*freq*float64(i)*dt+phase) + dc
	}

	w, err := waveform.New(samples, waveform.Meta{SampleInterval: dt})
	if err != nil {
		t.Fatalf("building waveform: %v", err)
	}
	return w
}

func TestFit_RoundTrip(t *testing.T) {
	const (
		freq  = 1000.0
		amp   = 2.0
		phase = 0.3
		dc    = 0.5
		dt    = 1e-5 // 100 kS/s
		n     = 4096
	)

	w := synth(t, n, dt, freq, amp, phase, dc)

	r, err := Fit(context.Background(), w)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	if !r.Converged {
		t.Fatalf("Expected convergence, got failure %q after %d iterations", r.FailureReason, r.Iterations)
	}
	if rel := math.Abs(r.Frequency-freq) / freq; rel > 1e-3 {
		t.Errorf("Frequency off by %.2g relative: got %g Hz", rel, r.Frequency)
	}
	if rel := math.Abs(r.Amplitude-amp) / amp; rel > 1e-2 {
		t.Errorf("Amplitude off by %.2g relative: got %g", rel, r.Amplitude)
	}
	if d := math.Abs(r.Phase - phase); d > 0.01 {
		t.Errorf("Phase off by %g rad: got %g", d, r.Phase)
	}
	if d := math.Abs(r.DCOffset - dc); d > 0.01 {
		t.Errorf("DC offset off by %g: got %g", d, r.DCOffset)
	}
	if r.ResidualRMS > 1e-6*amp {
		t.Errorf("Expected near-zero residual on noiseless input, got RMS %g", r.ResidualRMS)
	}
}

func TestFit_RoundTripNoisy(t *testing.T) {
	const (
		freq  = 1000.0
		amp   = 2.0
		phase = 0.3
		dt    = 1e-5
		n     = 4096
		sigma = 0.05
	)

	rng := rand.New(rand.NewSource(42))
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = amp*math.Sin(2*math.Pi*freq*float64(i)*dt+phase) + sigma*rng.NormFloat64()
	}

	w, err := waveform.New(samples, waveform.Meta{SampleInterval: dt})
	if err != nil {
		t.Fatalf("building waveform: %v", err)
	}

	r, err := Fit(context.Background(), w)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	if !r.Converged {
		t.Fatalf("Expected convergence, got failure %q", r.FailureReason)
	}
	if rel := math.Abs(r.Frequency-freq) / freq; rel > 1e-3 {
		t.Errorf("Frequency off by %.2g relative: got %g Hz", rel, r.Frequency)
	}
	if rel := math.Abs(r.Amplitude-amp) / amp; rel > 1e-2 {
		t.Errorf("Amplitude off by %.2g relative: got %g", rel, r.Amplitude)
	}
	if d := math.Abs(r.Phase - phase); d > 0.02 {
		t.Errorf("Phase off by %g rad: got %g", d, r.Phase)
	}
}

func TestFit_Deterministic(t *testing.T) {
	w := synth(t, 2048, 1e-5, 1234, 1.5, -0.7, 0.1)

	guess := Guess{Frequency: 1200, Amplitude: 1.4, Phase: -0.5, DCOffset: 0}

	first, err := Fit(context.Background(), w, WithInitialGuess(guess))
	if err != nil {
		t.Fatalf("First fit failed: %v", err)
	}
	second, err := Fit(context.Background(), w, WithInitialGuess(guess))
	if err != nil {
		t.Fatalf("Second fit failed: %v", err)
	}

	if *first != *second {
		t.Errorf("Expected bit-identical results, got %+v and %+v", first, second)
	}
}

func TestFit_DegenerateInput(t *testing.T) {
	tests := []struct {
		name    string
		samples []float64
	}{
		{name: "constant", samples: []float64{3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3}},
		{name: "too few samples", samples: []float64{0, 1, 0, -1, 0, 1, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := waveform.New(tt.samples, waveform.Meta{SampleInterval: 1e-6})
			if err != nil {
				t.Fatalf("building waveform: %v", err)
			}

			_, err = Fit(context.Background(), w)

			var degenerate *DegenerateInputError
			if !errors.As(err, &degenerate) {
				t.Errorf("Expected DegenerateInputError, got %v", err)
			}
		})
	}
}

func TestFit_Cancelled(t *testing.T) {
	w := synth(t, 1024, 1e-5, 1000, 1, 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := Fit(ctx, w); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestFit_MaxIterationsReported(t *testing.T) {
	w := synth(t, 2048, 1e-5, 1000, 2, 0.3, 0)

	// A single iteration from a deliberately poor start cannot converge.
	r, err := Fit(context.Background(), w,
		WithMaxIterations(1),
		WithTolerance(0),
		WithInitialGuess(Guess{Frequency: 1300, Amplitude: 1, Phase: 2, DCOffset: 1}))
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	if r.Converged {
		t.Error("Expected non-convergence after one iteration")
	}
	if r.FailureReason != FailureMaxIterations {
		t.Errorf("Expected failure reason %q, got %q", FailureMaxIterations, r.FailureReason)
	}
	if r.Iterations != 1 {
		t.Errorf("Expected 1 iteration, got %d", r.Iterations)
	}
}

func TestCanonicalize(t *testing.T) {
	const nyquist = 50_000.0

	t.Run("negative amplitude", func(t *testing.T) {
		r := Result{Frequency: 1000, Amplitude: -2, Phase: 0.3, Converged: true}
		canonicalize(&r, nyquist)

		if r.Amplitude != 2 {
			t.Errorf("Expected amplitude 2, got %g", r.Amplitude)
		}
		if d := math.Abs(r.Phase - (0.3 - math.Pi)); d > 1e-12 {
			t.Errorf("Expected phase %g, got %g", 0.3-math.Pi, r.Phase)
		}
		if !r.Converged {
			t.Error("Canonicalization must not affect convergence")
		}
	})

	t.Run("negative frequency", func(t *testing.T) {
		r := Result{Frequency: -1000, Amplitude: 1, Phase: 0.4, Converged: true}
		canonicalize(&r, nyquist)

		if r.Frequency != 1000 {
			t.Errorf("Expected frequency 1000, got %g", r.Frequency)
		}
		if d := math.Abs(r.Phase - (-0.4)); d > 1e-12 {
			t.Errorf("Expected phase -0.4, got %g", r.Phase)
		}
	})

	t.Run("frequency above Nyquist", func(t *testing.T) {
		r := Result{Frequency: 80_000, Amplitude: 1, Converged: true}
		canonicalize(&r, nyquist)

		if r.Frequency > nyquist {
			t.Errorf("Expected frequency clamped below Nyquist, got %g", r.Frequency)
		}
		if r.Converged {
			t.Error("Expected clamped fit flagged non-converged")
		}
		if r.FailureReason != FailureFrequencyBound {
			t.Errorf("Expected failure reason %q, got %q", FailureFrequencyBound, r.FailureReason)
		}
	})
}

func TestNormalizePhase(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0, 0},
		{math.Pi, math.Pi},
		{-math.Pi, math.Pi},
		{2.5 * math.Pi, 0.5 * math.Pi},
		{-2.5 * math.Pi, -0.5 * math.Pi},
	}

	for _, tt := range tests {
		if got := normalizePhase(tt.in); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("normalizePhase(%g): expected %g, got %g", tt.in, tt.want, got)
		}
	}
}

func TestInitialGuess(t *testing.T) {
	const (
		freq = 1000.0
		amp  = 2.0
		dc   = 0.5
		dt   = 1e-5
		n    = 4096
	)

	w := synth(t, n, dt, freq, amp, 0.3, dc)
	g := InitialGuess(w)

	// The spectral estimate is only bin-accurate: one bin is fs/n Hz wide.
	binWidth := 1 / (float64(n) * dt)
	if math.Abs(g.Frequency-freq) > binWidth {
		t.Errorf("Frequency guess %g Hz more than one bin from %g Hz", g.Frequency, freq)
	}
	if rel := math.Abs(g.Amplitude-amp) / amp; rel > 0.05 {
		t.Errorf("Amplitude guess off by %.2g relative: got %g", rel, g.Amplitude)
	}
	if math.Abs(g.DCOffset-dc) > 0.01 {
		t.Errorf("DC offset guess: expected about %g, got %g", dc, g.DCOffset)
	}
}

func TestCrossingGuess(t *testing.T) {
	const (
		freq = 1000.0
		dt   = 1e-5
		n    = 1000 // 10 full periods
	)

	centered := make([]float64, n)
	for i := range centered {
		centered[i] = math.Sin(2 * math.Pi * freq * float64(i) * dt)
	}

	got, _ := crossingGuess(centered, dt, 0)
	if rel := math.Abs(got-freq) / freq; rel > 0.01 {
		t.Errorf("Frequency off by %.2g relative: got %g Hz", rel, got)
	}
}
