package sinefit

import (
	"fmt"
	"math"

	"github.com/klecknerlab/wavefit/internal/waveform"
)

// Harmonic is the amplitude and phase recovered at one integer multiple of
// the fundamental frequency.
type Harmonic struct {
	Frequency float64
	Amplitude float64
	Phase     float64
}

// HarmonicSet holds the components recovered at k*f0 for contiguous k
// starting at 1 (the fundamental). No index exceeds the Nyquist bound.
type HarmonicSet struct {
	Fundamental float64

	// Components[i] is harmonic i+1.
	Components []Harmonic
}

// Amplitude returns the amplitude of harmonic k (1 = fundamental), or zero
// if k is out of range.
func (hs *HarmonicSet) Amplitude(k int) float64 {
	if k < 1 || k > len(hs.Components) {
		return 0
	}
	return hs.Components[k-1].Amplitude
}

// Frequency returns the frequency of harmonic k (1 = fundamental), or zero
// if k is out of range.
func (hs *HarmonicSet) Frequency(k int) float64 {
	if k < 1 || k > len(hs.Components) {
		return 0
	}
	return hs.Components[k-1].Frequency
}

// Phase returns the phase of harmonic k (1 = fundamental), or zero if k is
// out of range.
func (hs *HarmonicSet) Phase(k int) float64 {
	if k < 1 || k > len(hs.Components) {
		return 0
	}
	return hs.Components[k-1].Phase
}

// THD returns the total harmonic distortion: the RMS of all components
// above the fundamental relative to the fundamental amplitude.
func (hs *HarmonicSet) THD() float64 {
	if len(hs.Components) < 2 || hs.Components[0].Amplitude == 0 {
		return 0
	}

	var sum float64
	for _, h := range hs.Components[1:] {
		sum += h.Amplitude * h.Amplitude
	}
	return math.Sqrt(sum) / hs.Components[0].Amplitude
}

// HarmonicOption configures the analyzer.
type HarmonicOption func(*analyzer)

// WithHannWindow applies a Hann window before projection, trading some
// amplitude resolution for reduced spectral leakage when the record does
// not hold a whole number of fundamental periods.
func WithHannWindow() HarmonicOption {
	return func(a *analyzer) {
		a.hann = true
	}
}

type analyzer struct {
	hann bool
}

// Harmonics quantifies energy at integer multiples of the fundamental f0 by
// synchronous detection: for each k from 1 up to maxHarmonics (capped at
// the largest k with k*f0 below Nyquist) the samples are projected onto
// sine and cosine at k*f0 and normalized by the projection length.
//
// Harmonic separability degrades as fewer whole fundamental periods are
// captured; callers should ensure the record spans several full periods.
// No specific period count is enforced here.
func Harmonics(w *waveform.Waveform, f0 float64, maxHarmonics int, options ...HarmonicOption) (*HarmonicSet, error) {
	var a analyzer
	for _, option := range options {
		option(&a)
	}

	nyquist := w.Nyquist()
	if f0 <= 0 || f0 >= nyquist {
		return nil, fmt.Errorf("fundamental %g Hz outside (0, %g Hz)", f0, nyquist)
	}
	if maxHarmonics < 1 {
		return nil, fmt.Errorf("maxHarmonics must be at least 1, got %d", maxHarmonics)
	}

	count := int(math.Floor(nyquist / f0))
	if float64(count)*f0 >= nyquist {
		count--
	}
	count = min(count, maxHarmonics)

	samples := w.Samples()
	n := len(samples)

	var mean float64
	for _, v := range samples {
		mean += v
	}
	mean /= float64(n)

	window := make([]float64, n)
	for i := range window {
		window[i] = 1
	}
	if a.hann {
		for i := range window {
			window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
		}
	}

	var wsum float64
	for _, v := range window {
		wsum += v
	}

	hs := HarmonicSet{
		Fundamental: f0,
		Components:  make([]Harmonic, count),
	}

	for k := 1; k <= count; k++ {
		freq := float64(k) * f0

		var ss, sc float64
		for i, v := range samples {
			theta := 2 * math.Pi * freq * w.Time(i)
			sin, cos := math.Sincos(theta)

			centered := (v - mean) * window[i]
			ss += centered * sin
			sc += centered * cos
		}

		// For x = A*sin(theta + phi): sum(x*sin) -> (wsum/2) A cos(phi) and
		// sum(x*cos) -> (wsum/2) A sin(phi).
		hs.Components[k-1] = Harmonic{
			Frequency: freq,
			Amplitude: 2 * math.Hypot(ss, sc) / wsum,
			Phase:     normalizePhase(math.Atan2(sc, ss)),
		}
	}

	return &hs, nil
}
