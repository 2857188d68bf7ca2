// Package waveform defines the immutable physical-unit sample buffer
// produced by an acquisition, plus raw-code decoding and CSV interchange.
package waveform

import (
	"fmt"
	"time"
)

// Meta carries the acquisition metadata recorded alongside the samples.
type Meta struct {
	// SampleInterval is the time between consecutive samples in seconds.
	SampleInterval float64

	// TriggerOffset is the time of the first sample relative to the trigger
	// point, in seconds.
	TriggerOffset float64

	// Channel is the instrument channel the waveform was captured from.
	Channel int

	// Captured is the acquisition timestamp.
	Captured time.Time

	// Scale and Offset are the vertical decode factors that were applied to
	// the raw integer codes, kept for provenance.
	Scale  float64
	Offset float64
}

// Waveform is an immutable ordered sequence of real-valued samples with its
// acquisition metadata. Insertion order is time order. Once constructed a
// Waveform is never mutated; derived results are always new values.
type Waveform struct {
	samples []float64
	meta    Meta
}

// New constructs a Waveform from samples and metadata. The samples slice is
// copied so later mutation by the caller cannot reach the buffer.
func New(samples []float64, meta Meta) (*Waveform, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("waveform must contain at least one sample")
	}
	if meta.SampleInterval <= 0 {
		return nil, fmt.Errorf("sample interval must be positive, got %g", meta.SampleInterval)
	}

	w := Waveform{
		samples: make([]float64, len(samples)),
		meta:    meta,
	}
	copy(w.samples, samples)
	return &w, nil
}

// Decode converts raw instrument codes into physical units via
// value = raw*scale + offset. When signed is true the codes are interpreted
// as two's-complement bytes.
func Decode(raw []byte, signed bool, scale, offset float64) []float64 {
	samples := make([]float64, len(raw))
	for i, b := range raw {
		code := float64(b)
		if signed {
			code = float64(int8(b))
		}
		samples[i] = code*scale + offset
	}
	return samples
}

// Len returns the number of samples.
func (w *Waveform) Len() int { return len(w.samples) }

// Sample returns the i-th sample value.
func (w *Waveform) Sample(i int) float64 { return w.samples[i] }

// Samples returns a copy of the sample sequence.
func (w *Waveform) Samples() []float64 {
	samples := make([]float64, len(w.samples))
	copy(samples, w.samples)
	return samples
}

// Time returns the time of the i-th sample relative to the trigger point.
func (w *Waveform) Time(i int) float64 {
	return w.meta.TriggerOffset + float64(i)*w.meta.SampleInterval
}

// SampleInterval returns the time between consecutive samples in seconds.
func (w *Waveform) SampleInterval() float64 { return w.meta.SampleInterval }

// TriggerOffset returns the time of the first sample relative to the trigger.
func (w *Waveform) TriggerOffset() float64 { return w.meta.TriggerOffset }

// Channel returns the instrument channel the waveform was captured from.
func (w *Waveform) Channel() int { return w.meta.Channel }

// Captured returns the acquisition timestamp.
func (w *Waveform) Captured() time.Time { return w.meta.Captured }

// Scale returns the vertical decode scale applied to the raw codes.
func (w *Waveform) Scale() float64 { return w.meta.Scale }

// Offset returns the vertical decode offset applied to the raw codes.
func (w *Waveform) Offset() float64 { return w.meta.Offset }

// Duration returns the total time spanned by the samples in seconds.
func (w *Waveform) Duration() float64 {
	return float64(len(w.samples)) * w.meta.SampleInterval
}

// Nyquist returns half the sample rate, the upper bound on frequencies
// representable without aliasing.
func (w *Waveform) Nyquist() float64 {
	return 0.5 / w.meta.SampleInterval
}
