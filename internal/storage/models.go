package storage

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"math"
	"time"

	"github.com/klecknerlab/wavefit/internal/sinefit"
)

// Session represents one run against one instrument.
type Session struct {
	ID         int64
	StartTime  time.Time
	Instrument string
	Address    string
}

// Record is one stored (waveform, fit, harmonics) tuple. Fit and Harmonics
// are nil when only the raw waveform was logged.
type Record struct {
	WaveformID     int64
	Channel        int
	Captured       time.Time
	SampleInterval float64
	TriggerOffset  float64
	NumSamples     int

	Fit       *sinefit.Result
	Harmonics []sinefit.Harmonic
}

// encodeSamples packs samples as little-endian IEEE-754 doubles for BLOB
// storage.
func encodeSamples(samples []float64) []byte {
	buf := make([]byte, 8*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

func decodeSamples(buf []byte) []float64 {
	samples := make([]float64, len(buf)/8)
	for i := range samples {
		samples[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return samples
}

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func rollbackWithError(rb interface{ Rollback() error }, err *error) {
	if cErr := rb.Rollback(); cErr != nil && !errors.Is(cErr, sql.ErrTxDone) && *err == nil {
		*err = cErr
	}
}
