package waveform

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// WriteCSV writes the waveform as an ordered (time, value) pair sequence
// with a single header row.
func (w *Waveform) WriteCSV(out io.Writer) error {
	cw := csv.NewWriter(out)

	if err := cw.Write([]string{"t (s)", "value"}); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	for i := 0; i < w.Len(); i++ {
		record := []string{
			strconv.FormatFloat(w.Time(i), 'g', -1, 64),
			strconv.FormatFloat(w.Sample(i), 'g', -1, 64),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("writing sample %d: %w", i, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// ReadCSV loads a waveform previously exported with WriteCSV. The sample
// interval is recovered from the time column, which must be uniformly
// spaced; the first time value becomes the trigger offset.
func ReadCSV(in io.Reader) (*Waveform, error) {
	cr := csv.NewReader(in)
	cr.FieldsPerRecord = 2

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading records: %w", err)
	}
	if len(records) < 3 {
		return nil, fmt.Errorf("waveform CSV must contain a header and at least two samples")
	}

	records = records[1:] // skip header

	times := make([]float64, len(records))
	samples := make([]float64, len(records))
	for i, record := range records {
		if times[i], err = strconv.ParseFloat(record[0], 64); err != nil {
			return nil, fmt.Errorf("parsing time on row %d: %w", i+2, err)
		}
		if samples[i], err = strconv.ParseFloat(record[1], 64); err != nil {
			return nil, fmt.Errorf("parsing value on row %d: %w", i+2, err)
		}
	}

	interval := (times[len(times)-1] - times[0]) / float64(len(times)-1)
	if interval <= 0 {
		return nil, fmt.Errorf("time column is not increasing")
	}

	return New(samples, Meta{
		SampleInterval: interval,
		TriggerOffset:  times[0],
		Captured:       time.Now().UTC(),
	})
}
