package storage

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// ExportCSV writes every fitted record of a session as one flat CSV row:
// acquisition metadata, the four fit parameters with diagnostics, then
// per-harmonic amplitude/phase pairs. Records without a fit are skipped.
// Rows are ordered by acquisition timestamp.
func (s *Store) ExportCSV(ctx context.Context, out io.Writer, sessionID int64) error {
	records, err := s.Results(ctx, sessionID)
	if err != nil {
		return err
	}

	maxHarmonics := 0
	for _, rec := range records {
		maxHarmonics = max(maxHarmonics, len(rec.Harmonics))
	}

	header := []string{
		"captured", "channel", "num_samples", "sample_interval (s)",
		"frequency (Hz)", "amplitude", "phase (rad)", "dc_offset",
		"residual_rms", "converged", "iterations",
	}
	for k := 1; k <= maxHarmonics; k++ {
		header = append(header,
			fmt.Sprintf("A%d", k),
			fmt.Sprintf("phi%d (rad)", k))
	}

	cw := csv.NewWriter(out)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	for _, rec := range records {
		if rec.Fit == nil {
			continue
		}

		row := []string{
			rec.Captured.UTC().Format(time.RFC3339Nano),
			strconv.Itoa(rec.Channel),
			strconv.Itoa(rec.NumSamples),
			formatFloat(rec.SampleInterval),
			formatFloat(rec.Fit.Frequency),
			formatFloat(rec.Fit.Amplitude),
			formatFloat(rec.Fit.Phase),
			formatFloat(rec.Fit.DCOffset),
			formatFloat(rec.Fit.ResidualRMS),
			strconv.FormatBool(rec.Fit.Converged),
			strconv.Itoa(rec.Fit.Iterations),
		}
		for k := 0; k < maxHarmonics; k++ {
			if k < len(rec.Harmonics) {
				row = append(row,
					formatFloat(rec.Harmonics[k].Amplitude),
					formatFloat(rec.Harmonics[k].Phase))
			} else {
				row = append(row, "", "")
			}
		}

		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing record: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
