package storage

import (
	_ "embed"
)

//go:embed schema.sql
var schemaSQL string

const (
	insertSessionSQL = `
INSERT INTO sessions (start_time,
                      instrument,
                      address)
VALUES (CURRENT_TIMESTAMP, ?, ?)`

	selectSessionSQL = `
SELECT id,
       start_time,
       instrument,
       address
FROM sessions
WHERE id = ?`

	selectSessionsSQL = `
SELECT id,
       start_time,
       instrument,
       address
FROM sessions
ORDER BY start_time`

	insertWaveformSQL = `
INSERT INTO waveforms (session_id,
                       channel,
                       captured,
                       sample_interval,
                       trigger_offset,
                       num_samples,
                       samples)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	insertFitSQL = `
INSERT INTO fits (waveform_id,
                  frequency,
                  amplitude,
                  phase,
                  dc_offset,
                  residual_rms,
                  converged,
                  iterations,
                  failure_reason)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertHarmonicSQL = `
INSERT INTO harmonics (fit_id,
                       k,
                       frequency,
                       amplitude,
                       phase)
VALUES (?, ?, ?, ?, ?)`

	selectResultsSQL = `
SELECT w.id,
       w.channel,
       w.captured,
       w.sample_interval,
       w.trigger_offset,
       w.num_samples,
       f.id,
       f.frequency,
       f.amplitude,
       f.phase,
       f.dc_offset,
       f.residual_rms,
       f.converged,
       f.iterations,
       f.failure_reason
FROM waveforms w
         LEFT JOIN fits f ON f.waveform_id = w.id
WHERE w.session_id = ?
ORDER BY w.captured, w.id`

	selectHarmonicsSQL = `
SELECT k,
       frequency,
       amplitude,
       phase
FROM harmonics
WHERE fit_id = ?
ORDER BY k`

	selectWaveformSQL = `
SELECT channel,
       captured,
       sample_interval,
       trigger_offset,
       samples
FROM waveforms
WHERE id = ?`
)
