// Package storage keeps an append-only, timestamp-ordered log of captured
// waveforms and their derived fit and harmonic results in a sqlite
// database, for later inspection and export.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/klecknerlab/wavefit/internal/sinefit"
	"github.com/klecknerlab/wavefit/internal/waveform"
)

// Store handles database operations. It is safe for concurrent use.
type Store struct {
	dbPath string

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error
}

// New creates a store backed by the sqlite database at dbPath. Connections
// are opened lazily and the schema is initialized on first write.
func New(dbPath string) *Store {
	return &Store{dbPath: dbPath}
}

func (s *Store) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL", s.dbPath))
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}

		if _, err = db.Exec(schemaSQL); err != nil {
			_ = db.Close()
			s.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

func (s *Store) getReadDB() (*sql.DB, error) {
	s.readDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", s.dbPath))
		if err != nil {
			s.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

// CreateSession records a new acquisition run and returns its ID.
func (s *Store) CreateSession(ctx context.Context, instrument, address string) (sessionID int64, err error) {
	db, err := s.getWriteDB()
	if err != nil {
		return 0, err
	}

	result, err := db.ExecContext(ctx, insertSessionSQL, instrument, address)
	if err != nil {
		return 0, fmt.Errorf("inserting session: %w", err)
	}

	if sessionID, err = result.LastInsertId(); err != nil {
		return 0, fmt.Errorf("getting session ID: %w", err)
	}
	return sessionID, nil
}

// Session retrieves one session by ID.
func (s *Store) Session(ctx context.Context, id int64) (session *Session, err error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, err
	}

	var sess Session
	err = db.QueryRowContext(ctx, selectSessionSQL, id).
		Scan(&sess.ID, &sess.StartTime, &sess.Instrument, &sess.Address)
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return &sess, nil
}

// Sessions returns all sessions ordered by start time.
func (s *Store) Sessions(ctx context.Context) (sessions []*Session, err error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, selectSessionsSQL)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var sess Session
		if err = rows.Scan(&sess.ID, &sess.StartTime, &sess.Instrument, &sess.Address); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, &sess)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}

	return sessions, nil
}

// StoreResult appends one (waveform, fit, harmonics) tuple in a single
// transaction. fit and hs may be nil to log a bare waveform; hs requires a
// fit. Returns the stored waveform's ID.
func (s *Store) StoreResult(ctx context.Context, sessionID int64, w *waveform.Waveform, fit *sinefit.Result, hs *sinefit.HarmonicSet) (waveformID int64, err error) {
	if hs != nil && fit == nil {
		return 0, fmt.Errorf("harmonics require a fit result")
	}

	db, err := s.getWriteDB()
	if err != nil {
		return 0, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	result, err := tx.ExecContext(ctx, insertWaveformSQL,
		sessionID,
		w.Channel(),
		w.Captured().UTC(),
		w.SampleInterval(),
		w.TriggerOffset(),
		w.Len(),
		encodeSamples(w.Samples()))
	if err != nil {
		return 0, fmt.Errorf("inserting waveform: %w", err)
	}
	if waveformID, err = result.LastInsertId(); err != nil {
		return 0, fmt.Errorf("getting waveform ID: %w", err)
	}

	if fit != nil {
		var reason sql.NullString
		if fit.FailureReason != "" {
			reason = sql.NullString{String: fit.FailureReason, Valid: true}
		}

		result, err = tx.ExecContext(ctx, insertFitSQL,
			waveformID,
			fit.Frequency,
			fit.Amplitude,
			fit.Phase,
			fit.DCOffset,
			fit.ResidualRMS,
			fit.Converged,
			fit.Iterations,
			reason)
		if err != nil {
			return 0, fmt.Errorf("inserting fit: %w", err)
		}

		if hs != nil {
			var fitID int64
			if fitID, err = result.LastInsertId(); err != nil {
				return 0, fmt.Errorf("getting fit ID: %w", err)
			}

			for k, h := range hs.Components {
				_, err = tx.ExecContext(ctx, insertHarmonicSQL, fitID, k+1, h.Frequency, h.Amplitude, h.Phase)
				if err != nil {
					return 0, fmt.Errorf("inserting harmonic %d: %w", k+1, err)
				}
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing result: %w", err)
	}
	return waveformID, nil
}

// Results returns all records of a session ordered by acquisition
// timestamp.
func (s *Store) Results(ctx context.Context, sessionID int64) (records []*Record, err error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, selectResultsSQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying results: %w", err)
	}
	defer closeWithError(rows, &err)

	fitIDs := make(map[int64]*Record)
	for rows.Next() {
		var rec Record
		var fitID sql.NullInt64
		var frequency, amplitude, phase, dcOffset, residualRMS sql.NullFloat64
		var converged sql.NullBool
		var iterations sql.NullInt64
		var reason sql.NullString

		err = rows.Scan(
			&rec.WaveformID, &rec.Channel, &rec.Captured,
			&rec.SampleInterval, &rec.TriggerOffset, &rec.NumSamples,
			&fitID, &frequency, &amplitude, &phase, &dcOffset,
			&residualRMS, &converged, &iterations, &reason)
		if err != nil {
			return nil, fmt.Errorf("scanning result: %w", err)
		}

		if fitID.Valid {
			rec.Fit = &sinefit.Result{
				Frequency:     frequency.Float64,
				Amplitude:     amplitude.Float64,
				Phase:         phase.Float64,
				DCOffset:      dcOffset.Float64,
				ResidualRMS:   residualRMS.Float64,
				Converged:     converged.Bool,
				Iterations:    int(iterations.Int64),
				FailureReason: reason.String,
			}
			fitIDs[fitID.Int64] = &rec
		}

		records = append(records, &rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating results: %w", err)
	}

	for fitID, rec := range fitIDs {
		if rec.Harmonics, err = s.harmonics(ctx, db, fitID); err != nil {
			return nil, err
		}
	}

	return records, nil
}

func (s *Store) harmonics(ctx context.Context, db *sql.DB, fitID int64) (harmonics []sinefit.Harmonic, err error) {
	rows, err := db.QueryContext(ctx, selectHarmonicsSQL, fitID)
	if err != nil {
		return nil, fmt.Errorf("querying harmonics: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var k int
		var h sinefit.Harmonic
		if err = rows.Scan(&k, &h.Frequency, &h.Amplitude, &h.Phase); err != nil {
			return nil, fmt.Errorf("scanning harmonic: %w", err)
		}
		harmonics = append(harmonics, h)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating harmonics: %w", err)
	}

	return harmonics, nil
}

// Waveform reconstructs a stored waveform by ID.
func (s *Store) Waveform(ctx context.Context, waveformID int64) (*waveform.Waveform, error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, err
	}

	var channel int
	var captured time.Time
	var sampleInterval, triggerOffset float64
	var blob []byte

	err = db.QueryRowContext(ctx, selectWaveformSQL, waveformID).
		Scan(&channel, &captured, &sampleInterval, &triggerOffset, &blob)
	if err != nil {
		return nil, fmt.Errorf("scanning waveform: %w", err)
	}

	return waveform.New(decodeSamples(blob), waveform.Meta{
		SampleInterval: sampleInterval,
		TriggerOffset:  triggerOffset,
		Channel:        channel,
		Captured:       captured,
	})
}

// Close releases all database connections. It is safe to call multiple
// times; after Close the store cannot be reused.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		var errs []error

		if s.writeDB != nil {
			if err := s.writeDB.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing write connection: %w", err))
			}
		}
		if s.readDB != nil {
			if err := s.readDB.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing read connection: %w", err))
			}
		}

		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
