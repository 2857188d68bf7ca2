package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klecknerlab/wavefit/internal/scope"
	"github.com/klecknerlab/wavefit/internal/scope/rigol"
	"github.com/klecknerlab/wavefit/internal/scope/tektronix"
	"github.com/klecknerlab/wavefit/internal/scpi"
	"github.com/klecknerlab/wavefit/internal/storage"
)

const storageDir = "data"

// Run connects to the instrument, opens a result log and drives the
// capture/fit pipeline until the configured number of captures completes or
// ctx is cancelled.
func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	store, err := createStorage(&config.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	defer store.Close()

	conn, err := scpi.Dial(ctx, config.Instrument.Host, config.Instrument.Port,
		scpi.WithTimeout(config.Instrument.Timeout()),
		scpi.WithRetries(config.Instrument.Retries, config.Instrument.Backoff()),
		scpi.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to connect to instrument: %w", err)
	}

	session, err := scope.Open(ctx, conn, []scope.Driver{tektronix.New(), rigol.New()},
		scope.WithLogger(logger))
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open instrument session: %w", err)
	}
	defer session.Close()

	sessionID, err := store.CreateSession(ctx, session.Identity(), conn.Addr())
	if err != nil {
		return fmt.Errorf("failed to create session record: %w", err)
	}

	o := NewOrchestrator(session, store, sessionID, config, logger)
	return o.Run(ctx)
}

func createStorage(config *StorageConfig) (*storage.Store, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current working directory: %w", err)
	}

	dbDir := filepath.Join(wd, storageDir)
	if config.DataDirectory != "" {
		dbDir = config.DataDirectory
		if !filepath.IsAbs(dbDir) {
			dbDir = filepath.Join(wd, dbDir)
		}
	}

	stat, err := os.Stat(dbDir)
	if err != nil {
		return nil, fmt.Errorf("storage directory '%s' is not accessible: %w", dbDir, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("invalid storage directory '%s'", dbDir)
	}

	dbPath := filepath.Join(dbDir, fmt.Sprintf("wavefit_%s.sqlite", time.Now().UTC().Format("20060102_150405")))
	return storage.New(dbPath), nil
}
