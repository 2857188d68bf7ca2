package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main application configuration.
type Config struct {
	Settings   Settings         `yaml:"settings"`
	Instrument InstrumentConfig `yaml:"instrument"`
	Capture    CaptureConfig    `yaml:"capture"`
	Fit        FitConfig        `yaml:"fit"`
	Storage    StorageConfig    `yaml:"storage"`
}

// Settings represents global application settings.
type Settings struct {
	LogLevel string `yaml:"logLevel"`
}

// Level parses the configured log level, defaulting to info.
func (s Settings) Level() slog.Level {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// InstrumentConfig describes where and how to reach the instrument.
type InstrumentConfig struct {
	Host           string  `yaml:"host"`
	Port           int     `yaml:"port"`
	TimeoutSeconds float64 `yaml:"timeoutSeconds"`
	Retries        int     `yaml:"retries"`
	BackoffSeconds float64 `yaml:"backoffSeconds"`
}

// Timeout returns the per-operation I/O deadline.
func (c InstrumentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds * float64(time.Second))
}

// Backoff returns the delay before the first retry.
func (c InstrumentConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffSeconds * float64(time.Second))
}

// CaptureConfig describes the acquisition settings.
type CaptureConfig struct {
	Channel         int     `yaml:"channel"`
	TimebaseScale   float64 `yaml:"timebaseScale"`
	RecordLength    int     `yaml:"recordLength"`
	VerticalScale   float64 `yaml:"verticalScale"`
	Count           int     `yaml:"count"` // 0 = capture until interrupted
	IntervalSeconds float64 `yaml:"intervalSeconds"`
	DeadlineSeconds float64 `yaml:"deadlineSeconds"`
}

// Interval returns the pause between consecutive captures.
func (c CaptureConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds * float64(time.Second))
}

// Deadline returns the per-capture time budget.
func (c CaptureConfig) Deadline() time.Duration {
	return time.Duration(c.DeadlineSeconds * float64(time.Second))
}

// FitConfig describes the fit and harmonic analysis settings. Zero values
// fall back to the solver defaults.
type FitConfig struct {
	MaxHarmonics  int     `yaml:"maxHarmonics"`
	MaxIterations int     `yaml:"maxIterations"`
	Tolerance     float64 `yaml:"tolerance"`
	HannWindow    bool    `yaml:"hannWindow"`
}

// StorageConfig represents storage settings.
type StorageConfig struct {
	DataDirectory string `yaml:"dataDirectory"`
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	config := Config{
		Instrument: InstrumentConfig{
			Port:           5555,
			TimeoutSeconds: 3,
			Retries:        2,
			BackoffSeconds: 0.1,
		},
		Capture: CaptureConfig{
			Channel:         1,
			TimebaseScale:   0.001,
			RecordLength:    2000,
			Count:           1,
			DeadlineSeconds: 10,
		},
		Fit: FitConfig{
			MaxHarmonics: 5,
		},
	}

	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err = config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error

	if c.Instrument.Host == "" {
		errs = append(errs, errors.New("instrument host is required"))
	}
	if c.Instrument.Port <= 0 || c.Instrument.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid instrument port %d", c.Instrument.Port))
	}
	if c.Instrument.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("instrument timeout must be positive"))
	}
	if c.Instrument.Retries < 0 {
		errs = append(errs, errors.New("instrument retries cannot be negative"))
	}

	if c.Capture.Channel < 1 {
		errs = append(errs, fmt.Errorf("invalid capture channel %d", c.Capture.Channel))
	}
	if c.Capture.TimebaseScale <= 0 {
		errs = append(errs, errors.New("capture timebase scale must be positive"))
	}
	if c.Capture.RecordLength < 2 {
		errs = append(errs, fmt.Errorf("invalid capture record length %d", c.Capture.RecordLength))
	}
	if c.Capture.Count < 0 {
		errs = append(errs, errors.New("capture count cannot be negative"))
	}
	if c.Capture.DeadlineSeconds <= 0 {
		errs = append(errs, errors.New("capture deadline must be positive"))
	}

	if c.Fit.MaxHarmonics < 1 {
		errs = append(errs, fmt.Errorf("invalid fit maxHarmonics %d", c.Fit.MaxHarmonics))
	}
	if c.Fit.MaxIterations < 0 {
		errs = append(errs, errors.New("fit maxIterations cannot be negative"))
	}
	if c.Fit.Tolerance < 0 {
		errs = append(errs, errors.New("fit tolerance cannot be negative"))
	}

	return errors.Join(errs...)
}
