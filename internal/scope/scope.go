// Package scope orchestrates waveform captures against a live oscilloscope.
// Protocol dialect differences between instrument families are expressed as
// Driver implementations selected at open time from the instrument's
// identification reply.
package scope

import "context"

// Link is the command/response channel a driver talks through. It is
// implemented by *scpi.Conn.
type Link interface {
	Send(ctx context.Context, cmd string) error
	Query(ctx context.Context, cmd string) (string, error)
	QueryBlock(ctx context.Context, cmd string) ([]byte, error)
}

// Config holds the channel and timebase settings pushed before a capture.
type Config struct {
	// TimebaseScale is the horizontal scale in seconds per division.
	TimebaseScale float64

	// RecordLength is the requested number of samples per capture.
	RecordLength int

	// VerticalScale is the vertical scale in volts per division. Zero leaves
	// the instrument's current setting untouched.
	VerticalScale float64
}

// Preamble describes how to interpret a raw curve block, as reported by the
// instrument at capture time. Scale and Offset are normalized by each driver
// so that value = raw*Scale + Offset regardless of dialect.
type Preamble struct {
	Points         int
	SampleInterval float64
	TriggerOffset  float64
	Scale          float64
	Offset         float64
	Signed         bool
}

// Driver abstracts one instrument family's query dialect.
type Driver interface {
	// Family names the instrument family the driver supports.
	Family() string

	// Match reports whether the driver supports the instrument that produced
	// the given identification reply.
	Match(idn string) bool

	// Setup performs one-time initialization after the driver is selected,
	// such as switching the instrument to binary waveform encoding.
	Setup(ctx context.Context, link Link) error

	// Configure pushes channel and timebase settings.
	Configure(ctx context.Context, link Link, channel int, cfg Config) error

	// Arm starts a single-shot acquisition.
	Arm(ctx context.Context, link Link) error

	// Stopped reports whether the acquisition has completed.
	Stopped(ctx context.Context, link Link) (bool, error)

	// Preamble fetches the decode geometry for the given channel.
	Preamble(ctx context.Context, link Link, channel int) (*Preamble, error)

	// Curve fetches the raw waveform block for the given channel.
	Curve(ctx context.Context, link Link, channel int) ([]byte, error)

	// Resume returns the instrument to continuous acquisition.
	Resume(ctx context.Context, link Link) error
}
