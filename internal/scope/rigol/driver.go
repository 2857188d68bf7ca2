// Package rigol implements the scope.Driver dialect for the Rigol
// DS1000Z-series oscilloscopes.
package rigol

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/klecknerlab/wavefit/internal/scope"
	"github.com/klecknerlab/wavefit/internal/scpi"
)

const Family = "Rigol DS1000Z"

var idnPattern = regexp.MustCompile(`^RIGOL TECHNOLOGIES,DS1\d{3}Z`)

// :WAV:PRE? reply field positions (comma-separated).
const (
	fieldPointCount = 2
	fieldXIncrement = 4
	fieldXOrigin    = 5
	fieldYIncrement = 7
	fieldYOrigin    = 8
	fieldYReference = 9

	preambleFields = 10
)

type driver struct{}

// New creates a DS1000Z-family driver.
func New() scope.Driver {
	return driver{}
}

func (driver) Family() string { return Family }

func (driver) Match(idn string) bool {
	return idnPattern.MatchString(idn)
}

func (driver) Setup(ctx context.Context, link scope.Link) error {
	for _, cmd := range []string{":WAV:MODE NORM", ":WAV:FORM BYTE"} {
		if err := link.Send(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (driver) Configure(ctx context.Context, link scope.Link, channel int, cfg scope.Config) error {
	cmds := []string{
		fmt.Sprintf(":CHAN%d:DISP ON", channel),
		fmt.Sprintf(":TIM:MAIN:SCAL %g", cfg.TimebaseScale),
		fmt.Sprintf(":ACQ:MDEP %d", cfg.RecordLength),
	}
	if cfg.VerticalScale > 0 {
		cmds = append(cmds, fmt.Sprintf(":CHAN%d:SCAL %g", channel, cfg.VerticalScale))
	}
	cmds = append(cmds, fmt.Sprintf(":WAV:SOUR CHAN%d", channel))

	for _, cmd := range cmds {
		if err := link.Send(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (driver) Arm(ctx context.Context, link scope.Link) error {
	return link.Send(ctx, ":SING")
}

func (driver) Stopped(ctx context.Context, link scope.Link) (bool, error) {
	state, err := link.Query(ctx, ":TRIG:STAT?")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(state) == "STOP", nil
}

func (driver) Preamble(ctx context.Context, link scope.Link, channel int) (*scope.Preamble, error) {
	reply, err := link.Query(ctx, ":WAV:PRE?")
	if err != nil {
		return nil, err
	}
	return parsePreamble(reply)
}

func (driver) Curve(ctx context.Context, link scope.Link, channel int) ([]byte, error) {
	return link.QueryBlock(ctx, ":WAV:DATA?")
}

func (driver) Resume(ctx context.Context, link scope.Link) error {
	return link.Send(ctx, ":RUN")
}

func parsePreamble(reply string) (*scope.Preamble, error) {
	fields := strings.Split(reply, ",")
	if len(fields) < preambleFields {
		return nil, &scpi.ProtocolError{Op: ":WAV:PRE?", Detail: fmt.Sprintf("expected %d fields, got %d", preambleFields, len(fields))}
	}

	values := make([]float64, len(fields))
	for i, field := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return nil, &scpi.ProtocolError{Op: ":WAV:PRE?", Detail: fmt.Sprintf("malformed field %d: %q", i, field)}
		}
		values[i] = v
	}

	xinc := values[fieldXIncrement]
	if xinc <= 0 {
		return nil, &scpi.ProtocolError{Op: ":WAV:PRE?", Detail: fmt.Sprintf("non-positive sample interval %g", xinc)}
	}

	yinc := values[fieldYIncrement]
	yorig := values[fieldYOrigin]
	yref := values[fieldYReference]

	// The instrument reports value = (raw - yorig - yref) * yinc; normalize
	// to the common raw*scale + offset form. BYTE format codes are unsigned.
	return &scope.Preamble{
		Points:         int(values[fieldPointCount]),
		SampleInterval: xinc,
		TriggerOffset:  values[fieldXOrigin],
		Scale:          yinc,
		Offset:         -(yorig + yref) * yinc,
		Signed:         false,
	}, nil
}
