// Package tektronix implements the scope.Driver dialect for the Tektronix
// TBS2000-series oscilloscopes.
package tektronix

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/klecknerlab/wavefit/internal/scope"
	"github.com/klecknerlab/wavefit/internal/scpi"
)

const Family = "Tektronix TBS2000"

var idnPattern = regexp.MustCompile(`^TEKTRONIX,TBS2\d{3}B?`)

// WFMOutpre? reply field positions (semicolon-separated).
const (
	fieldByteWidth  = 0
	fieldBinFormat  = 3
	fieldPointCount = 5
	fieldXIncrement = 9
	fieldXZero      = 10
	fieldYMult      = 13
	fieldYOffset    = 14

	preambleFields = 15
)

type driver struct{}

// New creates a TBS2000-family driver.
func New() scope.Driver {
	return driver{}
}

func (driver) Family() string { return Family }

func (driver) Match(idn string) bool {
	return idnPattern.MatchString(idn)
}

func (d driver) Setup(ctx context.Context, link scope.Link) error {
	// Reading the event status register clears stale error bits.
	if _, err := link.Query(ctx, "*ESR?"); err != nil {
		return err
	}

	if err := link.Send(ctx, "WFMO:ENC BIN"); err != nil {
		return err
	}

	return d.checkErrorByte(ctx, link)
}

func (d driver) Configure(ctx context.Context, link scope.Link, channel int, cfg scope.Config) error {
	cmds := []string{
		fmt.Sprintf("HOR:MAI:SCA %g", cfg.TimebaseScale),
		fmt.Sprintf("HOR:RECO %d", cfg.RecordLength),
	}
	if cfg.VerticalScale > 0 {
		cmds = append(cmds, fmt.Sprintf("CH%d:SCA %g", channel, cfg.VerticalScale))
	}
	cmds = append(cmds,
		"DATA INIT",
		fmt.Sprintf("DATA:SOU CH%d", channel),
	)

	for _, cmd := range cmds {
		if err := link.Send(ctx, cmd); err != nil {
			return err
		}
	}

	return d.checkErrorByte(ctx, link)
}

func (driver) Arm(ctx context.Context, link scope.Link) error {
	if err := link.Send(ctx, "ACQ:STOPA SEQ"); err != nil {
		return err
	}
	return link.Send(ctx, "ACQ:STATE RUN")
}

func (driver) Stopped(ctx context.Context, link scope.Link) (bool, error) {
	state, err := link.Query(ctx, "ACQ:STATE?")
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(state, "0"), nil
}

func (driver) Preamble(ctx context.Context, link scope.Link, channel int) (*scope.Preamble, error) {
	reply, err := link.Query(ctx, "WFMO?")
	if err != nil {
		return nil, err
	}
	return parsePreamble(reply)
}

func (driver) Curve(ctx context.Context, link scope.Link, channel int) ([]byte, error) {
	return link.QueryBlock(ctx, "CURV?")
}

func (driver) Resume(ctx context.Context, link scope.Link) error {
	if err := link.Send(ctx, "ACQ:STOPA RUNST"); err != nil {
		return err
	}
	return link.Send(ctx, "ACQ:STATE RUN")
}

// checkErrorByte queries the event status register and fails on a non-zero
// value, which indicates the instrument rejected a preceding command.
func (driver) checkErrorByte(ctx context.Context, link scope.Link) error {
	reply, err := link.Query(ctx, "*ESR?")
	if err != nil {
		return err
	}

	esr, err := strconv.Atoi(strings.TrimSpace(reply))
	if err != nil {
		return &scpi.ProtocolError{Op: "*ESR?", Detail: fmt.Sprintf("malformed reply %q", reply)}
	}
	if esr != 0 {
		return fmt.Errorf("instrument reported error byte %d", esr)
	}
	return nil
}

func parsePreamble(reply string) (*scope.Preamble, error) {
	fields := strings.Split(reply, ";")
	if len(fields) < preambleFields {
		return nil, &scpi.ProtocolError{Op: "WFMO?", Detail: fmt.Sprintf("expected at least %d fields, got %d", preambleFields, len(fields))}
	}

	if w := strings.TrimSpace(fields[fieldByteWidth]); w != "1" {
		return nil, &scpi.ProtocolError{Op: "WFMO?", Detail: fmt.Sprintf("unsupported sample byte width %q", w)}
	}

	points, err := strconv.Atoi(strings.TrimSpace(fields[fieldPointCount]))
	if err != nil {
		return nil, &scpi.ProtocolError{Op: "WFMO?", Detail: fmt.Sprintf("malformed point count %q", fields[fieldPointCount])}
	}

	values := make([]float64, 0, 4)
	for _, i := range []int{fieldXIncrement, fieldXZero, fieldYMult, fieldYOffset} {
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[i]), 64)
		if err != nil {
			return nil, &scpi.ProtocolError{Op: "WFMO?", Detail: fmt.Sprintf("malformed field %d: %q", i, fields[i])}
		}
		values = append(values, v)
	}
	xinc, xzero, ymult, yoff := values[0], values[1], values[2], values[3]

	if xinc <= 0 {
		return nil, &scpi.ProtocolError{Op: "WFMO?", Detail: fmt.Sprintf("non-positive sample interval %g", xinc)}
	}

	// The instrument reports value = (raw - yoff) * ymult; normalize to the
	// common raw*scale + offset form.
	return &scope.Preamble{
		Points:         points,
		SampleInterval: xinc,
		TriggerOffset:  xzero,
		Scale:          ymult,
		Offset:         -yoff * ymult,
		Signed:         strings.TrimSpace(fields[fieldBinFormat]) == "RI",
	}, nil
}
