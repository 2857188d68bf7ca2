package sinefit

import "fmt"

// DegenerateInputError indicates the fit input carries no identifiable
// sinusoid, such as effectively constant data. It is fatal for that fit
// call only.
type DegenerateInputError struct {
	Reason string
}

func (e *DegenerateInputError) Error() string {
	return fmt.Sprintf("degenerate fit input: %s", e.Reason)
}
