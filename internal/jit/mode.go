package jit

import "github.com/mkarjala/soundmesh/internal/ids"

// WithRespectTo selects one argument to sweep over a linear interval in test
// mode. The substituted value ramps across [From, To) generated from the
// loop counter and the destination length.
type WithRespectTo struct {
	Argument ids.ArgumentID
	From     float32
	To       float32
}

// Mode selects how parameters are resolved. Normal mode reads them through
// the runtime context; test mode evaluates the expression in isolation with
// temporal parameters pinned to zero and an optional with-respect-to ramp.
type Mode struct {
	Test bool
	WRT  *WithRespectTo
}

// NormalMode resolves parameters against the runtime context.
func NormalMode() Mode {
	return Mode{}
}

// TestMode evaluates in isolation over a temporal domain.
func TestMode() Mode {
	return Mode{Test: true}
}

// TestModeWithRespectTo evaluates in isolation, sweeping one argument
// linearly across [from, to).
func TestModeWithRespectTo(arg ids.ArgumentID, from, to float32) Mode {
	return Mode{Test: true, WRT: &WithRespectTo{Argument: arg, From: from, To: to}}
}
