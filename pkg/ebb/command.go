// EiBotBoard command vocabulary
//
// Builders for the ASCII commands the plotter's controller board accepts.
// Every builder returns a Command describing the outbound line, the shape
// of the reply the channel must read back, and a per-command timeout.
//
// Copyright (C) 2026  axi-server authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ebb

import (
	"fmt"
	"strings"
	"time"

	"github.com/joeysapp/axi-server-sub001/pkg/errors"
)

// Grammar is the expected response shape of a command.
type Grammar int

const (
	// GrammarNone expects no reply at all (RB).
	GrammarNone Grammar = iota
	// GrammarOK expects a single "OK" line.
	GrammarOK
	// GrammarLine expects exactly one data line and no "OK" (V, QG).
	GrammarLine
	// GrammarValueOK expects one data line followed by "OK".
	GrammarValueOK
)

func (g Grammar) String() string {
	switch g {
	case GrammarNone:
		return "none"
	case GrammarOK:
		return "ok"
	case GrammarLine:
		return "line"
	case GrammarValueOK:
		return "value+ok"
	default:
		return "unknown"
	}
}

// Firmware limits.
const (
	MaxMoveDuration = 16777215 // ms
	MaxMoveSteps    = 16777215
	MaxStepRate     = 25 // steps per ms, per axis
	MinHomeRate     = 2
	MaxHomeRate     = 25000
	MaxNicknameLen  = 16
)

// DefaultTimeout applies to commands that complete without motion.
const DefaultTimeout = time.Second

// moveSlack is added to the motion time of commands that may block on the
// board's motion FIFO before acknowledging.
const moveSlack = 2 * time.Second

// Servo configuration parameters for SC.
const (
	ServoParamUpPulse   = 4
	ServoParamDownPulse = 5
	ServoParamUpRate    = 11
	ServoParamDownRate  = 12
)

// Command is one outbound protocol line.
type Command struct {
	Name    string
	Line    string
	Grammar Grammar
	Timeout time.Duration

	// EmptyValue lets a GrammarValueOK command see "OK" straight away,
	// which firmware does for an unset nickname.
	EmptyValue bool
}

// Wire returns the bytes written to the link.
func (c Command) Wire() []byte {
	return []byte(c.Line + "\r")
}

func (c Command) String() string {
	return c.Line
}

// WithTimeout returns a copy of c with a different timeout.
func (c Command) WithTimeout(d time.Duration) Command {
	c.Timeout = d
	return c
}

func simple(name string, grammar Grammar, args ...interface{}) Command {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, name)
	for _, a := range args {
		parts = append(parts, fmt.Sprint(a))
	}
	return Command{
		Name:    name,
		Line:    strings.Join(parts, ","),
		Grammar: grammar,
		Timeout: DefaultTimeout,
	}
}

// Version queries the firmware identification string.
func Version() Command { return simple("V", GrammarLine) }

// QueryGeneral reads the general status byte.
func QueryGeneral() Command { return simple("QG", GrammarLine) }

// QueryStepPosition reads both motor step counters. Valid mid-motion.
func QueryStepPosition() Command { return simple("QS", GrammarValueOK) }

// QueryPen reads the pen state as the board believes it.
func QueryPen() Command { return simple("QP", GrammarValueOK) }

// QueryNickname reads the stored board nickname.
func QueryNickname() Command {
	c := simple("QN", GrammarValueOK)
	c.EmptyValue = true
	return c
}

// QueryCurrent reads the motor current setpoint and supply voltage ADC values.
func QueryCurrent() Command { return simple("QC", GrammarValueOK) }

// ClearSteps zeroes the board's step accumulators.
func ClearSteps() Command { return simple("CS", GrammarOK) }

// Reset reinitializes the board without dropping USB.
func Reset() Command { return simple("R", GrammarOK) }

// Reboot restarts the board. The link drops and nothing is acknowledged.
func Reboot() Command { return simple("RB", GrammarNone) }

// SetPen raises (up=true) or lowers the pen. settle is the time the board
// waits before executing the next motion command.
func SetPen(up bool, settle time.Duration) Command {
	state := 0
	if up {
		state = 1
	}
	c := simple("SP", GrammarOK, state)
	// Round up so the board never releases motion before the servo settles.
	if ms := int64((settle + time.Millisecond - 1) / time.Millisecond); ms > 0 {
		c = simple("SP", GrammarOK, state, ms)
		c.Timeout = DefaultTimeout + settle
	}
	return c
}

// ServoConfig sets one SC parameter.
func ServoConfig(param, value int) Command {
	return simple("SC", GrammarOK, param, value)
}

// ServoTimeout sets how long the servo stays powered after the last pen move.
func ServoTimeout(d time.Duration) Command {
	return simple("SR", GrammarOK, d.Milliseconds())
}

// EnableMotors sets both motor drivers. 0 disables, 1..5 select 1/16 down to
// full stepping.
func EnableMotors(m1, m2 int) (Command, error) {
	for _, v := range []int{m1, m2} {
		if v < 0 || v > 5 {
			return Command{}, errors.Validation("resolution", fmt.Sprintf("%d outside 0..5", v))
		}
	}
	return simple("EM", GrammarOK, m1, m2), nil
}

// DisableMotors de-energizes both motors.
func DisableMotors() Command {
	return simple("EM", GrammarOK, 0, 0)
}

// StepperMove moves both motors by the given step deltas over duration.
func StepperMove(duration time.Duration, steps1, steps2 int) (Command, error) {
	ms := duration.Milliseconds()
	if ms < 1 || ms > MaxMoveDuration {
		return Command{}, errors.Validation("duration", fmt.Sprintf("%dms outside 1..%d", ms, MaxMoveDuration))
	}
	for _, s := range []int{steps1, steps2} {
		if abs(s) > MaxMoveSteps {
			return Command{}, errors.Validation("steps", fmt.Sprintf("%d exceeds %d", s, MaxMoveSteps))
		}
		if int64(abs(s)) > ms*MaxStepRate {
			return Command{}, errors.Validation("steps", fmt.Sprintf("%d steps in %dms exceeds %d steps/ms", s, ms, MaxStepRate))
		}
	}
	c := simple("SM", GrammarOK, ms, steps1, steps2)
	c.Timeout = moveSlack + duration
	return c, nil
}

// Home moves both motors back to the step origin at rate steps/s.
// travel bounds the longest expected move for the reply timeout.
func Home(rate int, travel time.Duration) (Command, error) {
	if rate < MinHomeRate || rate > MaxHomeRate {
		return Command{}, errors.Validation("rate", fmt.Sprintf("%d outside %d..%d", rate, MinHomeRate, MaxHomeRate))
	}
	c := simple("HM", GrammarOK, rate)
	c.Timeout = moveSlack + travel
	return c, nil
}

// SetNickname stores a board nickname.
func SetNickname(name string) (Command, error) {
	if len(name) > MaxNicknameLen {
		return Command{}, errors.Validation("nickname", fmt.Sprintf("longer than %d characters", MaxNicknameLen))
	}
	for _, r := range name {
		if r < 0x20 || r > 0x7e || r == ',' {
			return Command{}, errors.Validation("nickname", fmt.Sprintf("invalid character %q", r))
		}
	}
	return simple("SN", GrammarOK, name), nil
}

// EmergencyStop aborts the executing move and flushes the motion FIFO.
func EmergencyStop() Command {
	return simple("ES", GrammarValueOK)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
