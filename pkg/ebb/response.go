// Copyright (C) 2026  axi-server authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ebb

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/joeysapp/axi-server-sub001/pkg/errors"
)

// Response is what the channel read back for one Command.
type Response struct {
	// Value is the data line for GrammarLine and GrammarValueOK commands.
	Value string
	// Lines holds every non-empty line consumed for the command.
	Lines []string
}

// SplitLines breaks raw input into response lines. Firmware terminates
// lines with CR LF, older builds with LF CR; either order is accepted and
// empty fragments are dropped. The trailing partial line is returned as rest.
func SplitLines(buf []byte) (lines []string, rest []byte) {
	start := 0
	for i, b := range buf {
		if b != '\r' && b != '\n' {
			continue
		}
		if i > start {
			lines = append(lines, string(buf[start:i]))
		}
		start = i + 1
	}
	return lines, buf[start:]
}

// IsFirmwareError reports whether line is an error reply ("!8 Err: ...").
func IsFirmwareError(line string) bool {
	return strings.HasPrefix(line, "!")
}

// FirmwareVersion is the parsed reply to V.
type FirmwareVersion struct {
	Raw   string
	Major int
	Minor int
	Patch int
}

func (v FirmwareVersion) String() string {
	return v.Raw
}

// AtLeast reports whether the firmware is at least major.minor.patch.
func (v FirmwareVersion) AtLeast(major, minor, patch int) bool {
	if v.Major != major {
		return v.Major > major
	}
	if v.Minor != minor {
		return v.Minor > minor
	}
	return v.Patch >= patch
}

var versionRe = regexp.MustCompile(`(\d+)\.(\d+)(?:\.(\d+))?`)

// ParseVersion validates an identification line. Only replies beginning
// with "EBB" identify a controller board.
func ParseVersion(line string) (FirmwareVersion, error) {
	if !strings.HasPrefix(line, "EBB") {
		return FirmwareVersion{}, errors.Malformed("V", line, "not an EBB identification")
	}
	v := FirmwareVersion{Raw: line}
	m := versionRe.FindStringSubmatch(line[strings.Index(line, " ")+1:])
	if m == nil {
		return v, nil
	}
	v.Major, _ = strconv.Atoi(m[1])
	v.Minor, _ = strconv.Atoi(m[2])
	if m[3] != "" {
		v.Patch, _ = strconv.Atoi(m[3])
	}
	return v, nil
}

// Status is the decoded QG status byte.
type Status struct {
	Raw              byte
	FIFOEmpty        bool
	Motor2Moving     bool
	Motor1Moving     bool
	CommandExecuting bool
	PenUp            bool
	ButtonPressed    bool
}

// Idle reports whether nothing is executing or queued on the board.
func (s Status) Idle() bool {
	return s.FIFOEmpty && !s.CommandExecuting && !s.Motor1Moving && !s.Motor2Moving
}

// ParseStatus decodes the QG reply: one byte as two hex digits.
func ParseStatus(line string) (Status, error) {
	if len(line) != 2 {
		return Status{}, errors.Malformed("QG", line, "expected two hex digits")
	}
	v, err := strconv.ParseUint(line, 16, 8)
	if err != nil {
		return Status{}, errors.Malformed("QG", line, "expected two hex digits")
	}
	b := byte(v)
	return Status{
		Raw:              b,
		FIFOEmpty:        b&0x01 == 0,
		Motor2Moving:     b&0x02 != 0,
		Motor1Moving:     b&0x04 != 0,
		CommandExecuting: b&0x08 != 0,
		PenUp:            b&0x10 != 0,
		ButtonPressed:    b&0x20 != 0,
	}, nil
}

// ParseStepPosition decodes the QS reply "m1,m2".
func ParseStepPosition(line string) (m1, m2 int, err error) {
	v, err := parseInts("QS", line, 2)
	if err != nil {
		return 0, 0, err
	}
	return v[0], v[1], nil
}

// ParsePen decodes the QP reply. "1" is up, "0" is down.
func ParsePen(line string) (up bool, err error) {
	switch line {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, errors.Malformed("QP", line, "expected 0 or 1")
	}
}

// Power is the decoded QC reply in raw ADC counts.
type Power struct {
	Current int `json:"current"`
	Voltage int `json:"voltage"`
}

// ParsePower decodes the QC reply "current,voltage".
func ParsePower(line string) (Power, error) {
	v, err := parseInts("QC", line, 2)
	if err != nil {
		return Power{}, err
	}
	return Power{Current: v[0], Voltage: v[1]}, nil
}

// StopReport is the decoded ES reply. Step counts are signed motor steps
// the board dropped: the rest of the executing move and whatever was
// still queued behind it.
type StopReport struct {
	Interrupted bool   `json:"interrupted"`
	FIFOSteps   [2]int `json:"fifo_steps"`
	Remaining   [2]int `json:"remaining"`
}

// Dropped returns the motor steps the stop discarded.
func (r StopReport) Dropped() (m1, m2 int) {
	return r.Remaining[0] + r.FIFOSteps[0], r.Remaining[1] + r.FIFOSteps[1]
}

// ParseStop decodes the ES reply "interrupted,fifo1,fifo2,rem1,rem2".
func ParseStop(line string) (StopReport, error) {
	v, err := parseInts("ES", line, 5)
	if err != nil {
		return StopReport{}, err
	}
	return StopReport{
		Interrupted: v[0] != 0,
		FIFOSteps:   [2]int{v[1], v[2]},
		Remaining:   [2]int{v[3], v[4]},
	}, nil
}

func parseInts(op, line string, n int) ([]int, error) {
	fields := strings.Split(line, ",")
	if len(fields) != n {
		return nil, errors.Malformed(op, line, "expected "+strconv.Itoa(n)+" comma-separated fields")
	}
	out := make([]int, n)
	for i, f := range fields {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, errors.Malformed(op, line, "field "+strconv.Itoa(i+1)+" is not an integer")
		}
		out[i] = v
	}
	return out, nil
}
