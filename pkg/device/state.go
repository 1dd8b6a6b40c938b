// Copyright (C) 2026  axi-server authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package device

import (
	"fmt"
	"time"

	"github.com/joeysapp/axi-server-sub001/pkg/channel"
	"github.com/joeysapp/axi-server-sub001/pkg/errors"
	"github.com/joeysapp/axi-server-sub001/pkg/motion"
	"github.com/joeysapp/axi-server-sub001/pkg/servo"
)

// State is whether the controller can safely accept new work. It does not
// describe physical motion.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateReady
	StateBusy
	StatePaused
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnected:
		return "CONNECTED"
	case StateReady:
		return "READY"
	case StateBusy:
		return "BUSY"
	case StatePaused:
		return "PAUSED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	for st := StateDisconnected; st <= StateError; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return errors.Validation("state", fmt.Sprintf("unknown state %q", b))
}

// Position is a point reported in both steps and millimetres.
type Position struct {
	Steps motion.Point `json:"steps"`
	XMM   float64      `json:"x_mm"`
	YMM   float64      `json:"y_mm"`
}

// Status is a snapshot of the controller's beliefs.
type Status struct {
	State           State            `json:"state"`
	Session         *channel.Session `json:"session,omitempty"`
	Position        Position         `json:"position"`
	PositionTrusted bool             `json:"position_trusted"`
	Pen             servo.PenState   `json:"pen"`
	MotorsEnabled   bool             `json:"motors_enabled"`
	Geometry        motion.Geometry  `json:"geometry"`
	Speeds          motion.Speeds    `json:"speeds"`
	LastError       string           `json:"last_error,omitempty"`
}

// HistoryEntry records one completed operation. Entries are values and are
// never modified after being appended.
type HistoryEntry struct {
	Seq      uint64         `json:"seq"`
	Op       string         `json:"op"`
	Started  time.Time      `json:"started"`
	Duration time.Duration  `json:"duration"`
	OK       bool           `json:"ok"`
	Error    string         `json:"error,omitempty"`
	Position motion.Point   `json:"position"`
	Pen      servo.PenState `json:"pen"`
}

// history is a bounded ring of entries.
type history struct {
	entries []HistoryEntry
	next    int
	full    bool
	seq     uint64
}

func newHistory(size int) *history {
	if size < 1 {
		size = 1
	}
	return &history{entries: make([]HistoryEntry, size)}
}

func (h *history) add(e HistoryEntry) {
	h.seq++
	e.Seq = h.seq
	h.entries[h.next] = e
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

// list returns entries oldest first, at most limit when limit > 0.
func (h *history) list(limit int) []HistoryEntry {
	var out []HistoryEntry
	if h.full {
		out = append(out, h.entries[h.next:]...)
	}
	out = append(out, h.entries[:h.next]...)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
