// Pen-lift servo configuration and timing
//
// Copyright (C) 2026  axi-server authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package servo

import (
	"fmt"
	"time"

	"github.com/joeysapp/axi-server-sub001/pkg/errors"
)

// PenState is the believed pen position. The zero value is PenUnknown, so
// every consumer must handle not knowing.
type PenState int

const (
	PenUnknown PenState = iota
	PenUp
	PenDown
)

func (p PenState) String() string {
	switch p {
	case PenUp:
		return "up"
	case PenDown:
		return "down"
	default:
		return "unknown"
	}
}

// Known reports whether the state is Up or Down.
func (p PenState) Known() bool {
	return p == PenUp || p == PenDown
}

// Opposite returns the other known state. Unknown has no opposite.
func (p PenState) Opposite() PenState {
	switch p {
	case PenUp:
		return PenDown
	case PenDown:
		return PenUp
	default:
		return PenUnknown
	}
}

// MarshalText encodes the state as "up", "down" or "unknown".
func (p PenState) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText accepts the forms MarshalText produces.
func (p *PenState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "up":
		*p = PenUp
	case "down":
		*p = PenDown
	case "unknown", "":
		*p = PenUnknown
	default:
		return errors.Validation("pen", fmt.Sprintf("unknown pen state %q", b))
	}
	return nil
}

// Servo variants.
const (
	VariantStandard = "standard"
	VariantNarrow   = "narrow"
)

// Config describes the installed lift mechanism. Pulse widths are in board
// units of 1/12 µs.
type Config struct {
	Variant        string        `yaml:"variant" json:"variant" mapstructure:"variant"`
	MinPulse       int           `yaml:"min_pulse" json:"min_pulse" mapstructure:"min_pulse"`
	MaxPulse       int           `yaml:"max_pulse" json:"max_pulse" mapstructure:"max_pulse"`
	PosUp          float64       `yaml:"pos_up" json:"pos_up" mapstructure:"pos_up"`
	PosDown        float64       `yaml:"pos_down" json:"pos_down" mapstructure:"pos_down"`
	SweepTime      time.Duration `yaml:"sweep_time" json:"sweep_time" mapstructure:"sweep_time"`
	Settle         time.Duration `yaml:"settle" json:"settle" mapstructure:"settle"`
	RateUp         int           `yaml:"rate_up" json:"rate_up" mapstructure:"rate_up"`
	RateDown       int           `yaml:"rate_down" json:"rate_down" mapstructure:"rate_down"`
	PowerTimeout   time.Duration `yaml:"power_timeout" json:"power_timeout" mapstructure:"power_timeout"`
	ToggleDebounce time.Duration `yaml:"toggle_debounce" json:"toggle_debounce" mapstructure:"toggle_debounce"`
}

// DefaultConfig is the stock hobby servo.
func DefaultConfig() Config {
	return Config{
		Variant:        VariantStandard,
		MinPulse:       9855,
		MaxPulse:       27831,
		PosUp:          60,
		PosDown:        30,
		SweepTime:      200 * time.Millisecond,
		PowerTimeout:   60 * time.Second,
		ToggleDebounce: 150 * time.Millisecond,
	}
}

// NarrowBandConfig is the brushless narrow-band servo upgrade.
func NarrowBandConfig() Config {
	c := DefaultConfig()
	c.Variant = VariantNarrow
	c.MinPulse = 5400
	c.MaxPulse = 12600
	c.SweepTime = 70 * time.Millisecond
	c.Settle = 30 * time.Millisecond
	return c
}

// ConfigFor returns the defaults for a variant name.
func ConfigFor(variant string) (Config, error) {
	switch variant {
	case "", VariantStandard:
		return DefaultConfig(), nil
	case VariantNarrow:
		return NarrowBandConfig(), nil
	default:
		return Config{}, errors.Validation("servo.variant", fmt.Sprintf("unknown variant %q", variant))
	}
}

// Validate checks ranges.
func (c Config) Validate() error {
	switch {
	case c.Variant != VariantStandard && c.Variant != VariantNarrow:
		return errors.Validation("servo.variant", fmt.Sprintf("unknown variant %q", c.Variant))
	case c.MinPulse < 1 || c.MaxPulse > 65535 || c.MinPulse >= c.MaxPulse:
		return errors.Validation("servo.pulse", fmt.Sprintf("need 1 <= min < max <= 65535, got %d..%d", c.MinPulse, c.MaxPulse))
	case c.PosUp < 0 || c.PosUp > 100:
		return errors.Validation("servo.pos_up", "must be within 0..100")
	case c.PosDown < 0 || c.PosDown > 100:
		return errors.Validation("servo.pos_down", "must be within 0..100")
	case c.SweepTime <= 0:
		return errors.Validation("servo.sweep_time", "must be positive")
	case c.Settle < 0:
		return errors.Validation("servo.settle", "must not be negative")
	case c.RateUp < 0 || c.RateDown < 0:
		return errors.Validation("servo.rate", "must not be negative")
	case c.PowerTimeout < 0:
		return errors.Validation("servo.power_timeout", "must not be negative")
	case c.ToggleDebounce < 0:
		return errors.Validation("servo.toggle_debounce", "must not be negative")
	}
	return nil
}

// Pulse converts a percentage of travel into a pulse width.
func (c Config) Pulse(percent float64) int {
	return c.MinPulse + int(float64(c.MaxPulse-c.MinPulse)*percent/100+0.5)
}

// PulseFor returns the pulse width for a known pen state.
func (c Config) PulseFor(p PenState) int {
	if p == PenUp {
		return c.Pulse(c.PosUp)
	}
	return c.Pulse(c.PosDown)
}

// Timing computes how long a transition between two pulse widths takes.
type Timing interface {
	Delay(cfg Config, from, to int) time.Duration
}

// LinearSweep scales the full-range sweep time by the fraction of the
// pulse range travelled.
type LinearSweep struct{}

func (LinearSweep) Delay(cfg Config, from, to int) time.Duration {
	span := cfg.MaxPulse - cfg.MinPulse
	if span <= 0 {
		return 0
	}
	travel := to - from
	if travel < 0 {
		travel = -travel
	}
	return time.Duration(int64(cfg.SweepTime) * int64(travel) / int64(span))
}

// NarrowBand is the linear sweep plus a fixed settle term for the
// brushless servo, whose pulse-to-delay relation has not been measured.
type NarrowBand struct{}

func (NarrowBand) Delay(cfg Config, from, to int) time.Duration {
	if from == to {
		return 0
	}
	return LinearSweep{}.Delay(cfg, from, to) + cfg.Settle
}

// TimingFor returns the timing strategy of a variant.
func TimingFor(variant string) Timing {
	if variant == VariantNarrow {
		return NarrowBand{}
	}
	return LinearSweep{}
}
