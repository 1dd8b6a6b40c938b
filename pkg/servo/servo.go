// Copyright (C) 2026  axi-server authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package servo tracks the pen-lift servo: the believed pen state, the
// active configuration, and how long each transition takes to settle.
package servo

import (
	"context"
	"sync"
	"time"

	"github.com/joeysapp/axi-server-sub001/pkg/ebb"
	"github.com/joeysapp/axi-server-sub001/pkg/errors"
	"github.com/joeysapp/axi-server-sub001/pkg/log"
	"github.com/joeysapp/axi-server-sub001/pkg/metrics"
)

// Sender sends one command to the board.
type Sender interface {
	Send(ctx context.Context, cmd ebb.Command) (ebb.Response, error)
}

// Transition is the outcome of a pen command.
type Transition struct {
	State PenState      `json:"state"`
	Delay time.Duration `json:"delay"`
	// Issued is false when the pen was already believed to be there.
	Issued bool `json:"issued"`
}

// ToggleResult is the outcome of Toggle.
type ToggleResult struct {
	Transition
	// Asserted is true when the state was queried before deciding direction.
	Asserted bool `json:"asserted"`
	// Debounced is true when the toggle arrived too soon after the last one
	// and was ignored.
	Debounced bool `json:"debounced"`
}

// Servo is the pen lift. Its state has a single writer: the device
// controller, which serializes every call that reaches the board.
type Servo struct {
	link    Sender
	log     *log.Logger
	metrics *metrics.PlotterMetrics
	now     func() time.Time

	mu         sync.Mutex
	cfg        Config
	timing     Timing
	fixed      bool // timing set explicitly, not by variant
	state      PenState
	configured bool
	lastToggle time.Time
}

// Option configures a Servo.
type Option func(*Servo)

// WithTiming replaces the variant's timing strategy.
func WithTiming(t Timing) Option {
	return func(s *Servo) {
		s.timing = t
		s.fixed = true
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Servo) { s.log = l }
}

// WithMetrics counts pen transitions.
func WithMetrics(m *metrics.PlotterMetrics) Option {
	return func(s *Servo) { s.metrics = m }
}

// WithClock replaces time.Now for debounce decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Servo) { s.now = now }
}

// New returns a servo with the pen state unknown.
func New(link Sender, cfg Config, opts ...Option) *Servo {
	s := &Servo{
		link:   link,
		log:    log.GetLogger("servo"),
		now:    time.Now,
		cfg:    cfg,
		timing: TimingFor(cfg.Variant),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the believed pen state.
func (s *Servo) State() PenState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Config returns the active configuration.
func (s *Servo) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetConfig replaces the configuration. It affects only future
// transitions; the board is reprogrammed before the next pen command.
func (s *Servo) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if !s.fixed {
		s.timing = TimingFor(cfg.Variant)
	}
	s.configured = false
	s.log.WithFields(log.Fields{"variant": cfg.Variant, "up": cfg.PosUp, "down": cfg.PosDown}).Info("servo config updated")
	return nil
}

// Invalidate forgets the pen state, after an error or anything else that
// may have moved the pen behind our back.
func (s *Servo) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = PenUnknown
}

// Reset forgets both the pen state and that the board holds our settings,
// as after a reconnect.
func (s *Servo) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = PenUnknown
	s.configured = false
}

// Configure programs the pulse widths, rates, and power timeout.
func (s *Servo) Configure(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	cmds := []ebb.Command{
		ebb.ServoConfig(ebb.ServoParamUpPulse, cfg.Pulse(cfg.PosUp)),
		ebb.ServoConfig(ebb.ServoParamDownPulse, cfg.Pulse(cfg.PosDown)),
		ebb.ServoConfig(ebb.ServoParamUpRate, cfg.RateUp),
		ebb.ServoConfig(ebb.ServoParamDownRate, cfg.RateDown),
	}
	if cfg.PowerTimeout > 0 {
		cmds = append(cmds, ebb.ServoTimeout(cfg.PowerTimeout))
	}
	for _, cmd := range cmds {
		if _, err := s.link.Send(ctx, cmd); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.configured = s.cfg == cfg
	s.mu.Unlock()
	return nil
}

// Up raises the pen.
func (s *Servo) Up(ctx context.Context) (Transition, error) {
	return s.set(ctx, PenUp)
}

// Down lowers the pen.
func (s *Servo) Down(ctx context.Context) (Transition, error) {
	return s.set(ctx, PenDown)
}

// Set moves the pen to target, which must be known.
func (s *Servo) Set(ctx context.Context, target PenState) (Transition, error) {
	if !target.Known() {
		return Transition{}, errors.Validation("pen", "target must be up or down")
	}
	return s.set(ctx, target)
}

// set issues a pen command unless the pen is already believed to be at
// target. An unknown belief always issues. The belief changes only after
// the board acknowledges.
func (s *Servo) set(ctx context.Context, target PenState) (Transition, error) {
	s.mu.Lock()
	configured := s.configured
	current := s.state
	s.mu.Unlock()

	if current == target {
		return Transition{State: target}, nil
	}
	if !configured {
		if err := s.Configure(ctx); err != nil {
			s.Invalidate()
			return Transition{State: PenUnknown}, err
		}
	}

	s.mu.Lock()
	cfg, timing := s.cfg, s.timing
	s.mu.Unlock()

	// From unknown, assume the full travel between the two positions.
	from := cfg.PulseFor(target.Opposite())
	if current.Known() {
		from = cfg.PulseFor(current)
	}
	delay := timing.Delay(cfg, from, cfg.PulseFor(target))

	if _, err := s.link.Send(ctx, ebb.SetPen(target == PenUp, delay)); err != nil {
		s.Invalidate()
		return Transition{State: PenUnknown}, err
	}

	s.mu.Lock()
	s.state = target
	s.mu.Unlock()
	s.metrics.PenTransition(target.String())
	s.log.WithFields(log.Fields{"pen": target.String(), "delay": delay}).Debug("pen moved")
	return Transition{State: target, Delay: delay, Issued: true}, nil
}

// Assert queries the board for the pen state and adopts the answer.
func (s *Servo) Assert(ctx context.Context) (PenState, error) {
	resp, err := s.link.Send(ctx, ebb.QueryPen())
	if err != nil {
		s.Invalidate()
		return PenUnknown, err
	}
	up, err := ebb.ParsePen(resp.Value)
	if err != nil {
		s.Invalidate()
		return PenUnknown, err
	}
	state := PenDown
	if up {
		state = PenUp
	}
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	return state, nil
}

// Observe adopts the pen bit of a successful status query.
func (s *Servo) Observe(st ebb.Status) {
	state := PenDown
	if st.PenUp {
		state = PenUp
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Toggle flips the pen. With the state unknown it asserts the real state
// first rather than guessing a direction. Toggles closer together than the
// configured debounce are ignored.
func (s *Servo) Toggle(ctx context.Context) (ToggleResult, error) {
	now := s.now()
	s.mu.Lock()
	debounce := s.cfg.ToggleDebounce
	last := s.lastToggle
	current := s.state
	s.mu.Unlock()

	if debounce > 0 && !last.IsZero() && now.Sub(last) < debounce {
		s.log.Debug("toggle debounced")
		return ToggleResult{Transition: Transition{State: current}, Debounced: true}, nil
	}

	var result ToggleResult
	if !current.Known() {
		asserted, err := s.Assert(ctx)
		if err != nil {
			return result, err
		}
		current = asserted
		result.Asserted = true
	}

	tr, err := s.set(ctx, current.Opposite())
	result.Transition = tr
	if err != nil {
		return result, err
	}
	s.mu.Lock()
	s.lastToggle = s.now()
	s.mu.Unlock()
	return result, nil
}
