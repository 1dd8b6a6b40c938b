// Continuous-input processor for joystick style control
//
// Copyright (C) 2026  axi-server authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package spatial

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/joeysapp/axi-server-sub001/pkg/device"
	"github.com/joeysapp/axi-server-sub001/pkg/ebb"
	"github.com/joeysapp/axi-server-sub001/pkg/errors"
	"github.com/joeysapp/axi-server-sub001/pkg/log"
	"github.com/joeysapp/axi-server-sub001/pkg/metrics"
	"github.com/joeysapp/axi-server-sub001/pkg/servo"
)

// Device is the part of the controller the processor drives.
type Device interface {
	Move(ctx context.Context, dx, dy float64) (device.Position, error)
	TogglePen(ctx context.Context) (servo.ToggleResult, error)
	PenUp(ctx context.Context) (servo.Transition, error)
	PenDown(ctx context.Context) (servo.Transition, error)
	Home(ctx context.Context) (device.Position, error)
	EmergencyStop(ctx context.Context) (ebb.StopReport, error)
	Status() device.Status
}

// Vec2 is a planar vector in millimetres.
type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (v Vec2) Add(o Vec2) Vec2      { return Vec2{v.X + o.X, v.Y + o.Y} }
func (v Vec2) Sub(o Vec2) Vec2      { return Vec2{v.X - o.X, v.Y - o.Y} }
func (v Vec2) Scale(k float64) Vec2 { return Vec2{v.X * k, v.Y * k} }
func (v Vec2) Len() float64         { return math.Hypot(v.X, v.Y) }
func (v Vec2) IsZero() bool         { return v.X == 0 && v.Y == 0 }

// Frame is the virtual cursor after one tick.
type Frame struct {
	Position        Vec2      `json:"position"`
	Velocity        Vec2      `json:"velocity"`
	Orientation     float64   `json:"orientation"`
	AngularVelocity float64   `json:"angular_velocity"`
	PenDown         bool      `json:"pen_down"`
	Tick            uint64    `json:"tick"`
	Time            time.Time `json:"time"`
}

// Input is one analog sample. Each axis is clamped to -1..1.
type Input struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Rotation float64 `json:"rotation"`
}

// Actions accepted by HandleAction.
const (
	ActionPenToggle = "pen_toggle"
	ActionPenUp     = "pen_up"
	ActionPenDown   = "pen_down"
	ActionHome      = "home"
	ActionStop      = "stop"
)

// Option configures a Processor.
type Option func(*Processor)

func WithLogger(l *log.Logger) Option {
	return func(p *Processor) { p.log = l }
}

func WithMetrics(m *metrics.PlotterMetrics) Option {
	return func(p *Processor) { p.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// Processor integrates analog input into a modeled cursor and forwards
// the accumulated displacement to the device in bounded chunks. Ticks
// never wait on the device; at most one flush is outstanding.
type Processor struct {
	dev     Device
	log     *log.Logger
	metrics *metrics.PlotterMetrics
	now     func() time.Time

	mu        sync.Mutex
	cfg       Config
	ctx       context.Context
	input     Input
	inputAt   time.Time
	frame     Frame
	accum     Vec2
	limit     Vec2
	stepsMM   float64
	flushDone chan struct{}
	lastErr   error
	listeners map[int]func(Frame)
	nextID    int

	reconfig chan struct{}
}

// New builds a processor whose cursor starts at the device's believed
// position.
func New(dev Device, cfg Config, opts ...Option) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Processor{
		dev:       dev,
		cfg:       cfg,
		ctx:       context.Background(),
		now:       time.Now,
		listeners: make(map[int]func(Frame)),
		reconfig:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = log.GetLogger("spatial")
	}
	p.SyncPosition()
	return p, nil
}

// Run ticks at the configured rate until ctx ends. A config change takes
// effect from the next tick.
func (p *Processor) Run(ctx context.Context) error {
	p.mu.Lock()
	p.ctx = ctx
	interval := p.cfg.Interval()
	p.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	p.log.Info("tick loop started at %s", interval)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("tick loop stopped")
			return ctx.Err()
		case <-p.reconfig:
			p.mu.Lock()
			interval = p.cfg.Interval()
			p.mu.Unlock()
			ticker.Reset(interval)
		case <-ticker.C:
			p.Tick()
		}
	}
}

// Tick advances the model by one fixed interval and publishes the frame.
func (p *Processor) Tick() Frame {
	p.mu.Lock()
	cfg := p.cfg
	dt := 1 / cfg.TickRate
	now := p.now()

	in := p.input
	if cfg.InputTimeout > 0 && !p.inputAt.IsZero() && now.Sub(p.inputAt) > cfg.InputTimeout {
		in = Input{}
		p.input = in
	}

	f := &p.frame
	ax := shape(in.X, cfg.Deadzone, cfg.Curve) * cfg.Acceleration
	ay := shape(in.Y, cfg.Deadzone, cfg.Curve) * cfg.Acceleration
	f.Velocity = f.Velocity.Add(Vec2{ax * dt, ay * dt}).Scale(1 - cfg.Damping)
	if s := f.Velocity.Len(); s > cfg.MaxSpeed {
		f.Velocity = f.Velocity.Scale(cfg.MaxSpeed / s)
	}
	if f.Velocity.Len() < 1e-6 {
		f.Velocity = Vec2{}
	}

	ar := shape(in.Rotation, cfg.Deadzone, cfg.Curve) * cfg.AngularAccel
	f.AngularVelocity = (f.AngularVelocity + ar*dt) * (1 - cfg.AngularDamping)
	f.AngularVelocity = clamp(f.AngularVelocity, -cfg.MaxAngularSpeed, cfg.MaxAngularSpeed)
	if math.Abs(f.AngularVelocity) < 1e-6 {
		f.AngularVelocity = 0
	}
	f.Orientation = math.Mod(f.Orientation+f.AngularVelocity*dt, 2*math.Pi)

	to := p.bound(f.Position.Add(f.Velocity.Scale(dt)))
	if to.X == 0 || to.X == p.limit.X {
		f.Velocity.X = 0
	}
	if to.Y == 0 || to.Y == p.limit.Y {
		f.Velocity.Y = 0
	}
	p.accum = p.accum.Add(to.Sub(f.Position))
	f.Position = to
	f.Tick++
	f.Time = now

	p.maybeFlushLocked(cfg)
	out := *f
	fns := p.snapshotListenersLocked()
	p.mu.Unlock()

	for _, fn := range fns {
		fn(out)
	}
	return out
}

// shape applies the deadzone and response curve to one axis.
func shape(v, deadzone, curve float64) float64 {
	v = clamp(v, -1, 1)
	mag := math.Abs(v)
	if mag <= deadzone {
		return 0
	}
	mag = math.Pow((mag-deadzone)/(1-deadzone), curve)
	return math.Copysign(mag, v)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func (p *Processor) bound(v Vec2) Vec2 {
	return Vec2{clamp(v.X, 0, p.limit.X), clamp(v.Y, 0, p.limit.Y)}
}

// maybeFlushLocked sends the accumulated displacement once it reaches
// MinMove, rounded to whole steps. The remainder stays accumulated.
func (p *Processor) maybeFlushLocked(cfg Config) {
	if p.flushDone != nil || p.accum.Len() < cfg.MinMove {
		return
	}
	d := p.accum
	if p.stepsMM > 0 {
		d = Vec2{
			math.Round(d.X*p.stepsMM) / p.stepsMM,
			math.Round(d.Y*p.stepsMM) / p.stepsMM,
		}
	}
	if d.IsZero() {
		return
	}
	p.accum = p.accum.Sub(d)
	done := make(chan struct{})
	p.flushDone = done
	p.metrics.SpatialFlush()
	go p.flush(p.ctx, d, done)
}

func (p *Processor) flush(ctx context.Context, d Vec2, done chan struct{}) {
	_, err := p.dev.Move(ctx, d.X, d.Y)

	p.mu.Lock()
	p.flushDone = nil
	p.lastErr = err
	if err != nil {
		p.log.WithError(err).WithFields(log.Fields{"dx": d.X, "dy": d.Y}).Warn("flush failed, resyncing")
		p.syncLocked(p.dev.Status())
	}
	p.mu.Unlock()
	close(done)
}

// WaitIdle blocks until no flush is outstanding.
func (p *Processor) WaitIdle(ctx context.Context) error {
	p.mu.Lock()
	done := p.flushDone
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrTimeout, "waiting for flush")
	}
}

// SetInput replaces the current analog sample.
func (p *Processor) SetInput(in Input) {
	in.X = clamp(in.X, -1, 1)
	in.Y = clamp(in.Y, -1, 1)
	in.Rotation = clamp(in.Rotation, -1, 1)
	p.mu.Lock()
	p.input = in
	p.inputAt = p.now()
	p.mu.Unlock()
}

// Nudge adds a discrete displacement in one direction. Up is towards the
// origin on Y.
func (p *Processor) Nudge(direction string, distance float64) (Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !(distance > 0) || distance > p.cfg.MaxNudge {
		return p.frame, errors.Validation("distance", "must be positive and at most max_nudge")
	}
	var d Vec2
	switch direction {
	case "up":
		d.Y = -distance
	case "down":
		d.Y = distance
	case "left":
		d.X = -distance
	case "right":
		d.X = distance
	default:
		return p.frame, errors.Validation("direction", "unknown direction "+direction)
	}
	to := p.bound(p.frame.Position.Add(d))
	p.accum = p.accum.Add(to.Sub(p.frame.Position))
	p.frame.Position = to
	return p.frame, nil
}

// HandleAction applies a button event against the device. Pending
// displacement is flushed first so the action lands where the cursor is;
// stop does not wait.
func (p *Processor) HandleAction(ctx context.Context, action string) (any, error) {
	if action == ActionStop {
		rep, err := p.dev.EmergencyStop(ctx)
		p.mu.Lock()
		p.input = Input{}
		p.frame.Velocity = Vec2{}
		p.frame.AngularVelocity = 0
		p.accum = Vec2{}
		p.mu.Unlock()
		return rep, err
	}
	switch action {
	case ActionPenToggle, ActionPenUp, ActionPenDown, ActionHome:
	default:
		return nil, errors.Validation("action", "unknown action "+action)
	}
	if err := p.WaitIdle(ctx); err != nil {
		return nil, err
	}

	switch action {
	case ActionPenToggle:
		res, err := p.dev.TogglePen(ctx)
		if err == nil {
			p.setPen(res.State)
		}
		return res, err
	case ActionPenUp:
		tr, err := p.dev.PenUp(ctx)
		if err == nil {
			p.setPen(tr.State)
		}
		return tr, err
	case ActionPenDown:
		tr, err := p.dev.PenDown(ctx)
		if err == nil {
			p.setPen(tr.State)
		}
		return tr, err
	default:
		pos, err := p.dev.Home(ctx)
		p.SyncPosition()
		return pos, err
	}
}

func (p *Processor) setPen(s servo.PenState) {
	p.mu.Lock()
	p.frame.PenDown = s == servo.PenDown
	p.mu.Unlock()
}

// SyncPosition resets the model to the device's believed position and
// drops any unflushed displacement.
func (p *Processor) SyncPosition() Frame {
	st := p.dev.Status()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.syncLocked(st)
	return p.frame
}

func (p *Processor) syncLocked(st device.Status) {
	p.limit = Vec2{st.Geometry.Model.TravelX, st.Geometry.Model.TravelY}
	p.stepsMM = st.Geometry.StepsPerMM()
	p.frame.Position = p.bound(Vec2{st.Position.XMM, st.Position.YMM})
	p.frame.Velocity = Vec2{}
	p.frame.PenDown = st.Pen == servo.PenDown
	p.accum = Vec2{}
}

// UpdateConfig merges a partial config. The result applies from the next
// tick.
func (p *Processor) UpdateConfig(patch map[string]any) (Config, error) {
	p.mu.Lock()
	cfg, err := p.cfg.Merge(patch)
	if err == nil {
		p.cfg = cfg
	}
	p.mu.Unlock()
	if err != nil {
		return cfg, err
	}
	select {
	case p.reconfig <- struct{}{}:
	default:
	}
	p.log.WithFields(log.Fields{"tick_rate": cfg.TickRate, "deadzone": cfg.Deadzone}).Info("config updated")
	return cfg, nil
}

// Config returns the active configuration.
func (p *Processor) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Frame returns the most recent frame.
func (p *Processor) Frame() Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frame
}

// LastError is the result of the most recent flush.
func (p *Processor) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Subscribe registers fn for every frame. Callbacks run on the tick
// goroutine and must not block.
func (p *Processor) Subscribe(fn func(Frame)) (cancel func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *Processor) snapshotListenersLocked() []func(Frame) {
	fns := make([]func(Frame), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	return fns
}
