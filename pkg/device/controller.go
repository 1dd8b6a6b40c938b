// Device controller: the single owner of plotter state
//
// Every operation that reaches the board runs inside the BUSY gate, so at
// most one operation touches the link at a time and the beliefs below
// (state, position, pen) have a single writer. Emergency stop is the one
// exception; it goes straight to the channel, which still serializes it at
// the command level.
//
// Copyright (C) 2026  axi-server authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package device

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeysapp/axi-server-sub001/pkg/channel"
	"github.com/joeysapp/axi-server-sub001/pkg/ebb"
	"github.com/joeysapp/axi-server-sub001/pkg/errors"
	"github.com/joeysapp/axi-server-sub001/pkg/log"
	"github.com/joeysapp/axi-server-sub001/pkg/metrics"
	"github.com/joeysapp/axi-server-sub001/pkg/motion"
	"github.com/joeysapp/axi-server-sub001/pkg/servo"
)

// Link is the command channel as the controller uses it.
type Link interface {
	Open(ctx context.Context, portSpec string) (*channel.Session, error)
	Send(ctx context.Context, cmd ebb.Command) (ebb.Response, error)
	Close() error
	IsOpen() bool
	Session() *channel.Session
	SetNickname(name string)
}

// Config holds the controller's tunables.
type Config struct {
	// Port is a device path, a tcp:// address, or empty for discovery.
	Port        string            `yaml:"port" json:"port" mapstructure:"port"`
	Model       string            `yaml:"model" json:"model" mapstructure:"model"`
	Resolution  motion.Resolution `yaml:"resolution" json:"resolution" mapstructure:"resolution"`
	Heartbeat   time.Duration     `yaml:"heartbeat" json:"heartbeat" mapstructure:"heartbeat"`
	HistorySize int               `yaml:"history_size" json:"history_size" mapstructure:"history_size"`
	Servo       servo.Config      `yaml:"servo" json:"servo" mapstructure:"servo"`
	Speeds      motion.Speeds     `yaml:"speeds" json:"speeds" mapstructure:"speeds"`
}

// DefaultConfig returns a V3 at 1/16 stepping with the standard servo.
func DefaultConfig() Config {
	return Config{
		Model:       "V3",
		Resolution:  motion.Res16th,
		Heartbeat:   30 * time.Second,
		HistorySize: 200,
		Servo:       servo.DefaultConfig(),
		Speeds:      motion.DefaultSpeeds(),
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithMetrics records device state, divergence and heartbeat failures.
func WithMetrics(m *metrics.PlotterMetrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock replaces time.Now for history timestamps and pen debounce.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller owns the device state machine, the logical position, and the
// pen belief.
type Controller struct {
	link    Link
	servo   *servo.Servo
	motion  *motion.Motion
	cfg     Config
	log     *log.Logger
	metrics *metrics.PlotterMetrics
	now     func() time.Time

	// gate is the BUSY gate; holding it grants exclusive use of the link.
	gate chan struct{}

	// stopGen advances on every emergency stop so a running batch can
	// notice it between steps.
	stopGen atomic.Uint64

	mu          sync.Mutex
	state       State
	position    motion.Point // logical position, axis steps from origin
	base        motion.Point // logical position at which the board counters read zero
	trusted     bool
	motorsOn    bool
	initialized bool
	lastErr     string
	history     *history
	listeners   map[int]func(Status)
	nextListen  int

	hbMu   sync.Mutex
	hbStop chan struct{}
	hbDone chan struct{}
}

// New returns a disconnected controller.
func New(link Link, cfg Config, opts ...Option) (*Controller, error) {
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Resolution == 0 {
		cfg.Resolution = def.Resolution
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.Servo == (servo.Config{}) {
		cfg.Servo = def.Servo
	}
	if cfg.Speeds == (motion.Speeds{}) {
		cfg.Speeds = def.Speeds
	}
	model, err := motion.ModelFor(cfg.Model)
	if err != nil {
		return nil, err
	}
	if !cfg.Resolution.Valid() {
		return nil, errors.Validation("resolution", "must be 1..5")
	}
	if err := cfg.Servo.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Speeds.Validate(cfg.Resolution); err != nil {
		return nil, err
	}

	c := &Controller{
		link:      link,
		cfg:       cfg,
		log:       log.GetLogger("device"),
		now:       time.Now,
		gate:      make(chan struct{}, 1),
		history:   newHistory(cfg.HistorySize),
		listeners: make(map[int]func(Status)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.servo = servo.New(link, cfg.Servo,
		servo.WithLogger(c.log.WithPrefix("servo")),
		servo.WithMetrics(c.metrics),
		servo.WithClock(c.now))
	c.motion = motion.New(link, motion.Geometry{Model: model, Resolution: cfg.Resolution}, cfg.Speeds)
	c.motion.SetLogger(c.log.WithPrefix("motion"))
	c.metrics.SetDeviceState(StateDisconnected.String())
	return c, nil
}

func (c *Controller) lock(ctx context.Context) error {
	select {
	case c.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) tryLock() bool {
	select {
	case c.gate <- struct{}{}:
		return true
	default:
		return false
	}
}

func (c *Controller) unlock() {
	<-c.gate
}

// State returns the current device state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State, reason string) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	if reason != "" {
		c.lastErr = reason
	}
	c.mu.Unlock()
	if prev == s {
		return
	}
	c.metrics.SetDeviceState(s.String())
	c.log.WithFields(log.Fields{"from": prev.String(), "to": s.String()}).Debug("state change")
	c.notify()
}

// Subscribe registers fn to receive a status snapshot after every state
// change. fn runs on the changing goroutine and must not block.
func (c *Controller) Subscribe(fn func(Status)) (cancel func()) {
	c.mu.Lock()
	id := c.nextListen
	c.nextListen++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Controller) notify() {
	st := c.Status()
	c.mu.Lock()
	fns := make([]func(Status), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

// Status returns a snapshot of the controller's beliefs.
func (c *Controller) Status() Status {
	geom := c.motion.Geometry()
	speeds := c.motion.Speeds()
	pen := c.servo.State()
	session := c.link.Session()

	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:   c.state,
		Session: session,
		Position: Position{
			Steps: c.position,
			XMM:   geom.ToMM(c.position.X),
			YMM:   geom.ToMM(c.position.Y),
		},
		PositionTrusted: c.trusted,
		Pen:             pen,
		MotorsEnabled:   c.motorsOn,
		Geometry:        geom,
		Speeds:          speeds,
		LastError:       c.lastErr,
	}
}

// History returns completed operations oldest first; limit <= 0 returns all
// retained entries.
func (c *Controller) History(limit int) []HistoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.list(limit)
}

func (c *Controller) record(op string, started time.Time, err error) {
	pen := c.servo.State()
	c.mu.Lock()
	defer c.mu.Unlock()
	e := HistoryEntry{
		Op:       op,
		Started:  started,
		Duration: c.now().Sub(started),
		OK:       err == nil,
		Position: c.position,
		Pen:      pen,
	}
	if err != nil {
		e.Error = err.Error()
	}
	c.history.add(e)
}

// run executes fn as one operation: it waits for the gate, brings the
// device to READY, holds BUSY for the duration, and settles the beliefs
// according to the outcome.
func (c *Controller) run(ctx context.Context, op string, fn func(context.Context) error) (err error) {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()

	started := c.now()
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r).SetOp(op)
			c.setState(StateError, err.Error())
		}
		c.record(op, started, err)
	}()

	if err = c.ensureReady(ctx, op); err != nil {
		return err
	}
	c.setState(StateBusy, "")
	err = fn(ctx)
	c.settle(op, err)
	if c.State() == StateBusy {
		c.setState(StateReady, "")
	}
	return err
}

// query executes fn with the link open but without requiring motors or
// initialization. It never enters BUSY.
func (c *Controller) query(ctx context.Context, op string, fn func(context.Context) error) (err error) {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()

	started := c.now()
	defer func() { c.record(op, started, err) }()

	if c.State() == StateDisconnected || !c.link.IsOpen() {
		if err = c.connectLocked(ctx); err != nil {
			return err
		}
	}
	err = fn(ctx)
	c.settle(op, err)
	return err
}

// ensureReady brings a disconnected or connected device to READY,
// reconnecting and reinitializing as needed. PAUSED and ERROR refuse.
func (c *Controller) ensureReady(ctx context.Context, op string) error {
	state := c.State()
	if (state == StateReady || state == StateConnected) && !c.link.IsOpen() {
		c.linkDown(op, errors.NotConnected(op))
		state = StateDisconnected
	}

	switch state {
	case StateError, StatePaused:
		return errors.InvalidState(op, state.String())
	case StateDisconnected:
		if err := c.connectLocked(ctx); err != nil {
			return err
		}
		fallthrough
	case StateConnected:
		c.mu.Lock()
		recovering := c.initialized
		c.mu.Unlock()
		if err := c.initializeLocked(ctx, recovering); err != nil {
			return err
		}
	}

	if state := c.State(); state != StateReady {
		return errors.InvalidState(op, state.String())
	}
	return nil
}

// settle invalidates whatever a failed command could have changed.
func (c *Controller) settle(op string, err error) {
	switch {
	case err == nil:
	case errors.IsLink(err):
		c.linkDown(op, err)
	case errors.IsProtocol(err):
		c.servo.Invalidate()
		c.mu.Lock()
		c.trusted = false
		c.lastErr = err.Error()
		c.mu.Unlock()
		c.log.WithError(err).WithField("op", op).Warn("device beliefs invalidated")
	default:
		c.mu.Lock()
		c.lastErr = err.Error()
		c.mu.Unlock()
	}
}

// linkDown records a lost link: nothing believed about the board survives.
func (c *Controller) linkDown(op string, err error) {
	c.servo.Reset()
	c.mu.Lock()
	c.trusted = false
	c.motorsOn = false
	c.mu.Unlock()
	c.log.WithError(err).WithField("op", op).Warn("link down")
	c.setState(StateDisconnected, err.Error())
}

func (c *Controller) connectLocked(ctx context.Context) error {
	sess, err := c.link.Open(ctx, c.cfg.Port)
	if err != nil {
		c.setState(StateDisconnected, err.Error())
		return err
	}
	c.servo.Reset()
	c.mu.Lock()
	c.trusted = false
	c.motorsOn = false
	c.mu.Unlock()
	c.log.WithFields(log.Fields{"port": sess.Port, "firmware": sess.Version}).Info("connected")
	c.setState(StateConnected, "")
	return nil
}

// initializeLocked clears the step counters, programs the servo, enables
// the motors, and raises the pen unless it is known to be up. A fresh
// initialize defines the origin; a recovering one keeps the logical
// position but leaves it untrusted until reconciled.
func (c *Controller) initializeLocked(ctx context.Context, recovering bool) error {
	res := c.motion.Geometry().Resolution
	err := c.motion.ClearSteps(ctx)
	if err == nil {
		err = c.servo.Configure(ctx)
	}
	if err == nil {
		err = c.motion.Enable(ctx, res)
	}
	if err == nil && c.servo.State() != servo.PenUp {
		_, err = c.servo.Up(ctx)
	}
	if err != nil {
		if errors.IsLink(err) {
			c.linkDown("initialize", err)
		} else {
			c.servo.Invalidate()
			c.setState(StateError, err.Error())
		}
		return err
	}

	c.mu.Lock()
	if !recovering {
		c.position = motion.Point{}
		c.trusted = true
	}
	c.base = c.position
	c.motorsOn = true
	c.initialized = true
	trusted := c.trusted
	c.mu.Unlock()
	c.log.WithFields(log.Fields{"recovering": recovering, "trusted": trusted}).Info("initialized")
	c.setState(StateReady, "")
	return nil
}

// Reconciliation reports a comparison of the logical position against the
// board's step counters.
type Reconciliation struct {
	Believed   motion.Point `json:"believed"`
	Physical   motion.Point `json:"physical"`
	Divergence motion.Point `json:"divergence"`
}

// reconcileLocked adopts the board's position as the logical position.
func (c *Controller) reconcileLocked(ctx context.Context) (Reconciliation, error) {
	counters, err := c.motion.QueryPosition(ctx)
	if err != nil {
		return Reconciliation{}, err
	}
	c.mu.Lock()
	r := Reconciliation{
		Believed: c.position,
		Physical: c.base.Add(counters),
	}
	r.Divergence = r.Physical.Sub(r.Believed)
	c.position = r.Physical
	c.trusted = true
	c.mu.Unlock()

	diverged := maxAbs(r.Divergence.X, r.Divergence.Y)
	c.metrics.PositionDivergence(diverged)
	if diverged > 0 {
		c.log.WithFields(log.Fields{
			"believed": r.Believed,
			"physical": r.Physical,
		}).Warn("position diverged; adopting board position")
	}
	return r, nil
}

func (c *Controller) ensureTrusted(ctx context.Context) error {
	c.mu.Lock()
	trusted := c.trusted
	c.mu.Unlock()
	if trusted {
		return nil
	}
	_, err := c.reconcileLocked(ctx)
	return err
}

func (c *Controller) ensureMotors(ctx context.Context) error {
	c.mu.Lock()
	on := c.motorsOn
	c.mu.Unlock()
	if on {
		return nil
	}
	return c.enableLocked(ctx, c.motion.Geometry().Resolution)
}

// enableLocked energizes the motors at r. The board zeroes its counters,
// so the base moves to the current logical position, rescaled when the
// resolution changes.
func (c *Controller) enableLocked(ctx context.Context, r motion.Resolution) error {
	from := c.motion.Geometry().StepsPerMM()
	if err := c.motion.Enable(ctx, r); err != nil {
		return err
	}
	to := r.StepsPerMM()
	c.mu.Lock()
	if from != to {
		c.position = rescale(c.position, to/from)
	}
	c.base = c.position
	c.motorsOn = true
	c.mu.Unlock()
	return nil
}

// disableLocked de-energizes the motors. EM zeroes the board counters, so
// the position is read first and the base moves to it.
func (c *Controller) disableLocked(ctx context.Context) error {
	if _, err := c.reconcileLocked(ctx); err != nil {
		if errors.IsLink(err) {
			return err
		}
		c.log.WithError(err).Warn("position unread before disabling motors")
	}
	if err := c.motion.Disable(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.base = c.position
	c.motorsOn = false
	c.trusted = false
	c.mu.Unlock()
	return nil
}

func (c *Controller) knownPen(ctx context.Context) (servo.PenState, error) {
	if p := c.servo.State(); p.Known() {
		return p, nil
	}
	return c.servo.Assert(ctx)
}

// travel moves to the point returned by target, which receives the
// reconciled logical position. The speed follows the pen state.
func (c *Controller) travel(ctx context.Context, target func(motion.Point) motion.Point) (motion.Move, error) {
	// Reconcile before EM, which would zero the counters being compared.
	if err := c.ensureTrusted(ctx); err != nil {
		return motion.Move{}, err
	}
	if err := c.ensureMotors(ctx); err != nil {
		return motion.Move{}, err
	}
	c.mu.Lock()
	pos := c.position
	c.mu.Unlock()

	to := target(pos)
	if err := c.motion.Geometry().CheckBounds(to); err != nil {
		return motion.Move{}, err
	}
	pen, err := c.knownPen(ctx)
	if err != nil {
		return motion.Move{}, err
	}
	mv, err := c.motion.Plan(to.Sub(pos), pen == servo.PenDown)
	if err != nil {
		return mv, err
	}
	if err := c.motion.Execute(ctx, mv); err != nil {
		return mv, err
	}
	c.mu.Lock()
	c.position = c.position.Add(mv.Delta)
	c.mu.Unlock()
	return mv, nil
}

func (c *Controller) homeLocked(ctx context.Context) error {
	if _, err := c.servo.Up(ctx); err != nil {
		return err
	}
	if err := c.ensureMotors(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	from := c.position.Sub(c.base)
	c.mu.Unlock()
	if err := c.motion.Home(ctx, from); err != nil {
		return err
	}
	c.mu.Lock()
	c.position = c.base
	c.trusted = true
	atOrigin := c.base == motion.Point{}
	c.mu.Unlock()
	if atOrigin {
		return nil
	}
	_, err := c.travel(ctx, func(motion.Point) motion.Point { return motion.Point{} })
	return err
}

func rescale(p motion.Point, ratio float64) motion.Point {
	return motion.Point{
		X: int(math.Round(float64(p.X) * ratio)),
		Y: int(math.Round(float64(p.Y) * ratio)),
	}
}

func maxAbs(a, b int) int {
	if a < 0 {
		a = -a
	}
	if b < 0 {
		b = -b
	}
	if a > b {
		return a
	}
	return b
}
