package spatial

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeysapp/axi-server-sub001/pkg/device"
	"github.com/joeysapp/axi-server-sub001/pkg/ebb"
	"github.com/joeysapp/axi-server-sub001/pkg/errors"
	"github.com/joeysapp/axi-server-sub001/pkg/log"
	"github.com/joeysapp/axi-server-sub001/pkg/motion"
	"github.com/joeysapp/axi-server-sub001/pkg/servo"
)

type fakeDevice struct {
	mu      sync.Mutex
	moves   []Vec2
	gate    chan struct{}
	moveErr error
	pos     Vec2
	pen     servo.PenState
	stops   int
	homes   int
}

func (d *fakeDevice) Move(ctx context.Context, dx, dy float64) (device.Position, error) {
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.moves = append(d.moves, Vec2{dx, dy})
	if d.moveErr != nil {
		return device.Position{}, d.moveErr
	}
	d.pos = d.pos.Add(Vec2{dx, dy})
	return device.Position{XMM: d.pos.X, YMM: d.pos.Y}, nil
}

func (d *fakeDevice) TogglePen(ctx context.Context) (servo.ToggleResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pen == servo.PenDown {
		d.pen = servo.PenUp
	} else {
		d.pen = servo.PenDown
	}
	return servo.ToggleResult{Transition: servo.Transition{State: d.pen, Issued: true}}, nil
}

func (d *fakeDevice) PenUp(ctx context.Context) (servo.Transition, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pen = servo.PenUp
	return servo.Transition{State: servo.PenUp, Issued: true}, nil
}

func (d *fakeDevice) PenDown(ctx context.Context) (servo.Transition, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pen = servo.PenDown
	return servo.Transition{State: servo.PenDown, Issued: true}, nil
}

func (d *fakeDevice) Home(ctx context.Context) (device.Position, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.homes++
	d.pos = Vec2{}
	return device.Position{}, nil
}

func (d *fakeDevice) EmergencyStop(ctx context.Context) (ebb.StopReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	return ebb.StopReport{}, nil
}

func (d *fakeDevice) Status() device.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, _ := motion.ModelFor("V3")
	return device.Status{
		State:    device.StateReady,
		Position: device.Position{XMM: d.pos.X, YMM: d.pos.Y},
		Pen:      d.pen,
		Geometry: motion.Geometry{Model: m, Resolution: motion.Res16th},
	}
}

func (d *fakeDevice) recorded() []Vec2 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Vec2(nil), d.moves...)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newProcessor(t *testing.T, dev *fakeDevice) (*Processor, *clock) {
	t.Helper()
	clk := &clock{t: time.Unix(1700000000, 0)}
	p, err := New(dev, DefaultConfig(), WithLogger(log.Discard()), WithClock(clk.now))
	require.NoError(t, err)
	return p, clk
}

func idle(t *testing.T, p *Processor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.WaitIdle(ctx))
}

func TestShape(t *testing.T) {
	assert.Equal(t, 0.0, shape(0.05, 0.1, 2))
	assert.Equal(t, 0.0, shape(-0.1, 0.1, 2))
	assert.InDelta(t, 1.0, shape(1, 0.1, 2), 1e-9)
	assert.InDelta(t, -1.0, shape(-3, 0.1, 2), 1e-9)
	assert.InDelta(t, 0.25, shape(0.55, 0.1, 2), 1e-9)
	assert.InDelta(t, 0.5, shape(0.55, 0.1, 1), 1e-9)
}

func TestSubDeadzoneInputNeverFlushes(t *testing.T) {
	dev := &fakeDevice{pos: Vec2{100, 100}}
	p, clk := newProcessor(t, dev)

	for i := 0; i < 120; i++ {
		p.SetInput(Input{X: 0.09, Y: -0.09, Rotation: 0.05})
		p.Tick()
		clk.advance(time.Second / 120)
	}
	idle(t, p)

	f := p.Frame()
	assert.Empty(t, dev.recorded())
	assert.Equal(t, Vec2{100, 100}, f.Position)
	assert.Equal(t, Vec2{}, f.Velocity)
	assert.Equal(t, uint64(120), f.Tick)
}

func TestThresholdNudgeFlushesOnce(t *testing.T) {
	dev := &fakeDevice{pos: Vec2{100, 100}}
	p, _ := newProcessor(t, dev)

	_, err := p.Nudge("right", p.Config().MinMove)
	require.NoError(t, err)
	p.Tick()
	idle(t, p)
	p.Tick()
	idle(t, p)

	assert.Equal(t, []Vec2{{0.5, 0}}, dev.recorded())
	p.mu.Lock()
	assert.Equal(t, Vec2{}, p.accum)
	p.mu.Unlock()
	assert.Equal(t, Vec2{100.5, 100}, p.Frame().Position)
}

func TestBelowThresholdAccumulates(t *testing.T) {
	dev := &fakeDevice{pos: Vec2{100, 100}}
	p, _ := newProcessor(t, dev)

	_, err := p.Nudge("up", 0.3)
	require.NoError(t, err)
	p.Tick()
	assert.Empty(t, dev.recorded())

	_, err = p.Nudge("up", 0.3)
	require.NoError(t, err)
	p.Tick()
	idle(t, p)
	require.Len(t, dev.recorded(), 1)
	assert.InDelta(t, -0.6, dev.recorded()[0].Y, 1e-9)
}

func TestOneFlushOutstanding(t *testing.T) {
	dev := &fakeDevice{pos: Vec2{100, 100}, gate: make(chan struct{})}
	p, _ := newProcessor(t, dev)

	_, err := p.Nudge("right", 1)
	require.NoError(t, err)
	p.Tick()
	_, err = p.Nudge("right", 2)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		p.Tick()
	}
	dev.gate <- struct{}{}
	idle(t, p)
	assert.Len(t, dev.recorded(), 1)

	close(dev.gate)
	p.Tick()
	idle(t, p)
	assert.Equal(t, []Vec2{{1, 0}, {2, 0}}, dev.recorded())
}

func TestInputIntegratesAndConservesDisplacement(t *testing.T) {
	dev := &fakeDevice{pos: Vec2{100, 100}}
	p, clk := newProcessor(t, dev)

	for i := 0; i < 240; i++ {
		p.SetInput(Input{X: 1, Y: 0.5})
		p.Tick()
		clk.advance(time.Second / 120)
	}
	idle(t, p)

	moves := dev.recorded()
	require.NotEmpty(t, moves)
	var sum Vec2
	for _, m := range moves {
		assert.Greater(t, m.X, 0.0)
		sum = sum.Add(m)
	}
	f := p.Frame()
	p.mu.Lock()
	sum = sum.Add(p.accum)
	p.mu.Unlock()
	assert.InDelta(t, f.Position.X-100, sum.X, 1e-9)
	assert.InDelta(t, f.Position.Y-100, sum.Y, 1e-9)
	assert.LessOrEqual(t, f.Velocity.Len(), p.Config().MaxSpeed+1e-9)
}

func TestStaleInputIsDropped(t *testing.T) {
	dev := &fakeDevice{pos: Vec2{100, 100}}
	p, clk := newProcessor(t, dev)

	p.SetInput(Input{X: 1})
	clk.advance(time.Second)
	f := p.Tick()
	assert.Equal(t, Vec2{}, f.Velocity)
}

func TestMotionStopsAtTravelLimit(t *testing.T) {
	dev := &fakeDevice{pos: Vec2{0.2, 0.2}}
	p, clk := newProcessor(t, dev)

	for i := 0; i < 60; i++ {
		p.SetInput(Input{X: -1, Y: -1})
		p.Tick()
		clk.advance(time.Second / 120)
	}
	idle(t, p)
	f := p.Frame()
	assert.Equal(t, Vec2{}, f.Position)
	assert.Equal(t, Vec2{}, f.Velocity)
}

func TestFailedFlushResyncs(t *testing.T) {
	dev := &fakeDevice{pos: Vec2{100, 100}, moveErr: errors.NotConnected("move")}
	p, _ := newProcessor(t, dev)

	_, err := p.Nudge("down", 5)
	require.NoError(t, err)
	p.Tick()
	idle(t, p)

	assert.True(t, errors.Is(p.LastError(), errors.ErrNotConnected))
	assert.Equal(t, Vec2{100, 100}, p.Frame().Position)
}

func TestNudgeValidation(t *testing.T) {
	p, _ := newProcessor(t, &fakeDevice{pos: Vec2{10, 10}})

	_, err := p.Nudge("sideways", 1)
	assert.True(t, errors.Is(err, errors.ErrValidation))
	_, err = p.Nudge("up", 0)
	assert.True(t, errors.Is(err, errors.ErrValidation))
	_, err = p.Nudge("up", 1000)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestActions(t *testing.T) {
	dev := &fakeDevice{pos: Vec2{10, 10}, pen: servo.PenUp}
	p, _ := newProcessor(t, dev)
	ctx := context.Background()

	_, err := p.HandleAction(ctx, ActionPenToggle)
	require.NoError(t, err)
	assert.True(t, p.Tick().PenDown)

	_, err = p.HandleAction(ctx, ActionPenUp)
	require.NoError(t, err)
	assert.False(t, p.Frame().PenDown)

	_, err = p.Nudge("right", 3)
	require.NoError(t, err)
	p.Tick()
	_, err = p.HandleAction(ctx, ActionHome)
	require.NoError(t, err)
	assert.Equal(t, Vec2{}, p.Frame().Position)
	assert.Equal(t, 1, dev.homes)
	assert.Len(t, dev.recorded(), 1)

	p.SetInput(Input{X: 1})
	p.Tick()
	_, err = p.HandleAction(ctx, ActionStop)
	require.NoError(t, err)
	assert.Equal(t, 1, dev.stops)
	assert.Equal(t, Vec2{}, p.Frame().Velocity)

	_, err = p.HandleAction(ctx, "jump")
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestSubscribers(t *testing.T) {
	p, _ := newProcessor(t, &fakeDevice{pos: Vec2{10, 10}})

	var got []uint64
	cancel := p.Subscribe(func(f Frame) { got = append(got, f.Tick) })
	p.Tick()
	p.Tick()
	cancel()
	p.Tick()
	assert.Equal(t, []uint64{1, 2}, got)
}

func TestUpdateConfig(t *testing.T) {
	p, _ := newProcessor(t, &fakeDevice{pos: Vec2{10, 10}})

	cfg, err := p.UpdateConfig(map[string]any{
		"deadzone":      "0.2",
		"tick_rate":     60,
		"input_timeout": "250ms",
	})
	require.NoError(t, err)
	assert.Equal(t, 0.2, cfg.Deadzone)
	assert.Equal(t, 60.0, cfg.TickRate)
	assert.Equal(t, 250*time.Millisecond, cfg.InputTimeout)
	assert.Equal(t, cfg, p.Config())

	_, err = p.UpdateConfig(map[string]any{"deadzone": 1.5})
	assert.True(t, errors.Is(err, errors.ErrValidation))
	_, err = p.UpdateConfig(map[string]any{"warp": 9})
	assert.True(t, errors.Is(err, errors.ErrValidation))
	assert.Equal(t, 0.2, p.Config().Deadzone)
}

func TestRunTicks(t *testing.T) {
	p, _ := newProcessor(t, &fakeDevice{pos: Vec2{10, 10}})
	_, err := p.UpdateConfig(map[string]any{"tick_rate": 500})
	require.NoError(t, err)

	var mu sync.Mutex
	frames := 0
	p.Subscribe(func(Frame) {
		mu.Lock()
		frames++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return frames >= 5
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
