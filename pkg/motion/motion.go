// Package motion turns axis displacements into stepper commands and owns
// the motor enable, homing, and position query vocabulary.
package motion

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/joeysapp/axi-server-sub001/pkg/ebb"
	"github.com/joeysapp/axi-server-sub001/pkg/errors"
	"github.com/joeysapp/axi-server-sub001/pkg/log"
)

// Sender sends one command to the board.
type Sender interface {
	Send(ctx context.Context, cmd ebb.Command) (ebb.Response, error)
}

// Speeds are travel speeds in mm/s, chosen by pen state.
type Speeds struct {
	PenDown float64 `yaml:"pen_down" json:"pen_down" mapstructure:"pen_down"`
	PenUp   float64 `yaml:"pen_up" json:"pen_up" mapstructure:"pen_up"`
}

// DefaultSpeeds returns conservative drawing and travel speeds.
func DefaultSpeeds() Speeds {
	return Speeds{PenDown: 25, PenUp: 75}
}

// MaxSpeed is the fastest axis speed in mm/s the board's step rate allows
// at resolution r.
func MaxSpeed(r Resolution) float64 {
	if !r.Valid() {
		return 0
	}
	return ebb.MaxStepRate * 1000 / r.StepsPerMM()
}

// Validate checks both speeds against the step-rate ceiling.
func (s Speeds) Validate(r Resolution) error {
	max := MaxSpeed(r)
	fields := []struct {
		name string
		v    float64
	}{{"speed.pen_down", s.PenDown}, {"speed.pen_up", s.PenUp}}
	for _, f := range fields {
		if math.IsNaN(f.v) || f.v <= 0 {
			return errors.Validation(f.name, "must be positive")
		}
		if f.v > max {
			return errors.Validation(f.name, fmt.Sprintf("%.1fmm/s exceeds %.1fmm/s", f.v, max))
		}
	}
	return nil
}

// Move is a planned stepper move.
type Move struct {
	Delta    Point         `json:"delta"`
	Motor1   int           `json:"motor1"`
	Motor2   int           `json:"motor2"`
	Duration time.Duration `json:"duration"`
}

// Empty reports whether the move has no displacement.
func (m Move) Empty() bool {
	return m.Delta == Point{}
}

// Plan computes the stepper move for an axis displacement at speed mm/s.
// The duration depends only on the inputs: distance over speed, rounded up
// to whole milliseconds, then stretched if needed to keep each motor under
// the board's step rate.
func Plan(delta Point, speed, stepsPerMM float64) (Move, error) {
	m1, m2 := Mix(delta.X, delta.Y)
	mv := Move{Delta: delta, Motor1: m1, Motor2: m2}
	if mv.Empty() {
		return mv, nil
	}
	if speed <= 0 || stepsPerMM <= 0 {
		return Move{}, errors.Validation("speed", "must be positive")
	}

	dist := math.Hypot(float64(delta.X), float64(delta.Y)) / stepsPerMM
	// The epsilon keeps float noise from rounding an exact millisecond up.
	ms := int64(math.Ceil(dist/speed*1000 - 1e-9))
	peak := int64(maxAbs(m1, m2))
	if minMs := (peak + ebb.MaxStepRate - 1) / ebb.MaxStepRate; ms < minMs {
		ms = minMs
	}
	if ms < 1 {
		ms = 1
	}
	if ms > ebb.MaxMoveDuration {
		return Move{}, errors.Validation("duration", fmt.Sprintf("%dms exceeds %dms", ms, ebb.MaxMoveDuration))
	}
	mv.Duration = time.Duration(ms) * time.Millisecond
	return mv, nil
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

// Motion issues stepper commands. It holds configuration only; the device
// controller owns position.
type Motion struct {
	link Sender
	log  *log.Logger

	mu     sync.Mutex
	geom   Geometry
	speeds Speeds
}

// New returns a Motion for model at resolution.
func New(link Sender, geom Geometry, speeds Speeds) *Motion {
	return &Motion{
		link:   link,
		log:    log.GetLogger("motion"),
		geom:   geom,
		speeds: speeds,
	}
}

// SetLogger replaces the logger.
func (m *Motion) SetLogger(l *log.Logger) {
	m.log = l
}

// Geometry returns the active geometry.
func (m *Motion) Geometry() Geometry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.geom
}

// Speeds returns the configured speeds.
func (m *Motion) Speeds() Speeds {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speeds
}

// SetSpeeds replaces the speeds after validation.
func (m *Motion) SetSpeeds(s Speeds) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := s.Validate(m.geom.Resolution); err != nil {
		return err
	}
	m.speeds = s
	return nil
}

// SpeedFor returns the speed used with the pen down or up.
func (m *Motion) SpeedFor(penDown bool) float64 {
	s := m.Speeds()
	if penDown {
		return s.PenDown
	}
	return s.PenUp
}

// Plan plans a displacement at the speed for the pen state.
func (m *Motion) Plan(delta Point, penDown bool) (Move, error) {
	return Plan(delta, m.SpeedFor(penDown), m.Geometry().StepsPerMM())
}

// Execute sends a planned move. Empty moves send nothing.
func (m *Motion) Execute(ctx context.Context, mv Move) error {
	if mv.Empty() {
		return nil
	}
	cmd, err := ebb.StepperMove(mv.Duration, mv.Motor1, mv.Motor2)
	if err != nil {
		return err
	}
	_, err = m.link.Send(ctx, cmd)
	return err
}

// Enable energizes both motors at r. The board clears its step counters
// when the mode changes, so position must be re-established afterwards.
func (m *Motion) Enable(ctx context.Context, r Resolution) error {
	cmd, err := ebb.EnableMotors(int(r), int(r))
	if err != nil {
		return err
	}
	if !r.Valid() {
		return errors.Validation("resolution", fmt.Sprintf("%d outside 1..5", r))
	}
	if _, err := m.link.Send(ctx, cmd); err != nil {
		return err
	}
	m.mu.Lock()
	m.geom.Resolution = r
	m.mu.Unlock()
	return nil
}

// Disable de-energizes both motors.
func (m *Motion) Disable(ctx context.Context) error {
	_, err := m.link.Send(ctx, ebb.DisableMotors())
	return err
}

// ClearSteps zeroes the board's step counters.
func (m *Motion) ClearSteps(ctx context.Context) error {
	_, err := m.link.Send(ctx, ebb.ClearSteps())
	return err
}

// QueryPosition reads the physical position. Safe to issue mid-motion.
func (m *Motion) QueryPosition(ctx context.Context) (Point, error) {
	resp, err := m.link.Send(ctx, ebb.QueryStepPosition())
	if err != nil {
		return Point{}, err
	}
	m1, m2, err := ebb.ParseStepPosition(resp.Value)
	if err != nil {
		return Point{}, err
	}
	return Unmix(m1, m2), nil
}

// Home returns the carriage to the step origin at the pen-up speed. from
// is the believed position, used only to size the reply timeout.
func (m *Motion) Home(ctx context.Context, from Point) error {
	geom := m.Geometry()
	speed := m.SpeedFor(false)
	rate := int(math.Round(speed * geom.StepsPerMM()))
	if rate > ebb.MaxHomeRate {
		rate = ebb.MaxHomeRate
	}
	if rate < ebb.MinHomeRate {
		rate = ebb.MinHomeRate
	}
	m1, m2 := Mix(from.X, from.Y)
	travel := time.Duration(float64(maxAbs(m1, m2)) / float64(rate) * float64(time.Second))
	// An untrusted position may be anywhere in the envelope.
	if worst := time.Duration(float64(geom.Limit().X+geom.Limit().Y) / float64(rate) * float64(time.Second)); travel < worst {
		travel = worst
	}
	cmd, err := ebb.Home(rate, travel)
	if err != nil {
		return err
	}
	_, err = m.link.Send(ctx, cmd)
	return err
}

// EmergencyStop aborts the executing move and flushes the board's queue.
// The motors stay energized so the counters can still be read.
func (m *Motion) EmergencyStop(ctx context.Context) (ebb.StopReport, error) {
	resp, err := m.link.Send(ctx, ebb.EmergencyStop())
	if err != nil {
		return ebb.StopReport{}, err
	}
	report, err := ebb.ParseStop(resp.Value)
	if err != nil {
		return report, err
	}
	m.log.WithFields(log.Fields{"interrupted": report.Interrupted, "remaining": report.Remaining}).Warn("emergency stop")
	return report, nil
}
