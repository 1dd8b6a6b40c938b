// Copyright (C) 2026  axi-server authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package device

import (
	"context"
	"fmt"

	"github.com/joeysapp/axi-server-sub001/pkg/channel"
	"github.com/joeysapp/axi-server-sub001/pkg/ebb"
	"github.com/joeysapp/axi-server-sub001/pkg/errors"
	"github.com/joeysapp/axi-server-sub001/pkg/log"
	"github.com/joeysapp/axi-server-sub001/pkg/motion"
	"github.com/joeysapp/axi-server-sub001/pkg/servo"
)

// Connect opens the link without initializing. It also clears ERROR.
func (c *Controller) Connect(ctx context.Context) (*channel.Session, error) {
	if err := c.lock(ctx); err != nil {
		return nil, err
	}
	defer c.unlock()
	started := c.now()
	err := c.connectLocked(ctx)
	c.record("connect", started, err)
	if err != nil {
		return nil, err
	}
	return c.link.Session(), nil
}

// Disconnect closes the link after the current operation completes.
func (c *Controller) Disconnect(ctx context.Context) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()
	started := c.now()
	err := c.link.Close()
	c.linkDown("disconnect", errors.NotConnected("disconnect"))
	c.record("disconnect", started, err)
	return err
}

// Initialize connects if needed and initializes the board, defining the
// current carriage position as the origin.
func (c *Controller) Initialize(ctx context.Context) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()
	started := c.now()
	err := c.initialize(ctx)
	c.record("initialize", started, err)
	return err
}

func (c *Controller) initialize(ctx context.Context) error {
	switch st := c.State(); st {
	case StatePaused:
		return errors.InvalidState("initialize", st.String())
	case StateDisconnected, StateError:
		if err := c.connectLocked(ctx); err != nil {
			return err
		}
	default:
		if !c.link.IsOpen() {
			if err := c.connectLocked(ctx); err != nil {
				return err
			}
		}
	}
	return c.initializeLocked(ctx, false)
}

// PenUp raises the pen.
func (c *Controller) PenUp(ctx context.Context) (servo.Transition, error) {
	var tr servo.Transition
	err := c.run(ctx, "pen_up", func(ctx context.Context) (err error) {
		tr, err = c.servo.Up(ctx)
		return err
	})
	return tr, err
}

// PenDown lowers the pen.
func (c *Controller) PenDown(ctx context.Context) (servo.Transition, error) {
	var tr servo.Transition
	err := c.run(ctx, "pen_down", func(ctx context.Context) (err error) {
		tr, err = c.servo.Down(ctx)
		return err
	})
	return tr, err
}

// TogglePen flips the pen, asserting its state first when unknown.
func (c *Controller) TogglePen(ctx context.Context) (servo.ToggleResult, error) {
	var res servo.ToggleResult
	err := c.run(ctx, "pen_toggle", func(ctx context.Context) (err error) {
		res, err = c.servo.Toggle(ctx)
		return err
	})
	return res, err
}

// Move displaces the carriage by dx, dy millimetres at the speed for the
// current pen state.
func (c *Controller) Move(ctx context.Context, dx, dy float64) (Position, error) {
	err := c.run(ctx, "move", func(ctx context.Context) error {
		return c.moveBy(ctx, dx, dy)
	})
	return c.Status().Position, err
}

// MoveTo raises the pen and travels to x, y millimetres.
func (c *Controller) MoveTo(ctx context.Context, x, y float64) (Position, error) {
	err := c.run(ctx, "move_to", func(ctx context.Context) error {
		return c.goTo(ctx, x, y, servo.PenUp)
	})
	return c.Status().Position, err
}

// LineTo lowers the pen and draws to x, y millimetres.
func (c *Controller) LineTo(ctx context.Context, x, y float64) (Position, error) {
	err := c.run(ctx, "line_to", func(ctx context.Context) error {
		return c.goTo(ctx, x, y, servo.PenDown)
	})
	return c.Status().Position, err
}

// Home raises the pen and returns the carriage to the origin.
func (c *Controller) Home(ctx context.Context) (Position, error) {
	err := c.run(ctx, "home", c.homeLocked)
	return c.Status().Position, err
}

func (c *Controller) moveBy(ctx context.Context, dx, dy float64) error {
	geom := c.motion.Geometry()
	d := geom.PointMM(dx, dy)
	_, err := c.travel(ctx, func(p motion.Point) motion.Point { return p.Add(d) })
	return err
}

func (c *Controller) goTo(ctx context.Context, x, y float64, pen servo.PenState) error {
	to := c.motion.Geometry().PointMM(x, y)
	if err := c.motion.Geometry().CheckBounds(to); err != nil {
		return err
	}
	if _, err := c.servo.Set(ctx, pen); err != nil {
		return err
	}
	_, err := c.travel(ctx, func(motion.Point) motion.Point { return to })
	return err
}

// Execute runs a batch of steps as one operation. checkpoint, when set, is
// called after each completed step and may stop the batch by returning an
// error. An emergency stop also ends the batch at the next step boundary.
func (c *Controller) Execute(ctx context.Context, steps []Step, checkpoint func(done int) error) error {
	if err := ValidateSteps(steps); err != nil {
		return err
	}
	return c.run(ctx, "execute", func(ctx context.Context) error {
		gen := c.stopGen.Load()
		for i, s := range steps {
			if c.stopGen.Load() != gen {
				return errors.New(errors.ErrJobCancelled, "emergency stop").SetOp("execute")
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := c.step(ctx, s); err != nil {
				c.log.WithError(err).WithFields(log.Fields{"step": i, "type": string(s.Kind)}).Warn("batch step failed")
				return err
			}
			if checkpoint != nil {
				if err := checkpoint(i + 1); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (c *Controller) step(ctx context.Context, s Step) error {
	switch s.Kind {
	case StepPenUp:
		_, err := c.servo.Up(ctx)
		return err
	case StepPenDown:
		_, err := c.servo.Down(ctx)
		return err
	case StepMove:
		return c.moveBy(ctx, s.X, s.Y)
	case StepMoveTo:
		return c.goTo(ctx, s.X, s.Y, servo.PenUp)
	case StepLineTo:
		return c.goTo(ctx, s.X, s.Y, servo.PenDown)
	case StepHome:
		return c.homeLocked(ctx)
	}
	return errors.Validation("type", fmt.Sprintf("unknown step type %q", s.Kind))
}

// EnableMotors energizes the motors at resolution r. The logical position
// is rescaled to the new step size.
func (c *Controller) EnableMotors(ctx context.Context, r motion.Resolution) error {
	if !r.Valid() {
		return errors.Validation("resolution", fmt.Sprintf("%d outside 1..5", r))
	}
	return c.run(ctx, "motors_enable", func(ctx context.Context) error {
		if err := c.motion.Speeds().Validate(r); err != nil {
			return err
		}
		return c.enableLocked(ctx, r)
	})
}

// DisableMotors releases the motors. The carriage can then be pushed by
// hand, so the position becomes untrusted.
func (c *Controller) DisableMotors(ctx context.Context) error {
	return c.run(ctx, "motors_disable", func(ctx context.Context) error {
		return c.disableLocked(ctx)
	})
}

// EmergencyStop halts motion immediately in any state. It does not wait
// for the running operation; a running batch ends at its next step.
func (c *Controller) EmergencyStop(ctx context.Context) (ebb.StopReport, error) {
	started := c.now()
	c.stopGen.Add(1)
	c.mu.Lock()
	c.trusted = false
	c.mu.Unlock()

	if !c.link.IsOpen() {
		err := errors.NotConnected("emergency_stop")
		c.record("emergency_stop", started, err)
		return ebb.StopReport{}, err
	}
	report, err := c.motion.EmergencyStop(ctx)
	if err == nil {
		// SM is acknowledged when queued, so the belief already includes
		// the steps the stop threw away.
		m1, m2 := report.Dropped()
		c.mu.Lock()
		c.position = c.position.Sub(motion.Unmix(m1, m2))
		c.mu.Unlock()
		err = c.disableLocked(ctx)
	}
	if errors.IsLink(err) {
		c.linkDown("emergency_stop", err)
	}
	c.record("emergency_stop", started, err)
	return report, err
}

// QueryPosition reads the board's step counters and adopts them as the
// logical position.
func (c *Controller) QueryPosition(ctx context.Context) (Reconciliation, error) {
	var r Reconciliation
	err := c.run(ctx, "query_position", func(ctx context.Context) (err error) {
		r, err = c.reconcileLocked(ctx)
		return err
	})
	return r, err
}

// Pause refuses new operations after the current one completes.
func (c *Controller) Pause(ctx context.Context) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()
	switch st := c.State(); st {
	case StatePaused:
		return nil
	case StateReady:
		c.setState(StatePaused, "")
		return nil
	default:
		return errors.InvalidState("pause", st.String())
	}
}

// Resume returns a paused device to READY.
func (c *Controller) Resume(ctx context.Context) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()
	switch st := c.State(); st {
	case StateReady:
		return nil
	case StatePaused:
		c.setState(StateReady, "")
		return nil
	default:
		return errors.InvalidState("resume", st.String())
	}
}

// Speeds returns the configured travel speeds.
func (c *Controller) Speeds() motion.Speeds {
	return c.motion.Speeds()
}

// SetSpeeds replaces the travel speeds. It takes effect on the next move.
func (c *Controller) SetSpeeds(s motion.Speeds) error {
	return c.motion.SetSpeeds(s)
}

// ServoConfig returns the active servo configuration.
func (c *Controller) ServoConfig() servo.Config {
	return c.servo.Config()
}

// SetServoConfig replaces the servo configuration. The board is
// reprogrammed before the next pen command.
func (c *Controller) SetServoConfig(cfg servo.Config) error {
	return c.servo.SetConfig(cfg)
}

// Geometry returns the active model and resolution.
func (c *Controller) Geometry() motion.Geometry {
	return c.motion.Geometry()
}

// Session returns the open link's identity, or nil.
func (c *Controller) Session() *channel.Session {
	return c.link.Session()
}

// Nickname reads the board's nickname.
func (c *Controller) Nickname(ctx context.Context) (string, error) {
	var name string
	err := c.query(ctx, "nickname", func(ctx context.Context) error {
		resp, err := c.link.Send(ctx, ebb.QueryNickname())
		name = resp.Value
		return err
	})
	return name, err
}

// SetNickname stores a new nickname on the board.
func (c *Controller) SetNickname(ctx context.Context, name string) error {
	cmd, err := ebb.SetNickname(name)
	if err != nil {
		return err
	}
	return c.query(ctx, "set_nickname", func(ctx context.Context) error {
		if _, err := c.link.Send(ctx, cmd); err != nil {
			return err
		}
		c.link.SetNickname(name)
		return nil
	})
}

// Power reads the board's supply voltage and motor current.
func (c *Controller) Power(ctx context.Context) (ebb.Power, error) {
	var p ebb.Power
	err := c.query(ctx, "power", func(ctx context.Context) error {
		resp, err := c.link.Send(ctx, ebb.QueryCurrent())
		if err != nil {
			return err
		}
		p, err = ebb.ParsePower(resp.Value)
		return err
	})
	return p, err
}

// Reset soft-resets the board. The link stays open; the device must be
// initialized again.
func (c *Controller) Reset(ctx context.Context) error {
	return c.query(ctx, "reset", func(ctx context.Context) error {
		if _, err := c.link.Send(ctx, ebb.Reset()); err != nil {
			return err
		}
		c.servo.Reset()
		c.mu.Lock()
		c.base = c.position
		c.trusted = false
		c.motorsOn = false
		c.mu.Unlock()
		c.setState(StateConnected, "")
		return nil
	})
}

// Reboot restarts the board firmware, which drops the link.
func (c *Controller) Reboot(ctx context.Context) error {
	return c.query(ctx, "reboot", func(ctx context.Context) error {
		_, err := c.link.Send(ctx, ebb.Reboot())
		_ = c.link.Close()
		c.linkDown("reboot", errors.NotConnected("reboot"))
		return err
	})
}
