package spatial

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/joeysapp/axi-server-sub001/pkg/errors"
)

// Config tunes the integrator. Speeds and distances are millimetres,
// angles radians.
type Config struct {
	TickRate        float64       `yaml:"tick_rate" json:"tick_rate" mapstructure:"tick_rate"`
	Deadzone        float64       `yaml:"deadzone" json:"deadzone" mapstructure:"deadzone"`
	Curve           float64       `yaml:"curve" json:"curve" mapstructure:"curve"`
	Acceleration    float64       `yaml:"acceleration" json:"acceleration" mapstructure:"acceleration"`
	MaxSpeed        float64       `yaml:"max_speed" json:"max_speed" mapstructure:"max_speed"`
	Damping         float64       `yaml:"damping" json:"damping" mapstructure:"damping"`
	AngularAccel    float64       `yaml:"angular_accel" json:"angular_accel" mapstructure:"angular_accel"`
	MaxAngularSpeed float64       `yaml:"max_angular_speed" json:"max_angular_speed" mapstructure:"max_angular_speed"`
	AngularDamping  float64       `yaml:"angular_damping" json:"angular_damping" mapstructure:"angular_damping"`
	MinMove         float64       `yaml:"min_move" json:"min_move" mapstructure:"min_move"`
	MaxNudge        float64       `yaml:"max_nudge" json:"max_nudge" mapstructure:"max_nudge"`
	InputTimeout    time.Duration `yaml:"input_timeout" json:"input_timeout" mapstructure:"input_timeout"`
}

// DefaultConfig returns a 120 Hz integrator.
func DefaultConfig() Config {
	return Config{
		TickRate:        120,
		Deadzone:        0.1,
		Curve:           2,
		Acceleration:    400,
		MaxSpeed:        60,
		Damping:         0.12,
		AngularAccel:    12,
		MaxAngularSpeed: 6,
		AngularDamping:  0.15,
		MinMove:         0.5,
		MaxNudge:        50,
		InputTimeout:    500 * time.Millisecond,
	}
}

// Validate checks every field's range.
func (c Config) Validate() error {
	switch {
	case c.TickRate < 1 || c.TickRate > 1000:
		return errors.Validation("tick_rate", fmt.Sprintf("%g outside 1..1000", c.TickRate))
	case c.Deadzone < 0 || c.Deadzone >= 1:
		return errors.Validation("deadzone", fmt.Sprintf("%g outside 0..<1", c.Deadzone))
	case c.Curve < 1:
		return errors.Validation("curve", "must be at least 1")
	case c.Acceleration <= 0:
		return errors.Validation("acceleration", "must be positive")
	case c.MaxSpeed <= 0:
		return errors.Validation("max_speed", "must be positive")
	case c.Damping < 0 || c.Damping >= 1:
		return errors.Validation("damping", fmt.Sprintf("%g outside 0..<1", c.Damping))
	case c.AngularAccel < 0:
		return errors.Validation("angular_accel", "must not be negative")
	case c.MaxAngularSpeed < 0:
		return errors.Validation("max_angular_speed", "must not be negative")
	case c.AngularDamping < 0 || c.AngularDamping >= 1:
		return errors.Validation("angular_damping", fmt.Sprintf("%g outside 0..<1", c.AngularDamping))
	case c.MinMove <= 0:
		return errors.Validation("min_move", "must be positive")
	case c.MaxNudge <= 0:
		return errors.Validation("max_nudge", "must be positive")
	case c.InputTimeout < 0:
		return errors.Validation("input_timeout", "must not be negative")
	}
	return nil
}

// Interval is the tick period.
func (c Config) Interval() time.Duration {
	return time.Duration(float64(time.Second) / c.TickRate)
}

// Merge decodes a partial update onto c. Unknown keys are rejected;
// durations may be given as strings such as "250ms".
func (c Config) Merge(patch map[string]any) (Config, error) {
	out := c
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return c, err
	}
	if err := dec.Decode(patch); err != nil {
		return c, errors.Wrap(err, errors.ErrValidation, "invalid spatial config")
	}
	if err := out.Validate(); err != nil {
		return c, err
	}
	return out, nil
}
