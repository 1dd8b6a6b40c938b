package device

import (
	"fmt"
	"math"

	"github.com/joeysapp/axi-server-sub001/pkg/errors"
)

// StepKind names one sub-command of a batch.
type StepKind string

const (
	StepPenUp   StepKind = "pen_up"
	StepPenDown StepKind = "pen_down"
	StepMove    StepKind = "move"
	StepMoveTo  StepKind = "move_to"
	StepLineTo  StepKind = "line_to"
	StepHome    StepKind = "home"
)

// Step is one sub-command of a batch. Coordinates are millimetres; Move is
// relative, MoveTo and LineTo are absolute.
type Step struct {
	Kind StepKind `json:"type" yaml:"type" mapstructure:"type"`
	X    float64  `json:"x,omitempty" yaml:"x,omitempty" mapstructure:"x"`
	Y    float64  `json:"y,omitempty" yaml:"y,omitempty" mapstructure:"y"`
}

// Validate rejects unknown kinds and non-finite coordinates.
func (s Step) Validate() error {
	switch s.Kind {
	case StepPenUp, StepPenDown, StepHome, StepMove, StepMoveTo, StepLineTo:
	default:
		return errors.Validation("type", fmt.Sprintf("unknown step type %q", s.Kind))
	}
	if math.IsNaN(s.X) || math.IsInf(s.X, 0) || math.IsNaN(s.Y) || math.IsInf(s.Y, 0) {
		return errors.Validation("coordinates", "must be finite")
	}
	return nil
}

// ValidateSteps checks every step of a batch.
func ValidateSteps(steps []Step) error {
	if len(steps) == 0 {
		return errors.Validation("steps", "batch is empty")
	}
	for i, s := range steps {
		if err := s.Validate(); err != nil {
			return errors.Wrap(err, errors.ErrValidation, fmt.Sprintf("step %d", i))
		}
	}
	return nil
}
