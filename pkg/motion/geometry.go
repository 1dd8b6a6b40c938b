// Plotter geometry: models, microstepping, and motor mixing
//
// The two motors drive one belt in an H pattern, so each motor moves the
// carriage diagonally:
//   - motor 1 = X + Y
//   - motor 2 = X - Y
//   - X = (motor 1 + motor 2) / 2
//   - Y = (motor 1 - motor 2) / 2
//
// Copyright (C) 2026  axi-server authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package motion

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/joeysapp/axi-server-sub001/pkg/errors"
)

// Model is one plotter variant's travel envelope in millimetres.
type Model struct {
	Name    string  `json:"name"`
	TravelX float64 `json:"travel_x"`
	TravelY float64 `json:"travel_y"`
}

var models = map[string]Model{
	"V3":      {Name: "V3", TravelX: 300, TravelY: 218},
	"V3A3":    {Name: "V3A3", TravelX: 430, TravelY: 297},
	"SE/A3":   {Name: "SE/A3", TravelX: 430, TravelY: 297},
	"V3XLX":   {Name: "V3XLX", TravelX: 595, TravelY: 218},
	"MiniKit": {Name: "MiniKit", TravelX: 160, TravelY: 101.6},
}

// ModelFor looks up a model by name, case-insensitively.
func ModelFor(name string) (Model, error) {
	for k, m := range models {
		if strings.EqualFold(k, name) {
			return m, nil
		}
	}
	return Model{}, errors.Validation("model", fmt.Sprintf("unknown model %q", name))
}

// Models lists the known models by name.
func Models() []Model {
	out := make([]Model, 0, len(models))
	for _, m := range models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolution is the motor enable mode sent with EM.
type Resolution int

const (
	Res16th Resolution = 1
	Res8th  Resolution = 2
	Res4th  Resolution = 3
	ResHalf Resolution = 4
	ResFull Resolution = 5
)

// baseStepsPerMM is axis steps per millimetre at 1/16 microstepping.
const baseStepsPerMM = 80.0

// Valid reports whether r is an enable mode.
func (r Resolution) Valid() bool {
	return r >= Res16th && r <= ResFull
}

// StepsPerMM returns axis steps per millimetre.
func (r Resolution) StepsPerMM() float64 {
	if !r.Valid() {
		return 0
	}
	return baseStepsPerMM / float64(int(1)<<(int(r)-1))
}

// Point is an axis-space position in steps.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Add returns p shifted by d.
func (p Point) Add(d Point) Point {
	return Point{X: p.X + d.X, Y: p.Y + d.Y}
}

// Sub returns p - q.
func (p Point) Sub(q Point) Point {
	return Point{X: p.X - q.X, Y: p.Y - q.Y}
}

// Mix converts an axis displacement into motor steps.
func Mix(dx, dy int) (m1, m2 int) {
	return dx + dy, dx - dy
}

// Unmix converts motor step counters into an axis position. An odd sum,
// possible only after outside interference, rounds toward negative X.
func Unmix(m1, m2 int) Point {
	return Point{X: floorDiv2(m1 + m2), Y: floorDiv2(m1 - m2)}
}

func floorDiv2(v int) int {
	if v >= 0 {
		return v / 2
	}
	return -((-v + 1) / 2)
}

// Geometry converts between millimetres and steps for one model at one
// resolution.
type Geometry struct {
	Model      Model      `json:"model"`
	Resolution Resolution `json:"resolution"`
}

// StepsPerMM returns axis steps per millimetre.
func (g Geometry) StepsPerMM() float64 {
	return g.Resolution.StepsPerMM()
}

// ToSteps converts millimetres to the nearest whole step.
func (g Geometry) ToSteps(mm float64) int {
	return int(math.Round(mm * g.StepsPerMM()))
}

// ToMM converts steps to millimetres.
func (g Geometry) ToMM(steps int) float64 {
	spm := g.StepsPerMM()
	if spm == 0 {
		return 0
	}
	return float64(steps) / spm
}

// PointMM converts a position in millimetres to steps.
func (g Geometry) PointMM(x, y float64) Point {
	return Point{X: g.ToSteps(x), Y: g.ToSteps(y)}
}

// Limit returns the travel envelope in steps.
func (g Geometry) Limit() Point {
	return Point{X: g.ToSteps(g.Model.TravelX), Y: g.ToSteps(g.Model.TravelY)}
}

// CheckBounds rejects positions outside the travel envelope.
func (g Geometry) CheckBounds(p Point) error {
	lim := g.Limit()
	if p.X < 0 || p.X > lim.X {
		return errors.Validation("x", fmt.Sprintf("%.2fmm outside 0..%.2fmm", g.ToMM(p.X), g.Model.TravelX))
	}
	if p.Y < 0 || p.Y > lim.Y {
		return errors.Validation("y", fmt.Sprintf("%.2fmm outside 0..%.2fmm", g.ToMM(p.Y), g.Model.TravelY))
	}
	return nil
}
