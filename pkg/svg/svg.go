// Copyright (C) 2026  axi-server authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package svg converts simple SVG drawings into plotter steps.
//
// Supported shapes are line, polyline, polygon, rect and path. Paths may
// use M, L, H, V, Z and the C and Q curves (flattened into segments), in
// absolute and relative form. Group and element transforms (matrix,
// translate, scale, rotate) are applied. Anything else fails with a
// validation error rather than plotting something different from the file.
package svg

import (
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/joeysapp/axi-server-sub001/pkg/device"
	"github.com/joeysapp/axi-server-sub001/pkg/errors"
)

// CurveSegments is how many line segments approximate one curve.
const CurveSegments = 16

// pxPerInch is the CSS reference pixel density for unitless lengths.
const pxPerInch = 96.0

// Options controls unit conversion and placement.
type Options struct {
	// Scale is millimetres per user unit. Zero derives it from the root
	// width and viewBox, falling back to CSS pixels.
	Scale float64
	// OffsetX and OffsetY shift the drawing on the paper, in millimetres.
	OffsetX float64
	OffsetY float64
}

var (
	reNumber    = regexp.MustCompile(`[-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?`)
	rePathToken = regexp.MustCompile(`[A-Za-z]|[-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?`)
	reTransform = regexp.MustCompile(`([a-zA-Z]+)\s*\(([^)]*)\)`)
	reLength    = regexp.MustCompile(`^\s*([-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?)\s*([a-z%]*)\s*$`)
)

// skipped holds elements whose children are not drawn.
var skipped = map[string]bool{
	"defs": true, "clipPath": true, "mask": true, "symbol": true,
	"marker": true, "pattern": true, "metadata": true, "title": true, "desc": true,
}

type point struct{ X, Y float64 }

// matrix is an affine transform [a c e; b d f].
type matrix struct{ a, b, c, d, e, f float64 }

var identity = matrix{a: 1, d: 1}

func (m matrix) mul(n matrix) matrix {
	return matrix{
		a: m.a*n.a + m.c*n.b,
		b: m.b*n.a + m.d*n.b,
		c: m.a*n.c + m.c*n.d,
		d: m.b*n.c + m.d*n.d,
		e: m.a*n.e + m.c*n.f + m.e,
		f: m.b*n.e + m.d*n.f + m.f,
	}
}

func (m matrix) apply(p point) point {
	return point{X: m.a*p.X + m.c*p.Y + m.e, Y: m.b*p.X + m.d*p.Y + m.f}
}

// Convert reads an SVG document and returns the steps that draw it.
func Convert(r io.Reader, opts Options) ([]device.Step, error) {
	c := &converter{opts: opts}
	dec := xml.NewDecoder(r)
	stack := []matrix{identity}
	skip := 0
	root := true

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrValidation, "invalid SVG document")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			name := t.Name.Local
			attrs := attrMap(t.Attr)
			if root {
				if name != "svg" {
					return nil, errors.Validation("svg", fmt.Sprintf("root element is <%s>", name))
				}
				if err := c.setViewport(attrs); err != nil {
					return nil, err
				}
				root = false
			}
			if skip > 0 || skipped[name] {
				skip++
				continue
			}
			m := stack[len(stack)-1]
			if tr, ok := attrs["transform"]; ok {
				own, err := parseTransform(tr)
				if err != nil {
					return nil, err
				}
				m = m.mul(own)
			}
			stack = append(stack, m)
			if err := c.shape(name, attrs, m); err != nil {
				return nil, errors.Wrap(err, errors.ErrValidation, "<"+name+">")
			}
		case xml.EndElement:
			if skip > 0 {
				skip--
				continue
			}
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if root {
		return nil, errors.Validation("svg", "empty document")
	}
	if len(c.steps) == 0 {
		return nil, errors.Validation("svg", "no drawable shapes")
	}
	c.steps = append(c.steps, device.Step{Kind: device.StepPenUp})
	return c.steps, nil
}

// ConvertString is Convert for an in-memory document.
func ConvertString(doc string, opts Options) ([]device.Step, error) {
	return Convert(strings.NewReader(doc), opts)
}

func attrMap(attrs []xml.Attr) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[a.Name.Local] = a.Value
	}
	return m
}

type converter struct {
	opts   Options
	scale  float64
	origin point
	steps  []device.Step
}

// setViewport derives millimetres per user unit from the root element.
// Without a viewBox user units are CSS pixels whatever the width says.
func (c *converter) setViewport(attrs map[string]string) error {
	c.scale = c.opts.Scale
	var vb []float64
	if s, ok := attrs["viewBox"]; ok {
		vb = numbers(s)
		if len(vb) != 4 || vb[2] <= 0 || vb[3] <= 0 {
			return errors.Validation("viewBox", fmt.Sprintf("invalid %q", s))
		}
		c.origin = point{X: vb[0], Y: vb[1]}
	}
	if c.scale > 0 {
		return nil
	}
	c.scale = 25.4 / pxPerInch
	w, ok := attrs["width"]
	if !ok || vb == nil {
		return nil
	}
	mm, err := lengthMM(w)
	if err != nil {
		return err
	}
	if mm > 0 {
		c.scale = mm / vb[2]
	}
	return nil
}

// lengthMM parses a CSS length into millimetres. Percentages yield zero.
func lengthMM(s string) (float64, error) {
	m := reLength.FindStringSubmatch(s)
	if m == nil {
		return 0, errors.Validation("width", fmt.Sprintf("invalid length %q", s))
	}
	v, _ := strconv.ParseFloat(m[1], 64)
	var perUnit float64
	switch m[2] {
	case "mm":
		perUnit = 1
	case "cm":
		perUnit = 10
	case "in":
		perUnit = 25.4
	case "pt":
		perUnit = 25.4 / 72
	case "pc":
		perUnit = 25.4 / 6
	case "", "px":
		perUnit = 25.4 / pxPerInch
	case "%":
		return 0, nil
	default:
		return 0, errors.Validation("width", fmt.Sprintf("unknown unit %q", m[2]))
	}
	return v * perUnit, nil
}

// paper maps a user-space point through m onto the paper in millimetres.
func (c *converter) paper(m matrix, p point) (float64, float64) {
	q := m.apply(p)
	return (q.X-c.origin.X)*c.scale + c.opts.OffsetX, (q.Y-c.origin.Y)*c.scale + c.opts.OffsetY
}

func (c *converter) moveTo(m matrix, p point) {
	x, y := c.paper(m, p)
	c.steps = append(c.steps, device.Step{Kind: device.StepMoveTo, X: x, Y: y})
}

func (c *converter) lineTo(m matrix, p point) {
	x, y := c.paper(m, p)
	c.steps = append(c.steps, device.Step{Kind: device.StepLineTo, X: x, Y: y})
}

func (c *converter) polyline(m matrix, pts []point, closed bool) {
	if len(pts) < 2 {
		return
	}
	c.moveTo(m, pts[0])
	for _, p := range pts[1:] {
		c.lineTo(m, p)
	}
	if closed {
		c.lineTo(m, pts[0])
	}
}

func (c *converter) shape(name string, attrs map[string]string, m matrix) error {
	num := func(key string) (float64, error) {
		s, ok := attrs[key]
		if !ok {
			return 0, nil
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, errors.Validation(key, fmt.Sprintf("invalid number %q", s))
		}
		return v, nil
	}

	switch name {
	case "line":
		var v [4]float64
		for i, k := range []string{"x1", "y1", "x2", "y2"} {
			f, err := num(k)
			if err != nil {
				return err
			}
			v[i] = f
		}
		c.polyline(m, []point{{v[0], v[1]}, {v[2], v[3]}}, false)
	case "polyline", "polygon":
		vals := numbers(attrs["points"])
		if len(vals)%2 != 0 {
			return errors.Validation("points", "odd number of coordinates")
		}
		pts := make([]point, 0, len(vals)/2)
		for i := 0; i < len(vals); i += 2 {
			pts = append(pts, point{vals[i], vals[i+1]})
		}
		c.polyline(m, pts, name == "polygon")
	case "rect":
		var v [4]float64
		for i, k := range []string{"x", "y", "width", "height"} {
			f, err := num(k)
			if err != nil {
				return err
			}
			v[i] = f
		}
		if v[2] <= 0 || v[3] <= 0 {
			return nil
		}
		x, y, w, h := v[0], v[1], v[2], v[3]
		c.polyline(m, []point{{x, y}, {x + w, y}, {x + w, y + h}, {x, y + h}}, true)
	case "path":
		return c.path(attrs["d"], m)
	}
	return nil
}

func numbers(s string) []float64 {
	toks := reNumber.FindAllString(s, -1)
	out := make([]float64, 0, len(toks))
	for _, t := range toks {
		v, err := strconv.ParseFloat(t, 64)
		if err == nil {
			out = append(out, v)
		}
	}
	return out
}

// arity is the number of arguments each path command consumes.
var arity = map[byte]int{'M': 2, 'L': 2, 'H': 1, 'V': 1, 'Z': 0, 'C': 6, 'Q': 4}

func (c *converter) path(d string, m matrix) error {
	toks := rePathToken.FindAllString(d, -1)
	var cur, start point
	var cmd byte
	open := false
	i := 0

	for i < len(toks) {
		if t := toks[i]; len(t) == 1 && isLetter(t[0]) {
			cmd = t[0]
			i++
			if _, ok := arity[upper(cmd)]; !ok {
				return errors.Validation("d", fmt.Sprintf("unsupported path command %q", t))
			}
		} else if cmd == 0 {
			return errors.Validation("d", "path data must start with a command")
		}

		rel := cmd >= 'a'
		n := arity[upper(cmd)]
		args := make([]float64, n)
		for j := 0; j < n; j++ {
			if i >= len(toks) || isLetter(toks[i][0]) {
				return errors.Validation("d", fmt.Sprintf("command %c needs %d numbers", cmd, n))
			}
			v, err := strconv.ParseFloat(toks[i], 64)
			if err != nil {
				return errors.Validation("d", fmt.Sprintf("invalid number %q", toks[i]))
			}
			args[j] = v
			i++
		}
		abs := func(x, y float64) point {
			if rel {
				return point{cur.X + x, cur.Y + y}
			}
			return point{x, y}
		}

		switch upper(cmd) {
		case 'M':
			cur = abs(args[0], args[1])
			start = cur
			c.moveTo(m, cur)
			open = true
			// Further pairs after a moveto are implicit linetos.
			if rel {
				cmd = 'l'
			} else {
				cmd = 'L'
			}
		case 'L':
			cur = abs(args[0], args[1])
			c.lineTo(m, cur)
		case 'H':
			if rel {
				cur.X += args[0]
			} else {
				cur.X = args[0]
			}
			c.lineTo(m, cur)
		case 'V':
			if rel {
				cur.Y += args[0]
			} else {
				cur.Y = args[0]
			}
			c.lineTo(m, cur)
		case 'Z':
			if open {
				c.lineTo(m, start)
			}
			cur = start
			// Z takes no arguments, so a following number would loop.
			if i < len(toks) && !isLetter(toks[i][0]) {
				return errors.Validation("d", "numbers after closepath")
			}
		case 'C':
			p1, p2, p3 := abs(args[0], args[1]), abs(args[2], args[3]), abs(args[4], args[5])
			p0 := cur
			for s := 1; s <= CurveSegments; s++ {
				t := float64(s) / CurveSegments
				u := 1 - t
				c.lineTo(m, point{
					X: u*u*u*p0.X + 3*u*u*t*p1.X + 3*u*t*t*p2.X + t*t*t*p3.X,
					Y: u*u*u*p0.Y + 3*u*u*t*p1.Y + 3*u*t*t*p2.Y + t*t*t*p3.Y,
				})
			}
			cur = p3
		case 'Q':
			p1, p2 := abs(args[0], args[1]), abs(args[2], args[3])
			p0 := cur
			for s := 1; s <= CurveSegments; s++ {
				t := float64(s) / CurveSegments
				u := 1 - t
				c.lineTo(m, point{
					X: u*u*p0.X + 2*u*t*p1.X + t*t*p2.X,
					Y: u*u*p0.Y + 2*u*t*p1.Y + t*t*p2.Y,
				})
			}
			cur = p2
		}
	}
	return nil
}

func isLetter(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}

func upper(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - 'a' + 'A'
	}
	return b
}

// parseTransform composes a transform list left to right.
func parseTransform(s string) (matrix, error) {
	m := identity
	for _, match := range reTransform.FindAllStringSubmatch(s, -1) {
		args := numbers(match[2])
		var t matrix
		switch match[1] {
		case "matrix":
			if len(args) != 6 {
				return m, errors.Validation("transform", "matrix needs 6 numbers")
			}
			t = matrix{args[0], args[1], args[2], args[3], args[4], args[5]}
		case "translate":
			if len(args) < 1 {
				return m, errors.Validation("transform", "translate needs a number")
			}
			t = identity
			t.e = args[0]
			if len(args) > 1 {
				t.f = args[1]
			}
		case "scale":
			if len(args) < 1 {
				return m, errors.Validation("transform", "scale needs a number")
			}
			t = matrix{a: args[0], d: args[0]}
			if len(args) > 1 {
				t.d = args[1]
			}
		case "rotate":
			if len(args) != 1 && len(args) != 3 {
				return m, errors.Validation("transform", "rotate needs 1 or 3 numbers")
			}
			rad := args[0] * math.Pi / 180
			sin, cos := math.Sin(rad), math.Cos(rad)
			t = matrix{a: cos, b: sin, c: -sin, d: cos}
			if len(args) == 3 {
				cx, cy := args[1], args[2]
				t = matrix{a: 1, d: 1, e: cx, f: cy}.mul(t).mul(matrix{a: 1, d: 1, e: -cx, f: -cy})
			}
		default:
			return m, errors.Validation("transform", fmt.Sprintf("unsupported transform %q", match[1]))
		}
		m = m.mul(t)
	}
	return m, nil
}
