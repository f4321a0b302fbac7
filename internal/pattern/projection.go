package pattern

import (
	"math"
	"strconv"
	"strings"
)

// Geometry describes the polar plot the profile is projected onto.
type Geometry struct {
	CX    float64 `json:"cx"`
	CY    float64 `json:"cy"`
	R     float64 `json:"r"`
	Floor float64 `json:"floor"` // fraction of R kept for the weakest reading
}

// DefaultGeometry is a 340x340 plot with a 140 unit outer ring.
func DefaultGeometry() Geometry {
	return Geometry{CX: 170, CY: 170, R: 140, Floor: 0.12}
}

// Point is one reading placed on the plot.
type Point struct {
	Bearing int     `json:"bearing"`
	Signal  float64 `json:"signal"`
	Radius  float64 `json:"radius"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

// Normalize maps signal into [0,1] over the profile's range. A flat profile
// maps everything to 0.
func (p Profile) Normalize(signal float64) float64 {
	denom := p.MaxSignal - p.MinSignal
	if denom == 0 {
		denom = 1
	}
	return clamp01((signal - p.MinSignal) / denom)
}

// Project places every reading on the plot using compass orientation:
// bearing 0 points up and bearings grow clockwise.
func Project(p Profile, g Geometry) []Point {
	points := make([]Point, 0, len(p.Readings))
	for _, r := range p.Readings {
		radius := g.Floor*g.R + p.Normalize(r.Signal)*(1-g.Floor)*g.R
		a := float64(r.Bearing-90) * math.Pi / 180
		points = append(points, Point{
			Bearing: r.Bearing,
			Signal:  r.Signal,
			Radius:  radius,
			X:       g.CX + radius*math.Cos(a),
			Y:       g.CY + radius*math.Sin(a),
		})
	}
	return points
}

// SVGPath renders points as a closed SVG path ("M x y L x y ... Z").
func SVGPath(points []Point) string {
	if len(points) == 0 {
		return ""
	}
	var b strings.Builder
	for i, pt := range points {
		if i == 0 {
			b.WriteString("M ")
		} else {
			b.WriteString(" L ")
		}
		b.WriteString(strconv.FormatFloat(pt.X, 'f', 2, 64))
		b.WriteByte(' ')
		b.WriteString(strconv.FormatFloat(pt.Y, 'f', 2, 64))
	}
	b.WriteString(" Z")
	return b.String()
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
