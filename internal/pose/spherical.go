package pose

import "math"

// AxisCorrection negates world Y and Z. It is applied to every synthetic
// pose so spherical placements line up with reconstructed ones.
var AxisCorrection = Pose{
	{1, 0, 0, 0},
	{0, -1, 0, 0},
	{0, 0, -1, 0},
	{0, 0, 0, 1},
}

func translateZ(d float64) Pose {
	p := Identity()
	p[2][3] = d
	return p
}

func rotateX(rad float64) Pose {
	c, s := math.Cos(rad), math.Sin(rad)
	return Pose{
		{1, 0, 0, 0},
		{0, c, -s, 0},
		{0, s, c, 0},
		{0, 0, 0, 1},
	}
}

func rotateY(rad float64) Pose {
	c, s := math.Cos(rad), math.Sin(rad)
	return Pose{
		{c, 0, -s, 0},
		{0, 1, 0, 0},
		{s, 0, c, 0},
		{0, 0, 0, 1},
	}
}

// Spherical places a camera at radius on a sphere around the origin:
// AxisCorrection · Ry(azimuth) · Rx(elevation) · Tz(radius). Angles are degrees.
func Spherical(azimuthDeg, elevationDeg, radius float64) Pose {
	c2w := rotateY(azimuthDeg * math.Pi / 180).
		Mul(rotateX(elevationDeg * math.Pi / 180)).
		Mul(translateZ(radius))
	return AxisCorrection.Mul(c2w)
}

// Orbit returns n poses evenly spaced in azimuth at a fixed elevation.
func Orbit(n int, elevationDeg, radius float64) []Pose {
	out := make([]Pose, n)
	for i := range out {
		out[i] = Spherical(360*float64(i)/float64(n), elevationDeg, radius)
	}
	return out
}
