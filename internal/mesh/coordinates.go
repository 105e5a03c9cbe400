package mesh

import "math"

// Coordinates places a node on the testbed floor plan, in meters.
type Coordinates struct {
	X float64
	Y float64
}

func (c Coordinates) DistanceTo(other Coordinates) float64 {
	return math.Sqrt(math.Pow(c.X-other.X, 2) + math.Pow(c.Y-other.Y, 2))
}

func (c Coordinates) Equals(other Coordinates) bool {
	return c.X == other.X && c.Y == other.Y
}

func CreateCoordinates(x, y float64) Coordinates {
	return Coordinates{X: x, Y: y}
}
