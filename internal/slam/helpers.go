package slam

import "math"

func sqrt3(x, y, z float64) float64 {
	return math.Sqrt(x*x + y*y + z*z)
}
