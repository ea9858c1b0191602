package pipeline

import (
	"math"

	"github.com/banshee-data/slam.report/internal/slam"
)

// Synthetic sweep generation for offline replays and tests: a simple world
// of axis-aligned rectangles is ray-cast from a moving sensor, producing
// clouds with the exact geometry a spinning multi-beam LiDAR would see.

// Rect is an axis-aligned rectangle: the surface axis (0=x, 1=y, 2=z) is
// fixed at Value; U and V bound the two remaining axes in ascending axis
// order.
type Rect struct {
	Axis  int
	Value float64
	UMin  float64
	UMax  float64
	VMin  float64
	VMax  float64
}

// Scene is a collection of surfaces to ray-cast against.
type Scene struct {
	Surfaces []Rect
	MaxRange float64
}

// CorridorScene builds a corridor along +x spanning [xMin, xMax]: side walls,
// floor and ceiling, plus door-jamb pillars every pillarSpacing meters that give the
// registration an x-constraint and the extractor sharp edges.
func CorridorScene(halfWidth, floorZ, ceilingZ, pillarSpacing float64, xMin, xMax float64) *Scene {
	sc := &Scene{MaxRange: 120}
	sc.Surfaces = append(sc.Surfaces,
		Rect{Axis: 1, Value: halfWidth, UMin: xMin, UMax: xMax, VMin: floorZ, VMax: ceilingZ},
		Rect{Axis: 1, Value: -halfWidth, UMin: xMin, UMax: xMax, VMin: floorZ, VMax: ceilingZ},
		Rect{Axis: 2, Value: floorZ, UMin: xMin, UMax: xMax, VMin: -halfWidth, VMax: halfWidth},
		Rect{Axis: 2, Value: ceilingZ, UMin: xMin, UMax: xMax, VMin: -halfWidth, VMax: halfWidth},
	)
	const jamb = 0.5
	for x := xMin; x <= xMax; x += pillarSpacing {
		sc.Surfaces = append(sc.Surfaces,
			Rect{Axis: 0, Value: x, UMin: halfWidth - jamb, UMax: halfWidth, VMin: floorZ, VMax: ceilingZ},
			Rect{Axis: 0, Value: x, UMin: -halfWidth, UMax: -halfWidth + jamb, VMin: floorZ, VMax: ceilingZ},
		)
	}
	return sc
}

// SweepOptions shapes the generated clouds.
type SweepOptions struct {
	NbLasers      int
	AzimuthSteps  int
	MinVerticalDeg float64
	MaxVerticalDeg float64
	FrameDuration float64 // seconds per rotation; column k is stamped k/AzimuthSteps of it
	FrameID       string
}

// DefaultSweepOptions models a 16-beam sensor at 0.8 degree resolution.
func DefaultSweepOptions() SweepOptions {
	return SweepOptions{
		NbLasers:       16,
		AzimuthSteps:   450,
		MinVerticalDeg: -15,
		MaxVerticalDeg: 15,
		FrameDuration:  0.1,
		FrameID:        "lidar",
	}
}

// cast returns the range of the nearest surface hit along a world ray, or
// false when nothing is hit within MaxRange.
func (sc *Scene) cast(ox, oy, oz, dx, dy, dz float64) (float64, bool) {
	o := [3]float64{ox, oy, oz}
	d := [3]float64{dx, dy, dz}
	best := sc.MaxRange
	hit := false
	for _, r := range sc.Surfaces {
		if math.Abs(d[r.Axis]) < 1e-12 {
			continue
		}
		t := (r.Value - o[r.Axis]) / d[r.Axis]
		if t < 1e-6 || t >= best {
			continue
		}
		u, v := otherAxes(r.Axis)
		pu := o[u] + t*d[u]
		pv := o[v] + t*d[v]
		if pu < r.UMin || pu > r.UMax || pv < r.VMin || pv > r.VMax {
			continue
		}
		best = t
		hit = true
	}
	return best, hit
}

func otherAxes(axis int) (int, int) {
	switch axis {
	case 0:
		return 1, 2
	case 1:
		return 0, 2
	default:
		return 0, 1
	}
}

// GenerateSweep ray-casts one full rotation. poseAt gives the sensor pose
// in WORLD at each in-sweep time, so a moving sensor produces genuinely
// distorted clouds. The returned points are in the sensor frame, ordered by
// azimuth then laser, with per-point times.
func (sc *Scene) GenerateSweep(poseAt func(t float64) slam.Isometry, timeUs uint64, opts SweepOptions) *slam.PointCloud {
	cloud := &slam.PointCloud{
		TimeUs:  timeUs,
		FrameID: opts.FrameID,
	}
	for step := 0; step < opts.AzimuthSteps; step++ {
		azimuth := 2 * math.Pi * float64(step) / float64(opts.AzimuthSteps)
		t := opts.FrameDuration * float64(step) / float64(opts.AzimuthSteps)
		pose := poseAt(t)
		ox, oy, oz := pose.Translation()
		for laser := 0; laser < opts.NbLasers; laser++ {
			vertical := (opts.MinVerticalDeg +
				(opts.MaxVerticalDeg-opts.MinVerticalDeg)*float64(laser)/float64(opts.NbLasers-1)) *
				math.Pi / 180
			// Beam direction in the sensor frame.
			sx := math.Cos(vertical) * math.Cos(azimuth)
			sy := math.Cos(vertical) * math.Sin(azimuth)
			sz := math.Sin(vertical)
			// Rotate into WORLD (rotation only; the origin moves with the pose).
			wx, wy, wz := pose.WithTranslation(0, 0, 0).Apply(sx, sy, sz)
			r, ok := sc.cast(ox, oy, oz, wx, wy, wz)
			if !ok {
				continue
			}
			cloud.Points = append(cloud.Points, slam.Point{
				X:         r * sx,
				Y:         r * sy,
				Z:         r * sz,
				Intensity: 100,
				LaserID:   uint8(laser),
				Time:      t,
			})
		}
	}
	return cloud
}
