package rollinggrid

import (
	"math"

	"github.com/banshee-data/slam.report/internal/slam"
)

// Grid is a voxel map covering a cube of size*resolution meters per side.
// Each occupied voxel holds points downsampled to a leaf grid of leafSize
// meters. All stored points are in world coordinates.
//
// Grid is not safe for concurrent mutation; the pipeline mutates maps only
// in its map-update step, after all parallel matching has completed.
type Grid struct {
	size       int     // voxels per side
	resolution float64 // voxel edge length, meters
	leafSize   float64 // intra-voxel downsampling leaf, meters

	// origin is the voxel coordinate of the lower corner of the window.
	// The window spans [origin, origin+size) on each axis.
	origin   [3]int
	voxels   map[[3]int][]slam.Point
	nbPoints int
}

// New creates an empty grid centered on the world origin.
func New(size int, resolution, leafSize float64) *Grid {
	g := &Grid{
		size:       size,
		resolution: resolution,
		leafSize:   leafSize,
		voxels:     make(map[[3]int][]slam.Point),
	}
	g.origin = [3]int{-size / 2, -size / 2, -size / 2}
	return g
}

// Size returns the number of voxels per side.
func (g *Grid) Size() int { return g.size }

// Resolution returns the voxel edge length in meters.
func (g *Grid) Resolution() float64 { return g.resolution }

// LeafSize returns the intra-voxel downsampling leaf size in meters.
func (g *Grid) LeafSize() float64 { return g.leafSize }

// SetLeafSize changes the downsampling leaf size for future insertions.
func (g *Grid) SetLeafSize(leaf float64) { g.leafSize = leaf }

// NbPoints returns the number of stored points.
func (g *Grid) NbPoints() int { return g.nbPoints }

func (g *Grid) voxelOf(x, y, z float64) [3]int {
	return [3]int{
		int(math.Floor(x / g.resolution)),
		int(math.Floor(y / g.resolution)),
		int(math.Floor(z / g.resolution)),
	}
}

func (g *Grid) inWindow(v [3]int) bool {
	for i := 0; i < 3; i++ {
		if v[i] < g.origin[i] || v[i] >= g.origin[i]+g.size {
			return false
		}
	}
	return true
}

// Center shifts the window so that the sensor position (x, y, z) lies at its
// middle, evicting every voxel that falls outside the new window. Eviction
// is permanent: dropped points never reappear.
func (g *Grid) Center(x, y, z float64) {
	sensor := g.voxelOf(x, y, z)
	newOrigin := [3]int{sensor[0] - g.size/2, sensor[1] - g.size/2, sensor[2] - g.size/2}
	if newOrigin == g.origin {
		return
	}
	g.origin = newOrigin
	for v, pts := range g.voxels {
		if !g.inWindow(v) {
			g.nbPoints -= len(pts)
			delete(g.voxels, v)
		}
	}
}

// Add inserts world-frame points, dropping those outside the current window,
// then re-downsamples every touched voxel to the leaf grid.
func (g *Grid) Add(points []slam.Point) {
	if len(points) == 0 {
		return
	}
	touched := make(map[[3]int]struct{})
	for _, p := range points {
		v := g.voxelOf(p.X, p.Y, p.Z)
		if !g.inWindow(v) {
			continue
		}
		g.voxels[v] = append(g.voxels[v], p)
		g.nbPoints++
		touched[v] = struct{}{}
	}
	for v := range touched {
		g.downsampleVoxel(v)
	}
}

// downsampleVoxel replaces the voxel content by one representative point per
// leaf cell (the centroid of the cell's points). Intensity is averaged;
// laser id and time are taken from the first point of the cell, as they have
// no meaningful mean.
func (g *Grid) downsampleVoxel(v [3]int) {
	pts := g.voxels[v]
	if len(pts) < 2 || g.leafSize <= 0 {
		return
	}
	type leafAcc struct {
		sx, sy, sz float64
		si         float64
		n          int
		first      slam.Point
	}
	index := make(map[[3]int]int)
	var leaves []*leafAcc
	for _, p := range pts {
		l := [3]int{
			int(math.Floor(p.X / g.leafSize)),
			int(math.Floor(p.Y / g.leafSize)),
			int(math.Floor(p.Z / g.leafSize)),
		}
		ai, ok := index[l]
		if !ok {
			ai = len(leaves)
			index[l] = ai
			leaves = append(leaves, &leafAcc{first: p})
		}
		acc := leaves[ai]
		acc.sx += p.X
		acc.sy += p.Y
		acc.sz += p.Z
		acc.si += float64(p.Intensity)
		acc.n++
	}
	if len(leaves) == len(pts) {
		return
	}
	// Keep the bucket in a deterministic order (first-seen) so replays of
	// identical inputs rebuild byte-identical maps.
	out := make([]slam.Point, 0, len(leaves))
	for _, acc := range leaves {
		n := float64(acc.n)
		rep := acc.first
		rep.X = acc.sx / n
		rep.Y = acc.sy / n
		rep.Z = acc.sz / n
		rep.Intensity = float32(acc.si / n)
		out = append(out, rep)
	}
	g.nbPoints += len(out) - len(pts)
	g.voxels[v] = out
}

// Points returns a copy of every stored point.
func (g *Grid) Points() []slam.Point {
	out := make([]slam.Point, 0, g.nbPoints)
	for _, pts := range g.voxels {
		out = append(out, pts...)
	}
	return out
}

// PointsInBox returns every stored point p with min <= p <= max on each
// axis. The enumeration walks only the voxels overlapping the box.
func (g *Grid) PointsInBox(min, max [3]float64) []slam.Point {
	var lo, hi [3]int
	for i := 0; i < 3; i++ {
		lo[i] = int(math.Floor(min[i] / g.resolution))
		hi[i] = int(math.Floor(max[i] / g.resolution))
		if lo[i] < g.origin[i] {
			lo[i] = g.origin[i]
		}
		if hi[i] > g.origin[i]+g.size-1 {
			hi[i] = g.origin[i] + g.size - 1
		}
	}
	var out []slam.Point
	for vx := lo[0]; vx <= hi[0]; vx++ {
		for vy := lo[1]; vy <= hi[1]; vy++ {
			for vz := lo[2]; vz <= hi[2]; vz++ {
				for _, p := range g.voxels[[3]int{vx, vy, vz}] {
					if p.X >= min[0] && p.X <= max[0] &&
						p.Y >= min[1] && p.Y <= max[1] &&
						p.Z >= min[2] && p.Z <= max[2] {
						out = append(out, p)
					}
				}
			}
		}
	}
	return out
}

// RadiusNeighbors returns every stored point within rmax of (x, y, z).
func (g *Grid) RadiusNeighbors(x, y, z, rmax float64) []slam.Point {
	box := g.PointsInBox(
		[3]float64{x - rmax, y - rmax, z - rmax},
		[3]float64{x + rmax, y + rmax, z + rmax},
	)
	r2 := rmax * rmax
	out := box[:0]
	for _, p := range box {
		dx, dy, dz := p.X-x, p.Y-y, p.Z-z
		if dx*dx+dy*dy+dz*dz <= r2 {
			out = append(out, p)
		}
	}
	return out
}

// Clear drops every stored point, keeping the window position.
func (g *Grid) Clear() {
	g.voxels = make(map[[3]int][]slam.Point)
	g.nbPoints = 0
}
