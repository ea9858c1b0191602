package extractor

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/slam.report/internal/slam"
)

// Eigenvalue ratio thresholds for the shape verification of candidates.
// An edge window must be dominated by one direction; a planar window must
// have a negligible smallest eigenvalue compared to the middle one.
const (
	edgeEigenFactor  = 3.0
	planeEigenFactor = 10.0
)

// minEdgeCurvature is the curvature floor (range-normalized) below which a
// point cannot become an edge candidate: a straight scan-line segment is a
// perfect PCA line, so the eigenvalue test alone cannot tell it from a real
// geometric discontinuity.
const minEdgeCurvature = 0.02

// Params configures the spinning-sensor keypoint extractor.
type Params struct {
	// NeighborhoodSize is the number of consecutive points considered on
	// each side of a candidate along its scan line.
	NeighborhoodSize int

	// MinDistanceToSensor drops points closer than this many meters.
	MinDistanceToSensor float64

	// DepthGapRatio is the maximum allowed depth ratio between a point and
	// any of its neighbors; beyond it the point is occluded or grazing and
	// is marked invalid.
	DepthGapRatio float64

	// EdgeSinAngleThreshold flags a point as a sharp corner when the sine
	// of the angle between its left and right chord directions is at least
	// this value. Corner points are barred from the planar class; they
	// still face the same curvature and shape tests as any edge candidate.
	EdgeSinAngleThreshold float64

	// PlaneSinAngleThreshold rejects planar candidates whose beam grazes
	// the surface: the sine of the beam/chord angle must be at least this.
	PlaneSinAngleThreshold float64

	// MaxEdgesPerRing and MaxPlanesPerRing are the per-scan-line keypoint
	// budgets.
	MaxEdgesPerRing  int
	MaxPlanesPerRing int

	// ExclusionDistance forbids two selected keypoints of the same class
	// within this many consecutive positions on a line.
	ExclusionDistance int

	// BlobStride keeps every n-th remaining valid point as a blob.
	BlobStride int

	// NbThreads caps the number of scan lines processed concurrently.
	NbThreads int

	// LaserIDMapping optionally maps laser ids to vertical ranks for
	// devices whose numbering is not sorted by elevation. When set, a
	// laser id outside the mapping is an input error. When nil, laser ids
	// index scan lines directly.
	LaserIDMapping []int
}

// DefaultParams returns the extractor defaults.
func DefaultParams() Params {
	return Params{
		NeighborhoodSize:       5,
		MinDistanceToSensor:    1.5,
		DepthGapRatio:          1.3,
		EdgeSinAngleThreshold:  0.86,
		PlaneSinAngleThreshold: 0.5,
		MaxEdgesPerRing:        40,
		MaxPlanesPerRing:       400,
		ExclusionDistance:      5,
		BlobStride:             8,
		NbThreads:              1,
	}
}

// SpinningSensor extracts keypoints from a spinning multi-beam LiDAR by
// analyzing the curvature of each scan line independently.
type SpinningSensor struct {
	params Params
}

// NewSpinningSensor creates an extractor with the given parameters.
func NewSpinningSensor(params Params) *SpinningSensor {
	return &SpinningSensor{params: params}
}

// Params returns the extractor configuration.
func (e *SpinningSensor) Params() Params { return e.params }

// scanPoint is the per-line analysis state of one point.
type scanPoint struct {
	curvature float64
	valid     bool
	corner    bool // sharp left/right chord angle
	planarOK  bool // beam not grazing the surface
}

// Extract classifies one sweep. Scan lines with fewer than 2*N+1 points are
// skipped silently.
func (e *SpinningSensor) Extract(cloud *slam.PointCloud) (*Keypoints, error) {
	kp := &Keypoints{}
	if cloud.Empty() {
		return kp, nil
	}
	pts := cloud.Points
	kp.Labels = make([]slam.Keypoint, len(pts))

	lines, err := e.groupScanLines(pts)
	if err != nil {
		return nil, err
	}

	// A single scan line carries no vertical structure; curvature-based
	// edge/planar classification is unreliable there, so the sweep only
	// contributes blobs.
	nonEmpty := 0
	for _, l := range lines {
		if len(l) > 0 {
			nonEmpty++
		}
	}
	if nonEmpty < 2 {
		e.blobsOnly(pts, kp)
		return kp, nil
	}

	// Per-line classification is independent; fan out over lines.
	lineResults := make([][3][]int, len(lines)) // edge, plane, blob cloud indices
	slam.ParallelFor(len(lines), e.params.NbThreads, func(start, end int) {
		for li := start; li < end; li++ {
			lineResults[li] = e.classifyLine(pts, lines[li], kp.Labels)
		}
	})

	for _, res := range lineResults {
		for _, i := range res[0] {
			kp.Edges = append(kp.Edges, pts[i])
		}
		for _, i := range res[1] {
			kp.Planes = append(kp.Planes, pts[i])
		}
		for _, i := range res[2] {
			kp.Blobs = append(kp.Blobs, pts[i])
		}
	}
	return kp, nil
}

// blobsOnly classifies every in-range point of a degenerate sweep as a
// (strided) blob.
func (e *SpinningSensor) blobsOnly(pts []slam.Point, kp *Keypoints) {
	stride := e.params.BlobStride
	if stride < 1 {
		stride = 1
	}
	kept := 0
	for i, p := range pts {
		if p.Range() < e.params.MinDistanceToSensor {
			kp.Labels[i] = slam.KeypointInvalid
			continue
		}
		kp.Labels[i] = slam.KeypointBlob
		if kept%stride == 0 {
			kp.Blobs = append(kp.Blobs, p)
		}
		kept++
	}
}

// groupScanLines buckets point indices by scan line, preserving sweep order
// within each line.
func (e *SpinningSensor) groupScanLines(pts []slam.Point) ([][]int, error) {
	var lines [][]int
	for i, p := range pts {
		row := int(p.LaserID)
		if m := e.params.LaserIDMapping; m != nil {
			if row >= len(m) {
				return nil, fmt.Errorf("laser id %d beyond mapping of %d lasers", p.LaserID, len(m))
			}
			row = m[row]
		}
		for row >= len(lines) {
			lines = append(lines, nil)
		}
		lines[row] = append(lines[row], i)
	}
	return lines, nil
}

// classifyLine runs the per-line pipeline: geometric filters, curvature,
// budgeted selection with spatial exclusion, PCA shape checks, blobs.
// Returned slices hold cloud indices for edges, planes and blobs. Labels is
// written for every point of the line (concurrent writers touch disjoint
// indices).
func (e *SpinningSensor) classifyLine(pts []slam.Point, line []int, labels []slam.Keypoint) [3][]int {
	n := e.params.NeighborhoodSize
	if len(line) < 2*n+1 {
		for _, i := range line {
			labels[i] = slam.KeypointInvalid
		}
		return [3][]int{}
	}

	sp := make([]scanPoint, len(line))
	e.analyzeLine(pts, line, sp)

	edges := e.selectEdges(pts, line, sp)
	planes := e.selectPlanes(pts, line, sp)

	taken := make(map[int]bool, len(edges)+len(planes))
	for _, j := range edges {
		taken[j] = true
		labels[line[j]] = slam.KeypointEdge
	}
	for _, j := range planes {
		taken[j] = true
		labels[line[j]] = slam.KeypointPlane
	}

	// Remaining valid points become blobs, downsampled by stride.
	var blobs []int
	stride := e.params.BlobStride
	if stride < 1 {
		stride = 1
	}
	kept := 0
	for j := range sp {
		if !sp[j].valid {
			labels[line[j]] = slam.KeypointInvalid
			continue
		}
		if taken[j] {
			continue
		}
		// Every remaining valid point carries the blob label (it has no
		// line or plane prior); the blob keypoint set itself is strided.
		labels[line[j]] = slam.KeypointBlob
		if kept%stride == 0 {
			blobs = append(blobs, line[j])
		}
		kept++
	}

	edgeIdx := make([]int, len(edges))
	for k, j := range edges {
		edgeIdx[k] = line[j]
	}
	planeIdx := make([]int, len(planes))
	for k, j := range planes {
		planeIdx[k] = line[j]
	}
	return [3][]int{edgeIdx, planeIdx, blobs}
}

// analyzeLine fills validity, curvature and the angular criteria for every
// point of a line.
func (e *SpinningSensor) analyzeLine(pts []slam.Point, line []int, sp []scanPoint) {
	n := e.params.NeighborhoodSize
	for j := n; j < len(line)-n; j++ {
		p := pts[line[j]]
		r := p.Range()
		if r < e.params.MinDistanceToSensor {
			continue
		}

		// Depth-discontinuity filter: a large depth ratio against any
		// neighbor means the point is occluded or grazing geometry.
		gap := false
		for k := j - n; k <= j+n; k++ {
			if k == j {
				continue
			}
			rn := pts[line[k]].Range()
			if rn < 1e-9 {
				gap = true
				break
			}
			ratio := r / rn
			if ratio < 1 {
				ratio = 1 / ratio
			}
			if ratio > e.params.DepthGapRatio {
				gap = true
				break
			}
		}
		if gap {
			continue
		}

		// LOAM-style curvature: magnitude of the neighborhood residual sum
		// normalized by range.
		var sx, sy, sz float64
		for k := j - n; k <= j+n; k++ {
			if k == j {
				continue
			}
			q := pts[line[k]]
			sx += q.X - p.X
			sy += q.Y - p.Y
			sz += q.Z - p.Z
		}
		sp[j].valid = true
		sp[j].curvature = math.Sqrt(sx*sx+sy*sy+sz*sz) / r

		// Chord directions on each side of the point.
		left := pts[line[j-n]]
		right := pts[line[j+n]]
		lx, ly, lz := p.X-left.X, p.Y-left.Y, p.Z-left.Z
		rx, ry, rz := right.X-p.X, right.Y-p.Y, right.Z-p.Z
		ln := math.Sqrt(lx*lx + ly*ly + lz*lz)
		rn := math.Sqrt(rx*rx + ry*ry + rz*rz)
		if ln < 1e-9 || rn < 1e-9 {
			continue
		}

		// Corner criterion: sine of the angle between left and right chords.
		cx := ly*rz - lz*ry
		cy := lz*rx - lx*rz
		cz := lx*ry - ly*rx
		sp[j].corner = math.Sqrt(cx*cx+cy*cy+cz*cz)/(ln*rn) >= e.params.EdgeSinAngleThreshold

		// Grazing-beam criterion: sine of the angle between the beam and
		// the full chord must not be too small for a planar candidate.
		chx, chy, chz := lx+rx, ly+ry, lz+rz
		chn := math.Sqrt(chx*chx + chy*chy + chz*chz)
		if chn < 1e-9 {
			continue
		}
		bx, by, bz := p.X/r, p.Y/r, p.Z/r
		gx := chy*bz - chz*by
		gy := chz*bx - chx*bz
		gz := chx*by - chy*bx
		sp[j].planarOK = math.Sqrt(gx*gx+gy*gy+gz*gz)/chn >= e.params.PlaneSinAngleThreshold
	}
}

// selectEdges picks at most MaxEdgesPerRing edge keypoints by descending
// curvature, with spatial exclusion. Every candidate, sharp corners
// included, must clear the curvature floor and the PCA shape test; the
// corner flag is no shortcut, since chord-angle noise on a flat run can
// trip it.
func (e *SpinningSensor) selectEdges(pts []slam.Point, line []int, sp []scanPoint) []int {
	order := validByCurvature(sp, true)
	var out []int
	excluded := make([]bool, len(sp))
	for _, j := range order {
		if len(out) >= e.params.MaxEdgesPerRing {
			break
		}
		if excluded[j] {
			continue
		}
		if sp[j].curvature < minEdgeCurvature || !e.edgeShapeOK(pts, line, j) {
			continue
		}
		out = append(out, j)
		markExclusion(excluded, j, e.params.ExclusionDistance)
	}
	return out
}

// selectPlanes picks at most MaxPlanesPerRing planar keypoints by ascending
// curvature with spatial exclusion and PCA verification.
func (e *SpinningSensor) selectPlanes(pts []slam.Point, line []int, sp []scanPoint) []int {
	order := validByCurvature(sp, false)
	var out []int
	excluded := make([]bool, len(sp))
	for _, j := range order {
		if len(out) >= e.params.MaxPlanesPerRing {
			break
		}
		if excluded[j] || !sp[j].planarOK || sp[j].corner {
			continue
		}
		if !e.planeShapeOK(pts, line, j) {
			continue
		}
		out = append(out, j)
		markExclusion(excluded, j, e.params.ExclusionDistance)
	}
	return out
}

func markExclusion(excluded []bool, j, dist int) {
	for k := j - dist; k <= j+dist; k++ {
		if k >= 0 && k < len(excluded) {
			excluded[k] = true
		}
	}
}

// validByCurvature returns the indices of valid points sorted by curvature,
// descending when desc is true.
func validByCurvature(sp []scanPoint, desc bool) []int {
	order := make([]int, 0, len(sp))
	for j := range sp {
		if sp[j].valid {
			order = append(order, j)
		}
	}
	sort.Slice(order, func(a, b int) bool {
		if desc {
			return sp[order[a]].curvature > sp[order[b]].curvature
		}
		return sp[order[a]].curvature < sp[order[b]].curvature
	})
	return order
}

// windowEigenvalues computes the ascending eigenvalues of the covariance of
// the 2*N+1 window around line-local index j.
func (e *SpinningSensor) windowEigenvalues(pts []slam.Point, line []int, j int) (vals [3]float64, ok bool) {
	n := e.params.NeighborhoodSize
	lo, hi := j-n, j+n
	if lo < 0 || hi >= len(line) {
		return vals, false
	}
	var mx, my, mz float64
	count := float64(hi - lo + 1)
	for k := lo; k <= hi; k++ {
		p := pts[line[k]]
		mx += p.X
		my += p.Y
		mz += p.Z
	}
	mx /= count
	my /= count
	mz /= count

	var cxx, cxy, cxz, cyy, cyz, czz float64
	for k := lo; k <= hi; k++ {
		p := pts[line[k]]
		dx, dy, dz := p.X-mx, p.Y-my, p.Z-mz
		cxx += dx * dx
		cxy += dx * dy
		cxz += dx * dz
		cyy += dy * dy
		cyz += dy * dz
		czz += dz * dz
	}
	cov := mat.NewSymDense(3, []float64{
		cxx / count, cxy / count, cxz / count,
		cxy / count, cyy / count, cyz / count,
		cxz / count, cyz / count, czz / count,
	})
	var eig mat.EigenSym
	if !eig.Factorize(cov, false) {
		return vals, false
	}
	v := eig.Values(nil)
	copy(vals[:], v)
	return vals, true
}

// edgeShapeOK accepts windows dominated by a single direction.
func (e *SpinningSensor) edgeShapeOK(pts []slam.Point, line []int, j int) bool {
	vals, ok := e.windowEigenvalues(pts, line, j)
	if !ok {
		return false
	}
	return vals[2] >= edgeEigenFactor*vals[1]
}

// planeShapeOK accepts windows whose smallest eigenvalue is negligible
// against the middle one.
func (e *SpinningSensor) planeShapeOK(pts []slam.Point, line []int, j int) bool {
	vals, ok := e.windowEigenvalues(pts, line, j)
	if !ok {
		return false
	}
	return vals[0]*planeEigenFactor <= vals[1] || vals[1] < 1e-12
}
