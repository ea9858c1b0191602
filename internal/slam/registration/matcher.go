package registration

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/slam.report/internal/slam"
)

// MatchStatus classifies the outcome of building one keypoint match.
type MatchStatus int

const (
	MatchSuccess MatchStatus = iota
	MatchNotEnoughNeighbors
	MatchNeighborsTooFar
	MatchBadPcaStructure
	MatchInvalidNumerical
	MatchMseTooLarge
	MatchUnknown

	numMatchStatuses
)

func (s MatchStatus) String() string {
	switch s {
	case MatchSuccess:
		return "success"
	case MatchNotEnoughNeighbors:
		return "not-enough-neighbors"
	case MatchNeighborsTooFar:
		return "neighbors-too-far"
	case MatchBadPcaStructure:
		return "bad-pca-structure"
	case MatchInvalidNumerical:
		return "invalid-numerical"
	case MatchMseTooLarge:
		return "mse-too-large"
	default:
		return "unknown"
	}
}

// Residual is one weighted point-to-model constraint:
// (T(time)*X - P)^T * A * (T(time)*X - P), with X the keypoint in the moving
// frame, P the model anchor in the reference frame and A the symmetric
// positive semi-definite weight encoding the model geometry (plane normal,
// line direction complement, or blob covariance).
type Residual struct {
	X    [3]float64
	P    [3]float64
	A    [9]float64
	Time float64
}

// MatchingResults aggregates the residuals and the per-keypoint outcome
// histogram of one matching pass.
type MatchingResults struct {
	Residuals  []Residual
	Statuses   []MatchStatus
	Rejections [numMatchStatuses]int
}

// NbMatches returns the number of residuals built.
func (r *MatchingResults) NbMatches() int { return len(r.Residuals) }

// merge folds per-chunk results into r, preserving keypoint order.
func (r *MatchingResults) merge(parts []MatchingResults) {
	for i := range parts {
		r.Residuals = append(r.Residuals, parts[i].Residuals...)
		r.Statuses = append(r.Statuses, parts[i].Statuses...)
		for s, n := range parts[i].Rejections {
			r.Rejections[s] += n
		}
	}
}

// MatcherParams tunes one matching pass.
type MatcherParams struct {
	// NbNeighbors is the number of nearest reference points fetched per
	// keypoint.
	NbNeighbors int
	// MinNeighbors is the minimum number of neighbors within range needed
	// to attempt a model fit.
	MinNeighbors int
	// Factor is the eigenvalue ratio a line fit must exceed, or the ratio
	// a plane fit's smallest eigenvalue must stay below (Factor1); Factor2
	// additionally bounds the plane's largest eigenvalue.
	Factor  float64
	Factor2 float64
	// MaxDist is the maximum distance between keypoint and neighborhood
	// for a match to be built.
	MaxDist float64
	// MaxModelError bounds the RMS distance of the neighbors to the fitted
	// model.
	MaxModelError float64
	// NbThreads caps the matching fan-out.
	NbThreads int
}

// PoseAt returns the pose mapping a keypoint measured at the given in-sweep
// time into the reference frame. Undistortion-aware callers interpolate on
// time; others ignore it.
type PoseAt func(time float64) slam.Isometry

// MatchEdges matches every current edge keypoint to a line fitted through
// its nearest reference edges.
func MatchEdges(tree *KDTree, ref, current []slam.Point, poseAt PoseAt, p MatcherParams) *MatchingResults {
	return matchAll(tree, ref, current, poseAt, p, fitLine)
}

// MatchPlanes matches every current planar keypoint to a plane fitted
// through its nearest reference planars.
func MatchPlanes(tree *KDTree, ref, current []slam.Point, poseAt PoseAt, p MatcherParams) *MatchingResults {
	return matchAll(tree, ref, current, poseAt, p, fitPlane)
}

// MatchBlobs matches every current blob keypoint against the full 3x3
// covariance of its reference neighborhood, with no shape prior.
func MatchBlobs(tree *KDTree, ref, current []slam.Point, poseAt PoseAt, p MatcherParams) *MatchingResults {
	return matchAll(tree, ref, current, poseAt, p, fitBlob)
}

// fitFunc fits a model to a neighborhood and returns its anchor and weight
// matrix, or a rejection status.
type fitFunc func(neighbors []slam.Point, p MatcherParams) (anchor [3]float64, a [9]float64, status MatchStatus)

func matchAll(tree *KDTree, ref, current []slam.Point, poseAt PoseAt, p MatcherParams, fit fitFunc) *MatchingResults {
	out := &MatchingResults{}
	if tree.Len() == 0 || len(current) == 0 {
		out.Statuses = make([]MatchStatus, len(current))
		for i := range out.Statuses {
			out.Statuses[i] = MatchNotEnoughNeighbors
			out.Rejections[MatchNotEnoughNeighbors]++
		}
		return out
	}

	workers := p.NbThreads
	if workers < 1 {
		workers = 1
	}
	chunk := (len(current) + workers - 1) / workers
	parts := make([]MatchingResults, (len(current)+chunk-1)/chunk)
	slam.ParallelFor(len(current), workers, func(start, end int) {
		part := &parts[start/chunk]
		for i := start; i < end; i++ {
			res, status := matchOne(tree, ref, current[i], poseAt, p, fit)
			part.Statuses = append(part.Statuses, status)
			part.Rejections[status]++
			if status == MatchSuccess {
				part.Residuals = append(part.Residuals, res)
			}
		}
	})
	out.merge(parts)
	return out
}

func matchOne(tree *KDTree, ref []slam.Point, kp slam.Point, poseAt PoseAt, p MatcherParams, fit fitFunc) (Residual, MatchStatus) {
	// Project the keypoint into the reference frame under the current pose
	// estimate before searching neighbors.
	wx, wy, wz := poseAt(kp.Time).Apply(kp.X, kp.Y, kp.Z)

	ids, sqDists := tree.KNearest(wx, wy, wz, p.NbNeighbors)
	if len(ids) < p.MinNeighbors {
		return Residual{}, MatchNotEnoughNeighbors
	}

	// Keep only neighbors within matching range.
	maxSq := p.MaxDist * p.MaxDist
	inRange := len(sqDists)
	for inRange > 0 && sqDists[inRange-1] > maxSq {
		inRange--
	}
	if inRange < p.MinNeighbors {
		return Residual{}, MatchNeighborsTooFar
	}

	neighbors := make([]slam.Point, inRange)
	for i := 0; i < inRange; i++ {
		neighbors[i] = ref[ids[i]]
	}

	anchor, a, status := fit(neighbors, p)
	if status != MatchSuccess {
		return Residual{}, status
	}
	res := Residual{
		X:    [3]float64{kp.X, kp.Y, kp.Z},
		P:    anchor,
		A:    a,
		Time: kp.Time,
	}
	for _, v := range res.A {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Residual{}, MatchInvalidNumerical
		}
	}
	return res, MatchSuccess
}

// neighborhoodPCA returns the mean, ascending eigenvalues and matching
// eigenvectors (columns) of the neighborhood covariance.
func neighborhoodPCA(neighbors []slam.Point) (mean [3]float64, vals [3]float64, vecs mat.Dense, ok bool) {
	n := float64(len(neighbors))
	for _, q := range neighbors {
		mean[0] += q.X
		mean[1] += q.Y
		mean[2] += q.Z
	}
	mean[0] /= n
	mean[1] /= n
	mean[2] /= n

	var cxx, cxy, cxz, cyy, cyz, czz float64
	for _, q := range neighbors {
		dx, dy, dz := q.X-mean[0], q.Y-mean[1], q.Z-mean[2]
		cxx += dx * dx
		cxy += dx * dy
		cxz += dx * dz
		cyy += dy * dy
		cyz += dy * dz
		czz += dz * dz
	}
	cov := mat.NewSymDense(3, []float64{
		cxx / n, cxy / n, cxz / n,
		cxy / n, cyy / n, cyz / n,
		cxz / n, cyz / n, czz / n,
	})
	var eig mat.EigenSym
	if !eig.Factorize(cov, true) {
		return mean, vals, vecs, false
	}
	v := eig.Values(nil)
	copy(vals[:], v)
	eig.VectorsTo(&vecs)
	return mean, vals, vecs, true
}

// fitLine accepts neighborhoods dominated by one direction and returns
// A = I - u*u^T with u the line direction.
func fitLine(neighbors []slam.Point, p MatcherParams) ([3]float64, [9]float64, MatchStatus) {
	mean, vals, vecs, ok := neighborhoodPCA(neighbors)
	if !ok {
		return mean, [9]float64{}, MatchInvalidNumerical
	}
	if vals[2] < p.Factor*vals[1] {
		return mean, [9]float64{}, MatchBadPcaStructure
	}
	u := [3]float64{vecs.At(0, 2), vecs.At(1, 2), vecs.At(2, 2)}

	var a [9]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			v := -u[r] * u[c]
			if r == c {
				v += 1
			}
			a[3*r+c] = v
		}
	}
	if !modelErrorOK(neighbors, mean, a, p.MaxModelError) {
		return mean, a, MatchMseTooLarge
	}
	return mean, a, MatchSuccess
}

// fitPlane accepts sheet-like neighborhoods and returns A = n*n^T with n
// the plane normal.
func fitPlane(neighbors []slam.Point, p MatcherParams) ([3]float64, [9]float64, MatchStatus) {
	mean, vals, vecs, ok := neighborhoodPCA(neighbors)
	if !ok {
		return mean, [9]float64{}, MatchInvalidNumerical
	}
	// The smallest eigenvalue must be negligible against the middle one,
	// and the spread must not collapse to a line.
	if vals[0]*p.Factor > vals[1] || vals[2] > p.Factor2*vals[1] {
		return mean, [9]float64{}, MatchBadPcaStructure
	}
	n := [3]float64{vecs.At(0, 0), vecs.At(1, 0), vecs.At(2, 0)}

	var a [9]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			a[3*r+c] = n[r] * n[c]
		}
	}
	if !modelErrorOK(neighbors, mean, a, p.MaxModelError) {
		return mean, a, MatchMseTooLarge
	}
	return mean, a, MatchSuccess
}

// fitBlob weights the three principal directions by the inverse of their
// spread, normalized so the tightest direction has unit weight.
func fitBlob(neighbors []slam.Point, p MatcherParams) ([3]float64, [9]float64, MatchStatus) {
	mean, vals, vecs, ok := neighborhoodPCA(neighbors)
	if !ok {
		return mean, [9]float64{}, MatchInvalidNumerical
	}
	lmax := vals[2]
	if lmax <= 0 {
		return mean, [9]float64{}, MatchBadPcaStructure
	}
	const eps = 1e-2
	var w [3]float64
	for i := 0; i < 3; i++ {
		w[i] = lmax / (vals[i] + eps*lmax)
	}
	// Normalize by the largest weight so every entry lies in (0, 1].
	for i := 0; i < 3; i++ {
		w[i] /= lmax / (vals[0] + eps*lmax)
	}

	var a [9]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			var sum float64
			for i := 0; i < 3; i++ {
				sum += w[i] * vecs.At(r, i) * vecs.At(c, i)
			}
			a[3*r+c] = sum
		}
	}
	return mean, a, MatchSuccess
}

// modelErrorOK checks the RMS weighted distance of the neighbors to the
// fitted model against the configured bound.
func modelErrorOK(neighbors []slam.Point, anchor [3]float64, a [9]float64, maxErr float64) bool {
	if maxErr <= 0 {
		return true
	}
	var sum float64
	for _, q := range neighbors {
		d := [3]float64{q.X - anchor[0], q.Y - anchor[1], q.Z - anchor[2]}
		sum += quadraticForm(a, d)
	}
	rms := math.Sqrt(sum / float64(len(neighbors)))
	return rms <= maxErr
}

// quadraticForm computes d^T * A * d for a row-major 3x3 A.
func quadraticForm(a [9]float64, d [3]float64) float64 {
	var sum float64
	for r := 0; r < 3; r++ {
		var row float64
		for c := 0; c < 3; c++ {
			row += a[3*r+c] * d[c]
		}
		sum += d[r] * row
	}
	return sum
}
