package registration

import (
	"github.com/banshee-data/slam.report/internal/slam"
)

// ICP iteration convergence bounds on the pose change between two outer
// iterations.
const (
	icpTransEps = 1e-3 // meters
	icpRotEps   = 1e-3 // radians
)

// ICPParams aggregates the tuning of one registration stage.
type ICPParams struct {
	ICPMaxIter int
	LMMaxIter  int

	// InitLossScale and FinalLossScale anneal the robust loss saturation
	// linearly across the ICP iterations: wide at first to tolerate a bad
	// seed, tight at the end to reject residual outliers.
	InitLossScale  float64
	FinalLossScale float64

	// MinNbrMatchedKeypoints is the minimum total number of matches
	// required to run the optimization.
	MinNbrMatchedKeypoints int

	Line  MatcherParams
	Plane MatcherParams
	// Blob matching runs only when Blob.NbNeighbors > 0.
	Blob MatcherParams
}

// Reference is the fixed side of a registration: previous-frame keypoints
// for ego-motion, rolling-grid map extracts for localization.
type Reference struct {
	Edges  []slam.Point
	Planes []slam.Point
	Blobs  []slam.Point
}

// Input is the moving side: the current frame's keypoints in BASE
// coordinates.
type Input struct {
	Edges  []slam.Point
	Planes []slam.Point
	Blobs  []slam.Point
}

// ICPResult reports the outcome of one registration stage.
type ICPResult struct {
	Result

	EdgeMatches  *MatchingResults
	PlaneMatches *MatchingResults
	BlobMatches  *MatchingResults

	TotalMatches  int
	ICPIterations int

	// Degenerate is set when the final iteration had fewer matches than
	// MinNbrMatchedKeypoints; the caller should keep its seed estimate.
	Degenerate bool
}

// RunICP alternates nearest-neighbor matching and a Levenberg-Marquardt
// pose solve until the estimate stabilizes or the iteration cap is reached.
// seed and seedBegin are the end- and begin-of-sweep pose estimates mapping
// BASE into the reference frame; seedBegin is ignored unless undistortion
// is enabled.
func RunICP(ref Reference, cur Input, seed, seedBegin slam.Isometry,
	undistortion slam.UndistortionMode, frameDuration float64, p ICPParams) ICPResult {

	out := ICPResult{}
	out.Pose = seed
	out.BeginPose = seedBegin
	out.Covariance = fallbackCovariance()

	edgeTree := BuildKDTree(ref.Edges)
	planeTree := BuildKDTree(ref.Planes)
	var blobTree *KDTree
	if p.Blob.NbNeighbors > 0 {
		blobTree = BuildKDTree(ref.Blobs)
	}

	pose := seed
	begin := seedBegin

	for iter := 0; iter < p.ICPMaxIter; iter++ {
		out.ICPIterations = iter + 1

		scale := p.InitLossScale
		if p.ICPMaxIter > 1 {
			u := float64(iter) / float64(p.ICPMaxIter-1)
			scale = p.InitLossScale + u*(p.FinalLossScale-p.InitLossScale)
		}

		// Matching projects keypoints with the current estimate, applying
		// the within-sweep motion when undistortion is on.
		poseAt := makePoseAt(pose, begin, undistortion, frameDuration)
		out.EdgeMatches = MatchEdges(edgeTree, ref.Edges, cur.Edges, poseAt, p.Line)
		out.PlaneMatches = MatchPlanes(planeTree, ref.Planes, cur.Planes, poseAt, p.Plane)
		residuals := append([]Residual(nil), out.EdgeMatches.Residuals...)
		residuals = append(residuals, out.PlaneMatches.Residuals...)
		if blobTree != nil {
			out.BlobMatches = MatchBlobs(blobTree, ref.Blobs, cur.Blobs, poseAt, p.Blob)
			residuals = append(residuals, out.BlobMatches.Residuals...)
		}
		out.TotalMatches = len(residuals)

		if out.TotalMatches < p.MinNbrMatchedKeypoints {
			out.Degenerate = true
			return out
		}

		solverParams := SolverParams{
			MaxIter:             p.LMMaxIter,
			LossScale:           scale,
			ConvergenceTransEps: icpTransEps / 10,
			ConvergenceRotEps:   icpRotEps / 10,
		}
		solved := Solve(Problem{
			Residuals:     residuals,
			Seed:          pose,
			SeedBegin:     begin,
			FrameDuration: frameDuration,
			Undistortion:  undistortion,
		}, solverParams)
		if solved.Err != nil {
			out.Err = solved.Err
			return out
		}

		delta := pose.Inverse().Mul(solved.Pose)
		pose = solved.Pose
		if undistortion == slam.UndistortionOptimized {
			begin = solved.BeginPose
		}
		out.Result = solved

		dx, dy, dz := delta.Translation()
		if sqrt3(dx, dy, dz) < icpTransEps && delta.RotationAngle() < icpRotEps {
			break
		}
	}

	out.Pose = pose
	out.BeginPose = begin
	return out
}

// makePoseAt builds the time-dependent projection used during matching.
func makePoseAt(pose, begin slam.Isometry, undistortion slam.UndistortionMode, frameDuration float64) PoseAt {
	if undistortion == slam.UndistortionNone || frameDuration <= 0 {
		return func(float64) slam.Isometry { return pose }
	}
	motion := slam.NewWithinFrameMotion(begin, pose, 0, frameDuration)
	return func(t float64) slam.Isometry { return motion.At(t) }
}
