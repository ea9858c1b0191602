package registration

import (
	"math"
	"testing"

	"github.com/banshee-data/slam.report/internal/slam"
)

// planeResiduals constrains the pose with three orthogonal plane sets, a
// fully observable configuration.
func planeResiduals(truth slam.Isometry) []Residual {
	var residuals []Residual
	planes := []struct {
		normal [3]float64
		anchorsAt func(i, j int) [3]float64
	}{
		{[3]float64{0, 1, 0}, func(i, j int) [3]float64 { return [3]float64{float64(i), 3, float64(j)} }},
		{[3]float64{0, 1, 0}, func(i, j int) [3]float64 { return [3]float64{float64(i), -3, float64(j)} }},
		{[3]float64{0, 0, 1}, func(i, j int) [3]float64 { return [3]float64{float64(i), float64(j), -2} }},
		{[3]float64{1, 0, 0}, func(i, j int) [3]float64 { return [3]float64{4, float64(i), float64(j)} }},
	}
	inv := truth.Inverse()
	for _, pl := range planes {
		var a [9]float64
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				a[3*r+c] = pl.normal[r] * pl.normal[c]
			}
		}
		for i := -2; i <= 2; i++ {
			for j := -2; j <= 2; j++ {
				p := pl.anchorsAt(i+3, j+3)
				// The keypoint is the world anchor seen from the truth pose.
				x, y, z := inv.Apply(p[0], p[1], p[2])
				residuals = append(residuals, Residual{
					X: [3]float64{x, y, z},
					P: p,
					A: a,
				})
			}
		}
	}
	return residuals
}

func TestSolveRecoversKnownPose(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		truth slam.Isometry
	}{
		{"identity", slam.Identity()},
		{"translation", slam.NewIsometry(0.4, -0.2, 0.1, 0, 0, 0)},
		{"rotation", slam.NewIsometry(0, 0, 0, 0.02, -0.03, 0.1)},
		{"combined", slam.NewIsometry(0.3, 0.1, -0.05, 0.01, 0.02, -0.08)},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			prob := Problem{
				Residuals: planeResiduals(tc.truth),
				Seed:      slam.Identity(),
			}
			params := SolverParams{
				MaxIter:             30,
				LossScale:           1.0,
				ConvergenceTransEps: 1e-7,
				ConvergenceRotEps:   1e-7,
			}
			res := Solve(prob, params)
			if res.Err != nil {
				t.Fatal(res.Err)
			}
			delta := res.Pose.Inverse().Mul(tc.truth)
			dx, dy, dz := delta.Translation()
			if trans := math.Sqrt(dx*dx + dy*dy + dz*dz); trans > 1e-3 {
				t.Fatalf("translation error %v", trans)
			}
			if rot := delta.RotationAngle(); rot > 1e-3 {
				t.Fatalf("rotation error %v", rot)
			}
		})
	}
}

func TestSolveCovarianceSymmetricPSD(t *testing.T) {
	t.Parallel()
	prob := Problem{
		Residuals: planeResiduals(slam.NewIsometry(0.1, 0, 0, 0, 0, 0.02)),
		Seed:      slam.Identity(),
	}
	res := Solve(prob, SolverParams{MaxIter: 10, LossScale: 1.0,
		ConvergenceTransEps: 1e-6, ConvergenceRotEps: 1e-6})
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	cov := res.Covariance

	for r := 0; r < 6; r++ {
		for c := 0; c < 6; c++ {
			if cov[6*r+c] != cov[6*c+r] {
				t.Fatalf("covariance not symmetric at (%d,%d)", r, c)
			}
		}
		if cov[6*r+r] < 0 {
			t.Fatalf("negative variance at %d: %v", r, cov[6*r+r])
		}
	}

	// Diagonal dominance of a PSD matrix: |c_ij| <= sqrt(c_ii * c_jj).
	for r := 0; r < 6; r++ {
		for c := 0; c < 6; c++ {
			bound := math.Sqrt(cov[6*r+r]*cov[6*c+c]) + 1e-15
			if math.Abs(cov[6*r+c]) > bound*(1+1e-9) {
				t.Fatalf("covariance violates PSD bound at (%d,%d)", r, c)
			}
		}
	}
}

func TestSolveEmptyProblem(t *testing.T) {
	t.Parallel()
	res := Solve(Problem{Seed: slam.Identity()}, SolverParams{MaxIter: 5, LossScale: 1})
	if res.Err == nil {
		t.Fatal("expected error for empty residual set")
	}
}

func TestSolveRobustToOutliers(t *testing.T) {
	t.Parallel()
	truth := slam.NewIsometry(0.2, 0.1, 0, 0, 0, 0.05)
	residuals := planeResiduals(truth)
	// A handful of gross outliers pulling toward a wrong pose.
	var a [9]float64
	a[0], a[4], a[8] = 1, 1, 1
	for i := 0; i < 8; i++ {
		residuals = append(residuals, Residual{
			X: [3]float64{float64(i), 0, 0},
			P: [3]float64{float64(i) + 10, 5, 5},
			A: a,
		})
	}
	res := Solve(Problem{Residuals: residuals, Seed: slam.Identity()},
		SolverParams{MaxIter: 40, LossScale: 0.3,
			ConvergenceTransEps: 1e-7, ConvergenceRotEps: 1e-7})
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	delta := res.Pose.Inverse().Mul(truth)
	dx, dy, dz := delta.Translation()
	if trans := math.Sqrt(dx*dx + dy*dy + dz*dz); trans > 0.05 {
		t.Fatalf("outliers dragged the pose: error %v", trans)
	}
}

func TestSolveJointUndistortion(t *testing.T) {
	t.Parallel()
	// The sensor moves 0.5 m along x during the sweep; residuals carry the
	// in-sweep times at which their keypoints were measured.
	beginTruth := slam.Identity()
	endTruth := slam.NewIsometry(0.5, 0, 0, 0, 0, 0)
	motion := slam.NewWithinFrameMotion(beginTruth, endTruth, 0, 1.0)

	base := planeResiduals(slam.Identity())
	residuals := make([]Residual, 0, len(base))
	for i, r := range base {
		tm := float64(i%10) / 10
		pose := motion.At(tm)
		// Re-express the keypoint as seen from the interpolated pose.
		inv := pose.Inverse()
		x, y, z := inv.Apply(r.P[0], r.P[1], r.P[2])
		r.X = [3]float64{x, y, z}
		r.Time = tm
		residuals = append(residuals, r)
	}

	prob := Problem{
		Residuals:     residuals,
		Seed:          slam.NewIsometry(0.4, 0, 0, 0, 0, 0),
		SeedBegin:     slam.Identity(),
		FrameDuration: 1.0,
		Undistortion:  slam.UndistortionOptimized,
	}
	res := Solve(prob, SolverParams{MaxIter: 50, LossScale: 1.0,
		ConvergenceTransEps: 1e-7, ConvergenceRotEps: 1e-7})
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	ex, _, _ := res.Pose.Translation()
	if math.Abs(ex-0.5) > 0.02 {
		t.Fatalf("end pose x = %v, want 0.5", ex)
	}
	bx, _, _ := res.BeginPose.Translation()
	if math.Abs(bx) > 0.02 {
		t.Fatalf("begin pose x = %v, want 0", bx)
	}
}
