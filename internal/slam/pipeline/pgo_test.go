package pipeline

import (
	"errors"
	"math"
	"testing"

	"github.com/banshee-data/slam.report/internal/slam"
)

// shiftOptimizer fakes the external collaborator: it translates every pose
// by a fixed offset, as a GPS alignment would.
type shiftOptimizer struct {
	dx float64
}

func (o *shiftOptimizer) Optimize(poses []slam.Transform, _ []slam.Covariance,
	_ []slam.GpsPose, _ slam.Isometry) ([]slam.Transform, error) {
	out := make([]slam.Transform, len(poses))
	for i, p := range poses {
		p.X += o.dx
		out[i] = p
	}
	return out, nil
}

type failingOptimizer struct{}

func (failingOptimizer) Optimize([]slam.Transform, []slam.Covariance,
	[]slam.GpsPose, slam.Isometry) ([]slam.Transform, error) {
	return nil, errors.New("graph solve failed")
}

func TestRunPoseGraphOptimization(t *testing.T) {
	if testing.Short() {
		t.Skip("long end-to-end run")
	}
	t.Parallel()
	for _, storage := range []slam.KeypointLogStorage{slam.LogStorageRaw, slam.LogStorageCompressed} {
		storage := storage
		t.Run(storage.String(), func(t *testing.T) {
			t.Parallel()
			testRunPoseGraphOptimization(t, storage)
		})
	}
}

func testRunPoseGraphOptimization(t *testing.T, storage slam.KeypointLogStorage) {
	engine := testEngine(func(p *slam.Params) {
		p.LogKeypoints = true
		p.LoggingStorage = storage
	})
	driveCorridor(t, engine, 3, func(k int) slam.Isometry {
		return slam.NewIsometry(float64(k)*0.5, 0, 0, 0, 0, 0)
	})
	engine.AddGpsPose(slam.GpsPose{
		Pose:        slam.Transform{Time: 1, X: 2},
		PositionCov: [9]float64{0.1, 0, 0, 0, 0.1, 0, 0, 0, 0.1},
	})

	before := engine.GetWorldTransform()
	minXBefore := mapMinX(engine)
	if err := engine.RunPoseGraphOptimization(&shiftOptimizer{dx: 5}, slam.Identity()); err != nil {
		t.Fatal(err)
	}

	after := engine.GetWorldTransform()
	if math.Abs(after.X-(before.X+5)) > 1e-9 {
		t.Fatalf("pose not moved onto optimized trajectory: %v -> %v", before.X, after.X)
	}
	traj := engine.GetTrajectory()
	if math.Abs(traj[0].X-5) > 0.6 {
		t.Fatalf("logged trajectory not updated: %+v", traj[0])
	}

	// Maps were rebuilt under the shifted poses: the whole point set moved
	// by ~5 m along x.
	minXAfter := mapMinX(engine)
	if math.Abs(minXAfter-(minXBefore+5)) > 1.0 {
		t.Fatalf("map not shifted with the trajectory: min x %v -> %v", minXBefore, minXAfter)
	}
}

func mapMinX(engine *Slam) float64 {
	minX := math.Inf(1)
	for _, p := range engine.GetPlanarsMap().Points {
		minX = math.Min(minX, p.X)
	}
	return minX
}

func TestRunPoseGraphOptimizationErrors(t *testing.T) {
	t.Parallel()
	engine := testEngine(nil)
	if err := engine.RunPoseGraphOptimization(&shiftOptimizer{}, slam.Identity()); err == nil {
		t.Fatal("expected error without trajectory")
	}

	engineWithLog := testEngine(nil)
	driveCorridor(t, engineWithLog, 2, func(k int) slam.Isometry {
		return slam.NewIsometry(float64(k)*0.5, 0, 0, 0, 0, 0)
	})
	if err := engineWithLog.RunPoseGraphOptimization(&shiftOptimizer{}, slam.Identity()); err == nil {
		t.Fatal("expected error without GPS poses")
	}

	engineWithLog.AddGpsPose(slam.GpsPose{})
	if err := engineWithLog.RunPoseGraphOptimization(failingOptimizer{}, slam.Identity()); err == nil {
		t.Fatal("expected optimizer failure to surface")
	}
}
