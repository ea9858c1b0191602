package sqlite

import (
	"encoding/json"
	"math"
	"path/filepath"
	"testing"

	"github.com/banshee-data/slam.report/internal/slam"
)

func openTestStore(t *testing.T) *TrajectoryStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "slam.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestInsertRunGeneratesID(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	run := &Run{SensorID: "hesai-01"}
	if err := store.InsertRun(run); err != nil {
		t.Fatal(err)
	}
	if run.RunID == "" {
		t.Fatal("no run id generated")
	}
	got, err := store.GetRun(run.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SensorID != "hesai-01" || got.CompletedAt != nil {
		t.Fatalf("run = %+v", got)
	}
}

func TestCompleteRun(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	run := &Run{SensorID: "s"}
	if err := store.InsertRun(run); err != nil {
		t.Fatal(err)
	}
	if err := store.CompleteRun(run.RunID, 42); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetRun(run.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CompletedAt == nil || got.FrameCount != 42 {
		t.Fatalf("run = %+v", got)
	}
}

func TestTrajectoryRoundTrip(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	run := &Run{SensorID: "s", ParamsJSON: json.RawMessage(`{"fast_slam":true}`)}
	if err := store.InsertRun(run); err != nil {
		t.Fatal(err)
	}

	poses := make([]slam.Transform, 5)
	covs := make([]slam.Covariance, 5)
	for i := range poses {
		poses[i] = slam.Transform{
			Time: float64(i) + 0.5,
			X:    float64(i), Y: -float64(i), Z: 0.25,
			RZ:      0.1 * float64(i),
			FrameID: "base", ParentFrameID: "world",
		}
		covs[i][0] = 0.01 * float64(i+1)
		covs[i][35] = 0.002
	}
	if err := store.InsertTrajectory(run.RunID, poses, covs); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetTrajectory(run.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d poses", len(got))
	}
	for i, rec := range got {
		if rec.FrameIndex != i {
			t.Fatalf("frame order broken: %d at %d", rec.FrameIndex, i)
		}
		if math.Abs(rec.Pose.X-float64(i)) > 1e-12 || math.Abs(rec.Pose.Time-(float64(i)+0.5)) > 1e-12 {
			t.Fatalf("pose %d = %+v", i, rec.Pose)
		}
		if math.Abs(rec.Covariance[0]-0.01*float64(i+1)) > 1e-12 {
			t.Fatalf("covariance %d = %v", i, rec.Covariance[0])
		}
	}
}

func TestInsertPoseSingle(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	run := &Run{SensorID: "s"}
	if err := store.InsertRun(run); err != nil {
		t.Fatal(err)
	}
	rec := &PoseRecord{
		RunID: run.RunID, FrameIndex: 0,
		Pose: slam.Transform{Time: 1, X: 2},
	}
	if err := store.InsertPose(rec); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetTrajectory(run.RunID)
	if err != nil || len(got) != 1 || got[0].Pose.X != 2 {
		t.Fatalf("got %v err %v", got, err)
	}
}

func TestListRuns(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	for _, id := range []string{"run-a", "run-b"} {
		if err := store.InsertRun(&Run{RunID: id, SensorID: "s"}); err != nil {
			t.Fatal(err)
		}
	}
	runs, err := store.ListRuns()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("listed %d runs", len(runs))
	}
}

func TestGetMissingRun(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	if _, err := store.GetRun("nope"); err == nil {
		t.Fatal("expected error for unknown run")
	}
}
