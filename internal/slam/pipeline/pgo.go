package pipeline

import (
	"fmt"

	"github.com/banshee-data/slam.report/internal/slam"
)

// PoseGraphOptimizer is the external collaborator that aligns the SLAM
// trajectory with GPS positions. The core only supplies its logged
// trajectory and covariances and applies the optimized poses it gets back;
// the graph construction and solve live outside this module.
type PoseGraphOptimizer interface {
	// Optimize returns an optimized trajectory with the same length and
	// timestamps as slamPoses.
	Optimize(slamPoses []slam.Transform, slamCovariances []slam.Covariance,
		gpsPoses []slam.GpsPose, baseToGpsOffset slam.Isometry) ([]slam.Transform, error)
}

// RunPoseGraphOptimization feeds the logged trajectory and the buffered GPS
// poses to the optimizer, rebuilds the feature maps from the logged
// keypoint snapshots under the optimized poses, and moves the current pose
// onto the optimized trajectory.
//
// Logging must have been enabled (LoggingTimeout != 0) with keypoint
// snapshots (LogKeypoints) for the maps to be rebuilt.
func (s *Slam) RunPoseGraphOptimization(opt PoseGraphOptimizer, baseToGpsOffset slam.Isometry) error {
	if len(s.trajectory) == 0 {
		return fmt.Errorf("pose graph optimization needs a non-empty trajectory log")
	}
	if len(s.gpsPoses) == 0 {
		return fmt.Errorf("pose graph optimization needs buffered GPS poses")
	}

	optimized, err := opt.Optimize(s.GetTrajectory(), s.GetCovariances(), s.gpsPoses, baseToGpsOffset)
	if err != nil {
		return fmt.Errorf("pose graph optimization: %w", err)
	}
	if len(optimized) != len(s.trajectory) {
		return fmt.Errorf("optimizer returned %d poses for %d logged frames",
			len(optimized), len(s.trajectory))
	}

	if s.params.LogKeypoints {
		s.rebuildMaps(optimized)
	} else {
		slam.Warnf("keypoint logging disabled: trajectory updated but maps kept as-is")
	}

	// Move the estimator onto the optimized trajectory.
	for i := range s.trajectory {
		s.trajectory[i].pose = optimized[i]
	}
	s.SetWorldTransformFromGuess(optimized[len(optimized)-1])
	slam.Verbosef(slam.VerbosityFrames, "pose graph optimization applied over %d poses", len(optimized))
	return nil
}

// rebuildMaps clears the rolling grids and re-inserts every logged keypoint
// snapshot under its optimized pose.
func (s *Slam) rebuildMaps(optimized []slam.Transform) {
	s.ClearMaps()
	last := optimized[len(optimized)-1].Isometry()
	x, y, z := last.Translation()
	s.edgesMap.Center(x, y, z)
	s.planesMap.Center(x, y, z)
	s.blobsMap.Center(x, y, z)

	for i := range s.trajectory {
		entry := &s.trajectory[i]
		// Snapshots are stored in WORLD under the old trajectory; re-express
		// them under the optimized pose of the same frame.
		correction := optimized[i].Isometry().Mul(entry.pose.Isometry().Inverse())
		s.edgesMap.Add(transformPoints(entry.edges.points(), correction))
		s.planesMap.Add(transformPoints(entry.planes.points(), correction))
		s.blobsMap.Add(transformPoints(entry.blobs.points(), correction))
	}
}
