package pipeline

import (
	"bytes"

	"github.com/banshee-data/slam.report/internal/slam"
	"github.com/banshee-data/slam.report/internal/slam/pcd"
)

// keypointSnapshot holds one logged keypoint set, either as a plain slice
// or as a compressed point-cloud blob depending on Params.LoggingStorage.
type keypointSnapshot struct {
	raw        []slam.Point
	compressed []byte
}

func snapshotPoints(pts []slam.Point, mode slam.KeypointLogStorage) keypointSnapshot {
	if mode == slam.LogStorageCompressed {
		var buf bytes.Buffer
		if err := pcd.Encode(&buf, pts, pcd.BinaryCompressed); err != nil {
			// In-memory encoding of valid points cannot fail I/O-wise;
			// fall back to the raw slice if it somehow does.
			slam.Warnf("keypoint snapshot compression failed, keeping raw: %v", err)
			return keypointSnapshot{raw: append([]slam.Point(nil), pts...)}
		}
		return keypointSnapshot{compressed: buf.Bytes()}
	}
	return keypointSnapshot{raw: append([]slam.Point(nil), pts...)}
}

// points restores the snapshot content.
func (s *keypointSnapshot) points() []slam.Point {
	if s.compressed == nil {
		return s.raw
	}
	pts, err := pcd.Decode(bytes.NewReader(s.compressed))
	if err != nil {
		slam.Warnf("corrupt keypoint snapshot: %v", err)
		return nil
	}
	return pts
}

// logCurrentFrameState appends the frame's pose, covariance and (optionally)
// keypoint snapshots to the trajectory log, then prunes entries older than
// the logging timeout. A timeout of 0 disables logging entirely; a negative
// timeout keeps everything.
func (s *Slam) logCurrentFrameState(sweepTime float64) {
	timeout := s.params.LoggingTimeout
	if timeout == 0 {
		return
	}
	entry := logEntry{
		pose: slam.NewTransform(s.tworld, sweepTime, s.baseFrameID, s.worldFrameID),
		cov:  s.localizationCov,
	}
	if s.params.LogKeypoints {
		entry.edges = snapshotPoints(s.currentWorld.edges, s.params.LoggingStorage)
		entry.planes = snapshotPoints(s.currentWorld.planes, s.params.LoggingStorage)
		entry.blobs = snapshotPoints(s.currentWorld.blobs, s.params.LoggingStorage)
	}
	s.trajectory = append(s.trajectory, entry)

	if timeout > 0 {
		cutoff := sweepTime - timeout
		drop := 0
		for drop < len(s.trajectory) && s.trajectory[drop].pose.Time < cutoff {
			drop++
		}
		if drop > 0 {
			s.trajectory = append([]logEntry(nil), s.trajectory[drop:]...)
		}
	}
}
