package extractor

import (
	"github.com/banshee-data/slam.report/internal/slam"
)

// Keypoints is the result of classifying one sweep. The three keypoint
// clouds are in the sensor (LIDAR) frame. Labels holds one entry per input
// point, in input order, for debug export and for the FastSlam=false
// localization path.
type Keypoints struct {
	Edges  []slam.Point
	Planes []slam.Point
	Blobs  []slam.Point
	Labels []slam.Keypoint
}

// KeypointExtractor is the capability the SLAM pipeline expects from a
// keypoint extraction stage.
type KeypointExtractor interface {
	// Extract classifies the points of one sweep. An empty cloud yields
	// empty outputs, not an error.
	Extract(cloud *slam.PointCloud) (*Keypoints, error)
}
