package slam

import "runtime"

// EgoMotionMode selects how the initial pose estimate of a new frame is
// obtained before the localization stage refines it.
type EgoMotionMode int

const (
	// EgoMotionNone keeps the previous pose (Trelative = identity).
	EgoMotionNone EgoMotionMode = iota
	// EgoMotionMotionExtrapolation extrapolates a constant-velocity model
	// from the two previous poses.
	EgoMotionMotionExtrapolation
	// EgoMotionRegistration registers the current keypoints against the
	// previous frame's keypoints.
	EgoMotionRegistration
	// EgoMotionMotionExtrapolationAndRegistration extrapolates first, then
	// refines by registration.
	EgoMotionMotionExtrapolationAndRegistration
)

func (m EgoMotionMode) String() string {
	switch m {
	case EgoMotionNone:
		return "none"
	case EgoMotionMotionExtrapolation:
		return "motion-extrapolation"
	case EgoMotionRegistration:
		return "registration"
	case EgoMotionMotionExtrapolationAndRegistration:
		return "motion-extrapolation+registration"
	default:
		return "unknown"
	}
}

// UndistortionMode selects how the motion of the sensor during a sweep is
// compensated before evaluating registration residuals.
type UndistortionMode int

const (
	// UndistortionNone uses raw points.
	UndistortionNone UndistortionMode = iota
	// UndistortionApproximated interpolates each point's pose between the
	// begin and end scan poses; the begin pose is not re-optimized.
	UndistortionApproximated
	// UndistortionOptimized jointly optimizes the begin and end scan poses.
	UndistortionOptimized
)

func (m UndistortionMode) String() string {
	switch m {
	case UndistortionNone:
		return "none"
	case UndistortionApproximated:
		return "approximated"
	case UndistortionOptimized:
		return "optimized"
	default:
		return "unknown"
	}
}

// KeypointLogStorage selects how the per-frame keypoint snapshots of the
// trajectory log are held in memory.
type KeypointLogStorage int

const (
	// LogStorageRaw keeps the point slices as-is (fast, larger).
	LogStorageRaw KeypointLogStorage = iota
	// LogStorageCompressed keeps snapshots as compressed point-cloud blobs,
	// trading logging speed for a several-fold memory reduction on long
	// runs.
	LogStorageCompressed
)

func (m KeypointLogStorage) String() string {
	switch m {
	case LogStorageRaw:
		return "raw"
	case LogStorageCompressed:
		return "compressed"
	default:
		return "unknown"
	}
}

// Params carries every tuning knob of the SLAM pipeline. The zero value is
// not usable; start from DefaultParams.
type Params struct {
	// NbThreads caps the number of workers used by the data-parallel
	// sections (extraction, keypoint matching).
	NbThreads int

	// FastSlam restricts localization planar matching to keypoints already
	// labeled planar by the extractor. When false, every non-invalid point
	// of the frame is used as a planar candidate, which is slower but can
	// help in feature-poor environments.
	FastSlam bool

	EgoMotion    EgoMotionMode
	Undistortion UndistortionMode

	// UpdateMap controls whether the feature maps accumulate the keypoints
	// of each processed frame. Disabling it runs localization in a frozen
	// map, which is useful after an external pose graph optimization.
	UpdateMap bool

	// LoggingTimeout bounds the trajectory log, in seconds:
	// 0 disables logging, negative keeps everything, positive keeps only
	// entries younger than the timeout.
	LoggingTimeout float64

	// LogKeypoints additionally snapshots the world-frame keypoints of each
	// logged frame, enabling map rebuilds after pose graph optimization.
	LogKeypoints bool

	// LoggingStorage selects how keypoint snapshots are held in memory.
	LoggingStorage KeypointLogStorage

	// MaxDistanceForICPMatching is the maximum distance in meters between a
	// keypoint and its neighborhood for a match residual to be built.
	MaxDistanceForICPMatching float64

	// MinNbrMatchedKeypoints is the minimum total number of surviving
	// matches required to run the optimization of a stage.
	MinNbrMatchedKeypoints int

	EgoMotionICPMaxIter    int
	EgoMotionLMMaxIter     int
	LocalizationICPMaxIter int
	LocalizationLMMaxIter  int

	EgoMotionLineDistanceNbrNeighbors    int
	EgoMotionMinimumLineNeighborRejection int
	EgoMotionLineDistancefactor          float64
	EgoMotionPlaneDistanceNbrNeighbors   int
	EgoMotionPlaneDistancefactor1        float64
	EgoMotionPlaneDistancefactor2        float64
	EgoMotionMaxLineDistance             float64
	EgoMotionMaxPlaneDistance            float64
	EgoMotionInitLossScale               float64
	EgoMotionFinalLossScale              float64

	LocalizationLineDistanceNbrNeighbors    int
	LocalizationMinimumLineNeighborRejection int
	LocalizationLineDistancefactor          float64
	LocalizationPlaneDistanceNbrNeighbors   int
	LocalizationPlaneDistancefactor1        float64
	LocalizationPlaneDistancefactor2        float64
	LocalizationBlobDistanceNbrNeighbors    int
	LocalizationMaxLineDistance             float64
	LocalizationMaxPlaneDistance            float64
	LocalizationInitLossScale               float64
	LocalizationFinalLossScale              float64

	// Rolling grid geometry, shared by the three feature maps.
	VoxelGridSize       int     // voxels per side
	VoxelGridResolution float64 // voxel edge length, meters

	// Per-class intra-voxel downsampling leaf sizes, meters.
	VoxelGridLeafSizeEdges  float64
	VoxelGridLeafSizePlanes float64
	VoxelGridLeafSizeBlobs  float64
}

// DefaultParams returns the canonical defaults. MaxDistanceForICPMatching
// defaults to 5 m (the newer of the two historical values).
func DefaultParams() Params {
	return Params{
		NbThreads:    runtime.NumCPU(),
		FastSlam:     true,
		EgoMotion:    EgoMotionMotionExtrapolation,
		Undistortion: UndistortionNone,
		UpdateMap:    true,

		LoggingTimeout: 0,
		LogKeypoints:   false,
		LoggingStorage: LogStorageRaw,

		MaxDistanceForICPMatching: 5.0,
		MinNbrMatchedKeypoints:    20,

		EgoMotionICPMaxIter:    4,
		EgoMotionLMMaxIter:     15,
		LocalizationICPMaxIter: 3,
		LocalizationLMMaxIter:  15,

		EgoMotionLineDistanceNbrNeighbors:     8,
		EgoMotionMinimumLineNeighborRejection: 3,
		EgoMotionLineDistancefactor:           5.0,
		EgoMotionPlaneDistanceNbrNeighbors:    5,
		EgoMotionPlaneDistancefactor1:         35.0,
		EgoMotionPlaneDistancefactor2:         8.0,
		EgoMotionMaxLineDistance:              0.2,
		EgoMotionMaxPlaneDistance:             0.2,
		EgoMotionInitLossScale:                2.0,
		EgoMotionFinalLossScale:               0.2,

		LocalizationLineDistanceNbrNeighbors:     10,
		LocalizationMinimumLineNeighborRejection: 4,
		LocalizationLineDistancefactor:           5.0,
		LocalizationPlaneDistanceNbrNeighbors:    5,
		LocalizationPlaneDistancefactor1:         35.0,
		LocalizationPlaneDistancefactor2:         8.0,
		LocalizationBlobDistanceNbrNeighbors:     25,
		LocalizationMaxLineDistance:              0.2,
		LocalizationMaxPlaneDistance:             0.2,
		LocalizationInitLossScale:                0.7,
		LocalizationFinalLossScale:               0.05,

		VoxelGridSize:       50,
		VoxelGridResolution: 10.0,

		VoxelGridLeafSizeEdges:  0.30,
		VoxelGridLeafSizePlanes: 0.60,
		VoxelGridLeafSizeBlobs:  0.30,
	}
}
