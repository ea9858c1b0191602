package slam

//
// Core point and cloud types shared by the extractor, the registration
// stages and the rolling grid maps.
//

// Point is a single LiDAR return. Time is the acquisition offset in seconds
// since the start of the sweep (0 at sweep start). Points arrive in sweep
// (azimuth) order, not laser-id order.
type Point struct {
	X, Y, Z   float64
	Intensity float32
	LaserID   uint8
	Time      float64
}

// Range returns the Euclidean distance of the point from the sensor origin.
func (p Point) Range() float64 {
	return sqrt3(p.X, p.Y, p.Z)
}

// PointCloud is one full sweep of a spinning LiDAR plus its header.
// TimeUs is the sweep-end timestamp in microseconds since the UNIX epoch.
type PointCloud struct {
	Points  []Point
	TimeUs  uint64
	FrameID string
	Seq     uint32
}

// TimeSeconds returns the sweep-end timestamp in seconds since the epoch.
func (pc *PointCloud) TimeSeconds() float64 {
	return float64(pc.TimeUs) * 1e-6
}

// Empty reports whether the cloud carries no points.
func (pc *PointCloud) Empty() bool {
	return pc == nil || len(pc.Points) == 0
}

// Keypoint identifies one of the three feature classes extracted from a
// sweep. Invalid marks points rejected by the extractor's geometric filters.
type Keypoint int

const (
	KeypointEdge Keypoint = iota
	KeypointPlane
	KeypointBlob
	KeypointInvalid
)

// String returns the lowercase name of the keypoint class.
func (k Keypoint) String() string {
	switch k {
	case KeypointEdge:
		return "edge"
	case KeypointPlane:
		return "plane"
	case KeypointBlob:
		return "blob"
	case KeypointInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Transform is the boundary representation of a stamped rigid pose: the pose
// of FrameID expressed in ParentFrameID at Time (seconds since epoch).
// Orientation uses Tait-Bryan angles matching Isometry's convention.
type Transform struct {
	Time          float64
	FrameID       string
	ParentFrameID string
	X, Y, Z       float64
	RX, RY, RZ    float64
}

// NewTransform builds a stamped Transform from an isometry.
func NewTransform(iso Isometry, time float64, frameID, parentFrameID string) Transform {
	x, y, z := iso.Translation()
	rx, ry, rz := iso.Angles()
	return Transform{
		Time:          time,
		FrameID:       frameID,
		ParentFrameID: parentFrameID,
		X:             x, Y: y, Z: z,
		RX: rx, RY: ry, RZ: rz,
	}
}

// Isometry returns the pose as an isometry, dropping the stamp and frames.
func (t Transform) Isometry() Isometry {
	return NewIsometry(t.X, t.Y, t.Z, t.RX, t.RY, t.RZ)
}

// Covariance is a 6x6 variance-covariance matrix over the pose degrees of
// freedom, row-major, DoF order (X, Y, Z, rX, rY, rZ).
type Covariance [36]float64

// GpsPose is a GPS position measurement buffered for the external pose graph
// optimization collaborator: a world pose plus the 3x3 covariance of its
// position part (row-major) and a timestamp in seconds since epoch.
type GpsPose struct {
	Pose        Transform
	PositionCov [9]float64
}
