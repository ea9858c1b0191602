package pipeline

import (
	"sync/atomic"

	"github.com/banshee-data/slam.report/internal/slam"
	"github.com/banshee-data/slam.report/internal/slam/extractor"
	"github.com/banshee-data/slam.report/internal/slam/rollinggrid"
)

// DefaultWorldFrameID and DefaultBaseFrameID name the output coordinate
// systems when the caller does not override them.
const (
	DefaultWorldFrameID = "world"
	DefaultBaseFrameID  = "base"
)

// worldKeypoints are the current frame's keypoints expressed in WORLD
// coordinates (undistorted when undistortion is enabled).
type worldKeypoints struct {
	edges  []slam.Point
	planes []slam.Point
	blobs  []slam.Point
}

// logEntry is one frame's record in the bounded trajectory log.
type logEntry struct {
	pose slam.Transform
	cov  slam.Covariance
	// Keypoint snapshots in WORLD coordinates, kept only when
	// Params.LogKeypoints is set; they allow map rebuilds after an
	// external pose graph optimization.
	edges  keypointSnapshot
	planes keypointSnapshot
	blobs  keypointSnapshot
}

// Slam runs the LiDAR-only SLAM pipeline. It is single-threaded: AddFrame
// must not be re-entered, and reads during a running AddFrame are racy and
// must be serialized by the caller. Within a frame, the extractor and the
// matchers fan out over Params.NbThreads workers.
type Slam struct {
	params    slam.Params
	extractor extractor.KeypointExtractor

	inFrame atomic.Bool

	// Coordinate systems.
	baseToLidar  slam.Isometry
	worldFrameID string
	baseFrameID  string
	inputFrameID string // frame id of the first accepted cloud

	// Localization state. tworld is the pose of BASE at sweep end in
	// WORLD; trelative the motion since the previous sweep.
	tworld         slam.Isometry
	previousTworld slam.Isometry
	trelative      slam.Isometry

	// Undistortion state.
	tworldFrameStart slam.Isometry
	frameDuration    float64

	// Frame bookkeeping.
	frameTime       float64 // sweep-end time of the last accepted frame, seconds
	framePeriod     float64 // time between the two last accepted frames
	previousSeq     uint32
	processedFrames int
	latency         float64 // seconds spent processing the last frame

	// Current and previous keypoints in BASE coordinates.
	currentFrame      *slam.PointCloud
	currentKeypoints  *extractor.Keypoints
	previousKeypoints *extractor.Keypoints
	currentWorld      worldKeypoints

	// Feature maps, WORLD coordinates.
	edgesMap  *rollinggrid.Grid
	planesMap *rollinggrid.Grid
	blobsMap  *rollinggrid.Grid

	localizationCov slam.Covariance

	trajectory []logEntry

	debugInfo   map[string]float64
	debugArrays map[string][]float64

	gpsPoses []slam.GpsPose
}

// New creates a pipeline with the given tuning and keypoint extractor.
func New(params slam.Params, ext extractor.KeypointExtractor) *Slam {
	s := &Slam{
		params:       params,
		extractor:    ext,
		worldFrameID: DefaultWorldFrameID,
		baseFrameID:  DefaultBaseFrameID,
	}
	s.resetState()
	return s
}

// resetState reinitializes everything except configuration and the log.
func (s *Slam) resetState() {
	s.tworld = slam.Identity()
	s.previousTworld = slam.Identity()
	s.trelative = slam.Identity()
	s.tworldFrameStart = slam.Identity()
	s.frameDuration = 0
	s.frameTime = 0
	s.framePeriod = 0
	s.previousSeq = 0
	s.processedFrames = 0
	s.latency = 0
	s.inputFrameID = ""
	s.currentFrame = nil
	s.currentKeypoints = nil
	s.previousKeypoints = nil
	s.currentWorld = worldKeypoints{}
	s.localizationCov = slam.Covariance{}
	s.edgesMap = rollinggrid.New(s.params.VoxelGridSize, s.params.VoxelGridResolution, s.params.VoxelGridLeafSizeEdges)
	s.planesMap = rollinggrid.New(s.params.VoxelGridSize, s.params.VoxelGridResolution, s.params.VoxelGridLeafSizePlanes)
	s.blobsMap = rollinggrid.New(s.params.VoxelGridSize, s.params.VoxelGridResolution, s.params.VoxelGridLeafSizeBlobs)
	s.debugInfo = make(map[string]float64)
	s.debugArrays = make(map[string][]float64)
}

// Reset drops all state; the trajectory log survives unless resetLog is
// set. Calling Reset twice is equivalent to calling it once.
func (s *Slam) Reset(resetLog bool) {
	s.resetState()
	if resetLog {
		s.trajectory = nil
		s.gpsPoses = nil
	}
}

// Params returns the current tuning.
func (s *Slam) Params() slam.Params { return s.params }

// SetBaseToLidarOffset sets the static pose of the LIDAR origin in BASE
// coordinates. Changing it mid-run resets the pipeline state, since past
// poses would no longer be comparable.
func (s *Slam) SetBaseToLidarOffset(offset slam.Isometry) {
	if s.processedFrames > 0 {
		slam.Warnf("base-to-lidar offset changed after %d frames; resetting state", s.processedFrames)
		s.resetState()
	}
	s.baseToLidar = offset
}

// BaseToLidarOffset returns the static LIDAR-in-BASE pose.
func (s *Slam) BaseToLidarOffset() slam.Isometry { return s.baseToLidar }

// SetWorldFrameID names the WORLD coordinate system in emitted transforms.
func (s *Slam) SetWorldFrameID(id string) { s.worldFrameID = id }

// SetBaseFrameID names the BASE coordinate system in emitted transforms.
func (s *Slam) SetBaseFrameID(id string) { s.baseFrameID = id }

// ProcessedFrames returns the number of frames accepted so far.
func (s *Slam) ProcessedFrames() int { return s.processedFrames }

// GetWorldTransform returns the pose of BASE in WORLD at the end of the
// last processed sweep.
func (s *Slam) GetWorldTransform() slam.Transform {
	return slam.NewTransform(s.tworld, s.frameTime, s.baseFrameID, s.worldFrameID)
}

// GetLatencyCompensatedWorldTransform extrapolates the last pose by the
// measured processing latency, so that a consumer acting on it now gets the
// best estimate of where the sensor currently is.
func (s *Slam) GetLatencyCompensatedWorldTransform() slam.Transform {
	if s.framePeriod <= 0 || s.latency <= 0 {
		return s.GetWorldTransform()
	}
	u := s.latency / s.framePeriod
	compensated := s.tworld.Mul(slam.Identity().Interpolate(s.trelative, u))
	return slam.NewTransform(compensated, s.frameTime+s.latency, s.baseFrameID, s.worldFrameID)
}

// GetTransformCovariance returns the covariance of the last localization,
// DoF order (X, Y, Z, rX, rY, rZ), row-major.
func (s *Slam) GetTransformCovariance() slam.Covariance { return s.localizationCov }

// GetTrajectory returns the logged poses, oldest first.
func (s *Slam) GetTrajectory() []slam.Transform {
	out := make([]slam.Transform, len(s.trajectory))
	for i, e := range s.trajectory {
		out[i] = e.pose
	}
	return out
}

// GetCovariances returns the logged pose covariances, oldest first.
func (s *Slam) GetCovariances() []slam.Covariance {
	out := make([]slam.Covariance, len(s.trajectory))
	for i, e := range s.trajectory {
		out[i] = e.cov
	}
	return out
}

// GetEdgesMap returns the accumulated edge keypoint map as a point cloud
// stamped with the last frame time.
func (s *Slam) GetEdgesMap() *slam.PointCloud { return s.mapCloud(s.edgesMap) }

// GetPlanarsMap returns the accumulated planar keypoint map.
func (s *Slam) GetPlanarsMap() *slam.PointCloud { return s.mapCloud(s.planesMap) }

// GetBlobsMap returns the accumulated blob keypoint map.
func (s *Slam) GetBlobsMap() *slam.PointCloud { return s.mapCloud(s.blobsMap) }

func (s *Slam) mapCloud(g *rollinggrid.Grid) *slam.PointCloud {
	return &slam.PointCloud{
		Points:  g.Points(),
		TimeUs:  uint64(s.frameTime * 1e6),
		FrameID: s.worldFrameID,
	}
}

// GetEdgesKeypoints returns the current frame's edge keypoints, either raw
// in BASE coordinates or undistorted in WORLD coordinates.
func (s *Slam) GetEdgesKeypoints(worldCoordinates bool) []slam.Point {
	return s.keypoints(worldCoordinates, func(k *extractor.Keypoints) []slam.Point { return k.Edges },
		func(w *worldKeypoints) []slam.Point { return w.edges })
}

// GetPlanarsKeypoints returns the current frame's planar keypoints.
func (s *Slam) GetPlanarsKeypoints(worldCoordinates bool) []slam.Point {
	return s.keypoints(worldCoordinates, func(k *extractor.Keypoints) []slam.Point { return k.Planes },
		func(w *worldKeypoints) []slam.Point { return w.planes })
}

// GetBlobsKeypoints returns the current frame's blob keypoints.
func (s *Slam) GetBlobsKeypoints(worldCoordinates bool) []slam.Point {
	return s.keypoints(worldCoordinates, func(k *extractor.Keypoints) []slam.Point { return k.Blobs },
		func(w *worldKeypoints) []slam.Point { return w.blobs })
}

func (s *Slam) keypoints(world bool, base func(*extractor.Keypoints) []slam.Point, wf func(*worldKeypoints) []slam.Point) []slam.Point {
	if world {
		return wf(&s.currentWorld)
	}
	if s.currentKeypoints == nil {
		return nil
	}
	return base(s.currentKeypoints)
}

// GetOutputFrame returns the current frame expressed in WORLD coordinates.
func (s *Slam) GetOutputFrame() *slam.PointCloud {
	if s.currentFrame == nil {
		return nil
	}
	out := &slam.PointCloud{
		Points:  make([]slam.Point, len(s.currentFrame.Points)),
		TimeUs:  s.currentFrame.TimeUs,
		FrameID: s.worldFrameID,
		Seq:     s.currentFrame.Seq,
	}
	for i, p := range s.currentFrame.Points {
		q := p
		q.X, q.Y, q.Z = s.poseForPointTime(p.Time).Apply(p.X, p.Y, p.Z)
		out.Points[i] = q
	}
	return out
}

// SetWorldTransformFromGuess overwrites the current pose (typically from a
// GPS fix after calibration) and clears the motion interpolation state.
func (s *Slam) SetWorldTransformFromGuess(guess slam.Transform) {
	s.tworld = guess.Isometry()
	s.previousTworld = s.tworld
	s.trelative = slam.Identity()
	s.tworldFrameStart = s.tworld
}

// GetDebugInformation returns scalar diagnostics of the last frame
// (iteration counts, match counts, durations, pose variance).
func (s *Slam) GetDebugInformation() map[string]float64 {
	out := make(map[string]float64, len(s.debugInfo))
	for k, v := range s.debugInfo {
		out[k] = v
	}
	return out
}

// GetDebugArray returns per-keypoint diagnostics of the last frame:
// extraction labels and match rejection codes.
func (s *Slam) GetDebugArray() map[string][]float64 {
	out := make(map[string][]float64, len(s.debugArrays))
	for k, v := range s.debugArrays {
		out[k] = append([]float64(nil), v...)
	}
	return out
}

// AddGpsPose buffers a GPS position measurement for a later pose graph
// optimization.
func (s *Slam) AddGpsPose(p slam.GpsPose) {
	s.gpsPoses = append(s.gpsPoses, p)
}
