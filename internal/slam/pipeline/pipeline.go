package pipeline

import (
	"time"

	"github.com/banshee-data/slam.report/internal/slam"
	"github.com/banshee-data/slam.report/internal/slam/extractor"
	"github.com/banshee-data/slam.report/internal/slam/registration"
)

// covInflationFactor scales the reported covariance when a localization
// solve diverges and the trajectory advances on the seed pose.
const covInflationFactor = 100.0

// AddFrame runs the full pipeline for one sweep. Input problems (empty
// cloud, duplicate timestamp, frame id mismatch, unknown laser id) are
// reported as a *slam.FrameError and leave the pipeline state unchanged.
// Degraded frames (too few keypoints or matches) advance the trajectory on
// the best available estimate and also return a *slam.FrameError.
//
// AddFrame is a blocking call and must not be re-entered; doing so is a
// contract violation and panics.
func (s *Slam) AddFrame(cloud *slam.PointCloud) error {
	if !s.inFrame.CompareAndSwap(false, true) {
		panic("slam: AddFrame re-entered")
	}
	defer s.inFrame.Store(false)
	start := time.Now()

	if err := s.checkFrame(cloud); err != nil {
		slam.Warnf("frame rejected: %v", err)
		return err
	}
	sweepTime := cloud.TimeSeconds()

	s.debugInfo = make(map[string]float64)
	s.debugArrays = make(map[string][]float64)

	// Extraction. Keypoints come back in the LIDAR frame and are moved to
	// BASE together with the frame itself.
	tExtract := time.Now()
	baseCloud, kp, err := s.extractKeypoints(cloud)
	if err != nil {
		slam.Warnf("frame rejected: %v", err)
		return err
	}
	s.debugInfo["duration:extraction"] = time.Since(tExtract).Seconds()
	s.debugInfo["extraction:edges"] = float64(len(kp.Edges))
	s.debugInfo["extraction:planes"] = float64(len(kp.Planes))
	s.debugInfo["extraction:blobs"] = float64(len(kp.Blobs))

	s.frameDuration = frameDuration(baseCloud)

	degenerate := len(kp.Edges)+len(kp.Planes)+len(kp.Blobs) < s.params.MinNbrMatchedKeypoints
	var frameErr error
	if degenerate {
		frameErr = &slam.FrameError{Kind: slam.ErrExtractionDegenerate,
			Msg: "too few keypoints, falling back to motion extrapolation"}
		slam.Warnf("%v", frameErr)
		s.debugInfo["extraction:degenerate"] = 1
	}

	// Ego-motion: seed the world pose before the expensive localization.
	tEgo := time.Now()
	trelative := s.computeEgoMotion(kp, degenerate)
	s.debugInfo["duration:ego_motion"] = time.Since(tEgo).Seconds()

	oldTworld := s.tworld
	tworld := oldTworld.Mul(trelative)
	begin := oldTworld // scan-begin pose estimate for undistortion

	// Localization against the feature maps.
	if !degenerate {
		tLoc := time.Now()
		tworld, begin, frameErr = s.localize(baseCloud, kp, tworld, begin, frameErr)
		s.debugInfo["duration:localization"] = time.Since(tLoc).Seconds()
	}

	// Commit pose state.
	px, py, pz := tworld.Translation()
	s.debugInfo["pose:x"], s.debugInfo["pose:y"], s.debugInfo["pose:z"] = px, py, pz
	s.previousTworld = oldTworld
	s.tworld = tworld
	s.tworldFrameStart = begin
	s.trelative = oldTworld.Inverse().Mul(tworld)
	s.currentFrame = baseCloud
	s.previousKeypoints = s.currentKeypoints
	s.currentKeypoints = kp

	// Map update with the refined pose.
	if !degenerate {
		tMap := time.Now()
		s.updateMapsUsingTworld(kp)
		s.debugInfo["duration:map_update"] = time.Since(tMap).Seconds()
	} else {
		s.currentWorld = worldKeypoints{}
	}

	if s.inputFrameID == "" {
		s.inputFrameID = cloud.FrameID
	}
	if s.processedFrames > 0 {
		s.framePeriod = sweepTime - s.frameTime
	}
	s.frameTime = sweepTime
	s.previousSeq = cloud.Seq
	s.processedFrames++

	s.logCurrentFrameState(sweepTime)

	s.latency = time.Since(start).Seconds()
	s.debugInfo["duration:frame"] = s.latency
	s.debugInfo["localization:position_variance"] =
		s.localizationCov[0] + s.localizationCov[7] + s.localizationCov[14]
	slam.Verbosef(slam.VerbosityFrames, "frame %d t=%.6f pose=(%.3f %.3f %.3f) matches=%d",
		s.processedFrames, sweepTime,
		s.debugInfo["pose:x"], s.debugInfo["pose:y"], s.debugInfo["pose:z"],
		int(s.debugInfo["localization:matches"]))
	return frameErr
}

// checkFrame validates the input cloud against the pipeline state.
func (s *Slam) checkFrame(cloud *slam.PointCloud) error {
	if cloud.Empty() {
		return &slam.FrameError{Kind: slam.ErrInputInvalid, Msg: "empty point cloud"}
	}
	t := cloud.TimeSeconds()
	if s.processedFrames > 0 && t <= s.frameTime {
		return &slam.FrameError{Kind: slam.ErrInputInvalid,
			Msg: "duplicate or non-monotonic timestamp"}
	}
	if s.inputFrameID != "" && cloud.FrameID != s.inputFrameID {
		return &slam.FrameError{Kind: slam.ErrInputInvalid,
			Msg: "frame id mismatch: got " + cloud.FrameID + ", want " + s.inputFrameID}
	}
	if s.processedFrames > 0 && cloud.Seq != 0 && cloud.Seq != s.previousSeq+1 {
		slam.Warnf("frame sequence gap: got %d after %d", cloud.Seq, s.previousSeq)
	}
	return nil
}

// extractKeypoints runs the extractor and expresses the frame and its
// keypoints in BASE coordinates.
func (s *Slam) extractKeypoints(cloud *slam.PointCloud) (*slam.PointCloud, *extractor.Keypoints, error) {
	kp, err := s.extractor.Extract(cloud)
	if err != nil {
		return nil, nil, &slam.FrameError{Kind: slam.ErrInputInvalid, Msg: err.Error()}
	}

	baseCloud := cloud
	if !s.baseToLidar.IsIdentity(0) {
		baseCloud = &slam.PointCloud{
			Points:  transformPoints(cloud.Points, s.baseToLidar),
			TimeUs:  cloud.TimeUs,
			FrameID: s.baseFrameID,
			Seq:     cloud.Seq,
		}
		kp.Edges = transformPoints(kp.Edges, s.baseToLidar)
		kp.Planes = transformPoints(kp.Planes, s.baseToLidar)
		kp.Blobs = transformPoints(kp.Blobs, s.baseToLidar)
	}

	labels := make([]float64, len(kp.Labels))
	for i, l := range kp.Labels {
		labels[i] = float64(l)
	}
	s.debugArrays["extraction:labels"] = labels
	return baseCloud, kp, nil
}

func transformPoints(pts []slam.Point, iso slam.Isometry) []slam.Point {
	out := make([]slam.Point, len(pts))
	for i, p := range pts {
		q := p
		q.X, q.Y, q.Z = iso.Apply(p.X, p.Y, p.Z)
		out[i] = q
	}
	return out
}

// frameDuration returns the time elapsed between the first and last point
// measurements of the sweep.
func frameDuration(cloud *slam.PointCloud) float64 {
	var lo, hi float64
	for i, p := range cloud.Points {
		if i == 0 || p.Time < lo {
			lo = p.Time
		}
		if i == 0 || p.Time > hi {
			hi = p.Time
		}
	}
	return hi - lo
}

// computeEgoMotion estimates the relative motion since the previous sweep.
func (s *Slam) computeEgoMotion(kp *extractor.Keypoints, degenerate bool) slam.Isometry {
	mode := s.params.EgoMotion
	if degenerate {
		// Too few keypoints to register: drop to the extrapolation part of
		// the configured mode.
		switch mode {
		case slam.EgoMotionRegistration:
			mode = slam.EgoMotionNone
		case slam.EgoMotionMotionExtrapolationAndRegistration:
			mode = slam.EgoMotionMotionExtrapolation
		}
	}

	extrapolated := slam.Identity()
	if mode == slam.EgoMotionMotionExtrapolation ||
		mode == slam.EgoMotionMotionExtrapolationAndRegistration {
		// Constant velocity: reuse the last refined relative motion.
		extrapolated = s.trelative
	}
	if mode == slam.EgoMotionNone || mode == slam.EgoMotionMotionExtrapolation {
		return extrapolated
	}
	if s.previousKeypoints == nil {
		return extrapolated
	}

	p := s.params
	icp := registration.ICPParams{
		ICPMaxIter:             p.EgoMotionICPMaxIter,
		LMMaxIter:              p.EgoMotionLMMaxIter,
		InitLossScale:          p.EgoMotionInitLossScale,
		FinalLossScale:         p.EgoMotionFinalLossScale,
		MinNbrMatchedKeypoints: p.MinNbrMatchedKeypoints,
		Line: registration.MatcherParams{
			NbNeighbors:   p.EgoMotionLineDistanceNbrNeighbors,
			MinNeighbors:  p.EgoMotionMinimumLineNeighborRejection,
			Factor:        p.EgoMotionLineDistancefactor,
			MaxDist:       p.MaxDistanceForICPMatching,
			MaxModelError: p.EgoMotionMaxLineDistance,
			NbThreads:     p.NbThreads,
		},
		Plane: registration.MatcherParams{
			NbNeighbors:   p.EgoMotionPlaneDistanceNbrNeighbors,
			MinNeighbors:  p.EgoMotionPlaneDistanceNbrNeighbors,
			Factor:        p.EgoMotionPlaneDistancefactor1,
			Factor2:       p.EgoMotionPlaneDistancefactor2,
			MaxDist:       p.MaxDistanceForICPMatching,
			MaxModelError: p.EgoMotionMaxPlaneDistance,
			NbThreads:     p.NbThreads,
		},
	}

	ref := registration.Reference{
		Edges:  s.previousKeypoints.Edges,
		Planes: s.previousKeypoints.Planes,
	}
	cur := registration.Input{Edges: kp.Edges, Planes: kp.Planes}

	// Ego-motion always registers raw points; undistortion is handled by
	// the localization stage.
	result := registration.RunICP(ref, cur, extrapolated, extrapolated,
		slam.UndistortionNone, 0, icp)

	s.debugInfo["ego_motion:matches"] = float64(result.TotalMatches)
	s.debugInfo["ego_motion:icp_iterations"] = float64(result.ICPIterations)
	if result.Degenerate || result.Err != nil {
		slam.Warnf("ego-motion registration kept its seed: matches=%d err=%v",
			result.TotalMatches, result.Err)
		return extrapolated
	}
	return result.Pose
}

// localize refines the world pose against the feature maps and computes the
// pose covariance.
func (s *Slam) localize(baseCloud *slam.PointCloud, kp *extractor.Keypoints,
	seed, begin slam.Isometry, frameErr error) (slam.Isometry, slam.Isometry, error) {

	if s.edgesMap.NbPoints()+s.planesMap.NbPoints()+s.blobsMap.NbPoints() == 0 {
		// Nothing to register against yet (first frame or cleared maps).
		s.localizationCov = slam.Covariance{}
		return seed, begin, frameErr
	}

	p := s.params
	planarInput := kp.Planes
	if !p.FastSlam {
		planarInput = nonInvalidPoints(baseCloud, kp.Labels)
	}
	cur := registration.Input{Edges: kp.Edges, Planes: planarInput, Blobs: kp.Blobs}
	ref := s.mapReference(cur, seed)

	icp := registration.ICPParams{
		ICPMaxIter:             p.LocalizationICPMaxIter,
		LMMaxIter:              p.LocalizationLMMaxIter,
		InitLossScale:          p.LocalizationInitLossScale,
		FinalLossScale:         p.LocalizationFinalLossScale,
		MinNbrMatchedKeypoints: p.MinNbrMatchedKeypoints,
		Line: registration.MatcherParams{
			NbNeighbors:   p.LocalizationLineDistanceNbrNeighbors,
			MinNeighbors:  p.LocalizationMinimumLineNeighborRejection,
			Factor:        p.LocalizationLineDistancefactor,
			MaxDist:       p.MaxDistanceForICPMatching,
			MaxModelError: p.LocalizationMaxLineDistance,
			NbThreads:     p.NbThreads,
		},
		Plane: registration.MatcherParams{
			NbNeighbors:   p.LocalizationPlaneDistanceNbrNeighbors,
			MinNeighbors:  p.LocalizationPlaneDistanceNbrNeighbors,
			Factor:        p.LocalizationPlaneDistancefactor1,
			Factor2:       p.LocalizationPlaneDistancefactor2,
			MaxDist:       p.MaxDistanceForICPMatching,
			MaxModelError: p.LocalizationMaxPlaneDistance,
			NbThreads:     p.NbThreads,
		},
		Blob: registration.MatcherParams{
			NbNeighbors:  p.LocalizationBlobDistanceNbrNeighbors,
			MinNeighbors: p.LocalizationBlobDistanceNbrNeighbors / 2,
			MaxDist:      p.MaxDistanceForICPMatching,
			NbThreads:    p.NbThreads,
		},
	}

	result := registration.RunICP(ref, cur, seed, begin,
		p.Undistortion, s.frameDuration, icp)

	s.debugInfo["localization:matches"] = float64(result.TotalMatches)
	s.debugInfo["localization:icp_iterations"] = float64(result.ICPIterations)
	s.debugInfo["localization:lm_iterations"] = float64(result.Iterations)
	s.debugInfo["localization:final_cost"] = result.FinalCost
	s.recordMatchStatuses(result)
	if result.EdgeMatches != nil && result.PlaneMatches != nil {
		slam.Verbosef(slam.VerbosityMatching,
			"localization: %d matches in %d icp iterations, edge rejections %v, plane rejections %v",
			result.TotalMatches, result.ICPIterations,
			result.EdgeMatches.Rejections, result.PlaneMatches.Rejections)
	}

	switch {
	case result.Err != nil:
		s.debugInfo["localization:numerical_failure"] = 1
		s.localizationCov = inflateCovariance(s.localizationCov, covInflationFactor)
		slam.Warnf("localization numerical failure, keeping seed pose: %v", result.Err)
		if frameErr == nil {
			frameErr = &slam.FrameError{Kind: slam.ErrNumericalFailure, Msg: result.Err.Error()}
		}
		return seed, begin, frameErr
	case result.Degenerate:
		s.debugInfo["localization:degenerate"] = 1
		s.localizationCov = inflateCovariance(s.localizationCov, covInflationFactor)
		slam.Warnf("localization kept its seed: only %d matches", result.TotalMatches)
		if frameErr == nil {
			frameErr = &slam.FrameError{Kind: slam.ErrRegistrationDivergent,
				Msg: "not enough matched keypoints"}
		}
		return seed, begin, frameErr
	}

	s.localizationCov = result.Covariance
	if p.Undistortion == slam.UndistortionOptimized {
		begin = result.BeginPose
	}
	return result.Pose, begin, frameErr
}

// nonInvalidPoints collects every point the extractor did not reject, used
// as planar candidates when FastSlam is off.
func nonInvalidPoints(cloud *slam.PointCloud, labels []slam.Keypoint) []slam.Point {
	out := make([]slam.Point, 0, len(cloud.Points))
	for i, p := range cloud.Points {
		if i < len(labels) && labels[i] == slam.KeypointInvalid {
			continue
		}
		out = append(out, p)
	}
	return out
}

// mapReference extracts the map points around the current frame's keypoints
// (under the seed pose), so the per-frame KD-trees only index the relevant
// window.
func (s *Slam) mapReference(cur registration.Input, seed slam.Isometry) registration.Reference {
	margin := s.params.MaxDistanceForICPMatching
	min, max, ok := worldBounds(seed, margin, cur.Edges, cur.Planes, cur.Blobs)
	if !ok {
		return registration.Reference{}
	}
	return registration.Reference{
		Edges:  s.edgesMap.PointsInBox(min, max),
		Planes: s.planesMap.PointsInBox(min, max),
		Blobs:  s.blobsMap.PointsInBox(min, max),
	}
}

// worldBounds returns the axis-aligned bounds of the given point sets
// mapped through pose, expanded by margin.
func worldBounds(pose slam.Isometry, margin float64, sets ...[]slam.Point) (min, max [3]float64, ok bool) {
	first := true
	for _, set := range sets {
		for _, p := range set {
			x, y, z := pose.Apply(p.X, p.Y, p.Z)
			if first {
				min = [3]float64{x, y, z}
				max = min
				first = false
				continue
			}
			if x < min[0] {
				min[0] = x
			}
			if y < min[1] {
				min[1] = y
			}
			if z < min[2] {
				min[2] = z
			}
			if x > max[0] {
				max[0] = x
			}
			if y > max[1] {
				max[1] = y
			}
			if z > max[2] {
				max[2] = z
			}
		}
	}
	if first {
		return min, max, false
	}
	for i := 0; i < 3; i++ {
		min[i] -= margin
		max[i] += margin
	}
	return min, max, true
}

func (s *Slam) recordMatchStatuses(result registration.ICPResult) {
	record := func(key string, m *registration.MatchingResults) {
		if m == nil {
			return
		}
		arr := make([]float64, len(m.Statuses))
		for i, st := range m.Statuses {
			arr[i] = float64(st)
		}
		s.debugArrays[key] = arr
	}
	record("localization:edge_match_status", result.EdgeMatches)
	record("localization:plane_match_status", result.PlaneMatches)
	record("localization:blob_match_status", result.BlobMatches)
}

// inflateCovariance scales every covariance entry by factor, bottoming out at
// the solver's fallback uncertainty when no covariance was computed yet.
func inflateCovariance(cov slam.Covariance, factor float64) slam.Covariance {
	var trace float64
	for i := 0; i < 6; i++ {
		trace += cov[6*i+i]
	}
	if trace == 0 {
		for i := 0; i < 6; i++ {
			cov[6*i+i] = 1e3
		}
		return cov
	}
	for i := range cov {
		cov[i] *= factor
	}
	return cov
}

// poseForPointTime returns the world pose applying to a point measured at
// the given in-sweep time, honoring the undistortion mode.
func (s *Slam) poseForPointTime(t float64) slam.Isometry {
	if s.params.Undistortion == slam.UndistortionNone || s.frameDuration <= 0 {
		return s.tworld
	}
	motion := slam.NewWithinFrameMotion(s.tworldFrameStart, s.tworld, 0, s.frameDuration)
	return motion.At(t)
}
