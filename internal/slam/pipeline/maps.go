package pipeline

import (
	"fmt"

	"github.com/banshee-data/slam.report/internal/slam"
	"github.com/banshee-data/slam.report/internal/slam/extractor"
	"github.com/banshee-data/slam.report/internal/slam/pcd"
)

// updateMapsUsingTworld expresses the current keypoints in WORLD
// coordinates (undistorted when enabled) and, unless map updates are
// disabled, rolls the grids to the new pose and inserts them. This is the
// only place the rolling grids are mutated, after all parallel matching
// has completed.
func (s *Slam) updateMapsUsingTworld(kp *extractor.Keypoints) {
	s.currentWorld = worldKeypoints{
		edges:  s.pointsToWorld(kp.Edges),
		planes: s.pointsToWorld(kp.Planes),
		blobs:  s.pointsToWorld(kp.Blobs),
	}
	if !s.params.UpdateMap {
		return
	}
	x, y, z := s.tworld.Translation()
	s.edgesMap.Center(x, y, z)
	s.planesMap.Center(x, y, z)
	s.blobsMap.Center(x, y, z)
	s.edgesMap.Add(s.currentWorld.edges)
	s.planesMap.Add(s.currentWorld.planes)
	s.blobsMap.Add(s.currentWorld.blobs)
}

func (s *Slam) pointsToWorld(pts []slam.Point) []slam.Point {
	out := make([]slam.Point, len(pts))
	for i, p := range pts {
		q := p
		q.X, q.Y, q.Z = s.poseForPointTime(p.Time).Apply(p.X, p.Y, p.Z)
		out[i] = q
	}
	return out
}

// ClearMaps drops every point from the three feature maps.
func (s *Slam) ClearMaps() {
	s.edgesMap.Clear()
	s.planesMap.Clear()
	s.blobsMap.Clear()
}

// mapFileNames returns the file paths of a map set: <prefix>_edges,
// <prefix>_planes and <prefix>_blobs, each a PCD stream.
func mapFileNames(prefix string) (edges, planes, blobs string) {
	return prefix + "_edges", prefix + "_planes", prefix + "_blobs"
}

// SaveMapsToPCD persists the three feature maps as <prefix>_edges,
// <prefix>_planes and <prefix>_blobs in the chosen format.
func (s *Slam) SaveMapsToPCD(prefix string, format pcd.Format) error {
	edges, planes, blobs := mapFileNames(prefix)
	if err := pcd.SaveFile(edges, s.edgesMap.Points(), format); err != nil {
		return &slam.FrameError{Kind: slam.ErrResourceFailure, Msg: err.Error()}
	}
	if err := pcd.SaveFile(planes, s.planesMap.Points(), format); err != nil {
		return &slam.FrameError{Kind: slam.ErrResourceFailure, Msg: err.Error()}
	}
	if err := pcd.SaveFile(blobs, s.blobsMap.Points(), format); err != nil {
		return &slam.FrameError{Kind: slam.ErrResourceFailure, Msg: err.Error()}
	}
	slam.Verbosef(slam.VerbosityFrames, "saved maps to %s_{edges,planes,blobs} (%d/%d/%d points)",
		prefix, s.edgesMap.NbPoints(), s.planesMap.NbPoints(), s.blobsMap.NbPoints())
	return nil
}

// LoadMapsFromPCD restores the feature maps from a file set written by
// SaveMapsToPCD. With resetMaps the current maps are cleared first;
// otherwise the loaded points are merged in.
func (s *Slam) LoadMapsFromPCD(prefix string, resetMaps bool) error {
	edges, planes, blobs := mapFileNames(prefix)
	load := func(path string) ([]slam.Point, error) {
		pts, err := pcd.LoadFile(path)
		if err != nil {
			return nil, &slam.FrameError{Kind: slam.ErrResourceFailure,
				Msg: fmt.Sprintf("load %s: %v", path, err)}
		}
		return pts, nil
	}
	edgePts, err := load(edges)
	if err != nil {
		return err
	}
	planePts, err := load(planes)
	if err != nil {
		return err
	}
	blobPts, err := load(blobs)
	if err != nil {
		return err
	}
	if resetMaps {
		s.ClearMaps()
		// Re-center the windows on the loaded data so a map far from the
		// world origin is not evicted on insertion.
		if cx, cy, cz, ok := centroid(edgePts, planePts, blobPts); ok {
			s.edgesMap.Center(cx, cy, cz)
			s.planesMap.Center(cx, cy, cz)
			s.blobsMap.Center(cx, cy, cz)
		}
	}
	s.edgesMap.Add(edgePts)
	s.planesMap.Add(planePts)
	s.blobsMap.Add(blobPts)
	slam.Verbosef(slam.VerbosityFrames, "loaded maps from %s_{edges,planes,blobs} (%d/%d/%d points)",
		prefix, len(edgePts), len(planePts), len(blobPts))
	return nil
}

func centroid(sets ...[]slam.Point) (x, y, z float64, ok bool) {
	n := 0
	for _, set := range sets {
		for _, p := range set {
			x += p.X
			y += p.Y
			z += p.Z
			n++
		}
	}
	if n == 0 {
		return 0, 0, 0, false
	}
	f := float64(n)
	return x / f, y / f, z / f, true
}
