// Package extractor classifies the points of a spinning LiDAR sweep into
// edge, planar and blob keypoints using per-scan-line curvature analysis.
// The spinning-sensor implementation is one variant of the KeypointExtractor
// capability; other sensor geometries can plug into the pipeline by
// implementing the same interface.
package extractor
