// Package pipeline is the composition root of the SLAM engine: it owns the
// keypoint extractor, the two registration stages and the rolling-grid
// feature maps, and runs the per-frame pipeline
//
//	validate -> extract -> ego-motion -> localization -> map update -> log
//
// for every incoming sweep. It imports the leaf packages (extractor,
// registration, rollinggrid, pcd); none of those import pipeline.
package pipeline
