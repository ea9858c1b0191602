// Package slam holds the shared vocabulary of the LiDAR SLAM engine:
// points and sweeps, rigid transforms and their interpolation, keypoint
// labels, tuning parameters and the classified pipeline errors.
//
// Three coordinate systems are used throughout:
//
//   - LIDAR {L}: attached to the sensor's geometric center; incoming
//     clouds are expressed here.
//   - BASE {B}: the tracked body (e.g. a vehicle); linked to LIDAR by a
//     static offset, and equal to it when no offset is configured.
//   - WORLD {W}: coincides with BASE at the first frame; the output
//     trajectory describes BASE in WORLD.
//
// The pipeline itself lives in the pipeline subpackage; keypoint
// classification, registration and the map structure live in extractor,
// registration and rollinggrid.
package slam
