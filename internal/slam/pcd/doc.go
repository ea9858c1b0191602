// Package pcd reads and writes point clouds in the PCD v0.7 container
// format, in ascii, binary and binary_compressed variants. It covers the
// field set used by the SLAM feature maps (x, y, z, intensity, laser_id,
// time) and tolerates extra fields on load.
package pcd
