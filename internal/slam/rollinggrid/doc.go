// Package rollinggrid implements a bounded voxel map that slides with the
// sensor. Keypoints are accumulated into a fixed-size cube of voxels in
// world coordinates; moving the window evicts voxels that fall outside it,
// and each voxel is kept downsampled to a leaf grid so the map stays bounded
// in memory no matter how long a run lasts.
package rollinggrid
