// Package registration estimates rigid motion by matching the keypoints of
// the current sweep against a reference set (the previous sweep for
// ego-motion, the rolling-grid feature maps for localization). Matches are
// built by nearest-neighbor search and PCA model fitting, then a
// Levenberg-Marquardt solve with a robust arctan loss refines the pose over
// SE(3), or jointly over the begin and end scan poses when undistortion is
// optimized.
package registration
