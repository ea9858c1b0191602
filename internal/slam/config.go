package slam

import (
	"encoding/json"
	"fmt"
	"os"
)

// TuningConfig is the JSON representation of the pipeline tuning knobs.
// Every field is optional; nil fields leave the corresponding Params value
// untouched, so the same file can be used both for startup configuration and
// for partial runtime updates.
type TuningConfig struct {
	NbThreads      *int     `json:"nb_threads,omitempty"`
	FastSlam       *bool    `json:"fast_slam,omitempty"`
	EgoMotion      *string  `json:"ego_motion,omitempty"`
	Undistortion   *string  `json:"undistortion,omitempty"`
	UpdateMap      *bool    `json:"update_map,omitempty"`
	LoggingTimeout *float64 `json:"logging_timeout,omitempty"`
	LogKeypoints   *bool    `json:"log_keypoints,omitempty"`
	LoggingStorage *string  `json:"logging_storage,omitempty"`

	MaxDistanceForICPMatching *float64 `json:"max_distance_for_icp_matching,omitempty"`
	MinNbrMatchedKeypoints    *int     `json:"min_nbr_matched_keypoints,omitempty"`

	EgoMotionICPMaxIter    *int `json:"ego_motion_icp_max_iter,omitempty"`
	EgoMotionLMMaxIter     *int `json:"ego_motion_lm_max_iter,omitempty"`
	LocalizationICPMaxIter *int `json:"localization_icp_max_iter,omitempty"`
	LocalizationLMMaxIter  *int `json:"localization_lm_max_iter,omitempty"`

	EgoMotionInitLossScale      *float64 `json:"ego_motion_init_loss_scale,omitempty"`
	EgoMotionFinalLossScale     *float64 `json:"ego_motion_final_loss_scale,omitempty"`
	LocalizationInitLossScale   *float64 `json:"localization_init_loss_scale,omitempty"`
	LocalizationFinalLossScale  *float64 `json:"localization_final_loss_scale,omitempty"`

	VoxelGridSize           *int     `json:"voxel_grid_size,omitempty"`
	VoxelGridResolution     *float64 `json:"voxel_grid_resolution,omitempty"`
	VoxelGridLeafSizeEdges  *float64 `json:"voxel_grid_leaf_size_edges,omitempty"`
	VoxelGridLeafSizePlanes *float64 `json:"voxel_grid_leaf_size_planes,omitempty"`
	VoxelGridLeafSizeBlobs  *float64 `json:"voxel_grid_leaf_size_blobs,omitempty"`
}

// LoadTuningConfig reads a TuningConfig from a JSON file.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tuning config: %w", err)
	}
	var cfg TuningConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse tuning config %s: %w", path, err)
	}
	return &cfg, nil
}

// ParseEgoMotionMode converts a config string to an EgoMotionMode.
func ParseEgoMotionMode(s string) (EgoMotionMode, error) {
	switch s {
	case "none":
		return EgoMotionNone, nil
	case "motion-extrapolation":
		return EgoMotionMotionExtrapolation, nil
	case "registration":
		return EgoMotionRegistration, nil
	case "motion-extrapolation+registration":
		return EgoMotionMotionExtrapolationAndRegistration, nil
	default:
		return 0, fmt.Errorf("unknown ego-motion mode %q", s)
	}
}

// ParseUndistortionMode converts a config string to an UndistortionMode.
func ParseUndistortionMode(s string) (UndistortionMode, error) {
	switch s {
	case "none":
		return UndistortionNone, nil
	case "approximated":
		return UndistortionApproximated, nil
	case "optimized":
		return UndistortionOptimized, nil
	default:
		return 0, fmt.Errorf("unknown undistortion mode %q", s)
	}
}

// ParseKeypointLogStorage converts a config string to a KeypointLogStorage.
func ParseKeypointLogStorage(s string) (KeypointLogStorage, error) {
	switch s {
	case "raw":
		return LogStorageRaw, nil
	case "compressed":
		return LogStorageCompressed, nil
	default:
		return 0, fmt.Errorf("unknown logging storage mode %q", s)
	}
}

// Apply merges the non-nil fields of the config into params.
func (c *TuningConfig) Apply(params *Params) error {
	if c == nil {
		return nil
	}
	if c.NbThreads != nil {
		params.NbThreads = *c.NbThreads
	}
	if c.FastSlam != nil {
		params.FastSlam = *c.FastSlam
	}
	if c.EgoMotion != nil {
		mode, err := ParseEgoMotionMode(*c.EgoMotion)
		if err != nil {
			return err
		}
		params.EgoMotion = mode
	}
	if c.Undistortion != nil {
		mode, err := ParseUndistortionMode(*c.Undistortion)
		if err != nil {
			return err
		}
		params.Undistortion = mode
	}
	if c.UpdateMap != nil {
		params.UpdateMap = *c.UpdateMap
	}
	if c.LoggingTimeout != nil {
		params.LoggingTimeout = *c.LoggingTimeout
	}
	if c.LogKeypoints != nil {
		params.LogKeypoints = *c.LogKeypoints
	}
	if c.LoggingStorage != nil {
		mode, err := ParseKeypointLogStorage(*c.LoggingStorage)
		if err != nil {
			return err
		}
		params.LoggingStorage = mode
	}
	if c.MaxDistanceForICPMatching != nil {
		params.MaxDistanceForICPMatching = *c.MaxDistanceForICPMatching
	}
	if c.MinNbrMatchedKeypoints != nil {
		params.MinNbrMatchedKeypoints = *c.MinNbrMatchedKeypoints
	}
	if c.EgoMotionICPMaxIter != nil {
		params.EgoMotionICPMaxIter = *c.EgoMotionICPMaxIter
	}
	if c.EgoMotionLMMaxIter != nil {
		params.EgoMotionLMMaxIter = *c.EgoMotionLMMaxIter
	}
	if c.LocalizationICPMaxIter != nil {
		params.LocalizationICPMaxIter = *c.LocalizationICPMaxIter
	}
	if c.LocalizationLMMaxIter != nil {
		params.LocalizationLMMaxIter = *c.LocalizationLMMaxIter
	}
	if c.EgoMotionInitLossScale != nil {
		params.EgoMotionInitLossScale = *c.EgoMotionInitLossScale
	}
	if c.EgoMotionFinalLossScale != nil {
		params.EgoMotionFinalLossScale = *c.EgoMotionFinalLossScale
	}
	if c.LocalizationInitLossScale != nil {
		params.LocalizationInitLossScale = *c.LocalizationInitLossScale
	}
	if c.LocalizationFinalLossScale != nil {
		params.LocalizationFinalLossScale = *c.LocalizationFinalLossScale
	}
	if c.VoxelGridSize != nil {
		params.VoxelGridSize = *c.VoxelGridSize
	}
	if c.VoxelGridResolution != nil {
		params.VoxelGridResolution = *c.VoxelGridResolution
	}
	if c.VoxelGridLeafSizeEdges != nil {
		params.VoxelGridLeafSizeEdges = *c.VoxelGridLeafSizeEdges
	}
	if c.VoxelGridLeafSizePlanes != nil {
		params.VoxelGridLeafSizePlanes = *c.VoxelGridLeafSizePlanes
	}
	if c.VoxelGridLeafSizeBlobs != nil {
		params.VoxelGridLeafSizeBlobs = *c.VoxelGridLeafSizeBlobs
	}
	return nil
}
