package slam

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTuningConfigApply(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"nb_threads": 2,
		"fast_slam": false,
		"ego_motion": "registration",
		"undistortion": "approximated",
		"logging_timeout": -1,
		"logging_storage": "compressed",
		"max_distance_for_icp_matching": 7.5,
		"voxel_grid_size": 20
	}`), 0o644))

	cfg, err := LoadTuningConfig(path)
	require.NoError(t, err)

	params := DefaultParams()
	require.NoError(t, cfg.Apply(&params))

	assert.Equal(t, 2, params.NbThreads)
	assert.False(t, params.FastSlam)
	assert.Equal(t, EgoMotionRegistration, params.EgoMotion)
	assert.Equal(t, UndistortionApproximated, params.Undistortion)
	assert.Equal(t, -1.0, params.LoggingTimeout)
	assert.Equal(t, LogStorageCompressed, params.LoggingStorage)
	assert.Equal(t, 7.5, params.MaxDistanceForICPMatching)
	assert.Equal(t, 20, params.VoxelGridSize)

	// Untouched fields keep their defaults.
	assert.Equal(t, DefaultParams().LocalizationICPMaxIter, params.LocalizationICPMaxIter)
	assert.Equal(t, DefaultParams().VoxelGridResolution, params.VoxelGridResolution)
}

func TestTuningConfigNilIsNoop(t *testing.T) {
	t.Parallel()
	params := DefaultParams()
	var cfg *TuningConfig
	require.NoError(t, cfg.Apply(&params))
	assert.Equal(t, DefaultParams(), params)
}

func TestParseModes(t *testing.T) {
	t.Parallel()
	for _, mode := range []EgoMotionMode{
		EgoMotionNone,
		EgoMotionMotionExtrapolation,
		EgoMotionRegistration,
		EgoMotionMotionExtrapolationAndRegistration,
	} {
		parsed, err := ParseEgoMotionMode(mode.String())
		require.NoError(t, err)
		assert.Equal(t, mode, parsed)
	}
	_, err := ParseEgoMotionMode("bogus")
	assert.Error(t, err)

	for _, mode := range []UndistortionMode{UndistortionNone, UndistortionApproximated, UndistortionOptimized} {
		parsed, err := ParseUndistortionMode(mode.String())
		require.NoError(t, err)
		assert.Equal(t, mode, parsed)
	}
	_, err = ParseUndistortionMode("bogus")
	assert.Error(t, err)
}

func TestLoadTuningConfigErrors(t *testing.T) {
	t.Parallel()
	_, err := LoadTuningConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))
	_, err = LoadTuningConfig(bad)
	assert.Error(t, err)
}
