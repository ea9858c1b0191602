package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/banshee-data/slam.report/internal/slam"
	"github.com/banshee-data/slam.report/internal/slam/extractor"
	"github.com/banshee-data/slam.report/internal/slam/pcd"
	"github.com/banshee-data/slam.report/internal/slam/pipeline"
	storage "github.com/banshee-data/slam.report/internal/slam/storage/sqlite"
)

var (
	inputDir     = flag.String("input", "", "Directory of PCD sweeps to replay (sorted by name); empty runs a synthetic corridor")
	frames       = flag.Int("frames", 30, "Number of synthetic frames to generate when no input directory is given")
	tuningFile   = flag.String("tuning", "", "Optional JSON tuning config overriding the defaults")
	dbFile       = flag.String("db", "", "Optional SQLite database to record the trajectory into")
	sensorID     = flag.String("sensor", "synthetic", "Sensor id recorded with the run")
	saveMaps  = flag.String("save-maps", "", "Optional file prefix to save the feature maps to on exit")
	mapFormat = flag.String("map-format", "binary_compressed", "PCD format for saved maps: ascii, binary or binary_compressed")
	verbosity = flag.Int("verbosity", slam.VerbosityWarnings,
		"Engine verbosity: 0 warnings, 1 per-frame summaries, 2 registration internals")
)

func main() {
	flag.Parse()

	slam.SetLogging(os.Stderr, *verbosity)

	params := slam.DefaultParams()
	params.LoggingTimeout = -1 // keep the whole trajectory for recording
	if *tuningFile != "" {
		cfg, err := slam.LoadTuningConfig(*tuningFile)
		if err != nil {
			log.Fatalf("tuning config: %v", err)
		}
		if err := cfg.Apply(&params); err != nil {
			log.Fatalf("tuning config: %v", err)
		}
	}

	extParams := extractor.DefaultParams()
	extParams.NbThreads = params.NbThreads
	engine := pipeline.New(params, extractor.NewSpinningSensor(extParams))

	var store *storage.TrajectoryStore
	var runID string
	if *dbFile != "" {
		var err error
		store, err = storage.Open(*dbFile)
		if err != nil {
			log.Fatalf("open trajectory db: %v", err)
		}
		defer store.Close()
		paramsJSON, _ := json.Marshal(map[string]interface{}{
			"ego_motion":   params.EgoMotion.String(),
			"undistortion": params.Undistortion.String(),
			"fast_slam":    params.FastSlam,
		})
		run := &storage.Run{SensorID: *sensorID, ParamsJSON: paramsJSON}
		if err := store.InsertRun(run); err != nil {
			log.Fatalf("record run: %v", err)
		}
		runID = run.RunID
		log.Printf("recording trajectory into %s as run %s", *dbFile, runID)
	}

	start := time.Now()
	var processed int
	var err error
	if *inputDir != "" {
		processed, err = replayDirectory(engine, *inputDir)
	} else {
		processed, err = replaySynthetic(engine, *frames)
	}
	if err != nil {
		log.Fatalf("replay: %v", err)
	}

	pose := engine.GetWorldTransform()
	log.Printf("processed %d frames in %v; final pose (%.3f %.3f %.3f | %.4f %.4f %.4f)",
		processed, time.Since(start).Round(time.Millisecond),
		pose.X, pose.Y, pose.Z, pose.RX, pose.RY, pose.RZ)

	if store != nil {
		if err := store.InsertTrajectory(runID, engine.GetTrajectory(), engine.GetCovariances()); err != nil {
			log.Fatalf("record trajectory: %v", err)
		}
		if err := store.CompleteRun(runID, processed); err != nil {
			log.Fatalf("complete run: %v", err)
		}
	}

	if *saveMaps != "" {
		format, err := pcd.ParseFormat(*mapFormat)
		if err != nil {
			log.Fatalf("map format: %v", err)
		}
		if err := engine.SaveMapsToPCD(*saveMaps, format); err != nil {
			log.Fatalf("save maps: %v", err)
		}
	}
}

// replayDirectory feeds every .pcd file of dir to the engine in name order.
// File names are expected to encode acquisition order; frame timestamps are
// always synthesized at 10 Hz from that order.
func replayDirectory(engine *pipeline.Slam, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".pcd" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return 0, fmt.Errorf("no .pcd files in %s", dir)
	}

	processed := 0
	for i, name := range names {
		points, err := pcd.LoadFile(filepath.Join(dir, name))
		if err != nil {
			return processed, fmt.Errorf("%s: %w", name, err)
		}
		cloud := &slam.PointCloud{
			Points:  points,
			TimeUs:  uint64((i + 1) * 100_000),
			FrameID: "lidar",
			Seq:     uint32(i + 1),
		}
		if err := engine.AddFrame(cloud); err != nil {
			log.Printf("%s: %v", name, err)
			continue
		}
		processed++
	}
	return processed, nil
}

// replaySynthetic drives the engine through a synthetic corridor at a
// constant 1 m/s along +x.
func replaySynthetic(engine *pipeline.Slam, frames int) (int, error) {
	scene := pipeline.CorridorScene(4, -2, 3, 8, -20, float64(frames)+40)
	opts := pipeline.DefaultSweepOptions()
	const speed = 1.0 // m/s
	period := opts.FrameDuration

	processed := 0
	for k := 0; k < frames; k++ {
		frameStart := float64(k) * period
		poseAt := func(t float64) slam.Isometry {
			return slam.NewIsometry(speed*(frameStart+t), 0, 0, 0, 0, 0)
		}
		cloud := scene.GenerateSweep(poseAt, uint64((k+1)*100_000), opts)
		if err := engine.AddFrame(cloud); err != nil {
			log.Printf("frame %d: %v", k, err)
			continue
		}
		processed++
	}
	return processed, nil
}
