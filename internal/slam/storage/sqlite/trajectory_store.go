package sqlite

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/slam.report/internal/slam"
)

//go:embed schema.sql
var schemaSQL string

// Run is a persisted SLAM run.
type Run struct {
	RunID       string          `json:"run_id"`
	SensorID    string          `json:"sensor_id"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FrameCount  int             `json:"frame_count"`
	ParamsJSON  json.RawMessage `json:"params_json,omitempty"`
	Notes       string          `json:"notes,omitempty"`
}

// PoseRecord is one persisted trajectory entry.
type PoseRecord struct {
	RunID      string          `json:"run_id"`
	FrameIndex int             `json:"frame_index"`
	Pose       slam.Transform  `json:"pose"`
	Covariance slam.Covariance `json:"covariance"`
}

// TrajectoryStore provides persistence for SLAM trajectories.
type TrajectoryStore struct {
	db *sql.DB
}

// Open opens (creating if needed) a trajectory database at path and applies
// the schema.
func Open(path string) (*TrajectoryStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &TrajectoryStore{db: db}, nil
}

// NewTrajectoryStore wraps an existing database handle; the schema must
// already be applied.
func NewTrajectoryStore(db *sql.DB) *TrajectoryStore {
	return &TrajectoryStore{db: db}
}

// Close closes the underlying database.
func (s *TrajectoryStore) Close() error { return s.db.Close() }

// retryOnBusy retries a write a few times when SQLite reports the database
// as locked by a concurrent writer.
func retryOnBusy(fn func() error) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		err = fn()
		if err == nil || !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return err
}

// InsertRun creates a run record. If RunID is empty a UUID is generated.
func (s *TrajectoryStore) InsertRun(run *Run) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	var params interface{}
	if len(run.ParamsJSON) > 0 {
		params = string(run.ParamsJSON)
	}
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO slam_runs (run_id, sensor_id, started_at, frame_count, params_json, notes)
			VALUES (?, ?, ?, ?, ?, ?)`,
			run.RunID, run.SensorID, run.StartedAt.UnixNano(), run.FrameCount, params, run.Notes,
		)
		return err
	})
}

// CompleteRun stamps a run as finished with its final frame count.
func (s *TrajectoryStore) CompleteRun(runID string, frameCount int) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			UPDATE slam_runs SET completed_at = ?, frame_count = ? WHERE run_id = ?`,
			time.Now().UnixNano(), frameCount, runID,
		)
		return err
	})
}

// InsertPose persists one trajectory entry.
func (s *TrajectoryStore) InsertPose(rec *PoseRecord) error {
	covJSON, err := json.Marshal(rec.Covariance)
	if err != nil {
		return err
	}
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO slam_poses (run_id, frame_index, stamp, x, y, z, rx, ry, rz, covariance)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.RunID, rec.FrameIndex, rec.Pose.Time,
			rec.Pose.X, rec.Pose.Y, rec.Pose.Z,
			rec.Pose.RX, rec.Pose.RY, rec.Pose.RZ,
			string(covJSON),
		)
		return err
	})
}

// InsertTrajectory persists a whole trajectory in one transaction.
func (s *TrajectoryStore) InsertTrajectory(runID string, poses []slam.Transform, covs []slam.Covariance) error {
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()
		stmt, err := tx.Prepare(`
			INSERT INTO slam_poses (run_id, frame_index, stamp, x, y, z, rx, ry, rz, covariance)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, p := range poses {
			var covJSON []byte
			if i < len(covs) {
				covJSON, err = json.Marshal(covs[i])
				if err != nil {
					return err
				}
			}
			if _, err := stmt.Exec(runID, i, p.Time, p.X, p.Y, p.Z, p.RX, p.RY, p.RZ, string(covJSON)); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// GetRun fetches one run by id.
func (s *TrajectoryStore) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, sensor_id, started_at, completed_at, frame_count, params_json, notes
		FROM slam_runs WHERE run_id = ?`, runID)
	var run Run
	var started int64
	var completed sql.NullInt64
	var params sql.NullString
	if err := row.Scan(&run.RunID, &run.SensorID, &started, &completed, &run.FrameCount, &params, &run.Notes); err != nil {
		return nil, err
	}
	run.StartedAt = time.Unix(0, started)
	if completed.Valid {
		t := time.Unix(0, completed.Int64)
		run.CompletedAt = &t
	}
	if params.Valid {
		run.ParamsJSON = json.RawMessage(params.String)
	}
	return &run, nil
}

// ListRuns returns every run, newest first.
func (s *TrajectoryStore) ListRuns() ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT run_id, sensor_id, started_at, completed_at, frame_count, params_json, notes
		FROM slam_runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []*Run
	for rows.Next() {
		var run Run
		var started int64
		var completed sql.NullInt64
		var params sql.NullString
		if err := rows.Scan(&run.RunID, &run.SensorID, &started, &completed, &run.FrameCount, &params, &run.Notes); err != nil {
			return nil, err
		}
		run.StartedAt = time.Unix(0, started)
		if completed.Valid {
			t := time.Unix(0, completed.Int64)
			run.CompletedAt = &t
		}
		if params.Valid {
			run.ParamsJSON = json.RawMessage(params.String)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// GetTrajectory returns the persisted poses of a run in frame order.
func (s *TrajectoryStore) GetTrajectory(runID string) ([]*PoseRecord, error) {
	rows, err := s.db.Query(`
		SELECT frame_index, stamp, x, y, z, rx, ry, rz, covariance
		FROM slam_poses WHERE run_id = ? ORDER BY frame_index`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*PoseRecord
	for rows.Next() {
		rec := &PoseRecord{RunID: runID}
		var covJSON sql.NullString
		if err := rows.Scan(&rec.FrameIndex, &rec.Pose.Time,
			&rec.Pose.X, &rec.Pose.Y, &rec.Pose.Z,
			&rec.Pose.RX, &rec.Pose.RY, &rec.Pose.RZ, &covJSON); err != nil {
			return nil, err
		}
		if covJSON.Valid && covJSON.String != "" {
			if err := json.Unmarshal([]byte(covJSON.String), &rec.Covariance); err != nil {
				return nil, fmt.Errorf("parse covariance of frame %d: %w", rec.FrameIndex, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
