// Package sqlite persists SLAM run trajectories and pose covariances in a
// SQLite database, so offline replays can be compared across parameter
// sets. The schema is embedded and applied on open.
package sqlite
