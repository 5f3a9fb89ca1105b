// Package db records per-run telemetry (stage throughput and actuator link
// counters) in a local sqlite database.
package db

import (
	"compress/gzip"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/autopilot/internal/monitoring"
)

// ErrNoRun is returned when stats are recorded before StartRun.
var ErrNoRun = errors.New("no active run")

type DB struct {
	*sql.DB
	path  string
	runID string
}

// NewDB opens (creating if needed) the database at path and brings its
// schema up to date.
func NewDB(path string) (*DB, error) {
	sqlDB, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := sqlDB.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return sqlDB, nil
}

// OpenDB opens the database without touching the schema.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; a single connection avoids SQLITE_BUSY
	// between the recorder and admin handlers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}
	return &DB{DB: db, path: path}, nil
}

// StartRun registers a new run and makes it the target of subsequent
// Record calls. An empty id generates one.
func (db *DB) StartRun(id, version, config string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("invalid run id %q: %w", id, err)
	}
	if _, err := db.Exec(
		`INSERT INTO runs (run_id, version, config) VALUES (?, ?, ?)`,
		id, version, config,
	); err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}
	db.runID = id
	monitoring.Logf("[db] started run %s", id)
	return id, nil
}

// EndRun stamps the active run's end time.
func (db *DB) EndRun() error {
	if db.runID == "" {
		return ErrNoRun
	}
	_, err := db.Exec(`UPDATE runs SET ended_at = CURRENT_TIMESTAMP WHERE run_id = ?`, db.runID)
	return err
}

// RunID returns the active run, or "" before StartRun.
func (db *DB) RunID() string {
	return db.runID
}

// StageSample is one periodic reading of a perception or presentation loop.
type StageSample struct {
	Stage     string  `json:"stage"`
	State     string  `json:"state"`
	Frames    int64   `json:"frames"`
	Missed    int64   `json:"missed"`
	Repeated  int64   `json:"repeated"`
	LatencyMs float64 `json:"latency_ms"`
	FPS       float64 `json:"fps"`
}

// LinkSample is one periodic reading of the actuator link counters.
type LinkSample struct {
	State     string `json:"state"`
	Sent      int64  `json:"sent"`
	Short     int64  `json:"short"`
	Failed    int64  `json:"failed"`
	LastFrame string `json:"last_frame"`
}

// RecordStageStats writes one row per sample in a single transaction.
func (db *DB) RecordStageStats(at time.Time, samples []StageSample) error {
	if db.runID == "" {
		return ErrNoRun
	}
	if len(samples) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO stage_stats (
			run_id, stage, recorded_at, state, frames, missed, repeated, latency_ms, fps
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range samples {
		if _, err := stmt.Exec(db.runID, s.Stage, at.UTC(), s.State, s.Frames, s.Missed, s.Repeated, s.LatencyMs, s.FPS); err != nil {
			return fmt.Errorf("failed to record stage %s: %w", s.Stage, err)
		}
	}
	return tx.Commit()
}

// RecordLinkStats writes one link sample.
func (db *DB) RecordLinkStats(at time.Time, s LinkSample) error {
	if db.runID == "" {
		return ErrNoRun
	}
	_, err := db.Exec(`INSERT INTO link_stats (
			run_id, recorded_at, state, sent, short, failed, last_frame
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		db.runID, at.UTC(), s.State, s.Sent, s.Short, s.Failed, s.LastFrame,
	)
	return err
}

// RecentStageStats returns up to limit stage samples of the active run,
// oldest first.
func (db *DB) RecentStageStats(limit int) ([]monitoring.StagePoint, error) {
	rows, err := db.Query(`SELECT stage, recorded_at, frames, missed, latency_ms, fps
		FROM stage_stats WHERE run_id = ? ORDER BY rowid DESC LIMIT ?`, db.runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []monitoring.StagePoint
	for rows.Next() {
		var p monitoring.StagePoint
		if err := rows.Scan(&p.Stage, &p.At, &p.Frames, &p.Missed, &p.LatencyMs, &p.FPS); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(points)
	return points, nil
}

// LatestLinkStats returns the newest link sample of the active run.
func (db *DB) LatestLinkStats() (LinkSample, time.Time, error) {
	var s LinkSample
	var at time.Time
	err := db.QueryRow(`SELECT recorded_at, state, sent, short, failed, last_frame
		FROM link_stats WHERE run_id = ? ORDER BY rowid DESC LIMIT 1`, db.runID).
		Scan(&at, &s.State, &s.Sent, &s.Short, &s.Failed, &s.LastFrame)
	return s, at, err
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Autopilot telemetry",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.serveBackup))
	debug.Handle("stages", "Stage throughput charts", monitoring.ChartHandler(db.RecentStageStats))
	return nil
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("autopilot-backup-%d.db", time.Now().UnixNano()))
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			monitoring.Logf("[db] failed to remove backup file: %v", err)
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
	w.Header().Set("Content-Type", "application/gzip")

	gzipWriter := gzip.NewWriter(w)
	defer gzipWriter.Close()
	if _, err := io.Copy(gzipWriter, backupFile); err != nil {
		monitoring.Logf("[db] backup copy failed: %v", err)
	}
}
