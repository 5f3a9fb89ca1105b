package db

import (
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/autopilot/internal/testutil"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB_MigratesToLatest(t *testing.T) {
	db := setupTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	latest, err := LatestMigrationVersion()
	require.NoError(t, err)

	assert.Equal(t, latest, version)
	assert.False(t, dirty)

	for _, table := range []string{"runs", "stage_stats", "link_stats"} {
		var n int
		err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "table %s", table)
	}

	// reopening an up-to-date database is a no-op
	require.NoError(t, db.MigrateUp())
}

func TestMigrateDown(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.MigrateDown())

	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name='stage_stats'`).Scan(&n))
	assert.Zero(t, n)
}

func TestStartRun(t *testing.T) {
	db := setupTestDB(t)

	id, err := db.StartRun("", "v1", `{"bus":{}}`)
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	assert.NoError(t, err)
	assert.Equal(t, id, db.RunID())

	fixed := uuid.NewString()
	got, err := db.StartRun(fixed, "v1", "")
	require.NoError(t, err)
	assert.Equal(t, fixed, got)

	_, err = db.StartRun("not-a-uuid", "", "")
	assert.Error(t, err)

	require.NoError(t, db.EndRun())
	var ended bool
	require.NoError(t, db.QueryRow(`SELECT ended_at IS NOT NULL FROM runs WHERE run_id = ?`, fixed).Scan(&ended))
	assert.True(t, ended)
}

func TestRecord_RequiresRun(t *testing.T) {
	db := setupTestDB(t)
	assert.ErrorIs(t, db.RecordStageStats(time.Now(), []StageSample{{Stage: "lane"}}), ErrNoRun)
	assert.ErrorIs(t, db.RecordLinkStats(time.Now(), LinkSample{}), ErrNoRun)
	assert.ErrorIs(t, db.EndRun(), ErrNoRun)
}

func TestRecentStageStats(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.StartRun("", "test", "")
	require.NoError(t, err)

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := 0; i < 5; i++ {
		err := db.RecordStageStats(base.Add(time.Duration(i)*time.Second), []StageSample{
			{Stage: "lane", State: "running", Frames: int64(10 * i), Missed: int64(i), LatencyMs: 30, FPS: 25},
			{Stage: "cars", State: "running", Frames: int64(2 * i), LatencyMs: 200, FPS: 5},
		})
		require.NoError(t, err)
	}
	require.NoError(t, db.RecordStageStats(base, nil))

	points, err := db.RecentStageStats(4)
	require.NoError(t, err)
	require.Len(t, points, 4)

	// newest four rows, oldest first
	assert.Equal(t, "lane", points[0].Stage)
	assert.Equal(t, int64(30), points[0].Frames)
	assert.Equal(t, "cars", points[3].Stage)
	assert.Equal(t, int64(8), points[3].Frames)
	assert.True(t, points[3].At.Equal(base.Add(4*time.Second)), "At = %v", points[3].At)
	assert.InDelta(t, 200, points[3].LatencyMs, 1e-9)
}

func TestLatestLinkStats(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.StartRun("", "test", "")
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, db.RecordLinkStats(now, LinkSample{State: "sending", Sent: 1}))
	require.NoError(t, db.RecordLinkStats(now.Add(time.Second), LinkSample{State: "sending", Sent: 20, Short: 1, LastFrame: "a10000b23200"}))

	got, _, err := db.LatestLinkStats()
	require.NoError(t, err)
	assert.Equal(t, LinkSample{State: "sending", Sent: 20, Short: 1, LastFrame: "a10000b23200"}, got)
}

func TestRecorder_FlushesOnCancel(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.StartRun("", "test", "")
	require.NoError(t, err)

	r := &Recorder{
		DB:       db,
		Interval: time.Hour,
		Stages:   func() []StageSample { return []StageSample{{Stage: "frame", Frames: 7}} },
		Link:     func() LinkSample { return LinkSample{State: "closed", Sent: 3} },
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))

	points, err := db.RecentStageStats(10)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, int64(7), points[0].Frames)

	link, _, err := db.LatestLinkStats()
	require.NoError(t, err)
	assert.Equal(t, int64(3), link.Sent)
}

func TestRecorder_TicksWhileRunning(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.StartRun("", "test", "")
	require.NoError(t, err)

	var calls atomic.Int64
	r := &Recorder{
		DB:       db,
		Interval: 5 * time.Millisecond,
		Stages: func() []StageSample {
			calls.Add(1)
			return []StageSample{{Stage: "lane"}}
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestRecorder_LogsWithoutRun(t *testing.T) {
	db := setupTestDB(t)
	r := &Recorder{DB: db, Link: func() LinkSample { return LinkSample{} }}
	// no run started: Flush must not panic or record anything
	r.Flush(time.Now())
	_, _, err := db.LatestLinkStats()
	assert.True(t, errors.Is(err, sql.ErrNoRows), "err = %v", err)
}

func TestAttachAdminRoutes(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.StartRun("", "test", "")
	require.NoError(t, err)
	require.NoError(t, db.RecordStageStats(time.Now(), []StageSample{{Stage: "lane", LatencyMs: 12, FPS: 30}}))

	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	t.Run("stages chart", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, testutil.LocalRequest(http.MethodGet, "/debug/stages", nil))
		testutil.AssertStatusCode(t, w.Code, http.StatusOK)
		assert.Contains(t, w.Body.String(), "lane")
	})

	t.Run("backup", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, testutil.LocalRequest(http.MethodGet, "/debug/backup", nil))
		testutil.AssertStatusCode(t, w.Code, http.StatusOK)

		zr, err := gzip.NewReader(w.Body)
		require.NoError(t, err)
		data, err := io.ReadAll(zr)
		require.NoError(t, err)
		assert.Equal(t, "SQLite format 3\x00", string(data[:16]))
	})
}
