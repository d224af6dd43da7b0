package eventlog_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"gofer/pkg/eventlog"
	"gofer/pkg/protocol"

	_ "modernc.org/sqlite"
)

// setupTestDB creates a test database with some sample events
func setupTestDB(t *testing.T) (*sql.DB, string) {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}

	// Initialize schema
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	// Insert sample events
	events := []struct {
		evType   string
		source   string
		taskID   string
		runnerID string
		payload  string
	}{
		{"heartbeat", "runner-1", "", "runner-1", ""},
		{"offer", "matcher", "task-abc", "runner-1", `{"expires_in":"60s"}`},
		{"accept", "runner-1", "task-abc", "runner-1", ""},
		{"heartbeat", "runner-2", "", "runner-2", ""},
		{"complete", "runner-1", "task-abc", "runner-1", ""},
	}

	for _, e := range events {
		_, err := db.Exec(
			`INSERT INTO events (type, source, task_id, runner_id, payload) VALUES (?, ?, ?, ?, ?)`,
			e.evType, e.source, e.taskID, e.runnerID, e.payload,
		)
		if err != nil {
			t.Fatalf("failed to insert test event: %v", err)
		}
		// Small delay to ensure different timestamps
		time.Sleep(1 * time.Millisecond)
	}

	return db, dbPath
}

func TestNewReader_Success(t *testing.T) {
	db, dbPath := setupTestDB(t)
	defer db.Close()

	reader, err := eventlog.NewReader(dbPath)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()
}

func TestNewReader_MissingDB(t *testing.T) {
	reader, err := eventlog.NewReader("/nonexistent/path.db")
	if err == nil {
		t.Fatal("expected error for missing database")
	}
	if reader != nil {
		reader.Close()
		t.Fatal("expected nil reader for missing database")
	}
}

func TestQuery_ByRunner(t *testing.T) {
	db, dbPath := setupTestDB(t)
	defer db.Close()

	reader, err := eventlog.NewReader(dbPath)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()

	ctx := context.Background()
	events, err := reader.Query(ctx, eventlog.QueryOpts{
		RunnerID: "runner-1",
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	if len(events) != 4 {
		t.Errorf("expected 4 events for runner-1, got %d", len(events))
	}

	// Newest first
	if len(events) > 0 {
		e := events[0]
		if e.Type != "complete" {
			t.Errorf("expected newest event type=complete, got %s", e.Type)
		}
		if e.RunnerID != "runner-1" {
			t.Errorf("expected runner_id=runner-1, got %s", e.RunnerID)
		}
	}
}

func TestQuery_ByTask(t *testing.T) {
	db, dbPath := setupTestDB(t)
	defer db.Close()

	reader, err := eventlog.NewReader(dbPath)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()

	ctx := context.Background()
	events, err := reader.Query(ctx, eventlog.QueryOpts{
		TaskID: "task-abc",
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	if len(events) != 3 {
		t.Errorf("expected 3 events for task-abc, got %d", len(events))
	}
}

func TestQuery_FilterByEventType(t *testing.T) {
	db, dbPath := setupTestDB(t)
	defer db.Close()

	reader, err := eventlog.NewReader(dbPath)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()

	ctx := context.Background()
	events, err := reader.Query(ctx, eventlog.QueryOpts{
		RunnerID:  "runner-1",
		EventType: "heartbeat",
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	if len(events) != 1 {
		t.Errorf("expected 1 heartbeat event for runner-1, got %d", len(events))
	}

	if len(events) > 0 && events[0].Type != "heartbeat" {
		t.Errorf("expected event type=heartbeat, got %s", events[0].Type)
	}
}

func TestQuery_TimeRange(t *testing.T) {
	db, dbPath := setupTestDB(t)
	defer db.Close()

	reader, err := eventlog.NewReader(dbPath)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()

	ctx := context.Background()

	// Everything was inserted within the last minute.
	now := time.Now()
	afterTime := now.Add(-1 * time.Minute)

	events, err := reader.Query(ctx, eventlog.QueryOpts{
		RunnerID: "runner-1",
		After:    &afterTime,
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	if len(events) != 4 {
		t.Errorf("expected 4 recent events, got %d", len(events))
	}

	// Nothing is an hour old.
	pastTime := now.Add(-1 * time.Hour)
	events, err = reader.Query(ctx, eventlog.QueryOpts{
		RunnerID: "runner-1",
		Before:   &pastTime,
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	if len(events) != 0 {
		t.Errorf("expected 0 old events, got %d", len(events))
	}
}

func TestQuery_Limit(t *testing.T) {
	db, dbPath := setupTestDB(t)
	defer db.Close()

	reader, err := eventlog.NewReader(dbPath)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()

	ctx := context.Background()
	events, err := reader.Query(ctx, eventlog.QueryOpts{Limit: 2})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	if len(events) != 2 {
		t.Errorf("expected 2 events with limit, got %d", len(events))
	}
}

func TestQuery_EmptyResult(t *testing.T) {
	db, dbPath := setupTestDB(t)
	defer db.Close()

	reader, err := eventlog.NewReader(dbPath)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()

	ctx := context.Background()
	events, err := reader.Query(ctx, eventlog.QueryOpts{
		RunnerID: "nonexistent-runner",
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	if len(events) != 0 {
		t.Errorf("expected 0 events for nonexistent runner, got %d", len(events))
	}
}

func TestClose_MultipleCalls(t *testing.T) {
	db, dbPath := setupTestDB(t)
	defer db.Close()

	reader, err := eventlog.NewReader(dbPath)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}

	if err := reader.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}

	// Second close should be safe (no panic)
	if err := reader.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}
