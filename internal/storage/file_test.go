package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	logx "tickd/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "tickd.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st == nil {
		t.Fatal("Open returned a nil store for the file driver")
	}
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", "  none  "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q) = store, want nil", driver)
		}
	}
	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestRecentRunsNewestFirst(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, t.TempDir())
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		err := st.AppendRun(ctx, RunRecord{
			RunID:      fmt.Sprintf("run-%d", i),
			TaskID:     "refresh",
			TaskName:   "Cache refresh",
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + 2*time.Second),
			TookMS:     2000,
			Reason:     "ok",
		})
		if err != nil {
			t.Fatalf("AppendRun %d: %v", i, err)
		}
	}

	runs, err := st.RecentRuns(ctx, "refresh", 3)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("len = %d, want 3", len(runs))
	}
	for i, want := range []string{"run-4", "run-3", "run-2"} {
		if runs[i].RunID != want {
			t.Fatalf("runs[%d] = %s, want %s", i, runs[i].RunID, want)
		}
	}

	if runs, _ := st.RecentRuns(ctx, "other-task", 10); len(runs) != 0 {
		t.Fatalf("unexpected runs for unknown task: %d", len(runs))
	}
}

func TestRunsSurviveReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)
	err := st.AppendRun(ctx, RunRecord{
		RunID:     "run-1",
		TaskID:    "health",
		StartedAt: time.Now(),
		Reason:    "error",
		Error:     "redis unreachable",
	})
	if err != nil {
		t.Fatalf("AppendRun: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st = openTestStore(t, dir)
	t.Cleanup(func() { _ = st.Close() })
	runs, err := st.RecentRuns(ctx, "health", 10)
	if err != nil {
		t.Fatalf("RecentRuns after reopen: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "run-1" || runs[0].Error != "redis unreachable" {
		t.Fatalf("replayed runs = %+v", runs)
	}
}

func TestRecentRunsTailIsBounded(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, t.TempDir())
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	for i := 0; i < keepPerTask+10; i++ {
		err := st.AppendRun(ctx, RunRecord{
			RunID:     fmt.Sprintf("run-%03d", i),
			TaskID:    "busy",
			StartedAt: time.Now().Add(time.Duration(i) * time.Second),
			Reason:    "ok",
		})
		if err != nil {
			t.Fatalf("AppendRun %d: %v", i, err)
		}
	}

	runs, err := st.RecentRuns(ctx, "busy", keepPerTask*2)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != keepPerTask {
		t.Fatalf("tail len = %d, want %d", len(runs), keepPerTask)
	}
	if runs[0].RunID != fmt.Sprintf("run-%03d", keepPerTask+9) {
		t.Fatalf("newest = %s", runs[0].RunID)
	}
}

func TestDedupRoundTripAndExpiry(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)
	if err := st.PutDedup(ctx, "alert:refresh", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	if err := st.PutDedup(ctx, "alert:stale", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}

	until, ok, err := st.GetDedup(ctx, "alert:refresh")
	if err != nil || !ok {
		t.Fatalf("GetDedup = %v/%v", ok, err)
	}
	if !until.After(time.Now()) {
		t.Fatalf("until = %v, want future", until)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Expired keys are pruned during replay; live keys survive.
	st = openTestStore(t, dir)
	t.Cleanup(func() { _ = st.Close() })
	if _, ok, _ := st.GetDedup(ctx, "alert:refresh"); !ok {
		t.Fatal("live dedup key lost across reopen")
	}
	if _, ok, _ := st.GetDedup(ctx, "alert:stale"); ok {
		t.Fatal("expired dedup key survived reopen")
	}
}
