package storage

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/mercury-rss/agentcore/internal/runtime"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "agentcore.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func baseRun(entryID int64, kind runtime.TaskKind) TaskRun {
	return TaskRun{EntryID: entryID, TaskType: kind, TargetLanguage: "fr"}
}

func TestResultStore_TranslationCheckpointLifecycle(t *testing.T) {
	db := newTestDB(t)
	store := NewResultStore(db, 0)

	slot := TranslationSlot{EntryID: 10, TargetLanguage: "fr", SourceContentHash: "h1", SegmenterVersion: "v1"}
	runID, err := store.StartCheckpointRun(baseRun(10, runtime.KindTranslation), slot, "fr", 1000)
	if err != nil {
		t.Fatalf("StartCheckpointRun: %v", err)
	}

	seg0 := TranslationSegment{SourceSegmentID: "s0", OrderIndex: 0, TranslatedText: "bonjour"}
	if err := store.PersistSegmentCheckpoint(runID, seg0, 1001); err != nil {
		t.Fatalf("PersistSegmentCheckpoint s0: %v", err)
	}
	seg1 := TranslationSegment{SourceSegmentID: "s1", OrderIndex: 1, TranslatedText: "monde"}
	if err := store.PersistSegmentCheckpoint(runID, seg1, 1002); err != nil {
		t.Fatalf("PersistSegmentCheckpoint s1: %v", err)
	}

	if err := store.PersistSuccessfulResult(runID, slot, []TranslationSegment{seg0, seg1}, RunSucceeded, 500, 1003); err != nil {
		t.Fatalf("PersistSuccessfulResult: %v", err)
	}

	var runStatus, resultStatus string
	var segCount int
	if err := db.Read(func(tx *sql.Tx) error {
		if err := tx.QueryRow(`SELECT status FROM agent_task_run WHERE id=?`, runID).Scan(&runStatus); err != nil {
			return err
		}
		if err := tx.QueryRow(`SELECT run_status FROM translation_result WHERE task_run_id=?`, runID).Scan(&resultStatus); err != nil {
			return err
		}
		return tx.QueryRow(`SELECT COUNT(*) FROM translation_segment WHERE task_run_id=?`, runID).Scan(&segCount)
	}); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if runStatus != string(RunSucceeded) {
		t.Errorf("run status = %q, want succeeded", runStatus)
	}
	if resultStatus != string(RunSucceeded) {
		t.Errorf("result run_status = %q, want succeeded", resultStatus)
	}
	if segCount != 2 {
		t.Errorf("segment count = %d, want 2", segCount)
	}

	// Writing a checkpoint after promotion must be rejected (I7/terminal).
	if err := store.PersistSegmentCheckpoint(runID, seg0, 1004); err != ErrNotRunning {
		t.Errorf("expected ErrNotRunning after promotion, got %v", err)
	}
}

func TestResultStore_SlotUniqueness(t *testing.T) {
	db := newTestDB(t)
	store := NewResultStore(db, 0)
	slot := SummarySlot{EntryID: 20, TargetLanguage: "en", DetailLevel: "medium"}

	if _, err := store.PersistSummaryResult(baseRun(20, runtime.KindSummary), slot, "en", "first pass", 100, 1000); err != nil {
		t.Fatalf("first PersistSummaryResult: %v", err)
	}
	if _, err := store.PersistSummaryResult(baseRun(20, runtime.KindSummary), slot, "en", "second pass", 120, 2000); err != nil {
		t.Fatalf("second PersistSummaryResult: %v", err)
	}

	var count int
	var text string
	if err := db.Read(func(tx *sql.Tx) error {
		if err := tx.QueryRow(`SELECT COUNT(*) FROM summary_result WHERE entry_id=? AND target_language=? AND detail_level=?`,
			slot.EntryID, slot.TargetLanguage, slot.DetailLevel).Scan(&count); err != nil {
			return err
		}
		return tx.QueryRow(`SELECT text FROM summary_result WHERE entry_id=? AND target_language=? AND detail_level=?`,
			slot.EntryID, slot.TargetLanguage, slot.DetailLevel).Scan(&text)
	}); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if count != 1 {
		t.Errorf("slot row count = %d, want 1 (P4 slot uniqueness)", count)
	}
	if text != "second pass" {
		t.Errorf("text = %q, want %q (latest write wins)", text, "second pass")
	}
}

func TestResultStore_CapEviction(t *testing.T) {
	db := newTestDB(t)
	store := NewResultStore(db, 3)

	for i := int64(0); i < 5; i++ {
		slot := SummarySlot{EntryID: i, TargetLanguage: "en", DetailLevel: "short"}
		if _, err := store.PersistSummaryResult(baseRun(i, runtime.KindSummary), slot, "en", "text", 10, 1000+i); err != nil {
			t.Fatalf("PersistSummaryResult %d: %v", i, err)
		}
	}

	var count int
	if err := db.Read(func(tx *sql.Tx) error {
		return tx.QueryRow(`SELECT COUNT(*) FROM summary_result`).Scan(&count)
	}); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if count != 3 {
		t.Errorf("row count after eviction = %d, want 3", count)
	}

	// The two oldest (entry 0, 1) should be gone; the newest three remain.
	for _, entryID := range []int64{0, 1} {
		var n int
		if err := db.Read(func(tx *sql.Tx) error {
			return tx.QueryRow(`SELECT COUNT(*) FROM summary_result WHERE entry_id=?`, entryID).Scan(&n)
		}); err != nil {
			t.Fatalf("Read: %v", err)
		}
		if n != 0 {
			t.Errorf("evicted entry %d still present", entryID)
		}
	}
}

func TestUsageStore_LinkWithinWindow(t *testing.T) {
	db := newTestDB(t)
	results := NewResultStore(db, 0)
	usage := NewUsageStore(db)

	runID, err := results.PersistSummaryResult(baseRun(30, runtime.KindSummary),
		SummarySlot{EntryID: 30, TargetLanguage: "en", DetailLevel: "medium"}, "en", "text", 200, 5000)
	if err != nil {
		t.Fatalf("PersistSummaryResult: %v", err)
	}

	prompt, completion := 120, 45
	inWindow := UsageEvent{
		EntryID: 30, TaskType: runtime.KindSummary, ModelNameSnapshot: "claude-sonnet-4-6",
		RequestPhase: "complete", RequestStatus: RunSucceeded,
		PromptTokens: &prompt, CompletionTokens: &completion,
		UsageAvailability: UsageActual, StartedAt: 4500, FinishedAt: 4900, CreatedAt: 4900,
	}
	outOfWindow := inWindow
	outOfWindow.CreatedAt = 10000

	if _, err := usage.RecordUsageEvent(inWindow); err != nil {
		t.Fatalf("RecordUsageEvent inWindow: %v", err)
	}
	if _, err := usage.RecordUsageEvent(outOfWindow); err != nil {
		t.Fatalf("RecordUsageEvent outOfWindow: %v", err)
	}

	if err := usage.LinkUsageEvents(runID, 30, string(runtime.KindSummary), 4800, 5000); err != nil {
		t.Fatalf("LinkUsageEvents: %v", err)
	}

	var linked, unlinked int
	if err := db.Read(func(tx *sql.Tx) error {
		if err := tx.QueryRow(`SELECT COUNT(*) FROM llm_usage_event WHERE task_run_id=?`, runID).Scan(&linked); err != nil {
			return err
		}
		return tx.QueryRow(`SELECT COUNT(*) FROM llm_usage_event WHERE task_run_id IS NULL`).Scan(&unlinked)
	}); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if linked != 1 {
		t.Errorf("linked count = %d, want 1 (P5 usage linking)", linked)
	}
	if unlinked != 1 {
		t.Errorf("unlinked count = %d, want 1 (out-of-window event must stay unlinked)", unlinked)
	}
}

func TestResultStore_DiscardRunningCheckpoint(t *testing.T) {
	db := newTestDB(t)
	store := NewResultStore(db, 0)
	slot := TranslationSlot{EntryID: 40, TargetLanguage: "de", SourceContentHash: "h2", SegmenterVersion: "v1"}

	runID, err := store.StartCheckpointRun(baseRun(40, runtime.KindTranslation), slot, "de", 1000)
	if err != nil {
		t.Fatalf("StartCheckpointRun: %v", err)
	}
	if err := store.DiscardRunningCheckpoint(runID); err != nil {
		t.Fatalf("DiscardRunningCheckpoint: %v", err)
	}

	var count int
	if err := db.Read(func(tx *sql.Tx) error {
		return tx.QueryRow(`SELECT COUNT(*) FROM agent_task_run WHERE id=?`, runID).Scan(&count)
	}); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if count != 0 {
		t.Errorf("discarded run still present")
	}
}
