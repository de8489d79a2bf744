package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotRunning is returned when a checkpoint write targets a run or result
// row that is no longer in the running state.
var ErrNotRunning = errors.New("storage: run is not in the running state")

// DefaultResultCap is the cap-eviction ceiling when config leaves it unset.
const DefaultResultCap = 2000

// ResultStore implements the slot-keyed persistence and checkpoint lifecycle
// for both result families over a shared DB.
type ResultStore struct {
	db       *DB
	resultCap int
}

// NewResultStore wraps db with the given eviction cap (<=0 uses DefaultResultCap).
func NewResultStore(db *DB, resultCap int) *ResultStore {
	if resultCap <= 0 {
		resultCap = DefaultResultCap
	}
	return &ResultStore{db: db, resultCap: resultCap}
}

// StartCheckpointRun inserts a TaskRun{status=running} and a running
// translation_result row atomically, the entry point for a checkpointed
// translation run.
func (s *ResultStore) StartCheckpointRun(run TaskRun, slot TranslationSlot, outputLanguage string, now int64) (string, error) {
	runID := "run_" + uuid.New().String()
	run.ID = runID
	run.Status = RunRunning
	run.CreatedAt, run.UpdatedAt = now, now

	err := s.db.Write(func(tx *sql.Tx) error {
		if err := insertTaskRun(tx, run); err != nil {
			return err
		}
		_, err := tx.Exec(`
			INSERT INTO translation_result
				(task_run_id, entry_id, target_language, source_content_hash, segmenter_version, output_language, run_status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, slot.EntryID, slot.TargetLanguage, slot.SourceContentHash, slot.SegmenterVersion, outputLanguage, RunRunning, now, now)
		if err != nil {
			return fmt.Errorf("storage: start checkpoint run: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return runID, nil
}

// PersistSegmentCheckpoint inserts or updates one translation_segment row,
// rejecting the write if either the run or its result row is not running.
func (s *ResultStore) PersistSegmentCheckpoint(runID string, seg TranslationSegment, now int64) error {
	return s.db.Write(func(tx *sql.Tx) error {
		running, err := isRunning(tx, runID)
		if err != nil {
			return err
		}
		if !running {
			return ErrNotRunning
		}
		_, err = tx.Exec(`
			INSERT INTO translation_segment
				(task_run_id, source_segment_id, order_index, source_text_snapshot, translated_text, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_run_id, source_segment_id) DO UPDATE SET
				order_index=excluded.order_index,
				source_text_snapshot=excluded.source_text_snapshot,
				translated_text=excluded.translated_text,
				updated_at=excluded.updated_at`,
			runID, seg.SourceSegmentID, seg.OrderIndex, seg.SourceTextSnapshot, seg.TranslatedText, now, now)
		if err != nil {
			return fmt.Errorf("storage: persist segment checkpoint: %w", err)
		}
		_, err = tx.Exec(`UPDATE agent_task_run SET updated_at=? WHERE id=?`, now, runID)
		return err
	})
}

// DiscardRunningCheckpoint removes a run's TaskRun and result rows. Used
// when a checkpointed run is abandoned before any successful persist.
func (s *ResultStore) DiscardRunningCheckpoint(runID string) error {
	return s.db.Write(func(tx *sql.Tx) error {
		running, err := isRunning(tx, runID)
		if err != nil {
			return err
		}
		if !running {
			return ErrNotRunning
		}
		_, err = tx.Exec(`DELETE FROM agent_task_run WHERE id=?`, runID) // cascades to result + segments
		if err != nil {
			return fmt.Errorf("storage: discard checkpoint: %w", err)
		}
		return nil
	})
}

// PersistSuccessfulResult promotes a running translation run's result row to
// succeeded, deletes every prior row for the same slot, and replaces its
// segment set, all within one transaction.
// taskRunStatus is recorded on agent_task_run separately from the result's
// run_status: a partial-cancel persist still promotes the result
// to succeeded (the partial set is a valid, available result) while the
// parent run is recorded as cancelled or timedOut.
func (s *ResultStore) PersistSuccessfulResult(runID string, slot TranslationSlot, segments []TranslationSegment, taskRunStatus RunStatus, durationMs int64, now int64) error {
	err := s.db.Write(func(tx *sql.Tx) error {
		if err := deletePriorSlotRows(tx, "translation_result",
			"entry_id=? AND target_language=? AND source_content_hash=? AND segmenter_version=? AND task_run_id<>?",
			slot.EntryID, slot.TargetLanguage, slot.SourceContentHash, slot.SegmenterVersion, runID); err != nil {
			return err
		}

		if _, err := tx.Exec(`UPDATE translation_result SET run_status=?, updated_at=? WHERE task_run_id=?`,
			RunSucceeded, now, runID); err != nil {
			return fmt.Errorf("storage: promote translation result: %w", err)
		}
		if _, err := tx.Exec(`UPDATE agent_task_run SET status=?, duration_ms=?, updated_at=? WHERE id=?`,
			taskRunStatus, durationMs, now, runID); err != nil {
			return fmt.Errorf("storage: promote task run: %w", err)
		}

		if _, err := tx.Exec(`DELETE FROM translation_segment WHERE task_run_id=?`, runID); err != nil {
			return fmt.Errorf("storage: clear prior segments: %w", err)
		}
		for _, seg := range segments {
			if _, err := tx.Exec(`
				INSERT INTO translation_segment
					(task_run_id, source_segment_id, order_index, source_text_snapshot, translated_text, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				runID, seg.SourceSegmentID, seg.OrderIndex, seg.SourceTextSnapshot, seg.TranslatedText, now, now); err != nil {
				return fmt.Errorf("storage: insert final segment: %w", err)
			}
		}
		return evictOverCap(tx, "translation_result", s.resultCap)
	})
	return err
}

// PersistSummaryResult is the single-shot analog for the Summary Executor:
// it has no running checkpoint phase, just insert-run + insert-result +
// evict, all atomic, replacing any prior row for the same slot.
func (s *ResultStore) PersistSummaryResult(run TaskRun, slot SummarySlot, outputLanguage, text string, durationMs, now int64) (string, error) {
	runID := "run_" + uuid.New().String()
	run.ID = runID
	run.Status = RunSucceeded
	run.CreatedAt, run.UpdatedAt = now, now
	run.DurationMs = &durationMs

	err := s.db.Write(func(tx *sql.Tx) error {
		if err := deletePriorSlotRows(tx, "summary_result",
			"entry_id=? AND target_language=? AND detail_level=?",
			slot.EntryID, slot.TargetLanguage, slot.DetailLevel); err != nil {
			return err
		}
		if err := insertTaskRun(tx, run); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO summary_result
				(task_run_id, entry_id, target_language, detail_level, output_language, text, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, slot.EntryID, slot.TargetLanguage, slot.DetailLevel, outputLanguage, text, now, now); err != nil {
			return fmt.Errorf("storage: insert summary result: %w", err)
		}
		return evictOverCap(tx, "summary_result", s.resultCap)
	})
	if err != nil {
		return "", err
	}
	return runID, nil
}

// MarkRunTerminal updates a run's terminal status and snapshot without
// touching its result row. Neither executor calls it: the translation
// executor records terminal status through PersistSuccessfulResult or
// removes the run with DiscardRunningCheckpoint, and the summary executor
// writes a run row only on success.
func (s *ResultStore) MarkRunTerminal(runID string, status RunStatus, snapshotJSON string, durationMs, now int64) error {
	return s.db.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE agent_task_run
			SET status=?, runtime_parameter_snapshot=?, duration_ms=?, updated_at=?
			WHERE id=?`, status, snapshotJSON, durationMs, now, runID)
		if err != nil {
			return fmt.Errorf("storage: mark run terminal: %w", err)
		}
		return nil
	})
}

// GetSummaryResult reads the persisted summary row for a slot, if any. A
// nil result with a nil error means no row exists yet, the Start Policy's
// "has_persisted" check treats that as false.
func (s *ResultStore) GetSummaryResult(slot SummarySlot) (*SummaryResult, error) {
	var res SummaryResult
	found := false
	err := s.db.Read(func(tx *sql.Tx) error {
		row := tx.QueryRow(`
			SELECT task_run_id, output_language, text, created_at, updated_at
			FROM summary_result WHERE entry_id=? AND target_language=? AND detail_level=?`,
			slot.EntryID, slot.TargetLanguage, slot.DetailLevel)
		err := row.Scan(&res.TaskRunID, &res.OutputLanguage, &res.Text, &res.CreatedAt, &res.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("storage: read summary result: %w", err)
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	res.Slot = slot
	return &res, nil
}

// GetTranslationResult reads the persisted translation row and its segments
// for a slot, if any. Only succeeded rows are ever read back through this
// path, a running checkpoint is an implementation detail of the executor,
// not a result the UI can offer.
func (s *ResultStore) GetTranslationResult(slot TranslationSlot) (*TranslationResult, []TranslationSegment, error) {
	var res TranslationResult
	found := false
	err := s.db.Read(func(tx *sql.Tx) error {
		row := tx.QueryRow(`
			SELECT task_run_id, output_language, run_status, created_at, updated_at
			FROM translation_result
			WHERE entry_id=? AND target_language=? AND source_content_hash=? AND segmenter_version=? AND run_status=?`,
			slot.EntryID, slot.TargetLanguage, slot.SourceContentHash, slot.SegmenterVersion, RunSucceeded)
		err := row.Scan(&res.TaskRunID, &res.OutputLanguage, &res.RunStatus, &res.CreatedAt, &res.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("storage: read translation result: %w", err)
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, nil
	}
	res.Slot = slot

	var segments []TranslationSegment
	err = s.db.Read(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT source_segment_id, order_index, source_text_snapshot, translated_text, created_at, updated_at
			FROM translation_segment WHERE task_run_id=? ORDER BY order_index ASC`, res.TaskRunID)
		if err != nil {
			return fmt.Errorf("storage: read translation segments: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var seg TranslationSegment
			if err := rows.Scan(&seg.SourceSegmentID, &seg.OrderIndex, &seg.SourceTextSnapshot, &seg.TranslatedText, &seg.CreatedAt, &seg.UpdatedAt); err != nil {
				return fmt.Errorf("storage: scan translation segment: %w", err)
			}
			seg.TaskRunID = res.TaskRunID
			segments = append(segments, seg)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, nil, err
	}
	return &res, segments, nil
}

func insertTaskRun(tx *sql.Tx, r TaskRun) error {
	_, err := tx.Exec(`
		INSERT INTO agent_task_run
			(id, entry_id, task_type, status, agent_profile_id, provider_profile_id, model_profile_id,
			 prompt_version, target_language, template_id, template_version, runtime_parameter_snapshot,
			 duration_ms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.EntryID, string(r.TaskType), r.Status, nullable(r.AgentProfileID), nullable(r.ProviderProfileID),
		nullable(r.ModelProfileID), nullable(r.PromptVersion), nullable(r.TargetLanguage), nullable(r.TemplateID),
		nullable(r.TemplateVersion), nullable(r.RuntimeParameterSnapshot), r.DurationMs, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: insert task run: %w", err)
	}
	return nil
}

// isRunning reports whether both the TaskRun row and (if present) its
// translation_result row are status=running.
func isRunning(tx *sql.Tx, runID string) (bool, error) {
	var runStatus string
	err := tx.QueryRow(`SELECT status FROM agent_task_run WHERE id=?`, runID).Scan(&runStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: read run status: %w", err)
	}
	if runStatus != string(RunRunning) {
		return false, nil
	}

	var resultStatus string
	err = tx.QueryRow(`SELECT run_status FROM translation_result WHERE task_run_id=?`, runID).Scan(&resultStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil // summary runs have no translation_result row
	}
	if err != nil {
		return false, fmt.Errorf("storage: read result status: %w", err)
	}
	return resultStatus == string(RunRunning), nil
}

func deletePriorSlotRows(tx *sql.Tx, table, where string, args ...any) error {
	rows, err := tx.Query(`SELECT task_run_id FROM `+table+` WHERE `+where, args...)
	if err != nil {
		return fmt.Errorf("storage: find prior slot rows: %w", err)
	}
	var priorIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("storage: scan prior slot row: %w", err)
		}
		priorIDs = append(priorIDs, id)
	}
	rows.Close()

	for _, id := range priorIDs {
		if _, err := tx.Exec(`DELETE FROM agent_task_run WHERE id=?`, id); err != nil {
			return fmt.Errorf("storage: delete prior slot row: %w", err)
		}
	}
	return nil
}

// evictOverCap deletes the oldest result rows in table, by (updated_at,
// created_at) ascending, until at most cap rows remain. Cascades to
// segments via the foreign key.
func evictOverCap(tx *sql.Tx, table string, limit int) error {
	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&count); err != nil {
		return fmt.Errorf("storage: count %s: %w", table, err)
	}
	if count <= limit {
		return nil
	}
	excess := count - limit
	_, err := tx.Exec(`
		DELETE FROM agent_task_run WHERE id IN (
			SELECT task_run_id FROM `+table+`
			ORDER BY updated_at ASC, created_at ASC
			LIMIT ?
		)`, excess)
	if err != nil {
		return fmt.Errorf("storage: evict %s: %w", table, err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
