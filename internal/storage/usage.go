package storage

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// LinkWindowSeconds is the tolerance around a run's [started_at, finished_at]
// window used to attribute usage events recorded without a task_run_id.
// Events that fall inside the windows of two runs for the same entry+kind
// link to whichever run's linking pass commits first, since each pass only
// claims still-unlinked events: ties are broken by write order, not event
// timestamp.
const LinkWindowSeconds = 1

// UsageStore records and links llm_usage_event rows.
type UsageStore struct {
	db *DB
}

// NewUsageStore wraps db for usage-event telemetry.
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

// RecordUsageEvent inserts one usage event, independent of any run commit:
// individual provider requests commit their own telemetry for robustness
// even if the owning run later fails to persist a result.
func (s *UsageStore) RecordUsageEvent(e UsageEvent) (string, error) {
	id := "usage_" + uuid.New().String()
	e.ID = id

	err := s.db.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO llm_usage_event
				(id, task_run_id, entry_id, task_type, provider_profile_id, model_profile_id,
				 provider_base_url_snapshot, provider_resolved_url_snapshot, provider_resolved_host_snapshot,
				 provider_resolved_path_snapshot, provider_name_snapshot, model_name_snapshot,
				 request_phase, request_status, prompt_tokens, completion_tokens, total_tokens,
				 usage_availability, started_at, finished_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, nullableRunID(e.TaskRunID), e.EntryID, string(e.TaskType), nullable(e.ProviderProfileID),
			nullable(e.ModelProfileID), e.ProviderBaseURLSnapshot, nullable(e.ProviderResolvedURLSnapshot),
			nullable(e.ProviderResolvedHostSnapshot), nullable(e.ProviderResolvedPathSnapshot),
			nullable(e.ProviderNameSnapshot), e.ModelNameSnapshot, e.RequestPhase, string(e.RequestStatus),
			e.PromptTokens, e.CompletionTokens, e.TotalTokens, string(e.UsageAvailability),
			e.StartedAt, e.FinishedAt, e.CreatedAt)
		if err != nil {
			return fmt.Errorf("storage: record usage event: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// LinkUsageEvents attaches runID to every still-unlinked usage event
// matching (entryID, taskType) whose created_at falls within
// [startedAt-window, finishedAt+window].
func (s *UsageStore) LinkUsageEvents(runID string, entryID int64, taskType string, startedAt, finishedAt int64) error {
	lo := startedAt - LinkWindowSeconds
	hi := finishedAt + LinkWindowSeconds
	return s.db.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE llm_usage_event
			SET task_run_id=?
			WHERE task_run_id IS NULL
			  AND entry_id=? AND task_type=?
			  AND created_at >= ? AND created_at <= ?`,
			runID, entryID, taskType, lo, hi)
		if err != nil {
			return fmt.Errorf("storage: link usage events: %w", err)
		}
		return nil
	})
}

func nullableRunID(id string) any {
	if id == "" {
		return nil
	}
	return id
}
