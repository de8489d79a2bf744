package storage

import "github.com/mercury-rss/agentcore/internal/runtime"

// RunStatus mirrors agent_task_run.status.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunTimedOut  RunStatus = "timedOut"
)

// TaskRun is the parent row every result family hangs off of.
type TaskRun struct {
	ID                       string
	EntryID                  int64
	TaskType                 runtime.TaskKind
	Status                   RunStatus
	AgentProfileID           string
	ProviderProfileID        string
	ModelProfileID           string
	PromptVersion            string
	TargetLanguage           string
	TemplateID               string
	TemplateVersion          string
	RuntimeParameterSnapshot string // JSON text
	DurationMs               *int64
	CreatedAt                int64
	UpdatedAt                int64
}

// SummarySlot identifies a summary_result row's durable slot.
type SummarySlot struct {
	EntryID        int64
	TargetLanguage string
	DetailLevel    string
}

// SummaryResult is one persisted summary row.
type SummaryResult struct {
	TaskRunID      string
	Slot           SummarySlot
	OutputLanguage string
	Text           string
	CreatedAt      int64
	UpdatedAt      int64
}

// TranslationSlot identifies a translation_result row's durable slot.
type TranslationSlot struct {
	EntryID           int64
	TargetLanguage    string
	SourceContentHash string
	SegmenterVersion  string
}

// TranslationResult is one persisted translation row (may still be running).
type TranslationResult struct {
	TaskRunID      string
	Slot           TranslationSlot
	OutputLanguage string
	RunStatus      RunStatus
	CreatedAt      int64
	UpdatedAt      int64
}

// TranslationSegment is one segment of a translation result.
type TranslationSegment struct {
	TaskRunID          string
	SourceSegmentID    string
	OrderIndex         int
	SourceTextSnapshot string
	TranslatedText     string
	CreatedAt          int64
	UpdatedAt          int64
}

// UsageAvailability reports whether token counts were actually observed.
type UsageAvailability string

const (
	UsageActual  UsageAvailability = "actual"
	UsageMissing UsageAvailability = "missing"
)

// UsageEvent is one llm_usage_event row: a per-request telemetry record,
// independently committed from the run it (eventually) gets linked to.
type UsageEvent struct {
	ID                           string
	TaskRunID                    string // empty until linked
	EntryID                      int64
	TaskType                     runtime.TaskKind
	ProviderProfileID            string
	ModelProfileID               string
	ProviderBaseURLSnapshot      string
	ProviderResolvedURLSnapshot  string
	ProviderResolvedHostSnapshot string
	ProviderResolvedPathSnapshot string
	ProviderNameSnapshot         string
	ModelNameSnapshot            string
	RequestPhase                 string
	RequestStatus                RunStatus // succeeded | failed | cancelled | timedOut
	PromptTokens                 *int
	CompletionTokens             *int
	TotalTokens                  *int
	UsageAvailability            UsageAvailability
	StartedAt                    int64
	FinishedAt                   int64
	CreatedAt                    int64
}
