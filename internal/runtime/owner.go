// Package runtime holds the identity, state-machine, and error primitives
// shared by the agent runtime engine and its executors: task kinds, owners,
// task/run identifiers, phases, and the failure taxonomy.
package runtime

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// TaskKind enumerates the categories of agent work the runtime schedules.
type TaskKind string

const (
	KindSummary     TaskKind = "summary"
	KindTranslation TaskKind = "translation"
	KindTagging     TaskKind = "tagging" // reserved, not yet scheduled
)

// RequestSource distinguishes a user-initiated submit from an auto-mode one.
type RequestSource string

const (
	SourceManual RequestSource = "manual"
	SourceAuto   RequestSource = "auto"
)

// Owner is the scheduling identity for a unit of agent work. Equal owners
// collapse: re-submitting the same owner refreshes its spec rather than
// creating a second entry in the active/waiting tables.
type Owner struct {
	Kind    TaskKind
	EntryID int64
	SlotKey string
}

// SummarySlotKey builds the slot_key convention for a summary owner:
// "<lang>|<detail>".
func SummarySlotKey(lang, detail string) string {
	return lang + "|" + detail
}

// TranslationSlotKey builds the slot_key convention for a translation
// owner: a normalized target language code.
func TranslationSlotKey(lang string) string {
	return strings.ToLower(strings.TrimSpace(lang))
}

// String renders a stable, human-readable identity for logging.
func (o Owner) String() string {
	return fmt.Sprintf("%s:%d:%s", o.Kind, o.EntryID, o.SlotKey)
}

// TaskID is an opaque, submitter-assigned identifier. It stays stable
// across promotion (waiting → active) and is carried on every emitted
// event and persisted row for cross-correlation.
type TaskID string

// NewTaskID mints a fresh task identifier.
func NewTaskID() TaskID {
	u := uuid.New().String()
	return TaskID("task_" + strings.ReplaceAll(u[:8], "-", ""))
}

// ActiveToken fences stale callbacks: it is a fresh opaque value minted
// each time an owner becomes active, and every phase update or terminal
// write must present the current token to take effect.
type ActiveToken string

// NewActiveToken mints a fresh active token.
func NewActiveToken() ActiveToken {
	u := uuid.New().String()
	return ActiveToken("tok_" + strings.ReplaceAll(u, "-", ""))
}
