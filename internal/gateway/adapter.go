package gateway

import (
	"fmt"

	"github.com/mercury-rss/agentcore/internal/gateway/ws"
	rt "github.com/mercury-rss/agentcore/internal/runtime"
	"github.com/mercury-rss/agentcore/internal/storage"
	"github.com/mercury-rss/agentcore/internal/translate"
)

// CoordinatorAdapter implements ws.TaskHandler over a Coordinator,
// translating between the WS layer's primitive parameters and the
// Coordinator's richer request types.
type CoordinatorAdapter struct {
	coord *Coordinator
}

// NewCoordinatorAdapter wraps coord for use as a ws.TaskHandler.
func NewCoordinatorAdapter(coord *Coordinator) *CoordinatorAdapter {
	return &CoordinatorAdapter{coord: coord}
}

func (a *CoordinatorAdapter) SubmitSummary(entryID int64, targetLanguage, targetLanguageDisplay, detailLevel, sourceText, primaryModel, fallbackModel string) (ws.SubmitResult, error) {
	taskID, decision, err := a.coord.SubmitSummary(SummaryRequest{
		EntryID: entryID, TargetLanguage: targetLanguage, TargetLanguageDisplay: targetLanguageDisplay,
		DetailLevel: detailLevel, SourceText: sourceText, PrimaryModelID: primaryModel, FallbackModelID: fallbackModel,
	})
	if err != nil {
		return ws.SubmitResult{}, err
	}
	return ws.SubmitResult{TaskID: string(taskID), Status: string(decision.Kind), Position: decision.Position}, nil
}

func (a *CoordinatorAdapter) SubmitTranslation(entryID int64, targetLanguage, targetLanguageDisplay string, segments []ws.SegmentInput, sourceContentHash, segmenterVersion, primaryModel, fallbackModel string, concurrencyDegree int) (ws.SubmitResult, error) {
	segs := make([]translate.Segment, len(segments))
	for i, s := range segments {
		segs[i] = translate.Segment{SourceSegmentID: s.SourceSegmentID, OrderIndex: s.OrderIndex, SourceText: s.SourceText}
	}
	taskID, decision, err := a.coord.SubmitTranslation(TranslationRequest{
		EntryID: entryID, TargetLanguage: targetLanguage, TargetLanguageDisplay: targetLanguageDisplay,
		Segments: segs, SourceContentHash: sourceContentHash, SegmenterVersion: segmenterVersion,
		PrimaryModelID: primaryModel, FallbackModelID: fallbackModel, ConcurrencyDegree: concurrencyDegree,
	})
	if err != nil {
		return ws.SubmitResult{}, err
	}
	return ws.SubmitResult{TaskID: string(taskID), Status: string(decision.Kind), Position: decision.Position}, nil
}

func (a *CoordinatorAdapter) Cancel(kind string, entryID int64, slotKey string) error {
	taskKind, err := parseTaskKind(kind)
	if err != nil {
		return err
	}
	return a.coord.Cancel(rt.Owner{Kind: taskKind, EntryID: entryID, SlotKey: slotKey})
}

func (a *CoordinatorAdapter) Snapshot() any {
	return a.coord.Snapshot()
}

func (a *CoordinatorAdapter) PersistedSummary(entryID int64, targetLanguage, detailLevel string) (any, error) {
	return a.coord.PersistedSummary(storage.SummarySlot{EntryID: entryID, TargetLanguage: targetLanguage, DetailLevel: detailLevel})
}

func (a *CoordinatorAdapter) PersistedTranslation(entryID int64, targetLanguage, sourceContentHash, segmenterVersion string) (any, error) {
	result, segments, err := a.coord.PersistedTranslation(storage.TranslationSlot{
		EntryID: entryID, TargetLanguage: targetLanguage, SourceContentHash: sourceContentHash, SegmenterVersion: segmenterVersion,
	})
	if err != nil || result == nil {
		return nil, err
	}
	return map[string]any{"result": result, "segments": segments}, nil
}

func parseTaskKind(kind string) (rt.TaskKind, error) {
	switch rt.TaskKind(kind) {
	case rt.KindSummary:
		return rt.KindSummary, nil
	case rt.KindTranslation:
		return rt.KindTranslation, nil
	default:
		return "", fmt.Errorf("gateway: unknown task kind %q", kind)
	}
}
