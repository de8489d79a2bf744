package translate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mercury-rss/agentcore/internal/engine"
	"github.com/mercury-rss/agentcore/internal/providers"
	rt "github.com/mercury-rss/agentcore/internal/runtime"
	"github.com/mercury-rss/agentcore/internal/storage"
)

const (
	minConcurrencyDegree     = 1
	maxConcurrencyDegree     = 5
	defaultConcurrencyDegree = 3
)

// RouteResolver resolves candidate provider routes for a task kind.
// *providers.Registry satisfies this; tests supply a stub.
type RouteResolver interface {
	Resolve(kind rt.TaskKind, primary, fallback string) ([]providers.ResolvedRoute, error)
}

// Executor runs translation tasks against the engine, the provider
// registry, and the storage layer.
type Executor struct {
	engine  *engine.Engine
	routes  RouteResolver
	results *storage.ResultStore
	usage   *storage.UsageStore
}

// NewExecutor wires the Translation Executor's dependencies.
func NewExecutor(eng *engine.Engine, routes RouteResolver, results *storage.ResultStore, usage *storage.UsageStore) *Executor {
	return &Executor{engine: eng, routes: routes, results: results, usage: usage}
}

// Run executes one translation task from route resolution through final
// persistence. owner/taskID/token identify the already-activated engine
// run (the caller is expected to have submitted and received StartNow or
// a promotion before invoking Run). c supplies the cooperative cancellation
// signal and its termination-reason provider.
func (ex *Executor) Run(owner rt.Owner, taskID rt.TaskID, token rt.ActiveToken, c *rt.Cancellation, req Request) (Bundle, error) {
	startedAt := time.Now()

	routes, err := ex.routes.Resolve(rt.KindTranslation, req.PrimaryModelID, req.FallbackModelID)
	if err != nil {
		ex.engine.Finish(owner, rt.PhaseFailed, rt.Classify(err), token)
		return Bundle{}, err
	}

	ex.engine.UpdatePhase(owner, rt.PhaseGenerating, token, "translating", nil)

	slot := storage.TranslationSlot{
		EntryID:           req.EntryID,
		TargetLanguage:    req.TargetLanguage,
		SourceContentHash: req.Source.SourceContentHash,
		SegmenterVersion:  req.Source.SegmenterVersion,
	}
	runID, err := ex.results.StartCheckpointRun(
		storage.TaskRun{EntryID: req.EntryID, TaskType: rt.KindTranslation, TargetLanguage: req.TargetLanguage},
		slot, req.TargetLanguage, startedAt.Unix())
	if err != nil {
		ex.engine.Finish(owner, rt.PhaseFailed, rt.ReasonUnknown, token)
		return Bundle{}, fmt.Errorf("translate: start checkpoint: %w", err)
	}

	degree := clampDegree(req.ConcurrencyDegree)
	g := new(errgroup.Group)
	g.SetLimit(degree)

	var mu sync.Mutex
	translated := make(map[string]TranslatedSegment, len(req.Source.Segments))
	var lastErr error
	failedCount := 0

	for i, seg := range req.Source.Segments {
		seg := seg
		var untranslatedContext string
		if i > 0 {
			untranslatedContext = req.Source.Segments[i-1].SourceText
		}
		g.Go(func() error {
			if c.Context().Err() != nil {
				return nil // cooperative cancel already fired; don't schedule new work
			}
			text, err := ex.translateSegment(c.Context(), routes, seg, untranslatedContext, req.TargetLanguageDisplay, req.EntryID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failedCount++
				lastErr = err
				return nil
			}
			translated[seg.SourceSegmentID] = TranslatedSegment{Segment: seg, TranslatedText: text}
			_ = ex.results.PersistSegmentCheckpoint(runID, storage.TranslationSegment{
				SourceSegmentID: seg.SourceSegmentID,
				OrderIndex:      seg.OrderIndex,
				TranslatedText:  text,
			}, time.Now().Unix())
			return nil
		})
	}
	g.Wait()

	bundle := Bundle{RunID: runID, FailedSegmentCount: failedCount}
	for _, seg := range req.Source.Segments {
		if ts, ok := translated[seg.SourceSegmentID]; ok {
			bundle.TranslatedSegments = append(bundle.TranslatedSegments, ts)
		}
	}

	finishedAt := time.Now()
	durationMs := finishedAt.Sub(startedAt).Milliseconds()
	ex.usage.LinkUsageEvents(runID, req.EntryID, string(rt.KindTranslation), startedAt.Unix(), finishedAt.Unix())

	if c.Context().Err() != nil {
		reason := rt.ReasonTimedOut
		phase := rt.PhaseTimedOut
		taskRunStatus := storage.RunTimedOut
		if c.Reason() == rt.TerminationUserCancelled {
			reason, phase, taskRunStatus = rt.ReasonCancelled, rt.PhaseCancelled, storage.RunCancelled
		}

		if len(bundle.TranslatedSegments) == 0 {
			_ = ex.results.DiscardRunningCheckpoint(runID)
			ex.engine.Finish(owner, phase, reason, token)
			return Bundle{}, rt.ErrCancelled
		}

		segs := make([]storage.TranslationSegment, 0, len(bundle.TranslatedSegments))
		for _, ts := range bundle.TranslatedSegments {
			segs = append(segs, storage.TranslationSegment{
				SourceSegmentID: ts.SourceSegmentID, OrderIndex: ts.OrderIndex, TranslatedText: ts.TranslatedText,
			})
		}
		_ = ex.results.PersistSuccessfulResult(runID, slot, segs, taskRunStatus, durationMs, finishedAt.Unix())
		ex.engine.Finish(owner, phase, reason, token)
		return bundle, &rt.CancelledWithPartial[Bundle]{Success: bundle}
	}

	if failedCount > 0 {
		_ = ex.results.DiscardRunningCheckpoint(runID)
		reason := rt.Classify(lastErr)
		ex.engine.Finish(owner, rt.PhaseFailed, reason, token)
		return bundle, lastErr
	}

	segs := make([]storage.TranslationSegment, 0, len(bundle.TranslatedSegments))
	for _, ts := range bundle.TranslatedSegments {
		segs = append(segs, storage.TranslationSegment{
			SourceSegmentID: ts.SourceSegmentID, OrderIndex: ts.OrderIndex, TranslatedText: ts.TranslatedText,
		})
	}
	if err := ex.results.PersistSuccessfulResult(runID, slot, segs, storage.RunSucceeded, durationMs, finishedAt.Unix()); err != nil {
		ex.engine.Finish(owner, rt.PhaseFailed, rt.ReasonUnknown, token)
		return bundle, fmt.Errorf("translate: persist result: %w", err)
	}
	ex.engine.Finish(owner, rt.PhaseCompleted, "", token)
	return bundle, nil
}

// translateSegment tries up to two routes in order, trimming and rejecting
// empty output, recording a usage event per attempt.
func (ex *Executor) translateSegment(ctx context.Context, routes []providers.ResolvedRoute, seg Segment, untranslatedContext, targetLanguageDisplay string, entryID int64) (string, error) {
	limit := len(routes)
	if limit > 2 {
		limit = 2
	}

	var lastErr error
	for i := 0; i < limit; i++ {
		route := routes[i]
		prompt := renderSegmentPrompt(targetLanguageDisplay, seg.SourceText, untranslatedContext)
		req := providers.Request{
			Model:    route.Model,
			Messages: []providers.Message{{Role: "user", Content: prompt}},
			Stream:   route.Streaming,
		}

		attemptStart := time.Now()
		var resp providers.Response
		var err error
		if route.Streaming {
			resp, err = route.Provider.Stream(ctx, req, func(string) {})
		} else {
			resp, err = route.Provider.Complete(ctx, req)
		}
		attemptEnd := time.Now()

		if err != nil {
			reason := rt.Classify(err)
			ex.recordUsage(entryID, route, reason, nil, attemptStart, attemptEnd)
			if reason == rt.ReasonCancelled || reason == rt.ReasonTimedOut {
				return "", err
			}
			lastErr = withGuidance(err, reason)
			continue
		}

		text := strings.TrimSpace(resp.Text)
		if text == "" {
			lastErr = &rt.InvalidResponseError{Reason: "empty segment " + seg.SourceSegmentID}
			ex.recordUsage(entryID, route, rt.ReasonInvalidResponse, &resp, attemptStart, attemptEnd)
			continue
		}

		ex.recordUsage(entryID, route, rt.ReasonUnknown, &resp, attemptStart, attemptEnd)
		return text, nil
	}
	return "", lastErr
}

func (ex *Executor) recordUsage(entryID int64, route providers.ResolvedRoute, reason rt.FailureReason, resp *providers.Response, started, finished time.Time) {
	status := storage.RunSucceeded
	if reason != rt.ReasonUnknown || resp == nil {
		status = storage.RunFailed
	}
	availability := storage.UsageMissing
	var prompt, completion *int
	if resp != nil {
		if resp.UsagePromptTokens != nil || resp.UsageCompletionTokens != nil {
			availability = storage.UsageActual
			prompt, completion = resp.UsagePromptTokens, resp.UsageCompletionTokens
		}
	}
	_, _ = ex.usage.RecordUsageEvent(storage.UsageEvent{
		EntryID:                 entryID,
		TaskType:                rt.KindTranslation,
		ProviderNameSnapshot:    route.Driver,
		ProviderBaseURLSnapshot: route.BaseURL,
		ModelNameSnapshot:       route.Model,
		RequestPhase:            "translate_segment",
		RequestStatus:           status,
		PromptTokens:            prompt,
		CompletionTokens:        completion,
		UsageAvailability:       availability,
		StartedAt:               started.Unix(),
		FinishedAt:              finished.Unix(),
		CreatedAt:               finished.Unix(),
	})
}

// withGuidance annotates a rate-limited error with operator-facing guidance
// text before it moves on to the next route.
func withGuidance(err error, reason rt.FailureReason) error {
	if reason != rt.ReasonRateLimited {
		return err
	}
	return fmt.Errorf("%w (reduce concurrency, switch tier, or retry later)", err)
}

func clampDegree(d int) int {
	if d <= 0 {
		return defaultConcurrencyDegree
	}
	if d < minConcurrencyDegree {
		return minConcurrencyDegree
	}
	if d > maxConcurrencyDegree {
		return maxConcurrencyDegree
	}
	return d
}
