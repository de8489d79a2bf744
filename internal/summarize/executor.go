package summarize

import (
	"fmt"
	"strings"
	"time"

	"github.com/mercury-rss/agentcore/internal/engine"
	"github.com/mercury-rss/agentcore/internal/providers"
	rt "github.com/mercury-rss/agentcore/internal/runtime"
	"github.com/mercury-rss/agentcore/internal/storage"
)

// RouteResolver resolves candidate provider routes for a task kind.
// *providers.Registry satisfies this; tests supply a stub.
type RouteResolver interface {
	Resolve(kind rt.TaskKind, primary, fallback string) ([]providers.ResolvedRoute, error)
}

// Executor runs summary tasks: resolve, stream, persist under the
// summary slot key.
type Executor struct {
	engine  *engine.Engine
	routes  RouteResolver
	results *storage.ResultStore
	usage   *storage.UsageStore
}

// NewExecutor wires the Summary Executor's dependencies.
func NewExecutor(eng *engine.Engine, routes RouteResolver, results *storage.ResultStore, usage *storage.UsageStore) *Executor {
	return &Executor{engine: eng, routes: routes, results: results, usage: usage}
}

// Run executes one summary task. onToken, if non-nil, is invoked for
// every streamed chunk of the final successful attempt; it must not
// block. owner/token identify an already-activated engine run, and c
// supplies the cooperative cancellation signal.
func (ex *Executor) Run(owner rt.Owner, taskID rt.TaskID, token rt.ActiveToken, c *rt.Cancellation, req Request, onToken func(string)) (Result, error) {
	startedAt := time.Now()

	routes, err := ex.routes.Resolve(rt.KindSummary, req.PrimaryModelID, req.FallbackModelID)
	if err != nil {
		ex.engine.Finish(owner, rt.PhaseFailed, rt.Classify(err), token)
		return Result{}, err
	}

	ex.engine.UpdatePhase(owner, rt.PhaseGenerating, token, "summarizing", nil)

	prompt := renderPrompt(req.TargetLanguageDisplay, req.DetailLevel, req.SourceText)
	text, err := ex.attempt(c, routes, prompt, req.EntryID, onToken)

	finishedAt := time.Now()
	durationMs := finishedAt.Sub(startedAt).Milliseconds()

	if c.Context().Err() != nil {
		reason := rt.ReasonTimedOut
		phase := rt.PhaseTimedOut
		if c.Reason() == rt.TerminationUserCancelled {
			reason, phase = rt.ReasonCancelled, rt.PhaseCancelled
		}
		ex.engine.Finish(owner, phase, reason, token)
		return Result{}, rt.ErrCancelled
	}

	if err != nil {
		ex.engine.Finish(owner, rt.PhaseFailed, rt.Classify(err), token)
		return Result{}, err
	}

	slot := storage.SummarySlot{EntryID: req.EntryID, TargetLanguage: req.TargetLanguage, DetailLevel: req.DetailLevel}
	run := storage.TaskRun{EntryID: req.EntryID, TaskType: rt.KindSummary, TargetLanguage: req.TargetLanguage}
	runID, err := ex.results.PersistSummaryResult(run, slot, req.TargetLanguage, text, durationMs, finishedAt.Unix())
	if err != nil {
		ex.engine.Finish(owner, rt.PhaseFailed, rt.ReasonUnknown, token)
		return Result{}, fmt.Errorf("summarize: persist result: %w", err)
	}
	ex.usage.LinkUsageEvents(runID, req.EntryID, string(rt.KindSummary), startedAt.Unix(), finishedAt.Unix())

	ex.engine.Finish(owner, rt.PhaseCompleted, "", token)
	return Result{RunID: runID, Text: text}, nil
}

// attempt tries up to two routes, exactly like the Translation Executor's
// per-segment algorithm: cancellation-like errors propagate immediately,
// everything else moves to the next route.
func (ex *Executor) attempt(c *rt.Cancellation, routes []providers.ResolvedRoute, prompt string, entryID int64, onToken func(string)) (string, error) {
	limit := len(routes)
	if limit > 2 {
		limit = 2
	}

	var lastErr error
	for i := 0; i < limit; i++ {
		route := routes[i]
		req := providers.Request{
			Model:    route.Model,
			Messages: []providers.Message{{Role: "user", Content: prompt}},
			Stream:   route.Streaming,
		}

		attemptStart := time.Now()
		var resp providers.Response
		var err error
		if route.Streaming {
			resp, err = route.Provider.Stream(c.Context(), req, providers.OnToken(func(tok string) {
				if onToken != nil {
					onToken(tok)
				}
			}))
		} else {
			resp, err = route.Provider.Complete(c.Context(), req)
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
			lastErr = &rt.InvalidResponseError{Reason: "empty summary"}
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
	if resp != nil && (resp.UsagePromptTokens != nil || resp.UsageCompletionTokens != nil) {
		availability = storage.UsageActual
		prompt, completion = resp.UsagePromptTokens, resp.UsageCompletionTokens
	}
	_, _ = ex.usage.RecordUsageEvent(storage.UsageEvent{
		EntryID:                 entryID,
		TaskType:                rt.KindSummary,
		ProviderNameSnapshot:    route.Driver,
		ProviderBaseURLSnapshot: route.BaseURL,
		ModelNameSnapshot:       route.Model,
		RequestPhase:            "summarize",
		RequestStatus:           status,
		PromptTokens:            prompt,
		CompletionTokens:        completion,
		UsageAvailability:       availability,
		StartedAt:               started.Unix(),
		FinishedAt:              finished.Unix(),
		CreatedAt:               finished.Unix(),
	})
}

func withGuidance(err error, reason rt.FailureReason) error {
	if reason != rt.ReasonRateLimited {
		return err
	}
	return fmt.Errorf("%w (reduce concurrency, switch tier, or retry later)", err)
}
