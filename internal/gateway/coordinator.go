package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mercury-rss/agentcore/internal/engine"
	rt "github.com/mercury-rss/agentcore/internal/runtime"
	"github.com/mercury-rss/agentcore/internal/storage"
	"github.com/mercury-rss/agentcore/internal/summarize"
	"github.com/mercury-rss/agentcore/internal/translate"
)

// TokenSink receives streamed summary tokens for an owner as they arrive,
// so the gateway can forward them to whichever client is watching that
// entry.
type TokenSink interface {
	PublishToken(owner rt.Owner, token string)
}

// SummaryRequest is what a caller hands the Coordinator to start or queue
// a summary run.
type SummaryRequest struct {
	EntryID               int64
	TargetLanguage        string
	TargetLanguageDisplay string
	DetailLevel           string
	SourceText            string
	PrimaryModelID        string
	FallbackModelID       string
}

// TranslationRequest is what a caller hands the Coordinator to start or
// queue a translation run.
type TranslationRequest struct {
	EntryID               int64
	TargetLanguage        string
	TargetLanguageDisplay string
	Segments              []translate.Segment
	SourceContentHash     string
	SegmenterVersion      string
	PrimaryModelID        string
	FallbackModelID       string
	ConcurrencyDegree     int
}

type pendingRequest struct {
	summary     *SummaryRequest
	translation *TranslationRequest
}

// Coordinator bridges HTTP/WS submits to the Agent Runtime Engine and the
// two task executors. It owns exactly one responsibility the engine itself
// does not: actually starting an executor run whenever the engine reports
// a slot activated, whether that activation came from a fresh StartNow
// decision or from FIFO promotion after a sibling run finished.
type Coordinator struct {
	eng         *engine.Engine
	translateEx *translate.Executor
	summarizeEx *summarize.Executor
	results     *storage.ResultStore
	policies    map[rt.TaskKind]rt.QueuePolicy
	concurrency int

	mu      sync.Mutex
	pending map[rt.Owner]pendingRequest
	cancels map[rt.Owner]*rt.Cancellation
	sink    TokenSink

	unsubscribe func()
}

// NewCoordinator wires the Coordinator and starts its activation watcher.
// Close must be called to release the engine subscription. policies
// overrides rt.DefaultQueuePolicy per kind; a zero-value map falls back to the built-in defaults.
// concurrencyDegree is the default per-run segment fan-out for translation
// requests that don't specify their own (clamped [1,5] by the caller).
func NewCoordinator(eng *engine.Engine, translateEx *translate.Executor, summarizeEx *summarize.Executor, results *storage.ResultStore, policies map[rt.TaskKind]rt.QueuePolicy, concurrencyDegree int) *Coordinator {
	c := &Coordinator{
		eng:         eng,
		translateEx: translateEx,
		summarizeEx: summarizeEx,
		results:     results,
		policies:    policies,
		concurrency: concurrencyDegree,
		pending:     make(map[rt.Owner]pendingRequest),
		cancels:     make(map[rt.Owner]*rt.Cancellation),
	}
	events, unsubscribe := eng.Events()
	c.unsubscribe = unsubscribe
	go c.watchActivations(events)
	return c
}

func (c *Coordinator) queuePolicy(kind rt.TaskKind) rt.QueuePolicy {
	if p, ok := c.policies[kind]; ok {
		return p
	}
	return rt.DefaultQueuePolicy(kind)
}

// SetTokenSink wires the sink that summary token streaming is forwarded
// to; nil (the default) drops streamed tokens silently.
func (c *Coordinator) SetTokenSink(sink TokenSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// Close releases the Coordinator's engine event subscription.
func (c *Coordinator) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

// watchActivations runs for the Coordinator's lifetime: every activated
// owner with a stored pending request gets its executor started. An
// activation with no pending entry is a resubmit-while-already-active
// no-op and is ignored.
func (c *Coordinator) watchActivations(events <-chan engine.Event) {
	for ev := range events {
		if ev.Kind != engine.EventActivated {
			continue
		}
		c.mu.Lock()
		req, ok := c.pending[ev.Owner]
		if ok {
			delete(c.pending, ev.Owner)
		}
		c.mu.Unlock()
		if !ok {
			continue
		}
		c.start(ev.Owner, ev.TaskID, ev.ActiveToken, req)
	}
}

// SubmitSummary records the request and asks the engine to schedule it.
func (c *Coordinator) SubmitSummary(req SummaryRequest) (rt.TaskID, engine.Decision, error) {
	if strings.TrimSpace(req.SourceText) == "" {
		return "", engine.Decision{}, fmt.Errorf("gateway: source_text is required")
	}
	owner := rt.Owner{Kind: rt.KindSummary, EntryID: req.EntryID, SlotKey: rt.SummarySlotKey(req.TargetLanguage, req.DetailLevel)}
	taskID := rt.NewTaskID()
	r := req

	c.mu.Lock()
	c.pending[owner] = pendingRequest{summary: &r}
	c.mu.Unlock()

	decision := c.eng.Submit(rt.TaskSpec{
		Owner:            owner,
		TaskID:           taskID,
		RequestSource:    rt.SourceManual,
		QueuePolicy:      c.queuePolicy(rt.KindSummary),
		VisibilityPolicy: rt.VisibilitySelectedEntryOnly,
	})
	return taskID, decision, nil
}

// SubmitTranslation records the request and asks the engine to schedule it.
func (c *Coordinator) SubmitTranslation(req TranslationRequest) (rt.TaskID, engine.Decision, error) {
	if len(req.Segments) == 0 {
		return "", engine.Decision{}, fmt.Errorf("gateway: at least one segment is required")
	}
	owner := rt.Owner{Kind: rt.KindTranslation, EntryID: req.EntryID, SlotKey: rt.TranslationSlotKey(req.TargetLanguage)}
	taskID := rt.NewTaskID()
	r := req
	if r.ConcurrencyDegree <= 0 {
		r.ConcurrencyDegree = c.concurrency
	}

	c.mu.Lock()
	c.pending[owner] = pendingRequest{translation: &r}
	c.mu.Unlock()

	decision := c.eng.Submit(rt.TaskSpec{
		Owner:            owner,
		TaskID:           taskID,
		RequestSource:    rt.SourceManual,
		QueuePolicy:      c.queuePolicy(rt.KindTranslation),
		VisibilityPolicy: rt.VisibilitySelectedEntryOnly,
	})
	return taskID, decision, nil
}

func (c *Coordinator) start(owner rt.Owner, taskID rt.TaskID, token rt.ActiveToken, req pendingRequest) {
	cancel := rt.NewCancellation(context.Background())
	disarm := cancel.ArmWatchdog(rt.ExecutionTimeout(owner.Kind))

	c.mu.Lock()
	c.cancels[owner] = cancel
	c.mu.Unlock()

	go func() {
		defer disarm()
		defer func() {
			c.mu.Lock()
			delete(c.cancels, owner)
			c.mu.Unlock()
		}()

		switch {
		case req.summary != nil:
			c.runSummary(owner, taskID, token, cancel, *req.summary)
		case req.translation != nil:
			c.runTranslation(owner, taskID, token, cancel, *req.translation)
		}
	}()
}

func (c *Coordinator) runSummary(owner rt.Owner, taskID rt.TaskID, token rt.ActiveToken, cancel *rt.Cancellation, req SummaryRequest) {
	onToken := func(tok string) {
		c.mu.Lock()
		sink := c.sink
		c.mu.Unlock()
		if sink != nil {
			sink.PublishToken(owner, tok)
		}
	}
	_, err := c.summarizeEx.Run(owner, taskID, token, cancel, summarize.Request{
		EntryID:               req.EntryID,
		TargetLanguage:        req.TargetLanguage,
		TargetLanguageDisplay: req.TargetLanguageDisplay,
		DetailLevel:           req.DetailLevel,
		SourceText:            req.SourceText,
		PrimaryModelID:        req.PrimaryModelID,
		FallbackModelID:       req.FallbackModelID,
	}, onToken)
	if err != nil {
		slog.Debug("summary run ended", "owner", owner.String(), "error", err)
	}
}

func (c *Coordinator) runTranslation(owner rt.Owner, taskID rt.TaskID, token rt.ActiveToken, cancel *rt.Cancellation, req TranslationRequest) {
	_, err := c.translateEx.Run(owner, taskID, token, cancel, translate.Request{
		EntryID:               req.EntryID,
		TargetLanguage:        req.TargetLanguage,
		TargetLanguageDisplay: req.TargetLanguageDisplay,
		Source: translate.SourceSnapshot{
			Segments:          req.Segments,
			SourceContentHash: req.SourceContentHash,
			SegmenterVersion:  req.SegmenterVersion,
		},
		PrimaryModelID:    req.PrimaryModelID,
		FallbackModelID:   req.FallbackModelID,
		ConcurrencyDegree: req.ConcurrencyDegree,
	})
	if err != nil {
		slog.Debug("translation run ended", "owner", owner.String(), "error", err)
	}
}

// Cancel aborts an in-flight run for owner, or drops it from the waiting
// queue if it has not yet been activated.
func (c *Coordinator) Cancel(owner rt.Owner) error {
	c.mu.Lock()
	cancel, active := c.cancels[owner]
	c.mu.Unlock()

	if active {
		cancel.Abort(rt.TerminationUserCancelled)
		return nil
	}

	c.eng.AbandonWaitingOwner(owner)
	c.mu.Lock()
	delete(c.pending, owner)
	c.mu.Unlock()
	return nil
}

// Snapshot returns the engine's current active/waiting/state tables.
func (c *Coordinator) Snapshot() engine.Snapshot {
	return c.eng.Snapshot()
}

// PersistedSummary reads back a slot's persisted summary result, if any.
func (c *Coordinator) PersistedSummary(slot storage.SummarySlot) (*storage.SummaryResult, error) {
	return c.results.GetSummaryResult(slot)
}

// PersistedTranslation reads back a slot's persisted translation result and
// its segments, if any.
func (c *Coordinator) PersistedTranslation(slot storage.TranslationSlot) (*storage.TranslationResult, []storage.TranslationSegment, error) {
	return c.results.GetTranslationResult(slot)
}
