package gateway

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mercury-rss/agentcore/internal/engine"
	"github.com/mercury-rss/agentcore/internal/providers"
	rt "github.com/mercury-rss/agentcore/internal/runtime"
	"github.com/mercury-rss/agentcore/internal/storage"
	"github.com/mercury-rss/agentcore/internal/summarize"
	"github.com/mercury-rss/agentcore/internal/translate"
)

func newTestCoordinator(t *testing.T, provider providers.Provider) (*Coordinator, *storage.ResultStore) {
	t.Helper()
	eng := engine.New()
	t.Cleanup(eng.Stop)

	db, err := storage.Open(filepath.Join(t.TempDir(), "agentcore.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	results := storage.NewResultStore(db, 0)
	usage := storage.NewUsageStore(db)

	resolver := &stubResolver{routes: []providers.ResolvedRoute{
		{ProfileName: "primary", Driver: "anthropic", Model: "claude", Streaming: true, Provider: provider},
	}}
	translateEx := translate.NewExecutor(eng, resolver, results, usage)
	summarizeEx := summarize.NewExecutor(eng, resolver, results, usage)

	coord := NewCoordinator(eng, translateEx, summarizeEx, results, nil, 3)
	t.Cleanup(coord.Close)
	return coord, results
}

func waitForPersisted(t *testing.T, results *storage.ResultStore, slot storage.SummarySlot) *storage.SummaryResult {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r, err := results.GetSummaryResult(slot)
		if err != nil {
			t.Fatalf("GetSummaryResult: %v", err)
		}
		if r != nil {
			return r
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for persisted summary result")
	return nil
}

func TestCoordinator_SubmitSummary_StartNowAutoExecutes(t *testing.T) {
	coord, results := newTestCoordinator(t, &instantProvider{text: "a crisp summary"})

	taskID, decision, err := coord.SubmitSummary(SummaryRequest{
		EntryID: 1, TargetLanguage: "fr", TargetLanguageDisplay: "French", DetailLevel: "medium",
		SourceText: "article body", PrimaryModelID: "primary",
	})
	if err != nil {
		t.Fatalf("SubmitSummary: %v", err)
	}
	if decision.Kind != engine.StartNow {
		t.Fatalf("expected StartNow, got %v", decision.Kind)
	}
	if taskID == "" {
		t.Fatal("expected non-empty task id")
	}

	slot := storage.SummarySlot{EntryID: 1, TargetLanguage: "fr", DetailLevel: "medium"}
	result := waitForPersisted(t, results, slot)
	if result.Text != "a crisp summary" {
		t.Errorf("text = %q, want %q", result.Text, "a crisp summary")
	}
}

func TestCoordinator_SubmitSummary_QueuedThenPromoted(t *testing.T) {
	block := make(chan struct{})
	unblock := make(chan struct{})
	blocker := &gatedProvider{block: block, unblock: unblock, text: "gated result"}
	coord, results := newTestCoordinator(t, blocker)

	_, d1, err := coord.SubmitSummary(SummaryRequest{
		EntryID: 1, TargetLanguage: "fr", TargetLanguageDisplay: "French", DetailLevel: "medium",
		SourceText: "first article", PrimaryModelID: "primary",
	})
	if err != nil {
		t.Fatalf("SubmitSummary (1): %v", err)
	}
	if d1.Kind != engine.StartNow {
		t.Fatalf("expected StartNow for first submit, got %v", d1.Kind)
	}
	<-block // first run is now inside Stream, blocking

	_, d2, err := coord.SubmitSummary(SummaryRequest{
		EntryID: 2, TargetLanguage: "fr", TargetLanguageDisplay: "French", DetailLevel: "medium",
		SourceText: "second article", PrimaryModelID: "primary",
	})
	if err != nil {
		t.Fatalf("SubmitSummary (2): %v", err)
	}
	if d2.Kind != engine.QueuedWaiting {
		t.Fatalf("expected QueuedWaiting for second submit (summary concurrent limit 1), got %v", d2.Kind)
	}

	close(unblock) // let the first run finish, freeing capacity for promotion

	slot1 := storage.SummarySlot{EntryID: 1, TargetLanguage: "fr", DetailLevel: "medium"}
	waitForPersisted(t, results, slot1)

	slot2 := storage.SummarySlot{EntryID: 2, TargetLanguage: "fr", DetailLevel: "medium"}
	result := waitForPersisted(t, results, slot2)
	if result.Text != "gated result" {
		t.Errorf("promoted run text = %q, want %q", result.Text, "gated result")
	}
}

func TestCoordinator_Cancel_WhileActive(t *testing.T) {
	coord, _ := newTestCoordinator(t, &blockingProvider{})

	owner := rt.Owner{Kind: rt.KindSummary, EntryID: 1, SlotKey: rt.SummarySlotKey("fr", "medium")}
	_, decision, err := coord.SubmitSummary(SummaryRequest{
		EntryID: 1, TargetLanguage: "fr", TargetLanguageDisplay: "French", DetailLevel: "medium",
		SourceText: "article body", PrimaryModelID: "primary",
	})
	if err != nil {
		t.Fatalf("SubmitSummary: %v", err)
	}
	if decision.Kind != engine.StartNow {
		t.Fatalf("expected StartNow, got %v", decision.Kind)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		coord.mu.Lock()
		_, active := coord.cancels[owner]
		coord.mu.Unlock()
		if active {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if err := coord.Cancel(owner); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := coord.eng.State(owner); !ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected run state to clear after cancel")
}

func TestCoordinator_Cancel_WhileWaiting(t *testing.T) {
	coord, _ := newTestCoordinator(t, &blockingProvider{})

	owner1 := rt.Owner{Kind: rt.KindSummary, EntryID: 1, SlotKey: rt.SummarySlotKey("fr", "medium")}
	owner2 := rt.Owner{Kind: rt.KindSummary, EntryID: 2, SlotKey: rt.SummarySlotKey("fr", "medium")}

	_, d1, err := coord.SubmitSummary(SummaryRequest{
		EntryID: 1, TargetLanguage: "fr", TargetLanguageDisplay: "French", DetailLevel: "medium",
		SourceText: "first", PrimaryModelID: "primary",
	})
	if err != nil || d1.Kind != engine.StartNow {
		t.Fatalf("SubmitSummary (1): decision=%v err=%v", d1, err)
	}

	_, d2, err := coord.SubmitSummary(SummaryRequest{
		EntryID: 2, TargetLanguage: "fr", TargetLanguageDisplay: "French", DetailLevel: "medium",
		SourceText: "second", PrimaryModelID: "primary",
	})
	if err != nil || d2.Kind != engine.QueuedWaiting {
		t.Fatalf("SubmitSummary (2): decision=%v err=%v", d2, err)
	}

	if err := coord.Cancel(owner2); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if _, ok := coord.eng.State(owner2); ok {
		t.Fatal("expected waiting owner to be dropped after cancel")
	}

	t.Cleanup(func() { coord.Cancel(owner1) })
}

// gatedProvider signals block when Stream begins and waits on unblock before
// returning, letting a test pin a run in-flight until it decides to release it.
type gatedProvider struct {
	block   chan struct{}
	unblock chan struct{}
	text    string
	once    bool
}

func (p *gatedProvider) Complete(ctx context.Context, req providers.Request) (providers.Response, error) {
	return p.Stream(ctx, req, nil)
}

func (p *gatedProvider) Stream(ctx context.Context, req providers.Request, onToken providers.OnToken) (providers.Response, error) {
	if !p.once {
		p.once = true
		close(p.block)
	}
	select {
	case <-p.unblock:
	case <-ctx.Done():
		return providers.Response{}, ctx.Err()
	}
	return providers.Response{Text: p.text}, nil
}
