package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/mercury-rss/agentcore/internal/engine"
	"github.com/mercury-rss/agentcore/internal/gateway"
	"github.com/mercury-rss/agentcore/internal/providers"
	rt "github.com/mercury-rss/agentcore/internal/runtime"
	"github.com/mercury-rss/agentcore/internal/storage"
	"github.com/mercury-rss/agentcore/internal/summarize"
	"github.com/mercury-rss/agentcore/internal/translate"
)

// NewDemoCommand returns the demo subcommand: a self-contained walk through
// the engine's start-now, queue-then-promote, and cancel scenarios against
// a throwaway sqlite file and a canned in-memory provider. No network
// calls, no persistent config; useful as executable documentation of how
// the pieces fit together.
func NewDemoCommand() *cli.Command {
	return &cli.Command{
		Name:  "demo",
		Usage: "Run the engine through a few scripted scenarios and print what happens",
		Action: func(_ context.Context, _ *cli.Command) error {
			return runDemo()
		},
	}
}

type stubProvider struct {
	delay time.Duration
	text  string
}

func (p *stubProvider) Complete(ctx context.Context, req providers.Request) (providers.Response, error) {
	return p.Stream(ctx, req, nil)
}

func (p *stubProvider) Stream(ctx context.Context, req providers.Request, onToken providers.OnToken) (providers.Response, error) {
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return providers.Response{}, ctx.Err()
	}
	if onToken != nil {
		onToken(p.text)
	}
	promptTokens, completionTokens := 32, 8
	return providers.Response{Text: p.text, UsagePromptTokens: &promptTokens, UsageCompletionTokens: &completionTokens}, nil
}

type demoResolver struct{ provider providers.Provider }

func (r *demoResolver) Resolve(kind rt.TaskKind, primary, fallback string) ([]providers.ResolvedRoute, error) {
	return []providers.ResolvedRoute{
		{ProfileName: "demo", Driver: "demo", Model: "demo-1", Streaming: true, Provider: r.provider},
	}, nil
}

func runDemo() error {
	dbPath := filepath.Join(os.TempDir(), fmt.Sprintf("agentcore-demo-%d.db", time.Now().UnixNano()))
	db, err := storage.Open(dbPath)
	if err != nil {
		return fmt.Errorf("demo: open storage: %w", err)
	}
	defer os.Remove(dbPath)
	defer db.Close()

	results := storage.NewResultStore(db, 0)
	usage := storage.NewUsageStore(db)

	resolver := &demoResolver{provider: &stubProvider{delay: 150 * time.Millisecond, text: "demo summary output"}}
	eng := engine.New()
	defer eng.Stop()

	translateEx := translate.NewExecutor(eng, resolver, results, usage)
	summarizeEx := summarize.NewExecutor(eng, resolver, results, usage)

	policies := map[rt.TaskKind]rt.QueuePolicy{
		rt.KindSummary: {ConcurrentLimitPerKind: 1, WaitingCapacityPerKind: 3, Replacement: rt.LatestOnlyReplaceWaiting},
	}
	coord := gateway.NewCoordinator(eng, translateEx, summarizeEx, results, policies, 3)
	defer coord.Close()

	fmt.Println("scenario S1: start-now path")
	_, d1, err := coord.SubmitSummary(gateway.SummaryRequest{
		EntryID: 1, TargetLanguage: "fr", TargetLanguageDisplay: "French", DetailLevel: "medium",
		SourceText: "the first article body", PrimaryModelID: "demo",
	})
	if err != nil {
		return fmt.Errorf("demo S1 submit: %w", err)
	}
	fmt.Printf("  decision: %s\n", d1.Kind)

	fmt.Println("scenario S2: queue then promote (summary concurrency limit is 1)")
	_, d2, err := coord.SubmitSummary(gateway.SummaryRequest{
		EntryID: 2, TargetLanguage: "fr", TargetLanguageDisplay: "French", DetailLevel: "medium",
		SourceText: "the second article body", PrimaryModelID: "demo",
	})
	if err != nil {
		return fmt.Errorf("demo S2 submit: %w", err)
	}
	fmt.Printf("  decision: %s (position %d)\n", d2.Kind, d2.Position)

	slot1 := storage.SummarySlot{EntryID: 1, TargetLanguage: "fr", DetailLevel: "medium"}
	slot2 := storage.SummarySlot{EntryID: 2, TargetLanguage: "fr", DetailLevel: "medium"}
	r1 := pollSummary(results, slot1)
	fmt.Printf("  entry 1 persisted: %q\n", r1.Text)
	r2 := pollSummary(results, slot2)
	fmt.Printf("  entry 2 persisted (promoted after entry 1 finished): %q\n", r2.Text)

	fmt.Println("scenario: cancel a waiting run before it starts")
	owner3 := rt.Owner{Kind: rt.KindSummary, EntryID: 3, SlotKey: rt.SummarySlotKey("fr", "medium")}
	_, dBlock, err := coord.SubmitSummary(gateway.SummaryRequest{
		EntryID: 4, TargetLanguage: "fr", TargetLanguageDisplay: "French", DetailLevel: "medium",
		SourceText: "a blocking article", PrimaryModelID: "demo",
	})
	if err != nil {
		return fmt.Errorf("demo submit blocker: %w", err)
	}
	fmt.Printf("  decision: %s\n", dBlock.Kind)
	_, dWait, err := coord.SubmitSummary(gateway.SummaryRequest{
		EntryID: 3, TargetLanguage: "fr", TargetLanguageDisplay: "French", DetailLevel: "medium",
		SourceText: "an article that gets cancelled while waiting", PrimaryModelID: "demo",
	})
	if err != nil {
		return fmt.Errorf("demo submit waiting: %w", err)
	}
	fmt.Printf("  decision: %s\n", dWait.Kind)
	if err := coord.Cancel(owner3); err != nil {
		return fmt.Errorf("demo cancel: %w", err)
	}
	if _, ok := eng.State(owner3); ok {
		fmt.Println("  unexpected: cancelled owner still has a run state")
	} else {
		fmt.Println("  cancelled owner was dropped from the waiting queue")
	}

	fmt.Println("demo complete")
	return nil
}

func pollSummary(results *storage.ResultStore, slot storage.SummarySlot) *storage.SummaryResult {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r, err := results.GetSummaryResult(slot)
		if err == nil && r != nil {
			return r
		}
		time.Sleep(10 * time.Millisecond)
	}
	return &storage.SummaryResult{Text: "(timed out waiting for result)"}
}
