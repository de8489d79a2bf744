package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/mercury-rss/agentcore/internal/engine"
	"github.com/mercury-rss/agentcore/internal/providers"
	rt "github.com/mercury-rss/agentcore/internal/runtime"
	"github.com/mercury-rss/agentcore/internal/storage"
	"github.com/mercury-rss/agentcore/internal/summarize"
	"github.com/mercury-rss/agentcore/internal/translate"
)

type stubResolver struct {
	routes []providers.ResolvedRoute
}

func (s *stubResolver) Resolve(kind rt.TaskKind, primary, fallback string) ([]providers.ResolvedRoute, error) {
	return s.routes, nil
}

type instantProvider struct{ text string }

func (p *instantProvider) Complete(ctx context.Context, req providers.Request) (providers.Response, error) {
	return providers.Response{Text: p.text}, nil
}

func (p *instantProvider) Stream(ctx context.Context, req providers.Request, onToken providers.OnToken) (providers.Response, error) {
	if onToken != nil {
		onToken(p.text)
	}
	return providers.Response{Text: p.text}, nil
}

// blockingProvider blocks until its context is cancelled, so a test can
// observe a run while it is still active.
type blockingProvider struct{}

func (p *blockingProvider) Complete(ctx context.Context, req providers.Request) (providers.Response, error) {
	<-ctx.Done()
	return providers.Response{}, ctx.Err()
}

func (p *blockingProvider) Stream(ctx context.Context, req providers.Request, onToken providers.OnToken) (providers.Response, error) {
	return p.Complete(ctx, req)
}

func newTestServerWithProvider(t *testing.T, provider providers.Provider) *Server {
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
	return NewServer(coord, "localhost", 0)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerWithProvider(t, &instantProvider{text: "ok"})
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t)
	defer srv.hub.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status %q, got %q", "ok", body["status"])
	}
}

func TestHandleSnapshot_Empty(t *testing.T) {
	srv := newTestServer(t)
	defer srv.hub.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/snapshot", nil)
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if _, ok := body["active"]; !ok {
		t.Fatalf("expected 'active' key in snapshot body, got %v", body)
	}
}

func TestHandleSnapshot_ReflectsActiveRun(t *testing.T) {
	srv := newTestServerWithProvider(t, &blockingProvider{})
	defer srv.hub.Close()

	owner := rt.Owner{Kind: rt.KindSummary, EntryID: 1, SlotKey: rt.SummarySlotKey("fr", "medium")}
	_, decision, err := srv.coord.SubmitSummary(SummaryRequest{
		EntryID: 1, TargetLanguage: "fr", TargetLanguageDisplay: "French", DetailLevel: "medium",
		SourceText: "article body", PrimaryModelID: "primary",
	})
	if err != nil {
		t.Fatalf("SubmitSummary: %v", err)
	}
	if decision.Kind != engine.StartNow {
		t.Fatalf("expected StartNow, got %v", decision.Kind)
	}
	t.Cleanup(func() { srv.coord.Cancel(owner) })

	req := httptest.NewRequest(http.MethodGet, "/api/snapshot", nil)
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	states, ok2 := body["states"].(map[string]any)
	if !ok2 || len(states) == 0 {
		t.Fatalf("expected at least one run state, got %v", body["states"])
	}
}
