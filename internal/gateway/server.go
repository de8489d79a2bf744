package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mercury-rss/agentcore/internal/engine"
	"github.com/mercury-rss/agentcore/internal/gateway/ws"
	rt "github.com/mercury-rss/agentcore/internal/runtime"
)

// Server exposes the Agent Runtime Engine over HTTP and WebSocket: a
// health check, a one-shot snapshot endpoint, and the WS hub that streams
// Display-Ownership-Projector text and accepts submit/cancel methods.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	coord      *Coordinator
	host       string
	port       int
}

// NewServer builds the gateway's HTTP router and WS hub over coord.
func NewServer(coord *Coordinator, host string, port int) *Server {
	hub := ws.NewHub(coord.eng, NewCoordinatorAdapter(coord))
	coord.SetTokenSink(hub)

	s := &Server{hub: hub, coord: coord, host: host, port: port}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ws", hub.ServeWS)
	r.Get("/api/snapshot", s.handleSnapshot)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: r,
	}
	return s
}

// Start listens on host:port and serves until Shutdown is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("agentcore gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the hub and the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.coord.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snapshotView(snap))
}

// runStateView is the JSON-friendly rendering of an rt.RunState, keyed by
// owner string rather than struct.
type runStateView struct {
	Owner          string `json:"owner"`
	TaskID         string `json:"task_id"`
	ActiveToken    string `json:"active_token,omitempty"`
	Phase          string `json:"phase"`
	StatusText     string `json:"status_text,omitempty"`
	Progress       *int   `json:"progress,omitempty"`
	TerminalReason string `json:"terminal_reason,omitempty"`
}

// snapshotView flattens engine.Snapshot into plain maps and slices:
// encoding/json cannot use rt.Owner struct keys as object keys directly.
func snapshotView(snap engine.Snapshot) map[string]any {
	states := make(map[string]runStateView, len(snap.States))
	for o, st := range snap.States {
		states[o.String()] = runStateView{
			Owner:          o.String(),
			TaskID:         string(st.TaskID),
			ActiveToken:    string(st.ActiveToken),
			Phase:          string(st.Phase),
			StatusText:     st.StatusText,
			Progress:       st.Progress,
			TerminalReason: string(st.TerminalReason),
		}
	}

	active := make(map[string][]string, len(snap.Active))
	for kind, owners := range snap.Active {
		active[string(kind)] = ownerStrings(owners)
	}
	waiting := make(map[string][]string, len(snap.Waiting))
	for kind, owners := range snap.Waiting {
		waiting[string(kind)] = ownerStrings(owners)
	}

	return map[string]any{"active": active, "waiting": waiting, "states": states}
}

func ownerStrings(owners []rt.Owner) []string {
	out := make([]string, len(owners))
	for i, o := range owners {
		out[i] = o.String()
	}
	return out
}
