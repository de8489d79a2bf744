package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/mercury-rss/agentcore/internal/engine"
	"github.com/mercury-rss/agentcore/internal/projector"
	rt "github.com/mercury-rss/agentcore/internal/runtime"
)

// Client represents a connected WebSocket client. watchedEntryID is the
// entry currently displayed by this client, per the Display-Ownership
// Projector; nil means the client has not picked one yet and
// sees nothing but frame responses.
type Client struct {
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	watchedEntryID *int64
}

// Hub manages WebSocket clients and bridges them to the engine's event
// stream, filtered per client by the Display-Ownership Projector.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]struct{}
	tasks       TaskHandler
	unsubscribe func()
}

// NewHub creates a new WebSocket hub bridging eng's event stream to
// clients and dispatching task methods to tasks.
func NewHub(eng *engine.Engine, tasks TaskHandler) *Hub {
	h := &Hub{
		clients: make(map[*Client]struct{}),
		tasks:   tasks,
	}

	events, unsubscribe := eng.Events()
	h.unsubscribe = unsubscribe
	go h.pump(events)

	return h
}

// pump projects every engine event for each watching client and forwards
// the visible ones as event frames.
func (h *Hub) pump(events <-chan engine.Event) {
	for ev := range events {
		h.mu.RLock()
		clients := make([]*Client, 0, len(h.clients))
		for c := range h.clients {
			clients = append(clients, c)
		}
		h.mu.RUnlock()

		for _, c := range clients {
			h.deliver(c, ev)
		}
	}
}

func (h *Hub) deliver(c *Client, ev engine.Event) {
	h.mu.RLock()
	watched := c.watchedEntryID
	h.mu.RUnlock()
	if watched == nil {
		return
	}

	text, visible := projector.Project(ev, *watched)
	if !visible {
		return
	}

	payload := map[string]any{
		"task_kind": ev.Owner.Kind,
		"entry_id":  ev.Owner.EntryID,
		"slot_key":  ev.Owner.SlotKey,
		"kind":      string(ev.Kind),
		"text":      text,
	}
	if ev.Kind == engine.EventTerminal {
		payload["phase"] = string(ev.Phase)
		payload["reason"] = string(ev.Terminal)
	}

	frame, err := NewEventFrame(string(ev.Kind), "", payload)
	if err != nil {
		slog.Error("marshal event frame", "error", err)
		return
	}
	data, err := MarshalFrame(frame)
	if err != nil {
		slog.Error("marshal frame", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// PublishToken forwards one streamed summary token to every client
// watching owner's entry.
func (h *Hub) PublishToken(owner rt.Owner, token string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.watchedEntryID == nil || *c.watchedEntryID != owner.EntryID {
			continue
		}
		frame, err := NewEventFrame("token", "", map[string]any{
			"entry_id": owner.EntryID,
			"slot_key": owner.SlotKey,
			"text":     token,
		})
		if err != nil {
			continue
		}
		data, err := MarshalFrame(frame)
		if err != nil {
			continue
		}
		select {
		case c.send <- data:
		default:
		}
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	slog.Info("ws client connected", "clients", len(h.clients))
}

func (h *Hub) unregisterClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	slog.Info("ws client disconnected", "clients", len(h.clients))
}

// ServeWS handles a WebSocket upgrade and manages the client lifecycle.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // dev: allow any origin
	})
	if err != nil {
		slog.Error("ws accept", "error", err)
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}

	h.register(client)

	ctx := r.Context()
	go client.writePump(ctx)
	client.readPump(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregisterClient(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("ws read closed", "status", websocket.CloseStatus(err))
			} else {
				slog.Debug("ws read error", "error", err)
			}
			return
		}

		frame, err := UnmarshalFrame(data)
		if err != nil {
			slog.Error("ws unmarshal frame", "error", err)
			continue
		}

		c.handleFrame(ctx, frame)
	}
}

func (c *Client) handleFrame(ctx context.Context, frame Frame) {
	if frame.Type != FrameTypeRequest {
		slog.Debug("ws unknown frame type", "type", frame.Type)
		return
	}

	switch Method(frame.Method) {
	case MethodWatchEntry:
		c.handleWatchEntry(ctx, frame)
	case MethodSubmitSummary:
		c.handleSubmitSummary(ctx, frame)
	case MethodSubmitTranslation:
		c.handleSubmitTranslation(ctx, frame)
	case MethodCancelTask:
		c.handleCancelTask(ctx, frame)
	case MethodSnapshot:
		c.sendOK(ctx, frame.ID, c.hub.tasks.Snapshot())
	case MethodPersistedSummary:
		c.handlePersistedSummary(ctx, frame)
	case MethodPersistedTranslation:
		c.handlePersistedTranslation(ctx, frame)
	default:
		c.sendError(ctx, frame.ID, "unknown method: "+frame.Method)
	}
}

func (c *Client) handleWatchEntry(ctx context.Context, frame Frame) {
	var params struct {
		EntryID int64 `json:"entry_id"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		c.sendError(ctx, frame.ID, "invalid params")
		return
	}
	c.hub.mu.Lock()
	id := params.EntryID
	c.watchedEntryID = &id
	c.hub.mu.Unlock()
	c.sendOK(ctx, frame.ID, map[string]string{"status": "watching"})
}

func (c *Client) handleSubmitSummary(ctx context.Context, frame Frame) {
	var params struct {
		EntryID               int64  `json:"entry_id"`
		TargetLanguage        string `json:"target_language"`
		TargetLanguageDisplay string `json:"target_language_display"`
		DetailLevel           string `json:"detail_level"`
		SourceText            string `json:"source_text"`
		PrimaryModel          string `json:"primary_model_id"`
		FallbackModel         string `json:"fallback_model_id"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		c.sendError(ctx, frame.ID, "invalid params")
		return
	}

	result, err := c.hub.tasks.SubmitSummary(params.EntryID, params.TargetLanguage, params.TargetLanguageDisplay,
		params.DetailLevel, params.SourceText, params.PrimaryModel, params.FallbackModel)
	if err != nil {
		c.sendError(ctx, frame.ID, err.Error())
		return
	}
	c.sendOK(ctx, frame.ID, result)
}

func (c *Client) handleSubmitTranslation(ctx context.Context, frame Frame) {
	var params struct {
		EntryID               int64          `json:"entry_id"`
		TargetLanguage        string         `json:"target_language"`
		TargetLanguageDisplay string         `json:"target_language_display"`
		Segments              []SegmentInput `json:"segments"`
		SourceContentHash     string         `json:"source_content_hash"`
		SegmenterVersion      string         `json:"segmenter_version"`
		PrimaryModel          string         `json:"primary_model_id"`
		FallbackModel         string         `json:"fallback_model_id"`
		ConcurrencyDegree     int            `json:"concurrency_degree"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		c.sendError(ctx, frame.ID, "invalid params")
		return
	}

	result, err := c.hub.tasks.SubmitTranslation(params.EntryID, params.TargetLanguage, params.TargetLanguageDisplay,
		params.Segments, params.SourceContentHash, params.SegmenterVersion, params.PrimaryModel, params.FallbackModel,
		params.ConcurrencyDegree)
	if err != nil {
		c.sendError(ctx, frame.ID, err.Error())
		return
	}
	c.sendOK(ctx, frame.ID, result)
}

func (c *Client) handleCancelTask(ctx context.Context, frame Frame) {
	var params struct {
		TaskKind string `json:"task_kind"`
		EntryID  int64  `json:"entry_id"`
		SlotKey  string `json:"slot_key"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		c.sendError(ctx, frame.ID, "invalid params")
		return
	}
	if err := c.hub.tasks.Cancel(params.TaskKind, params.EntryID, params.SlotKey); err != nil {
		c.sendError(ctx, frame.ID, err.Error())
		return
	}
	c.sendOK(ctx, frame.ID, map[string]string{"status": "cancelled"})
}

func (c *Client) handlePersistedSummary(ctx context.Context, frame Frame) {
	var params struct {
		EntryID        int64  `json:"entry_id"`
		TargetLanguage string `json:"target_language"`
		DetailLevel    string `json:"detail_level"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		c.sendError(ctx, frame.ID, "invalid params")
		return
	}
	result, err := c.hub.tasks.PersistedSummary(params.EntryID, params.TargetLanguage, params.DetailLevel)
	if err != nil {
		c.sendError(ctx, frame.ID, err.Error())
		return
	}
	c.sendOK(ctx, frame.ID, result)
}

func (c *Client) handlePersistedTranslation(ctx context.Context, frame Frame) {
	var params struct {
		EntryID           int64  `json:"entry_id"`
		TargetLanguage    string `json:"target_language"`
		SourceContentHash string `json:"source_content_hash"`
		SegmenterVersion  string `json:"segmenter_version"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		c.sendError(ctx, frame.ID, "invalid params")
		return
	}
	result, err := c.hub.tasks.PersistedTranslation(params.EntryID, params.TargetLanguage, params.SourceContentHash, params.SegmenterVersion)
	if err != nil {
		c.sendError(ctx, frame.ID, err.Error())
		return
	}
	c.sendOK(ctx, frame.ID, result)
}

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) sendOK(ctx context.Context, id string, payload any) {
	f, err := NewResponseFrame(id, true, payload, "")
	if err != nil {
		return
	}
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) sendError(ctx context.Context, id string, errMsg string) {
	f, err := NewResponseFrame(id, false, nil, errMsg)
	if err != nil {
		return
	}
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// Close shuts down the hub, its engine subscription, and all client
// connections.
func (h *Hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		delete(h.clients, c)
	}
}
