package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hazyhaar/domlink/protocol"
	"github.com/hazyhaar/domlink/shield"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Shim and agent clients are local tooling, not browsers; origin
	// checking is the deployment proxy's job.
	CheckOrigin: func(*http.Request) bool { return true },
}

// RegisterRoutes mounts the relay API on r. The caller owns middleware; the
// bundled server in cmd/domlink applies shield.DefaultStack.
func (s *Service) RegisterRoutes(r chi.Router) {
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	// Shim → relay.
	r.Post("/api/events", s.handleEvents)

	// Agent ↔ relay.
	r.Get("/api/contexts", s.handleContexts)
	r.Post("/api/policy", s.handlePolicy)
	r.Route("/api/contexts/{ref}", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/history", s.handleHistory)
		r.Get("/capabilities", s.handleCapabilities)
		r.Get("/events", s.handleEventFeed)
		r.Get("/push", s.handlePush)
		r.Post("/commands", s.handleEnqueue)
		r.Get("/commands", s.handleClaim)
		r.Get("/commands/{requestID}", s.handleResult)
		r.Delete("/", s.handleDestroy)
	})
}

// handleEvents accepts one event or a JSON array of events. Each event is
// ingested independently; the first rejection aborts the batch.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, 400, err)
		return
	}
	var events []protocol.Event
	if trimmed := bytes.TrimLeft(body, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(body, &events)
	} else {
		var ev protocol.Event
		err = json.Unmarshal(body, &ev)
		events = append(events, ev)
	}
	if err != nil {
		writeError(w, 400, err)
		return
	}

	for _, ev := range events {
		if err := s.HandleEvent(r.Context(), ev); err != nil {
			s.writeMapped(w, r, err)
			return
		}
	}
	writeJSON(w, 202, map[string]any{"status": "accepted", "count": len(events)})
}

func (s *Service) handleContexts(w http.ResponseWriter, r *http.Request) {
	list, err := s.Contexts(r.Context())
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, 200, list)
}

func (s *Service) handleState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.State(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, 200, snap)
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.History(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, 200, snaps)
}

func (s *Service) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	caps, err := s.Capabilities(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, 200, caps)
}

func (s *Service) handleEventFeed(w http.ResponseWriter, r *http.Request) {
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	recs, err := s.Events(r.Context(), chi.URLParam(r, "ref"), after)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, 200, recs)
}

func (s *Service) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var cmd protocol.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, 400, err)
		return
	}
	cmd.ContextRef = chi.URLParam(r, "ref")
	prior, err := s.Enqueue(r.Context(), cmd)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	if prior != nil {
		// Replayed request ID: the stored result, not a second execution.
		writeJSON(w, 200, prior)
		return
	}
	writeJSON(w, 202, map[string]string{"status": "queued", "request_id": cmd.RequestID})
}

func (s *Service) handleClaim(w http.ResponseWriter, r *http.Request) {
	cmds, err := s.Claim(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, 200, cmds)
}

func (s *Service) handleResult(w http.ResponseWriter, r *http.Request) {
	res, found, err := s.Result(r.Context(), chi.URLParam(r, "ref"), chi.URLParam(r, "requestID"))
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	if !found {
		writeJSON(w, 404, map[string]string{"error": "result not available"})
		return
	}
	writeJSON(w, 200, res)
}

func (s *Service) handleDestroy(w http.ResponseWriter, r *http.Request) {
	if err := s.Destroy(r.Context(), chi.URLParam(r, "ref")); err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, 200, map[string]string{"status": "destroyed"})
}

func (s *Service) handlePolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContextRef string `json:"context_ref"`
		Command    string `json:"command"`
		Allowed    bool   `json:"allowed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	if req.Command == "" {
		writeJSON(w, 400, map[string]string{"error": "command is required"})
		return
	}
	if err := s.SetPolicyRule(r.Context(), req.ContextRef, req.Command, req.Allowed); err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

// handlePush upgrades to a websocket and streams the context's events as
// they arrive. One JSON message per event.
func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	if err := s.requireContext(r.Context(), ref); err != nil {
		s.writeMapped(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the error
	}
	defer conn.Close()

	ch, cancel := s.Subscribe(ref)
	defer cancel()

	// Drain the read side so close frames are processed; a dead client ends
	// the write loop by closing the subscription channel.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				conn.Close()
				return
			}
		}
	}()

	// The channel also closes when the context is destroyed or swept.
	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

// writeMapped translates service errors to HTTP statuses.
func (s *Service) writeMapped(w http.ResponseWriter, r *http.Request, err error) {
	log := shield.GetLogger(r.Context())
	switch {
	case errors.Is(err, ErrContextNotFound):
		writeJSON(w, 404, map[string]string{"error": "context not found"})
	case errors.Is(err, ErrNotAllowed):
		writeJSON(w, 403, map[string]string{"error": "command not allowed"})
	case errors.Is(err, ErrRateLimited):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, 429, map[string]string{"error": "rate limit exceeded"})
	case errors.Is(err, ErrInvalidEvent):
		writeError(w, 400, err)
	default:
		log.Error("relay: request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, 500, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
