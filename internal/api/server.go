// Package api is the localhost control surface the host UI talks to:
// JSON endpoints for every call operation plus an SSE stream of session
// snapshots, so a frontend never touches signaling or WebRTC directly.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/huddlekit/huddle/internal/call"
	"github.com/huddlekit/huddle/internal/proto"
	"github.com/huddlekit/huddle/internal/signal"
)

// Server serves the control API on a loopback address.
type Server struct {
	mgr   *call.Manager
	sig   *signal.Channel
	debug bool

	srv *http.Server
	ln  net.Listener
}

// New builds the server without binding it yet.
func New(addr string, mgr *call.Manager, sig *signal.Channel, debug bool) *Server {
	s := &Server{mgr: mgr, sig: sig, debug: debug}

	mux := http.NewServeMux()
	s.register(mux)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start binds the listener and serves in the background. The bind error (bad
// address, port in use) surfaces here; later serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("api listen on %s: %w", s.srv.Addr, err)
	}
	s.ln = ln
	log.Printf("API: listening on http://%s", ln.Addr())

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("API: serve error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.srv.Addr
	}
	return s.ln.Addr().String()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) register(mux *http.ServeMux) {
	// GET /api/call/state: current session view, or the final view of the
	// last session while idle.
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		snap, active := s.mgr.Snapshot()
		resp := map[string]any{
			"in_call":   active,
			"signaling": s.sig.State().String(),
		}
		if active || snap.CallID != "" {
			resp["session"] = snap
		}
		writeJSON(w, resp)
	})

	// GET /api/call/events streams one SSE event per session state change. Each
	// connection holds its own subscription, dropped on disconnect.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		snaps, cancel := s.mgr.Subscribe()
		defer cancel()

		fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-snaps:
				if !ok {
					return
				}
				data, err := json.Marshal(snap)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: session\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		TargetUserID int64  `json:"target_user_id"`
		CallType     string `json:"call_type"`
	}) {
		if req.TargetUserID <= 0 {
			http.Error(w, "missing target_user_id", http.StatusBadRequest)
			return
		}
		if err := s.mgr.StartCall(r.Context(), req.TargetUserID, callType(req.CallType)); err != nil {
			http.Error(w, fmt.Sprintf("start call failed: %v", err), statusFor(err))
			return
		}
		writeJSON(w, map[string]string{"status": "calling"})
	})

	// POST /api/call/start-group
	handlePost(mux, "/api/call/start-group", func(w http.ResponseWriter, r *http.Request, req struct {
		GroupID  int64  `json:"group_id"`
		CallType string `json:"call_type"`
	}) {
		if req.GroupID <= 0 {
			http.Error(w, "missing group_id", http.StatusBadRequest)
			return
		}
		if err := s.mgr.StartGroupCall(r.Context(), req.GroupID, callType(req.CallType)); err != nil {
			http.Error(w, fmt.Sprintf("start group call failed: %v", err), statusFor(err))
			return
		}
		writeJSON(w, map[string]string{"status": "calling"})
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := s.mgr.AcceptCall(r.Context()); err != nil {
			http.Error(w, fmt.Sprintf("accept failed: %v", err), statusFor(err))
			return
		}
		writeJSON(w, map[string]string{"status": "accepted"})
	})

	// POST /api/call/reject
	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		s.mgr.RejectCall()
		writeJSON(w, map[string]string{"status": "rejected"})
	})

	// POST /api/call/hangup
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		s.mgr.HangupCall()
		writeJSON(w, map[string]string{"status": "ended"})
	})

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		writeJSON(w, map[string]bool{"enabled": s.mgr.ToggleAudio()})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		writeJSON(w, map[string]bool{"enabled": s.mgr.ToggleVideo()})
	})

	// POST /api/call/switch-camera
	handlePost(mux, "/api/call/switch-camera", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := s.mgr.SwitchCamera(r.Context()); err != nil {
			http.Error(w, fmt.Sprintf("switch camera failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "switched"})
	})

	if !s.debug {
		return
	}

	// GET /api/call/debug: live link status plus the recent signaling
	// frame trace, for poking at a session without a UI. ?last=N trims
	// the trace to the newest N frames.
	handleGet(mux, "/api/call/debug", func(w http.ResponseWriter, r *http.Request) {
		n := 0
		if v := r.URL.Query().Get("last"); v != "" {
			n, _ = strconv.Atoi(v)
		}
		links := s.mgr.LinkStatus()
		writeJSON(w, map[string]any{
			"signaling":  s.sig.State().String(),
			"link_count": len(links),
			"links":      links,
			"trace":      s.sig.Trace(n),
		})
	})
}

// callType defaults to audio so a bare {"target_user_id":N} body works.
func callType(s string) proto.CallType {
	if s == string(proto.CallTypeVideo) {
		return proto.CallTypeVideo
	}
	return proto.CallTypeAudio
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, call.ErrAlreadyInCall):
		return http.StatusConflict
	case errors.Is(err, call.ErrMediaUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
