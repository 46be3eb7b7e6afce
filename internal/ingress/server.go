// Package ingress is the local HTTP listener the agent's hooks and scripts
// call back into: interim updates, proactive sends, channel discovery. It
// binds loopback only and is never exposed to the network.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/clawbridge/internal/channels"
	"github.com/nextlevelbuilder/clawbridge/internal/routing"
)

// Server serves the callback API.
type Server struct {
	router     *routing.Router
	limiter    *Limiter
	httpServer *http.Server
	addr       string
}

// NewServer creates the ingress server. rpm caps callbacks per client per
// minute; 0 disables the cap.
func NewServer(router *routing.Router, host string, port, rpm int) *Server {
	s := &Server{
		router:  router,
		limiter: NewLimiter(rpm),
		addr:    net.JoinHostPort(host, fmt.Sprintf("%d", port)),
	}
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.buildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) buildMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /callback", s.handleCallback)
	mux.HandleFunc("POST /message", s.handleMessage)
	mux.HandleFunc("GET /channels", s.handleChannels)
	return s.withRateLimit(mux)
}

// Handler exposes the routed mux for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	slog.Info("ingress listening", "addr", s.addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiter.Allow(host) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("ingress response write failed", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type callbackRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Type      string `json:"type,omitempty"`
}

// handleCallback posts an interim update into the thread of an in-flight
// invocation. 404 means nothing routed: unknown session or no active run.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.SessionID == "" || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session_id and message are required"})
		return
	}

	if !s.router.SendUpdate(r.Context(), req.SessionID, req.Message, req.Type) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"error":   "no active invocation for session",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type messageRequest struct {
	SessionID string `json:"session_id"`
	Platform  string `json:"platform"`
	ChannelID string `json:"channel_id"`
	Message   string `json:"message"`
	ThreadTS  string `json:"thread_ts,omitempty"`
}

// handleMessage posts a message to an explicit channel. session_id identifies
// the calling invocation; routing goes by platform and channel alone.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.SessionID == "" || req.ChannelID == "" || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session_id, channel_id and message are required"})
		return
	}
	platform, ok := channels.ParsePlatform(req.Platform)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown platform %q", req.Platform)})
		return
	}

	result := s.router.SendToChannel(r.Context(), routing.Target{
		Platform:  platform,
		ChannelID: req.ChannelID,
		ThreadID:  req.ThreadTS,
		Message:   req.Message,
	})
	if !result.Success {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"success": false,
			"error":   result.Error,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"messageId": result.MessageID,
		"threadTs":  result.ThreadID,
	})
}

// handleChannels lists the channels reachable for a session's platform plus
// everything statically configured.
func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session_id is required"})
		return
	}
	out := s.router.ListAvailableChannels(r.Context(), sessionID)
	writeJSON(w, http.StatusOK, map[string]any{"channels": out})
}
