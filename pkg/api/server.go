// Package api exposes a read-only HTTP view onto a Call Manager's live
// calls, for the diagnostics/metrics collaborators SPEC_FULL.md calls
// out around Manager.CallCount/Manager.Calls. It never mutates Manager
// state.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/saorsa-labs/saorsa-webrtc/pkg/call"
	"github.com/saorsa-labs/saorsa-webrtc/pkg/logger"
)

// Server serves a JSON snapshot of a Manager's calls over HTTP.
type Server struct {
	manager    *call.Manager
	logger     *logger.Logger
	httpServer *http.Server
}

// CallInfo is the JSON shape of one call.Summary.
type CallInfo struct {
	CallID   string `json:"callId"`
	Remote   string `json:"remote"`
	State    string `json:"state"`
	IsCaller bool   `json:"isCaller"`
	AgeMs    int64  `json:"ageMs"`
}

// NewServer creates a Server over manager.
func NewServer(manager *call.Manager, log *logger.Logger) *Server {
	return &Server{manager: manager, logger: log}
}

// Start begins serving on addr in the background. It waits up to 100ms
// for ListenAndServe to fail (for example because addr is already in use)
// and returns that error; otherwise it returns nil without blocking on
// the server's lifetime.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/calls", s.handleGetCalls)
	mux.HandleFunc("/api/calls/count", s.handleGetCallCount)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.withCORS(s.withLogging(mux)),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if s.logger != nil {
		s.logger.Info("starting diagnostics HTTP server", "address", addr)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.logger != nil {
				s.logger.Error("diagnostics HTTP server error", "error", err)
			}
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop closes the HTTP server immediately, dropping any active
// connections; it does not wait for in-flight requests to finish.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	if s.logger != nil {
		s.logger.Info("stopping diagnostics HTTP server")
	}
	return s.httpServer.Close()
}

func (s *Server) handleGetCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	summaries := s.manager.Calls()
	infos := make([]CallInfo, 0, len(summaries))
	for _, c := range summaries {
		infos = append(infos, CallInfo{
			CallID:   c.ID.String(),
			Remote:   c.Remote,
			State:    c.State.String(),
			IsCaller: c.IsCaller,
			AgeMs:    c.Age.Milliseconds(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(infos); err != nil && s.logger != nil {
		s.logger.Error("failed to encode calls response", "error", err)
	}
}

func (s *Server) handleGetCallCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Count int `json:"count"`
	}{Count: s.manager.CallCount()})
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		if s.logger != nil {
			s.logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
			)
		}
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
