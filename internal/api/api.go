// Package api serves the call-registration HTTP surface used by the
// telephony side: register a call to get its UDP ports, update its
// metadata, end it, and inspect what is running.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/MrWong99/aicc/internal/call"
	"github.com/MrWong99/aicc/internal/portpool"
)

// maxBodyBytes bounds request bodies. Registration payloads are tiny.
const maxBodyBytes = 64 << 10

// Registry is the part of [call.Registry] the API drives.
type Registry interface {
	Register(ctx context.Context, info call.Info) (*call.Session, error)
	End(ctx context.Context, id string) error
	Get(id string) (*call.Session, bool)
	List() []*call.Session
	SetMetadata(id, customerNumber, agentID string) error
	Stats() call.Stats
}

// StatsFunc returns one section of the /api/stats document.
type StatsFunc func() any

// Option is a functional option for [Server].
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithStats adds a named section to /api/stats.
func WithStats(name string, fn StatsFunc) Option {
	return func(s *Server) { s.stats[name] = fn }
}

// Server handles the /api routes.
type Server struct {
	reg   Registry
	log   *slog.Logger
	stats map[string]StatsFunc
}

// New creates a server backed by reg.
func New(reg Registry, opts ...Option) *Server {
	s := &Server{reg: reg, stats: make(map[string]StatsFunc)}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/calls", s.registerCall)
	mux.HandleFunc("GET /api/calls", s.listCalls)
	mux.HandleFunc("GET /api/calls/{id}", s.getCall)
	mux.HandleFunc("PATCH /api/calls/{id}", s.updateCall)
	mux.HandleFunc("DELETE /api/calls/{id}", s.endCall)
	mux.HandleFunc("GET /api/stats", s.getStats)
}

type registerRequest struct {
	CallID         string `json:"call_id"`
	CustomerNumber string `json:"customer_number"`
	AgentID        string `json:"agent_id"`
}

type registerResponse struct {
	Status       string `json:"status"`
	CallID       string `json:"call_id"`
	CustomerPort int    `json:"customer_port"`
	AgentPort    int    `json:"agent_port"`
}

type metadataRequest struct {
	CustomerNumber string `json:"customer_number"`
	AgentID        string `json:"agent_id"`
}

type statusResponse struct {
	Status string `json:"status"`
	CallID string `json:"call_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type listResponse struct {
	Calls []call.Snapshot `json:"calls"`
	Count int             `json:"count"`
}

func (s *Server) registerCall(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.CallID == "" {
		writeError(w, http.StatusBadRequest, "call_id is required")
		return
	}

	sess, err := s.reg.Register(r.Context(), call.Info{
		CallID:         req.CallID,
		CustomerNumber: req.CustomerNumber,
		AgentID:        req.AgentID,
	})
	switch {
	case errors.Is(err, call.ErrDuplicateRegistration):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, portpool.ErrPoolExhausted), errors.Is(err, call.ErrClosed):
		s.log.Warn("call rejected", "call_id", req.CallID, "err", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case errors.Is(err, call.ErrInvalidCallID):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.log.Error("register call", "call_id", req.CallID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{
		Status:       "registered",
		CallID:       sess.CallID,
		CustomerPort: sess.Ports.Customer,
		AgentPort:    sess.Ports.Agent,
	})
}

func (s *Server) listCalls(w http.ResponseWriter, _ *http.Request) {
	sessions := s.reg.List()
	resp := listResponse{Calls: make([]call.Snapshot, 0, len(sessions)), Count: len(sessions)}
	for _, sess := range sessions {
		resp.Calls = append(resp.Calls, sess.Snapshot())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getCall(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.reg.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) updateCall(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req metadataRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.reg.SetMetadata(id, req.CustomerNumber, req.AgentID); err != nil {
		if errors.Is(err, call.ErrUnknownCall) {
			writeError(w, http.StatusNotFound, "call not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "updated", CallID: id})
}

func (s *Server) endCall(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.reg.End(r.Context(), id)
	switch {
	case errors.Is(err, call.ErrUnknownCall):
		writeError(w, http.StatusNotFound, "call not found")
		return
	case err != nil:
		// The call is gone either way; teardown problems are only logged.
		s.log.Warn("call ended with errors", "call_id", id, "err", err)
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ended", CallID: id})
}

func (s *Server) getStats(w http.ResponseWriter, _ *http.Request) {
	doc := map[string]any{"calls": s.reg.Stats()}
	for name, fn := range s.stats {
		doc[name] = fn()
	}
	writeJSON(w, http.StatusOK, doc)
}

func decode(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return errors.New("invalid JSON body")
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
