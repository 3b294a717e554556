// Package api is the thin HTTP control surface over the bridge manager and
// audit logger. It creates and tears down sessions; the interactive data
// path itself never crosses this package.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"termgate/internal/audit"
	"termgate/internal/bridge"
	"termgate/internal/delivery"
	"termgate/internal/filter"
	"termgate/internal/models"
	"termgate/internal/shell"
)

// RuleWriter persists filter rules. Nil when the process runs without a
// database; rule administration is then unavailable.
type RuleWriter interface {
	UpsertRule(ctx context.Context, r filter.Rule) error
}

// Server wires the control endpoints to their collaborators.
type Server struct {
	manager   *bridge.Manager
	engine    *filter.Engine
	rules     RuleWriter
	auditor   *audit.Logger
	hub       *delivery.Hub
	target    shell.Config // defaults merged into per-session params
	bridgeCfg BridgeDefaults
	http      *http.Server
}

// BridgeDefaults carries per-session limits applied to every new bridge.
type BridgeDefaults struct {
	QueueSize       int
	OutputRateBytes int
	StoragePath     string // .cast recording dir; empty disables
}

// NewServer creates the control-surface server listening on addr.
func NewServer(
	addr string,
	manager *bridge.Manager,
	engine *filter.Engine,
	rules RuleWriter,
	auditor *audit.Logger,
	hub *delivery.Hub,
	target shell.Config,
	defaults BridgeDefaults,
) *Server {
	s := &Server{
		manager:   manager,
		engine:    engine,
		rules:     rules,
		auditor:   auditor,
		hub:       hub,
		target:    target,
		bridgeCfg: defaults,
	}

	r := mux.NewRouter()
	r.HandleFunc("/sessions", s.handleCreate).Methods("POST")
	r.HandleFunc("/sessions/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/sessions/{id}/input", s.handleInput).Methods("POST")
	r.HandleFunc("/sessions/{id}/resize", s.handleResize).Methods("POST")
	r.HandleFunc("/sessions/{id}", s.handleTerminate).Methods("DELETE")
	r.HandleFunc("/filters", s.handleRuleUpsert).Methods("PUT")
	r.HandleFunc("/audit", s.handleAuditQuery).Methods("GET")
	r.HandleFunc("/audit/purge", s.handleAuditPurge).Methods("POST")

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Start begins serving and blocks until the context is cancelled, then
// shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[API] control surface listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// closeNotifier releases a session's delivery resources when its bridge
// stops, whatever the cause.
func (s *Server) closeNotifier() models.CloseNotifier {
	return models.CloseNotifierFunc(func(sessionID, reason string) {
		s.hub.Drop(sessionID)
	})
}
