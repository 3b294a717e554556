package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"termgate/internal/audit"
	"termgate/internal/bridge"
	"termgate/internal/filter"
	"termgate/internal/shell"
)

type createSessionRequest struct {
	SessionID string `json:"session_id"` // minted when absent
	TenantID  int64  `json:"tenant_id"`
	ActorID   int64  `json:"actor_id"`
	HostID    int64  `json:"host_id"`
	IP        string `json:"ip"`

	// Per-session target overrides; defaults come from server config.
	Addr     string `json:"addr"`
	User     string `json:"user"`
	Password string `json:"password"`

	Term string `json:"term"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type inputRequest struct {
	Data string `json:"data"`
}

type inputResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type ruleRequest struct {
	TenantID  int64    `json:"tenant_id"`
	HostID    *int64   `json:"host_id"` // null for the tenant-global rule
	Mode      string   `json:"mode"`
	Whitelist []string `json:"whitelist"`
	Blacklist []string `json:"blacklist"`
	IsActive  bool     `json:"is_active"`
}

type purgeRequest struct {
	HostID   int64 `json:"host_id"`
	KeepDays int   `json:"keep_days"`
	ActorID  int64 `json:"actor_id"`
}

// handleCreate dials the target host, opens a PTY stream and registers a
// bridge for it. The whole setup is torn down on any failure — no
// half-created sessions survive.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	target := s.target
	if req.Addr != "" {
		target.Addr = req.Addr
	}
	if req.User != "" {
		target.User = req.User
	}
	if req.Password != "" {
		target.Password = req.Password
	}

	client, err := shell.Dial(target, nil)
	if err != nil {
		log.Printf("[API] session %s: dial failed: %v", req.SessionID, err)
		http.Error(w, "target host unreachable", http.StatusBadGateway)
		return
	}

	if req.Cols <= 0 {
		req.Cols = 80
	}
	if req.Rows <= 0 {
		req.Rows = 24
	}

	stream, err := client.OpenStream(req.Term, req.Cols, req.Rows)
	if err != nil {
		client.Close()
		log.Printf("[API] session %s: open stream failed: %v", req.SessionID, err)
		http.Error(w, "could not open shell stream", http.StatusBadGateway)
		return
	}

	var recorder *audit.Recorder
	if s.bridgeCfg.StoragePath != "" {
		recorder, err = audit.NewRecorder(s.bridgeCfg.StoragePath, req.SessionID, req.Cols, req.Rows)
		if err != nil {
			// Recording is best effort; the session still runs.
			log.Printf("[API] session %s: recorder unavailable: %v", req.SessionID, err)
		}
	}

	cfg := bridge.Config{
		Stream:          stream,
		Sink:            s.hub,
		Engine:          s.engine,
		Audit:           s.auditor,
		QueueSize:       s.bridgeCfg.QueueSize,
		OutputRateBytes: s.bridgeCfg.OutputRateBytes,
		Term:            req.Term,
		Cols:            req.Cols,
		Rows:            req.Rows,
	}
	if recorder != nil {
		cfg.Recorder = recorder
	}
	cfg.Notifier = s.closeNotifier()

	id := bridge.Identity{
		SessionID: req.SessionID,
		TenantID:  req.TenantID,
		ActorID:   req.ActorID,
		HostID:    req.HostID,
		IP:        req.IP,
	}

	if _, err := s.manager.Create(id, cfg); err != nil {
		stream.Close()
		if errors.Is(err, bridge.ErrDuplicateSession) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		log.Printf("[API] session %s: create failed: %v", req.SessionID, err)
		http.Error(w, "could not start session", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: req.SessionID})
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	b := s.manager.Get(mux.Vars(r)["id"])
	if b == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	accepted, reason := b.SendInput([]byte(req.Data))
	writeJSON(w, http.StatusOK, inputResponse{Accepted: accepted, Reason: reason})
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	b := s.manager.Get(mux.Vars(r)["id"])
	if b == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Cols <= 0 || req.Rows <= 0 {
		http.Error(w, "cols and rows must be positive", http.StatusBadRequest)
		return
	}

	if !b.Resize(req.Cols, req.Rows) {
		http.Error(w, "resize failed", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	if !s.manager.Remove(mux.Vars(r)["id"], "terminated by operator") {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Stats())
}

// handleRuleUpsert creates or replaces the filter rule for one
// (tenant, host) scope. The change takes effect on the next command check;
// in-flight sessions need no restart.
func (s *Server) handleRuleUpsert(w http.ResponseWriter, r *http.Request) {
	if s.rules == nil {
		http.Error(w, "rule administration requires a database", http.StatusServiceUnavailable)
		return
	}

	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TenantID <= 0 {
		http.Error(w, "tenant_id must be positive", http.StatusBadRequest)
		return
	}
	mode := filter.Mode(req.Mode)
	if mode != filter.ModeWhitelist && mode != filter.ModeBlacklist {
		http.Error(w, "mode must be \"whitelist\" or \"blacklist\"", http.StatusBadRequest)
		return
	}

	err := s.rules.UpsertRule(r.Context(), filter.Rule{
		TenantID:  req.TenantID,
		HostID:    req.HostID,
		Mode:      mode,
		Whitelist: req.Whitelist,
		Blacklist: req.Blacklist,
		IsActive:  req.IsActive,
	})
	if err != nil {
		log.Printf("[API] rule upsert failed: %v", err)
		http.Error(w, "rule upsert failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAuditQuery maps query parameters onto an audit.Filter. Unset
// parameters mean "any".
func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		TenantID:  parseInt64(q.Get("tenant_id")),
		HostID:    parseInt64(q.Get("host_id")),
		ActorID:   parseInt64(q.Get("actor_id")),
		SessionID: q.Get("session_id"),
		Status:    audit.Status(q.Get("status")),
		Limit:     int(parseInt64(q.Get("limit"))),
		Offset:    int(parseInt64(q.Get("offset"))),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "since must be RFC 3339", http.StatusBadRequest)
			return
		}
		f.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "until must be RFC 3339", http.StatusBadRequest)
			return
		}
		f.Until = t
	}

	entries, total, err := s.auditor.Query(r.Context(), f)
	if err != nil {
		log.Printf("[API] audit query failed: %v", err)
		http.Error(w, "audit query failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":   total,
		"entries": entries,
	})
}

func (s *Server) handleAuditPurge(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.HostID <= 0 || req.KeepDays <= 0 {
		http.Error(w, "host_id and keep_days must be positive", http.StatusBadRequest)
		return
	}

	deleted, err := s.auditor.Purge(r.Context(), req.HostID, req.KeepDays, req.ActorID)
	if err != nil {
		log.Printf("[API] audit purge failed: %v", err)
		http.Error(w, "audit purge failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] response encode failed: %v", err)
	}
}

func parseInt64(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
