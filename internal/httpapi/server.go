// Package httpapi exposes the sync control surface: launch and cancel channel
// syncs, run catalog and repair passes, inspect task state.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teamtrace/teamtrace/internal/creds"
	"github.com/teamtrace/teamtrace/internal/store"
	"github.com/teamtrace/teamtrace/internal/syncer"
)

type ServerConfig struct {
	// APIToken guards every route except /health. Empty disables auth;
	// intended for tests and local runs only.
	APIToken     string
	MaxBodyBytes int64
	// CatalogTimeout bounds the synchronous catalog listing pass.
	CatalogTimeout time.Duration
}

type Server struct {
	store     store.Store
	syncer    *syncer.Syncer
	scheduler *syncer.Scheduler
	cfg       ServerConfig
	schemas   *requestSchemas
}

func NewServer(st store.Store, sy *syncer.Syncer, sched *syncer.Scheduler, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.CatalogTimeout <= 0 {
		cfg.CatalogTimeout = 5 * time.Minute
	}
	return &Server{
		store:     st,
		syncer:    sy,
		scheduler: sched,
		cfg:       cfg,
		schemas:   mustCompileSchemas(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", correlationID)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")

	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "sync" && parts[2] == "tasks" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"tasks": s.scheduler.Tasks()})
		return
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "sync" && parts[2] == "tasks" && r.Method == http.MethodGet:
		s.handleTask(w, parts[3], correlationID)
		return
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "sync" && parts[2] == "tasks" && parts[4] == "cancel" && r.Method == http.MethodPost:
		s.handleTaskCancel(w, parts[3], correlationID)
		return
	}

	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "workspaces" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	workspaceID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "workspace id must be numeric", correlationID)
		return
	}

	switch {
	case len(parts) == 4 && parts[3] == "channels" && r.Method == http.MethodGet:
		s.handleListChannels(w, r, workspaceID, correlationID)
	case len(parts) == 5 && parts[3] == "catalog" && parts[4] == "sync" && r.Method == http.MethodPost:
		s.handleCatalogSync(w, r, workspaceID, correlationID)
	case len(parts) == 6 && parts[3] == "channels" && parts[5] == "sync" && r.Method == http.MethodPost:
		s.handleChannelSync(w, r, workspaceID, parts[4], correlationID)
	case len(parts) == 6 && parts[3] == "channels" && parts[5] == "backfill-replies" && r.Method == http.MethodPost:
		s.handleBackfillReplies(w, r, workspaceID, parts[4], correlationID)
	case len(parts) == 6 && parts[3] == "repairs" && parts[4] == "thread-flags" && parts[5] == "run" && r.Method == http.MethodPost:
		s.handleRepairThreadFlags(w, r, workspaceID, correlationID)
	case len(parts) == 6 && parts[3] == "repairs" && parts[4] == "user-references" && parts[5] == "run" && r.Method == http.MethodPost:
		s.handleRepairUserReferences(w, r, workspaceID, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.APIToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix)) == s.cfg.APIToken
}

func (s *Server) handleTask(w http.ResponseWriter, taskID, correlationID string) {
	snapshot, ok := s.scheduler.Task(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "task not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, taskID, correlationID string) {
	if !s.scheduler.Cancel(taskID) {
		writeError(w, http.StatusNotFound, "not_found", "task not found", correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": taskID, "status": "cancelling"})
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request, workspaceID int64, correlationID string) {
	includeArchived := r.URL.Query().Get("includeArchived") == "true"
	channels, err := s.store.ListChannels(r.Context(), workspaceID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if !includeArchived {
		live := channels[:0]
		for _, ch := range channels {
			if !ch.IsArchived {
				live = append(live, ch)
			}
		}
		channels = live
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

func (s *Server) handleCatalogSync(w http.ResponseWriter, r *http.Request, workspaceID int64, correlationID string) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CatalogTimeout)
	defer cancel()
	report, err := s.syncer.SyncCatalog(ctx, workspaceID)
	if err != nil {
		s.writeSyncError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleChannelSync(w http.ResponseWriter, r *http.Request, workspaceID int64, rawChannelID, correlationID string) {
	channelID, err := strconv.ParseInt(rawChannelID, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "channel id must be numeric", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if err := s.schemas.validate(s.schemas.channelSync, body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), correlationID)
		return
	}
	var req struct {
		StartDate      *time.Time `json:"startDate"`
		EndDate        *time.Time `json:"endDate"`
		IncludeReplies bool       `json:"includeReplies"`
		SyncThreads    bool       `json:"syncThreads"`
		ThreadDays     int        `json:"threadDays"`
		BatchSize      int        `json:"batchSize"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}

	snapshot, err := s.scheduler.Launch(syncer.SyncParams{
		WorkspaceID:    workspaceID,
		ChannelID:      channelID,
		StartDate:      req.StartDate,
		EndDate:        req.EndDate,
		IncludeReplies: req.IncludeReplies,
		SyncThreads:    req.SyncThreads,
		ThreadDays:     req.ThreadDays,
		BatchSize:      req.BatchSize,
	})
	if err != nil {
		if errors.Is(err, syncer.ErrSyncInFlight) {
			writeError(w, http.StatusConflict, "sync_in_flight", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, snapshot)
}

func (s *Server) handleBackfillReplies(w http.ResponseWriter, r *http.Request, workspaceID int64, rawChannelID, correlationID string) {
	channelID, err := strconv.ParseInt(rawChannelID, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "channel id must be numeric", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if err := s.schemas.validate(s.schemas.backfill, body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), correlationID)
		return
	}
	var req struct {
		Force      bool `json:"force"`
		ThreadDays int  `json:"threadDays"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	report, err := s.syncer.BackfillThreadReplies(r.Context(), syncer.BackfillParams{
		WorkspaceID: workspaceID,
		ChannelID:   channelID,
		Force:       req.Force,
		ThreadDays:  req.ThreadDays,
	})
	if err != nil {
		s.writeSyncError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRepairThreadFlags(w http.ResponseWriter, r *http.Request, workspaceID int64, correlationID string) {
	repaired, err := s.syncer.RepairThreadParentFlags(r.Context(), workspaceID)
	if err != nil {
		s.writeSyncError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"repaired": repaired})
}

func (s *Server) handleRepairUserReferences(w http.ResponseWriter, r *http.Request, workspaceID int64, correlationID string) {
	var channelID *int64
	if raw := strings.TrimSpace(r.URL.Query().Get("channelId")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "channelId must be numeric", correlationID)
			return
		}
		channelID = &id
	}
	linked, err := s.syncer.FixUserReferences(r.Context(), workspaceID, channelID)
	if err != nil {
		s.writeSyncError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"linked": linked})
}

func (s *Server) writeSyncError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, syncer.ErrWorkspaceNotFound), errors.Is(err, syncer.ErrChannelNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, creds.ErrNotConnected):
		writeError(w, http.StatusConflict, "not_connected", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, store.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
