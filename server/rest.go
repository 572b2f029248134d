package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-pkgz/rest"

	"newsriver/pkg/lifecycle"
	"newsriver/pkg/store"
)

// statusHandler returns server status with store totals
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	items, err := s.store.CountItems(ctx)
	if err != nil {
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	groups, err := s.store.CountStoryGroups(ctx)
	if err != nil {
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	pending, err := s.store.PendingRemovals(ctx)
	if err != nil {
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}

	status := map[string]interface{}{
		"status":           "ok",
		"version":          s.version,
		"time":             time.Now().UTC(),
		"items":            items,
		"story_groups":     groups,
		"pending_removals": pending,
	}
	renderJSON(w, r, http.StatusOK, status)
}

// pollHandler triggers an immediate poll run and returns its result
func (s *Server) pollHandler(w http.ResponseWriter, r *http.Request) {
	result := s.scheduler.PollNow(r.Context())
	renderJSON(w, r, http.StatusOK, result)
}

// cleanupRequest selects a cleanup action, source_id is required only for
// markForDeletion
type cleanupRequest struct {
	Action   string `json:"action"`
	SourceID int64  `json:"source_id,omitempty"`
}

// cleanupHandler runs the requested lifecycle action
func (s *Server) cleanupHandler(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}

	action := lifecycle.Action(req.Action)
	switch action {
	case lifecycle.ActionMarkForDeletion, lifecycle.ActionDeleteMarked,
		lifecycle.ActionCleanupOrphans, lifecycle.ActionFull:
	default:
		renderError(w, r, fmt.Errorf("unknown action %q", req.Action), http.StatusBadRequest)
		return
	}

	if action == lifecycle.ActionMarkForDeletion && req.SourceID == 0 {
		renderError(w, r, fmt.Errorf("source_id is required for markForDeletion"), http.StatusBadRequest)
		return
	}

	result, err := s.lifecycle.Run(r.Context(), action, req.SourceID)
	if err != nil {
		log.Printf("[ERROR] cleanup action %s failed: %v", action, err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusOK, result)
}

// deleteSourceResponse is the deletion RPC contract
type deleteSourceResponse struct {
	Success     bool   `json:"success"`
	ItemsMarked int64  `json:"items_marked"`
	Error       string `json:"error,omitempty"`
}

// deleteSourceHandler marks the source's items for deletion and removes
// the source record
func (s *Server) deleteSourceHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		renderError(w, r, fmt.Errorf("invalid source ID"), http.StatusBadRequest)
		return
	}

	marked, err := s.lifecycle.DeleteSource(r.Context(), id)
	if err != nil {
		log.Printf("[ERROR] failed to delete source %d: %v", id, err)
		code := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			code = http.StatusNotFound
		}
		renderJSON(w, r, code, deleteSourceResponse{Success: false, ItemsMarked: marked, Error: err.Error()})
		return
	}

	renderJSON(w, r, http.StatusOK, deleteSourceResponse{Success: true, ItemsMarked: marked})
}

// listSourcesHandler returns all sources with their health state
func (s *Server) listSourcesHandler(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.GetSources(r.Context())
	if err != nil {
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusOK, sources)
}

// createSourceRequest is the operator seed payload
type createSourceRequest struct {
	URL          string `json:"url"`
	Name         string `json:"name"`
	PollInterval int    `json:"poll_interval_minutes,omitempty"`
}

// createSourceHandler seeds a new pollable source
func (s *Server) createSourceHandler(w http.ResponseWriter, r *http.Request) {
	var req createSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		renderError(w, r, fmt.Errorf("url is required"), http.StatusBadRequest)
		return
	}

	src := &store.Source{
		URL:          req.URL,
		Name:         req.Name,
		Active:       true,
		PollInterval: req.PollInterval,
	}
	if err := s.store.CreateSource(r.Context(), src); err != nil {
		log.Printf("[ERROR] failed to create source: %v", err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusCreated, src)
}

// setSourceActiveRequest flips a source's active flag
type setSourceActiveRequest struct {
	Active bool `json:"active"`
}

// setSourceActiveHandler re-enables (or disables) a source, the operator
// path back from auto-disable
func (s *Server) setSourceActiveHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		renderError(w, r, fmt.Errorf("invalid source ID"), http.StatusBadRequest)
		return
	}

	var req setSourceActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}

	if err := s.store.SetSourceActive(r.Context(), id, req.Active); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			code = http.StatusNotFound
		}
		renderError(w, r, err, code)
		return
	}
	renderJSON(w, r, http.StatusOK, rest.JSON{"id": id, "active": req.Active})
}
