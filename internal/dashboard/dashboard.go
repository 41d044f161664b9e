// Package dashboard serves a read-only JSON view of each repository's
// queue and attempt state. It follows internal/webhook's chi.Router-per-package
// shape; data comes from internal/coordinator.Worker's published Snapshot
// rather than the registry/queue directly, since those are single-writer-owned
// and not safe to read from an HTTP goroutine.
package dashboard

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/coordinatr/mergequeue/internal/coordinator"
)

// Source exposes one repository's latest published snapshot.
type Source interface {
	Snapshot() *coordinator.Snapshot
}

// Handler serves GET /status and GET /status/{owner}/{repo} across every registered
// repository.
type Handler struct {
	sources map[string]Source
}

// NewHandler returns an empty Handler; call Register per configured repo.
func NewHandler() *Handler {
	return &Handler{sources: make(map[string]Source)}
}

// Register wires repoID ("owner/name") to the worker serving its snapshot.
func (h *Handler) Register(repoID string, src Source) {
	h.sources[repoID] = src
}

// Routes returns the chi router serving this handler's endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.listRepos)
	r.Get("/status/{owner}/{repo}", h.oneRepo)
	return r
}

func (h *Handler) listRepos(w http.ResponseWriter, r *http.Request) {
	repoIDs := make([]string, 0, len(h.sources))
	for id := range h.sources {
		repoIDs = append(repoIDs, id)
	}
	sort.Strings(repoIDs)

	snapshots := make([]*coordinator.Snapshot, 0, len(repoIDs))
	for _, id := range repoIDs {
		if snap := h.sources[id].Snapshot(); snap != nil {
			snapshots = append(snapshots, snap)
		}
	}
	writeJSON(w, snapshots)
}

func (h *Handler) oneRepo(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "repo")
	src, ok := h.sources[repoID]
	if !ok {
		http.Error(w, "unknown repo", http.StatusNotFound)
		return
	}
	snap := src.Snapshot()
	if snap == nil {
		http.Error(w, "no snapshot yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, snap)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
