// internal/api/handlers.go
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"tigdiff/internal/buffer"
	"tigdiff/internal/engine"
	tigerrors "tigdiff/internal/errors"
	"tigdiff/internal/logging"
	"tigdiff/internal/project"
	"tigdiff/internal/scan"
	"tigdiff/internal/vcs"
)

const maxCommitLimit = 1000

// Handler serves the repository, commit and diff endpoints.
type Handler struct {
	store       *project.Store
	backend     vcs.Backend
	containers  *scan.Set
	recentLimit int
	logger      *logging.Logger
}

func NewHandler(store *project.Store, backend vcs.Backend, containers *scan.Set, recentLimit int, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	if recentLimit <= 0 {
		recentLimit = 50
	}
	return &Handler{
		store:       store,
		backend:     backend,
		containers:  containers,
		recentLimit: recentLimit,
		logger:      logger,
	}
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthCheck)
	mux.HandleFunc("GET /api/repositories", h.Repositories)
	mux.HandleFunc("GET /api/commits", h.Commits)
	mux.HandleFunc("POST /api/changes/{id}/edit", h.EditChange)
	mux.HandleFunc("POST /api/changes/{id}/describe", h.DescribeChange)
	mux.HandleFunc("GET /api/diff", h.Diff)
	mux.HandleFunc("GET /api/blame", h.Blame)
	mux.HandleFunc("GET /api/status", h.Status)
	return mux
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type RepositoriesResponse struct {
	Tig []project.RepositorySummary `json:"tig"`
	Git []vcs.Repository            `json:"git"`
}

func (h *Handler) Repositories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, RepositoriesResponse{
		Tig: h.store.Repositories(),
		Git: h.backend.Repositories(),
	})
}

func (h *Handler) Commits(w http.ResponseWriter, r *http.Request) {
	repoID, err := optionalRepoID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit := h.recentLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxCommitLimit {
			h.writeError(w, r, tigerrors.ValidationError(fmt.Sprintf("limit must be between 1 and %d", maxCommitLimit)))
			return
		}
		limit = n
	}

	task, ok := h.store.RecentCommits(r.Context(), repoID, limit)
	if !ok {
		h.writeError(w, r, tigerrors.NotFound("repository not tracked"))
		return
	}
	commits, err := task.Await(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commits)
}

type ChangeRequest struct {
	Repository  *scan.EntryID `json:"repository"`
	Description *string       `json:"description"`
}

func (h *Handler) decodeChange(r *http.Request) (scan.EntryID, engine.ChangeID, ChangeRequest, error) {
	var req ChangeRequest
	change := engine.ChangeID(r.PathValue("id"))
	if change == "" {
		return 0, "", req, tigerrors.ValidationError("missing change id")
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return 0, "", req, tigerrors.ValidationError("invalid request body")
		}
	}
	if req.Repository != nil {
		return *req.Repository, change, req, nil
	}
	repos := h.store.Repositories()
	if len(repos) == 0 {
		return 0, "", req, tigerrors.NotFound("no repositories tracked")
	}
	return repos[0].ID, change, req, nil
}

func (h *Handler) EditChange(w http.ResponseWriter, r *http.Request) {
	repoID, change, _, err := h.decodeChange(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	task, ok := h.store.EditChange(r.Context(), repoID, change)
	if !ok {
		h.writeError(w, r, tigerrors.NotFound("repository not tracked"))
		return
	}
	if _, err := task.Await(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DescribeChange(w http.ResponseWriter, r *http.Request) {
	repoID, change, req, err := h.decodeChange(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Description == nil {
		h.writeError(w, r, tigerrors.ValidationError("description is required"))
		return
	}
	task, ok := h.store.RenameChange(r.Context(), repoID, change, *req.Description)
	if !ok {
		h.writeError(w, r, tigerrors.NotFound("repository not tracked"))
		return
	}
	if _, err := task.Await(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type DiffResponse struct {
	Path      string `json:"path"`
	BaseFound bool   `json:"base_found"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Patch     string `json:"patch"`
}

// Diff diffs a file on disk against its base. kind=unstaged compares with
// the index where the backend has one; the default is uncommitted.
func (h *Handler) Diff(w http.ResponseWriter, r *http.Request) {
	buf, err := h.openBuffer(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	open := h.backend.OpenUncommittedDiff
	switch r.URL.Query().Get("kind") {
	case "", "uncommitted":
	case "unstaged":
		open = h.backend.OpenUnstagedDiff
	default:
		h.writeError(w, r, tigerrors.ValidationError("kind must be unstaged or uncommitted"))
		return
	}
	d, err := open(r.Context(), buf).Await(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	// The diff is only needed for this response.
	defer d.Release()

	_, found := d.BaseText()
	result := d.Result()
	writeJSON(w, http.StatusOK, DiffResponse{
		Path:      buf.File().AbsPath,
		BaseFound: found,
		Additions: result.Stats.Additions,
		Deletions: result.Stats.Deletions,
		Patch:     result.Format(),
	})
}

func (h *Handler) Blame(w http.ResponseWriter, r *http.Request) {
	buf, err := h.openBuffer(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	lines, err := h.backend.BlameBuffer(r.Context(), buf).Await(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

type StatusResponse struct {
	Path    string `json:"path"`
	Tracked bool   `json:"in_repository"`
	Status  string `json:"status"`
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	buf, err := h.openBuffer(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	st, ok, err := h.backend.StatusForBuffer(r.Context(), buf)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Path: buf.File().AbsPath, Tracked: ok, Status: st.String()})
}

// openBuffer loads the file named by the container and path query
// parameters. path is relative to the container root.
func (h *Handler) openBuffer(r *http.Request) (*buffer.Buffer, error) {
	q := r.URL.Query()
	cid, err := strconv.ParseUint(q.Get("container"), 10, 64)
	if err != nil {
		return nil, tigerrors.ValidationError("container must be a numeric id")
	}
	c, ok := h.containers.Container(scan.ContainerID(cid))
	if !ok {
		return nil, tigerrors.NotFound(fmt.Sprintf("container %d not found", cid))
	}
	rel := q.Get("path")
	if rel == "" || filepath.IsAbs(rel) {
		return nil, tigerrors.ValidationError("path must be relative to the container root")
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return nil, tigerrors.ValidationError("path escapes the container root")
	}
	buf, err := buffer.Open(c.ID(), filepath.Join(c.Root(), clean))
	if err != nil {
		return nil, tigerrors.IO("open buffer", err)
	}
	return buf, nil
}

func optionalRepoID(r *http.Request) (*scan.EntryID, error) {
	s := r.URL.Query().Get("repo")
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return nil, tigerrors.ValidationError("repo must be a numeric id")
	}
	id := scan.EntryID(n)
	return &id, nil
}

type ErrorResponse struct {
	Kind    tigerrors.Kind `json:"kind"`
	Message string         `json:"message"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	kind := tigerrors.KindOf(err)
	var e *tigerrors.Error
	if errors.As(err, &e) {
		status = e.Code()
	} else if errors.Is(err, vcs.ErrUnsupported) {
		status = http.StatusNotImplemented
		kind = tigerrors.KindValidation
	}
	if status >= http.StatusInternalServerError {
		h.logger.WithRequestID(r.Context()).Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{Kind: kind, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
