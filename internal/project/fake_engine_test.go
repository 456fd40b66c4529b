package project

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"tigdiff/internal/engine"
	tigerrors "tigdiff/internal/errors"
)

// fakeRepo is the shared state behind every handle opened on one directory.
type fakeRepo struct {
	mu        sync.Mutex
	files     map[string]string
	errs      map[string]error
	current   engine.ChangeID
	revisions []engine.RevisionSummary
	edited    []engine.RevisionID
	described map[engine.RevisionID]string
	// gate, when set, holds ParentRevisionText until it is closed.
	gate chan struct{}
}

func (r *fakeRepo) setFile(path, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[path] = content
}

func (r *fakeRepo) setErr(path string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[path] = err
}

type fakeHandle struct {
	repo   *fakeRepo
	closed atomic.Bool
}

func (h *fakeHandle) ParentRevisionText(ctx context.Context, path string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	h.repo.mu.Lock()
	gate := h.repo.gate
	h.repo.mu.Unlock()
	if gate != nil {
		<-gate
	}

	h.repo.mu.Lock()
	defer h.repo.mu.Unlock()
	if err := h.repo.errs[path]; err != nil {
		return nil, false, err
	}
	content, ok := h.repo.files[path]
	if !ok {
		return nil, false, nil
	}
	return []byte(content), true, nil
}

func (h *fakeHandle) ResolveChange(_ context.Context, id engine.ChangeID) ([]engine.RevisionID, error) {
	h.repo.mu.Lock()
	defer h.repo.mu.Unlock()
	var out []engine.RevisionID
	for _, r := range h.repo.revisions {
		if r.ChangeID == id {
			out = append(out, r.RevisionID)
		}
	}
	if len(out) == 0 {
		return nil, tigerrors.RevisionNotFound(id.Short())
	}
	return out, nil
}

func (h *fakeHandle) CurrentRevisionID(context.Context) (engine.RevisionID, bool, error) {
	h.repo.mu.Lock()
	defer h.repo.mu.Unlock()
	for _, r := range h.repo.revisions {
		if r.ChangeID == h.repo.current {
			return r.RevisionID, true, nil
		}
	}
	return "", false, nil
}

func (h *fakeHandle) CurrentChangeID(context.Context) (engine.ChangeID, bool, error) {
	h.repo.mu.Lock()
	defer h.repo.mu.Unlock()
	return h.repo.current, h.repo.current != "", nil
}

func (h *fakeHandle) StartChangeEdit(_ context.Context, rev engine.RevisionID) error {
	h.repo.mu.Lock()
	defer h.repo.mu.Unlock()
	h.repo.edited = append(h.repo.edited, rev)
	return nil
}

func (h *fakeHandle) RewriteDescription(_ context.Context, rev engine.RevisionID, text string) error {
	h.repo.mu.Lock()
	defer h.repo.mu.Unlock()
	h.repo.described[rev] = text
	return nil
}

func (h *fakeHandle) RecentRevisions(_ context.Context, limit int) ([]engine.RevisionSummary, error) {
	h.repo.mu.Lock()
	defer h.repo.mu.Unlock()
	n := min(limit, len(h.repo.revisions))
	return append([]engine.RevisionSummary(nil), h.repo.revisions[:n]...), nil
}

func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	return nil
}

type fakeEngine struct {
	mu       sync.Mutex
	repos    map[string]*fakeRepo
	opens    map[string]int
	failures map[string]error
	delay    time.Duration
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		repos:    make(map[string]*fakeRepo),
		opens:    make(map[string]int),
		failures: make(map[string]error),
	}
}

func (f *fakeEngine) repo(dir string) *fakeRepo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.repoLocked(dir)
}

func (f *fakeEngine) repoLocked(dir string) *fakeRepo {
	r, ok := f.repos[dir]
	if !ok {
		r = &fakeRepo{
			files:     make(map[string]string),
			errs:      make(map[string]error),
			described: make(map[engine.RevisionID]string),
		}
		f.repos[dir] = r
	}
	return r
}

func (f *fakeEngine) setFailure(dir string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, dir)
		return
	}
	f.failures[dir] = err
}

func (f *fakeEngine) openCount(dir string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[dir]
}

func (f *fakeEngine) open(dir string) (engine.Handle, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.opens[dir]++
	if err := f.failures[dir]; err != nil {
		return nil, tigerrors.EngineOpen(dir, err)
	}
	return &fakeHandle{repo: f.repoLocked(dir)}, nil
}
