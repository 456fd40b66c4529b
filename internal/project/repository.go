package project

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"

	"tigdiff/internal/engine"
	"tigdiff/internal/scan"
)

var errHandleClosed = errors.New("repository handle closed")

// handleCache holds at most one engine handle for a working directory. It is
// shared by successive states of a repository while its path is unchanged.
type handleCache struct {
	path   string
	opener engine.Opener

	mu     sync.Mutex
	handle engine.Handle
	closed bool
}

func newHandleCache(path string, opener engine.Opener) *handleCache {
	return &handleCache{path: path, opener: opener}
}

// get returns the cached handle or opens one. A failed open leaves the slot
// empty so the next call retries.
func (c *handleCache) get() (engine.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errHandleClosed
	}
	if c.handle != nil {
		return c.handle, nil
	}
	h, err := c.opener(c.path)
	if err != nil {
		return nil, err
	}
	c.handle = h
	return h, nil
}

func (c *handleCache) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.handle == nil {
		return nil
	}
	h := c.handle
	c.handle = nil
	return h.Close()
}

// RepositoryState is one tracked repository as seen by the Store. It is
// never modified after creation; updates replace it.
type RepositoryState struct {
	containerID scan.ContainerID
	record      scan.Record
	depth       int
	cache       *handleCache
}

func newRepositoryState(container scan.ContainerID, record scan.Record, cache *handleCache) *RepositoryState {
	clean := filepath.ToSlash(filepath.Clean(record.WorkDirectoryAbsPath))
	return &RepositoryState{
		containerID: container,
		record:      record,
		depth:       strings.Count(strings.TrimSuffix(clean, "/"), "/"),
		cache:       cache,
	}
}

func (r *RepositoryState) ID() scan.EntryID { return r.record.WorkDirectoryID }

func (r *RepositoryState) ContainerID() scan.ContainerID { return r.containerID }

func (r *RepositoryState) Record() scan.Record { return r.record }

func (r *RepositoryState) WorkDir() string { return r.record.WorkDirectoryAbsPath }

// Workspace returns the repository's engine handle, opening it on first use.
func (r *RepositoryState) Workspace() (engine.Handle, error) {
	return r.cache.get()
}

// relativePath returns abs relative to the working directory in slash form,
// or false when abs is not inside it.
func (r *RepositoryState) relativePath(abs string) (string, bool) {
	rel, err := filepath.Rel(r.WorkDir(), abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
