// Package project keeps the set of tracked repositories for the open
// containers and serves base text for buffer diffs from them.
package project

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"tigdiff/internal/async"
	"tigdiff/internal/diff"
	"tigdiff/internal/engine"
	"tigdiff/internal/scan"
)

type Options struct {
	Workers      int
	ContextLines int
	Logger       *zap.Logger
}

// Store tracks repositories per container and by ID, and the live diff
// bindings of open buffers. Its lock is never held across engine calls.
type Store struct {
	containers *scan.Set
	opener     engine.Opener
	diffs      *diff.Engine
	pool       *async.Pool
	logger     *zap.Logger

	mu          sync.Mutex
	byContainer map[scan.ContainerID][]*RepositoryState // deepest first
	byID        map[scan.EntryID]*RepositoryState
	bindings    map[bufferKey]*binding

	unsubscribe func()
}

func NewStore(containers *scan.Set, opener engine.Opener, opts Options) (*Store, error) {
	if containers == nil {
		return nil, fmt.Errorf("container set is required")
	}
	if opener == nil {
		return nil, fmt.Errorf("engine opener is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		containers:  containers,
		opener:      opener,
		diffs:       diff.NewEngine(opts.ContextLines),
		pool:        async.NewPool(opts.Workers),
		logger:      logger.Named("project"),
		byContainer: make(map[scan.ContainerID][]*RepositoryState),
		byID:        make(map[scan.EntryID]*RepositoryState),
		bindings:    make(map[bufferKey]*binding),
	}

	for _, c := range containers.Containers() {
		for _, rec := range c.Entries() {
			s.trackRepository(c.ID(), rec)
		}
	}
	s.unsubscribe = containers.Subscribe(s.HandleEvent)
	return s, nil
}

// Close stops following container events and closes every open handle.
func (s *Store) Close() error {
	s.unsubscribe()

	s.mu.Lock()
	states := make([]*RepositoryState, 0, len(s.byID))
	for _, st := range s.byID {
		states = append(states, st)
	}
	s.byContainer = make(map[scan.ContainerID][]*RepositoryState)
	s.byID = make(map[scan.EntryID]*RepositoryState)
	s.bindings = make(map[bufferKey]*binding)
	s.mu.Unlock()

	var firstErr error
	for _, st := range states {
		if err := st.cache.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HandleEvent applies one container event. Events must be delivered in the
// order they happened.
func (s *Store) HandleEvent(ev scan.Event) {
	switch ev.Kind {
	case scan.ContainerAdded:
		c, ok := s.containers.Container(ev.ContainerID)
		if !ok {
			return
		}
		for _, rec := range c.Entries() {
			s.trackRepository(c.ID(), rec)
		}

	case scan.ContainerRemoved, scan.ContainerReleased:
		s.removeContainer(ev.ContainerID)

	case scan.RepositoriesUpdated:
		c, ok := s.containers.Container(ev.ContainerID)
		for _, change := range ev.Changes {
			if change.NewPath == nil {
				s.removeRepository(change.WorkDirectoryID)
				continue
			}
			if !ok {
				continue
			}
			if rec, found := c.Entry(change.WorkDirectoryID); found {
				s.trackRepository(ev.ContainerID, rec)
			}
		}
	}
}

// trackRepository inserts or replaces the state for rec. A replacement at
// the same path keeps the open handle; one at a new path closes it.
func (s *Store) trackRepository(container scan.ContainerID, rec scan.Record) {
	var stale *handleCache

	s.mu.Lock()
	old := s.byID[rec.WorkDirectoryID]
	var cache *handleCache
	if old != nil && old.WorkDir() == rec.WorkDirectoryAbsPath {
		cache = old.cache
	} else {
		cache = newHandleCache(rec.WorkDirectoryAbsPath, s.opener)
		if old != nil {
			stale = old.cache
		}
	}
	if old != nil {
		s.unlinkLocked(old)
	}

	state := newRepositoryState(container, rec, cache)
	s.byID[state.ID()] = state
	repos := append(s.byContainer[container], state)
	slices.SortStableFunc(repos, func(a, b *RepositoryState) int {
		return cmp.Compare(b.depth, a.depth)
	})
	s.byContainer[container] = repos
	s.mu.Unlock()

	s.logger.Debug("tracking repository",
		zap.Uint64("id", uint64(rec.WorkDirectoryID)),
		zap.String("repo_root", rec.WorkDirectoryAbsPath),
		zap.Uint64("generation", rec.ScanGeneration))
	s.closeCache(stale)
}

func (s *Store) removeRepository(id scan.EntryID) {
	s.mu.Lock()
	state, ok := s.byID[id]
	if ok {
		s.unlinkLocked(state)
		delete(s.byID, id)
		s.dropBindingsLocked(func(b *binding) bool { return b.repoID == id })
	}
	s.mu.Unlock()

	if ok {
		s.logger.Debug("removed repository", zap.String("repo_root", state.WorkDir()))
		s.closeCache(state.cache)
	}
}

func (s *Store) removeContainer(id scan.ContainerID) {
	s.mu.Lock()
	states := s.byContainer[id]
	delete(s.byContainer, id)
	removed := make(map[scan.EntryID]bool, len(states))
	for _, st := range states {
		delete(s.byID, st.ID())
		removed[st.ID()] = true
	}
	s.dropBindingsLocked(func(b *binding) bool { return removed[b.repoID] })
	s.mu.Unlock()

	for _, st := range states {
		s.closeCache(st.cache)
	}
}

// unlinkLocked removes state from its container list; byID is left to the
// caller.
func (s *Store) unlinkLocked(state *RepositoryState) {
	repos := slices.DeleteFunc(s.byContainer[state.containerID], func(r *RepositoryState) bool {
		return r.ID() == state.ID()
	})
	if len(repos) == 0 {
		delete(s.byContainer, state.containerID)
		return
	}
	s.byContainer[state.containerID] = repos
}

func (s *Store) closeCache(c *handleCache) {
	if c == nil {
		return
	}
	if err := c.close(); err != nil {
		s.logger.Warn("closing repository handle", zap.String("repo_root", c.path), zap.Error(err))
	}
}

// CheckConsistency verifies that both indices hold exactly the same states.
func (s *Store) CheckConsistency() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[scan.EntryID]bool, len(s.byID))
	for cid, repos := range s.byContainer {
		if len(repos) == 0 {
			return fmt.Errorf("container %d has an empty repository list", cid)
		}
		for i, st := range repos {
			if st.containerID != cid {
				return fmt.Errorf("repository %d listed under container %d but belongs to %d", st.ID(), cid, st.containerID)
			}
			if s.byID[st.ID()] != st {
				return fmt.Errorf("repository %d in container %d does not match the id index", st.ID(), cid)
			}
			if seen[st.ID()] {
				return fmt.Errorf("repository %d listed twice", st.ID())
			}
			seen[st.ID()] = true
			if i > 0 && repos[i-1].depth < st.depth {
				return fmt.Errorf("container %d is not ordered deepest first", cid)
			}
		}
	}
	if len(seen) != len(s.byID) {
		return fmt.Errorf("id index holds %d repositories, container index %d", len(s.byID), len(seen))
	}
	return nil
}
