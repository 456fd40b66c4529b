package scan

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

type EventKind int

const (
	ContainerAdded EventKind = iota
	ContainerRemoved
	ContainerReleased
	RepositoriesUpdated
)

func (k EventKind) String() string {
	switch k {
	case ContainerAdded:
		return "container_added"
	case ContainerRemoved:
		return "container_removed"
	case ContainerReleased:
		return "container_released"
	case RepositoriesUpdated:
		return "repositories_updated"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

type Event struct {
	Kind        EventKind
	ContainerID ContainerID
	// Set for RepositoriesUpdated only.
	Changes []Change
}

// Set owns the project's containers and publishes their lifecycle and
// repository-set events. Subscribers are called synchronously, in
// subscription order, in the order the events happened. A subscriber may
// read from the Set but must not add, remove or rescan containers.
type Set struct {
	opts   Options
	logger *zap.Logger

	// serializes mutations with their event delivery
	opMu sync.Mutex

	mu          sync.RWMutex
	containers  map[ContainerID]*Container
	nextID      ContainerID
	subscribers []subscriber
	nextSub     int

	entryIDs atomic.Uint64
}

type subscriber struct {
	id int
	fn func(Event)
}

func NewSet(opts Options, logger *zap.Logger) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Set{
		opts:       opts,
		logger:     logger.Named("scan"),
		containers: make(map[ContainerID]*Container),
	}
}

// Subscribe registers fn for every future event and returns a function
// that removes it.
func (s *Set) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSub++
	id := s.nextSub
	s.subscribers = append(s.subscribers, subscriber{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.subscribers = slices.DeleteFunc(s.subscribers, func(sub subscriber) bool { return sub.id == id })
	}
}

func (s *Set) publish(ev Event) {
	s.mu.RLock()
	subs := slices.Clone(s.subscribers)
	s.mu.RUnlock()

	s.logger.Debug("event",
		zap.Stringer("kind", ev.Kind),
		zap.Uint64("container", uint64(ev.ContainerID)),
		zap.Int("changes", len(ev.Changes)))
	for _, sub := range subs {
		sub.fn(ev)
	}
}

// Add scans root as a new container and publishes ContainerAdded.
func (s *Set) Add(root string) (*Container, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("accessing %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	s.nextID++
	c := newContainer(s.nextID, abs, s.opts, &s.entryIDs)
	s.mu.Unlock()

	if _, err := c.Rescan(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.containers[c.id] = c
	s.mu.Unlock()

	s.logger.Info("container added",
		zap.String("root", abs),
		zap.Int("repositories", len(c.Entries())))
	s.publish(Event{Kind: ContainerAdded, ContainerID: c.id})
	return c, nil
}

// Remove drops a container the user closed.
func (s *Set) Remove(id ContainerID) error {
	return s.drop(id, ContainerRemoved)
}

// Release drops a container whose owner went away.
func (s *Set) Release(id ContainerID) error {
	return s.drop(id, ContainerReleased)
}

func (s *Set) drop(id ContainerID, kind EventKind) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	c, ok := s.containers[id]
	delete(s.containers, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("container %d not found", id)
	}

	s.logger.Info("container dropped", zap.String("root", c.root), zap.Stringer("kind", kind))
	s.publish(Event{Kind: kind, ContainerID: id})
	return nil
}

// Rescan rescans one container and publishes RepositoriesUpdated when its
// repository set changed.
func (s *Set) Rescan(id ContainerID, touched ...string) ([]Change, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	c, ok := s.Container(id)
	if !ok {
		return nil, fmt.Errorf("container %d not found", id)
	}

	changes, err := c.Rescan(touched...)
	if err != nil {
		return nil, err
	}
	if len(changes) > 0 {
		s.publish(Event{Kind: RepositoriesUpdated, ContainerID: id, Changes: changes})
	}
	return changes, nil
}

func (s *Set) Container(id ContainerID) (*Container, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.containers[id]
	return c, ok
}

// Containers returns all containers in ID order.
func (s *Set) Containers() []*Container {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Container, 0, len(s.containers))
	for _, c := range s.containers {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *Container) int { return cmp.Compare(a.id, b.id) })
	return out
}

// ForPath returns the innermost container whose root contains the absolute
// path p.
func (s *Set) ForPath(p string) (*Container, bool) {
	var best *Container
	for _, c := range s.Containers() {
		rel, err := filepath.Rel(c.root, p)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if best == nil || len(c.root) > len(best.root) {
			best = c
		}
	}
	return best, best != nil
}
