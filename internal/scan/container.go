// Package scan discovers repositories inside project containers and keeps
// each container's repository set current.
package scan

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"tigdiff/internal/tracker"
)

type ContainerID uint64

// EntryID identifies one repository entry. IDs are unique across a Set and
// follow a repository when its directory moves.
type EntryID uint64

type (
	Record = tracker.Record[EntryID]
	Change = tracker.Change[EntryID]
)

type Options struct {
	Enabled         bool
	ControlDirNames []string
	// Directory names never descended into.
	Ignore []string
}

type known struct {
	id   EntryID
	info os.FileInfo
}

// Container is one scanned directory tree.
type Container struct {
	id     ContainerID
	root   string
	ignore []string
	nextID *atomic.Uint64

	mu         sync.Mutex
	repos      *tracker.Tracker[EntryID]
	known      map[tracker.RelPath]known
	generation uint64
}

func newContainer(id ContainerID, root string, opts Options, nextID *atomic.Uint64) *Container {
	return &Container{
		id:     id,
		root:   root,
		ignore: opts.Ignore,
		nextID: nextID,
		repos:  tracker.New[EntryID](opts.Enabled, opts.ControlDirNames...),
		known:  make(map[tracker.RelPath]known),
	}
}

func (c *Container) ID() ContainerID { return c.id }

func (c *Container) Root() string { return c.root }

// Entries returns the current records in ID order.
func (c *Container) Entries() []Record {
	c.mu.Lock()
	snap := c.repos.Snapshot()
	c.mu.Unlock()

	out := make([]Record, 0, snap.Len())
	for _, r := range snap.All() {
		out = append(out, r)
	}
	return out
}

func (c *Container) Entry(id EntryID) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repos.Get(id)
}

// ReposContaining lists the repositories whose working directory contains
// the container-relative path p, in ID order.
func (c *Container) ReposContaining(p tracker.RelPath) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Record
	for _, r := range c.repos.ReposContaining(p) {
		out = append(out, r)
	}
	return out
}

// ShouldForceScan reports whether a change to a file or directory named
// name can alter the repository set.
func (c *Container) ShouldForceScan(name string) bool {
	return c.repos.ShouldForceScan(name)
}

type discovered struct {
	rel        tracker.RelPath
	abs        string
	controlDir string
	info       os.FileInfo
}

// Rescan walks the container and reconciles its repository set. Entries
// whose working directory contains one of touched (absolute paths) are
// marked with the new scan generation; with no touched paths every entry
// is marked. It returns the changes relative to the previous state.
func (c *Container) Rescan(touched ...string) ([]Change, error) {
	found, err := c.discover()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	before := c.repos.Snapshot()
	c.generation++
	gen := c.generation

	seen := make(map[tracker.RelPath]bool, len(found))
	for _, d := range found {
		seen[d.rel] = true
	}

	next := make(map[tracker.RelPath]known, len(found))
	live := make(map[EntryID]bool, len(found))
	for _, d := range found {
		if _, dup := next[d.rel]; dup {
			continue
		}
		id, existed := c.identify(d, seen)
		next[d.rel] = known{id: id, info: d.info}
		live[id] = true

		prev, tracked := c.repos.Get(id)
		if existed && tracked && prev.WorkDirectoryAbsPath == d.abs {
			if len(touched) == 0 || touchesAny(d.abs, touched) {
				c.repos.MarkScan(id, gen)
			}
			continue
		}

		c.repos.Insert(Record{
			WorkDirectoryID:       id,
			WorkDirectoryAbsPath:  d.abs,
			WorkDirectoryRelPath:  d.rel,
			ControlDirAbsPath:     d.controlDir,
			ScanGeneration:        gen,
			CoversEntireContainer: d.rel == "",
		})
	}

	c.repos.RetainExisting(func(r Record) bool { return live[r.WorkDirectoryID] })
	c.known = next

	return tracker.Diff(before, c.repos.Snapshot()), nil
}

// identify returns the ID for a discovered repository: the one already at
// that path, or the one of a vanished repository whose control directory is
// the same file, or a fresh one. existed is false for fresh IDs.
func (c *Container) identify(d discovered, seen map[tracker.RelPath]bool) (EntryID, bool) {
	if k, ok := c.known[d.rel]; ok {
		return k.id, true
	}
	for rel, k := range c.known {
		if !seen[rel] && k.info != nil && d.info != nil && os.SameFile(k.info, d.info) {
			delete(c.known, rel)
			return k.id, true
		}
	}
	return EntryID(c.nextID.Add(1)), false
}

func (c *Container) discover() ([]discovered, error) {
	var found []discovered

	err := filepath.WalkDir(c.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == c.root {
				return err
			}
			// Unreadable subtrees cannot hold repositories we can open.
			return filepath.SkipDir
		}
		if !d.IsDir() {
			return nil
		}
		if p != c.root && slices.Contains(c.ignore, d.Name()) {
			return filepath.SkipDir
		}
		if !c.repos.ShouldForceScan(d.Name()) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return filepath.SkipDir
		}
		work := filepath.Dir(p)
		rel, err := filepath.Rel(c.root, work)
		if err != nil {
			return fmt.Errorf("relative path of %s: %w", work, err)
		}
		found = append(found, discovered{
			rel:        tracker.NewRelPath(filepath.ToSlash(rel)),
			abs:        work,
			controlDir: p,
			info:       info,
		})
		return filepath.SkipDir
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", c.root, err)
	}
	return found, nil
}

func touchesAny(workDir string, touched []string) bool {
	for _, t := range touched {
		rel, err := filepath.Rel(workDir, t)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
