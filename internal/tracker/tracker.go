// Package tracker keeps the set of repositories discovered inside one
// container, ordered by identifier, and reconciles two snapshots of that
// set into a minimal list of changes.
package tracker

import (
	"cmp"
	"iter"
	"slices"

	"github.com/google/btree"
)

const degree = 16

func less[ID cmp.Ordered](a, b Record[ID]) bool {
	return a.WorkDirectoryID < b.WorkDirectoryID
}

// Snapshot is an immutable view of a repository set in identifier order.
type Snapshot[ID cmp.Ordered] struct {
	tree *btree.BTreeG[Record[ID]]
}

func NewSnapshot[ID cmp.Ordered](records ...Record[ID]) *Snapshot[ID] {
	tree := btree.NewG(degree, less[ID])
	for _, r := range records {
		tree.ReplaceOrInsert(r)
	}
	return &Snapshot[ID]{tree: tree}
}

func (s *Snapshot[ID]) Len() int {
	if s == nil {
		return 0
	}
	return s.tree.Len()
}

func (s *Snapshot[ID]) Get(id ID) (Record[ID], bool) {
	if s == nil {
		return Record[ID]{}, false
	}
	return s.tree.Get(Record[ID]{WorkDirectoryID: id})
}

// All yields records in ascending identifier order.
func (s *Snapshot[ID]) All() iter.Seq2[ID, Record[ID]] {
	return func(yield func(ID, Record[ID]) bool) {
		if s == nil {
			return
		}
		s.tree.Ascend(func(r Record[ID]) bool {
			return yield(r.WorkDirectoryID, r)
		})
	}
}

func (s *Snapshot[ID]) records() []Record[ID] {
	if s == nil {
		return nil
	}
	out := make([]Record[ID], 0, s.tree.Len())
	s.tree.Ascend(func(r Record[ID]) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Tracker owns the current repository set of one container. It is not safe
// for concurrent use; the owning container serializes access.
type Tracker[ID cmp.Ordered] struct {
	enabled     bool
	controlDirs []string
	repos       *btree.BTreeG[Record[ID]]
}

// New creates a tracker. controlDirNames are the directory names that mark a
// repository root (".tig" when none are given).
func New[ID cmp.Ordered](enabled bool, controlDirNames ...string) *Tracker[ID] {
	if len(controlDirNames) == 0 {
		controlDirNames = []string{".tig"}
	}
	return &Tracker[ID]{
		enabled:     enabled,
		controlDirs: slices.Clone(controlDirNames),
		repos:       btree.NewG(degree, less[ID]),
	}
}

func (t *Tracker[ID]) Enabled() bool {
	return t.enabled
}

// ShouldForceScan reports whether an entry named fileName is a control
// directory, whose appearance or removal requires a rescan.
func (t *Tracker[ID]) ShouldForceScan(fileName string) bool {
	return t.enabled && slices.Contains(t.controlDirs, fileName)
}

func (t *Tracker[ID]) ControlDirNames() []string {
	return slices.Clone(t.controlDirs)
}

// Snapshot returns a copy-on-write view of the current set.
func (t *Tracker[ID]) Snapshot() *Snapshot[ID] {
	return &Snapshot[ID]{tree: t.repos.Clone()}
}

func (t *Tracker[ID]) Len() int {
	return t.repos.Len()
}

func (t *Tracker[ID]) Get(id ID) (Record[ID], bool) {
	return t.repos.Get(Record[ID]{WorkDirectoryID: id})
}

// Insert adds or replaces the record for r.WorkDirectoryID.
func (t *Tracker[ID]) Insert(r Record[ID]) {
	t.repos.ReplaceOrInsert(r)
}

// MarkScan records that scan generation confirmed id. Unknown ids are ignored.
func (t *Tracker[ID]) MarkScan(id ID, generation uint64) {
	r, ok := t.Get(id)
	if !ok {
		return
	}
	r.ScanGeneration = generation
	t.repos.ReplaceOrInsert(r)
}

// RetainExisting drops every record for which exists returns false.
func (t *Tracker[ID]) RetainExisting(exists func(Record[ID]) bool) {
	var drop []Record[ID]
	t.repos.Ascend(func(r Record[ID]) bool {
		if !exists(r) {
			drop = append(drop, r)
		}
		return true
	})
	for _, r := range drop {
		t.repos.Delete(r)
	}
}

// ReposContaining yields, in ascending identifier order, every repository
// whose working directory contains p.
func (t *Tracker[ID]) ReposContaining(p RelPath) iter.Seq2[ID, Record[ID]] {
	return func(yield func(ID, Record[ID]) bool) {
		t.repos.Ascend(func(r Record[ID]) bool {
			if !r.DirectoryContains(p) {
				return true
			}
			return yield(r.WorkDirectoryID, r)
		})
	}
}

// RepoForRelativePath finds the repository rooted exactly at p.
func (t *Tracker[ID]) RepoForRelativePath(p RelPath) (Record[ID], bool) {
	var (
		found Record[ID]
		ok    bool
	)
	t.repos.Ascend(func(r Record[ID]) bool {
		if r.WorkDirectoryRelPath == p {
			found, ok = r, true
			return false
		}
		return true
	})
	return found, ok
}

// RepoIDByControlDir finds the repository owning the control directory at
// absPath.
func (t *Tracker[ID]) RepoIDByControlDir(absPath string) (ID, bool) {
	var (
		id ID
		ok bool
	)
	t.repos.Ascend(func(r Record[ID]) bool {
		if r.ControlDirAbsPath == absPath {
			id, ok = r.WorkDirectoryID, true
			return false
		}
		return true
	})
	return id, ok
}

// Diff computes the changes that turn old into cur. Both snapshots are
// walked once in identifier order, so the output is sorted by identifier.
// A record present on both sides is reported as an update when its scan
// generation or absolute path differs.
func Diff[ID cmp.Ordered](old, cur *Snapshot[ID]) []Change[ID] {
	olds, news := old.records(), cur.records()
	var changes []Change[ID]

	i, j := 0, 0
	for i < len(olds) || j < len(news) {
		switch {
		case i == len(olds) || (j < len(news) && news[j].WorkDirectoryID < olds[i].WorkDirectoryID):
			changes = append(changes, added(news[j]))
			j++
		case j == len(news) || olds[i].WorkDirectoryID < news[j].WorkDirectoryID:
			changes = append(changes, removed(olds[i]))
			i++
		default:
			o, n := olds[i], news[j]
			if o.ScanGeneration != n.ScanGeneration || o.WorkDirectoryAbsPath != n.WorkDirectoryAbsPath {
				changes = append(changes, updated(o, n))
			}
			i++
			j++
		}
	}
	return changes
}

func added[ID any](n Record[ID]) Change[ID] {
	return Change[ID]{
		WorkDirectoryID: n.WorkDirectoryID,
		NewPath:         ptr(n.WorkDirectoryAbsPath),
		ControlDirPath:  ptr(n.ControlDirAbsPath),
	}
}

func removed[ID any](o Record[ID]) Change[ID] {
	return Change[ID]{
		WorkDirectoryID: o.WorkDirectoryID,
		OldPath:         ptr(o.WorkDirectoryAbsPath),
		ControlDirPath:  ptr(o.ControlDirAbsPath),
	}
}

func updated[ID any](o, n Record[ID]) Change[ID] {
	return Change[ID]{
		WorkDirectoryID: n.WorkDirectoryID,
		OldPath:         ptr(o.WorkDirectoryAbsPath),
		NewPath:         ptr(n.WorkDirectoryAbsPath),
		ControlDirPath:  ptr(n.ControlDirAbsPath),
	}
}

func ptr(s string) *string {
	return &s
}
