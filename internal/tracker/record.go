package tracker

import (
	"path"
	"path/filepath"
	"strings"
)

// RelPath is a slash-separated path relative to a container root. The
// empty RelPath is the container root itself.
type RelPath string

// NewRelPath normalizes an OS path into a RelPath.
func NewRelPath(p string) RelPath {
	p = path.Clean(filepath.ToSlash(p))
	if p == "." || p == "/" {
		return ""
	}
	return RelPath(strings.TrimPrefix(p, "/"))
}

// HasPrefix reports whether prefix is an ancestor of (or equal to) p,
// comparing whole components.
func (p RelPath) HasPrefix(prefix RelPath) bool {
	if prefix == "" || p == prefix {
		return true
	}
	return strings.HasPrefix(string(p), string(prefix)+"/")
}

// Depth is the number of components; the root has depth 0.
func (p RelPath) Depth() int {
	if p == "" {
		return 0
	}
	return strings.Count(string(p), "/") + 1
}

func (p RelPath) String() string {
	return string(p)
}

// Record describes one discovered working directory. Records are values:
// the tracker replaces them, it never edits one that a snapshot may share.
type Record[ID any] struct {
	WorkDirectoryID       ID
	WorkDirectoryAbsPath  string
	WorkDirectoryRelPath  RelPath
	ControlDirAbsPath     string
	ScanGeneration        uint64
	CoversEntireContainer bool
}

func (r Record[ID]) DirectoryContains(p RelPath) bool {
	return r.CoversEntireContainer || p.HasPrefix(r.WorkDirectoryRelPath)
}

// Change is one reconciliation step between two snapshots. A nil OldPath
// is an addition, a nil NewPath a removal, both set an update.
type Change[ID any] struct {
	WorkDirectoryID ID
	OldPath         *string
	NewPath         *string
	ControlDirPath  *string
}

func (c Change[ID]) IsAddition() bool {
	return c.OldPath == nil && c.NewPath != nil
}

func (c Change[ID]) IsRemoval() bool {
	return c.NewPath == nil
}

func (c Change[ID]) IsUpdate() bool {
	return c.OldPath != nil && c.NewPath != nil
}

// PathChanged is false for updates that only advanced the scan generation.
func (c Change[ID]) PathChanged() bool {
	if !c.IsUpdate() {
		return true
	}
	return *c.OldPath != *c.NewPath
}
