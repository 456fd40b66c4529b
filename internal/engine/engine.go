// Package engine describes the revision-control engine the diff core
// queries. Implementations live in subpackages; the core only sees Handle.
package engine

import (
	"context"
	"io"
	"time"
)

const shortIDLength = 12

// RevisionID identifies one immutable revision.
type RevisionID string

// ChangeID identifies a logical change, which may be carried by several
// revisions over time.
type ChangeID string

func (id RevisionID) Short() string {
	return short(string(id))
}

func (id ChangeID) Short() string {
	return short(string(id))
}

func short(s string) string {
	if len(s) > shortIDLength {
		return s[:shortIDLength]
	}
	return s
}

type RevisionSummary struct {
	RevisionID  RevisionID `json:"revision_id"`
	ChangeID    ChangeID   `json:"change_id"`
	Author      string     `json:"author"`
	Description string     `json:"description"`
	Timestamp   time.Time  `json:"timestamp"`
}

// Handle is an opened repository. Methods are safe for concurrent use.
type Handle interface {
	// ParentRevisionText returns the content of path (repository-relative,
	// slash separated) in the parent of the working-copy revision. found is
	// false when the path does not exist there.
	ParentRevisionText(ctx context.Context, path string) (content []byte, found bool, err error)

	ResolveChange(ctx context.Context, id ChangeID) ([]RevisionID, error)
	CurrentRevisionID(ctx context.Context) (RevisionID, bool, error)
	CurrentChangeID(ctx context.Context) (ChangeID, bool, error)
	StartChangeEdit(ctx context.Context, rev RevisionID) error
	RewriteDescription(ctx context.Context, rev RevisionID, text string) error
	RecentRevisions(ctx context.Context, limit int) ([]RevisionSummary, error)

	io.Closer
}

// Opener opens the engine for the working directory at workDir.
type Opener func(workDir string) (Handle, error)
