// Package vcs routes buffer diff, blame and status requests to the
// project's revision-control backends.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tigdiff/internal/async"
	"tigdiff/internal/buffer"
	"tigdiff/internal/diff"
)

// ErrUnsupported is returned by backends for operations they do not serve.
var ErrUnsupported = errors.New("operation not supported by backend")

// Repository describes a working directory known to a backend.
type Repository struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Path string `json:"path"`
}

// BlameLine attributes one line of a file to the commit that last changed
// it. Line is 1-based.
type BlameLine struct {
	Line      int       `json:"line"`
	Revision  string    `json:"revision"`
	Author    string    `json:"author"`
	Summary   string    `json:"summary"`
	Timestamp time.Time `json:"timestamp"`
}

// FileStatus is the two-column status of a path: index then worktree, in
// the letters git status uses. A zero FileStatus is an unmodified file.
type FileStatus struct {
	Index    byte `json:"index"`
	Worktree byte `json:"worktree"`
}

func (s FileStatus) IsClean() bool {
	return (s.Index == 0 || s.Index == ' ') && (s.Worktree == 0 || s.Worktree == ' ')
}

func (s FileStatus) IsUntracked() bool { return s.Index == '?' && s.Worktree == '?' }

func (s FileStatus) String() string {
	if s.IsClean() {
		return "unmodified"
	}
	col := func(b byte) byte {
		if b == 0 {
			return ' '
		}
		return b
	}
	return string([]byte{col(s.Index), col(s.Worktree)})
}

// Backend is the full capability set a revision-control backend offers to
// the editor.
type Backend interface {
	OpenUnstagedDiff(ctx context.Context, buf *buffer.Buffer) *async.Task[*diff.BufferDiff]
	OpenUncommittedDiff(ctx context.Context, buf *buffer.Buffer) *async.Task[*diff.BufferDiff]
	BlameBuffer(ctx context.Context, buf *buffer.Buffer) *async.Task[[]BlameLine]
	// PermalinkToLine links to lines first..last (1-based, inclusive) of the
	// buffer's file at the current commit.
	PermalinkToLine(ctx context.Context, buf *buffer.Buffer, first, last int) *async.Task[string]
	ActiveRepository() (Repository, bool)
	Repositories() []Repository
	StatusForBuffer(ctx context.Context, buf *buffer.Buffer) (FileStatus, bool, error)
	RecalculateBufferDiffs(ctx context.Context, bufs []*buffer.Buffer) *async.Task[struct{}]
}

// DiffProvider is the diff subset a secondary backend serves. The Try
// methods return false when the provider does not own the buffer.
type DiffProvider interface {
	HasRepositories() bool
	Owns(buf *buffer.Buffer) bool
	TryOpenUnstagedDiff(ctx context.Context, buf *buffer.Buffer) (*async.Task[*diff.BufferDiff], bool)
	TryOpenUncommittedDiff(ctx context.Context, buf *buffer.Buffer) (*async.Task[*diff.BufferDiff], bool)
	RecalculateBufferDiffs(ctx context.Context, bufs []*buffer.Buffer) *async.Task[struct{}]
}

// ProjectBackend prefers the secondary backend for diffs of the buffers it
// owns and sends everything else to the primary. Ownership is checked on
// every call.
type ProjectBackend struct {
	primary   Backend
	secondary DiffProvider
	enabled   func() bool
	logger    *zap.Logger
}

var _ Backend = (*ProjectBackend)(nil)

// NewProjectBackend builds the selector. secondary and enabled may be nil,
// in which case every request goes to primary.
func NewProjectBackend(primary Backend, secondary DiffProvider, enabled func() bool, logger *zap.Logger) (*ProjectBackend, error) {
	if primary == nil {
		return nil, fmt.Errorf("primary backend is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProjectBackend{
		primary:   primary,
		secondary: secondary,
		enabled:   enabled,
		logger:    logger.Named("vcs"),
	}, nil
}

func (p *ProjectBackend) preferredSecondary() (DiffProvider, bool) {
	if p.secondary == nil || p.enabled == nil || !p.enabled() {
		return nil, false
	}
	if !p.secondary.HasRepositories() {
		return nil, false
	}
	return p.secondary, true
}

func (p *ProjectBackend) OpenUnstagedDiff(ctx context.Context, buf *buffer.Buffer) *async.Task[*diff.BufferDiff] {
	if sec, ok := p.preferredSecondary(); ok {
		if task, ok := sec.TryOpenUnstagedDiff(ctx, buf); ok {
			return task
		}
		p.logger.Debug("secondary backend does not own buffer", zap.Uint64("buffer", uint64(buf.ID())))
	}
	return p.primary.OpenUnstagedDiff(ctx, buf)
}

func (p *ProjectBackend) OpenUncommittedDiff(ctx context.Context, buf *buffer.Buffer) *async.Task[*diff.BufferDiff] {
	if sec, ok := p.preferredSecondary(); ok {
		if task, ok := sec.TryOpenUncommittedDiff(ctx, buf); ok {
			return task
		}
	}
	return p.primary.OpenUncommittedDiff(ctx, buf)
}

func (p *ProjectBackend) BlameBuffer(ctx context.Context, buf *buffer.Buffer) *async.Task[[]BlameLine] {
	return p.primary.BlameBuffer(ctx, buf)
}

func (p *ProjectBackend) PermalinkToLine(ctx context.Context, buf *buffer.Buffer, first, last int) *async.Task[string] {
	return p.primary.PermalinkToLine(ctx, buf, first, last)
}

func (p *ProjectBackend) ActiveRepository() (Repository, bool) {
	return p.primary.ActiveRepository()
}

func (p *ProjectBackend) Repositories() []Repository {
	return p.primary.Repositories()
}

func (p *ProjectBackend) StatusForBuffer(ctx context.Context, buf *buffer.Buffer) (FileStatus, bool, error) {
	return p.primary.StatusForBuffer(ctx, buf)
}

// RecalculateBufferDiffs splits the buffers between the backends by
// ownership and waits for both halves.
func (p *ProjectBackend) RecalculateBufferDiffs(ctx context.Context, bufs []*buffer.Buffer) *async.Task[struct{}] {
	sec, ok := p.preferredSecondary()
	if !ok {
		return p.primary.RecalculateBufferDiffs(ctx, bufs)
	}

	var owned, rest []*buffer.Buffer
	for _, buf := range bufs {
		if sec.Owns(buf) {
			owned = append(owned, buf)
		} else {
			rest = append(rest, buf)
		}
	}

	var tasks []*async.Task[struct{}]
	if len(owned) > 0 {
		tasks = append(tasks, sec.RecalculateBufferDiffs(ctx, owned))
	}
	if len(rest) > 0 {
		tasks = append(tasks, p.primary.RecalculateBufferDiffs(ctx, rest))
	}
	return async.Go(func() (struct{}, error) {
		var errs []error
		for _, t := range tasks {
			if _, err := t.Await(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return struct{}{}, errors.Join(errs...)
	})
}
