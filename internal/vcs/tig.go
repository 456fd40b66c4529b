package vcs

import (
	"context"
	"fmt"
	"strconv"

	"tigdiff/internal/async"
	"tigdiff/internal/buffer"
	"tigdiff/internal/diff"
	tigerrors "tigdiff/internal/errors"
	"tigdiff/internal/project"
)

// TigBackend serves diffs from Tig repositories tracked by a project
// store. Blame, permalinks and status are not available from it.
type TigBackend struct {
	store *project.Store
}

var (
	_ Backend      = (*TigBackend)(nil)
	_ DiffProvider = (*TigBackend)(nil)
)

func NewTigBackend(store *project.Store) *TigBackend {
	return &TigBackend{store: store}
}

func (t *TigBackend) HasRepositories() bool {
	return t.store.HasRepositories()
}

func (t *TigBackend) Owns(buf *buffer.Buffer) bool {
	_, _, ok := t.store.Resolve(buf)
	return ok
}

func (t *TigBackend) TryOpenUnstagedDiff(ctx context.Context, buf *buffer.Buffer) (*async.Task[*diff.BufferDiff], bool) {
	return t.store.OpenUnstagedDiff(ctx, buf)
}

func (t *TigBackend) TryOpenUncommittedDiff(ctx context.Context, buf *buffer.Buffer) (*async.Task[*diff.BufferDiff], bool) {
	return t.store.OpenUncommittedDiff(ctx, buf)
}

func (t *TigBackend) OpenUnstagedDiff(ctx context.Context, buf *buffer.Buffer) *async.Task[*diff.BufferDiff] {
	if task, ok := t.TryOpenUnstagedDiff(ctx, buf); ok {
		return task
	}
	return async.Ready[*diff.BufferDiff](nil, unowned(buf))
}

func (t *TigBackend) OpenUncommittedDiff(ctx context.Context, buf *buffer.Buffer) *async.Task[*diff.BufferDiff] {
	if task, ok := t.TryOpenUncommittedDiff(ctx, buf); ok {
		return task
	}
	return async.Ready[*diff.BufferDiff](nil, unowned(buf))
}

func (t *TigBackend) BlameBuffer(context.Context, *buffer.Buffer) *async.Task[[]BlameLine] {
	return async.Ready[[]BlameLine](nil, ErrUnsupported)
}

func (t *TigBackend) PermalinkToLine(context.Context, *buffer.Buffer, int, int) *async.Task[string] {
	return async.Ready("", ErrUnsupported)
}

func (t *TigBackend) StatusForBuffer(context.Context, *buffer.Buffer) (FileStatus, bool, error) {
	return FileStatus{}, false, ErrUnsupported
}

func (t *TigBackend) ActiveRepository() (Repository, bool) {
	repos := t.Repositories()
	if len(repos) == 0 {
		return Repository{}, false
	}
	return repos[0], true
}

func (t *TigBackend) Repositories() []Repository {
	summaries := t.store.Repositories()
	out := make([]Repository, len(summaries))
	for i, s := range summaries {
		out[i] = Repository{
			ID:   strconv.FormatUint(uint64(s.ID), 10),
			Kind: "tig",
			Path: s.Path,
		}
	}
	return out
}

// RecalculateBufferDiffs always returns a task; it is already complete when
// none of the buffers has a Tig diff.
func (t *TigBackend) RecalculateBufferDiffs(ctx context.Context, bufs []*buffer.Buffer) *async.Task[struct{}] {
	if task := t.store.Recalculate(ctx, bufs); task != nil {
		return task
	}
	return async.Ready(struct{}{}, nil)
}

func unowned(buf *buffer.Buffer) error {
	return tigerrors.ResolutionMiss(fmt.Sprintf("buffer %d is not in a tracked repository", buf.ID()))
}
