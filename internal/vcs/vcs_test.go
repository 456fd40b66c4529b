package vcs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tigdiff/internal/async"
	"tigdiff/internal/buffer"
	"tigdiff/internal/diff"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) take() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.calls
	l.calls = nil
	return out
}

type fakePrimary struct {
	log      *callLog
	recalced [][]*buffer.Buffer
}

func (f *fakePrimary) OpenUnstagedDiff(context.Context, *buffer.Buffer) *async.Task[*diff.BufferDiff] {
	f.log.add("primary.unstaged")
	return async.Ready(diff.NewBufferDiff(nil, nil), nil)
}

func (f *fakePrimary) OpenUncommittedDiff(context.Context, *buffer.Buffer) *async.Task[*diff.BufferDiff] {
	f.log.add("primary.uncommitted")
	return async.Ready(diff.NewBufferDiff(nil, nil), nil)
}

func (f *fakePrimary) BlameBuffer(context.Context, *buffer.Buffer) *async.Task[[]BlameLine] {
	f.log.add("primary.blame")
	return async.Ready([]BlameLine{{Line: 1, Author: "ana"}}, nil)
}

func (f *fakePrimary) PermalinkToLine(_ context.Context, _ *buffer.Buffer, first, last int) *async.Task[string] {
	f.log.add("primary.permalink")
	return async.Ready("https://example.com/x#L1", nil)
}

func (f *fakePrimary) ActiveRepository() (Repository, bool) {
	f.log.add("primary.active")
	return Repository{ID: "git", Kind: "git"}, true
}

func (f *fakePrimary) Repositories() []Repository {
	f.log.add("primary.repositories")
	return []Repository{{ID: "git", Kind: "git"}}
}

func (f *fakePrimary) StatusForBuffer(context.Context, *buffer.Buffer) (FileStatus, bool, error) {
	f.log.add("primary.status")
	return FileStatus{Worktree: 'M'}, true, nil
}

func (f *fakePrimary) RecalculateBufferDiffs(_ context.Context, bufs []*buffer.Buffer) *async.Task[struct{}] {
	f.log.add("primary.recalculate")
	f.recalced = append(f.recalced, bufs)
	return async.Ready(struct{}{}, nil)
}

type fakeSecondary struct {
	log      *callLog
	hasRepos atomic.Bool
	owned    map[buffer.ID]bool
	recalced [][]*buffer.Buffer
	recalErr error
}

func (f *fakeSecondary) HasRepositories() bool { return f.hasRepos.Load() }

func (f *fakeSecondary) Owns(buf *buffer.Buffer) bool { return f.owned[buf.ID()] }

func (f *fakeSecondary) TryOpenUnstagedDiff(_ context.Context, buf *buffer.Buffer) (*async.Task[*diff.BufferDiff], bool) {
	f.log.add("secondary.unstaged")
	if !f.owned[buf.ID()] {
		return nil, false
	}
	return async.Ready(diff.NewBufferDiff(nil, nil), nil), true
}

func (f *fakeSecondary) TryOpenUncommittedDiff(_ context.Context, buf *buffer.Buffer) (*async.Task[*diff.BufferDiff], bool) {
	f.log.add("secondary.uncommitted")
	if !f.owned[buf.ID()] {
		return nil, false
	}
	return async.Ready(diff.NewBufferDiff(nil, nil), nil), true
}

func (f *fakeSecondary) RecalculateBufferDiffs(_ context.Context, bufs []*buffer.Buffer) *async.Task[struct{}] {
	f.log.add("secondary.recalculate")
	f.recalced = append(f.recalced, bufs)
	return async.Ready(struct{}{}, f.recalErr)
}

func setupSelector(t *testing.T, enabled bool, hasRepos bool, owned ...*buffer.Buffer) (*ProjectBackend, *fakePrimary, *fakeSecondary, *callLog) {
	t.Helper()
	log := &callLog{}
	primary := &fakePrimary{log: log}
	secondary := &fakeSecondary{log: log, owned: make(map[buffer.ID]bool)}
	secondary.hasRepos.Store(hasRepos)
	for _, b := range owned {
		secondary.owned[b.ID()] = true
	}
	p, err := NewProjectBackend(primary, secondary, func() bool { return enabled }, nil)
	require.NoError(t, err)
	return p, primary, secondary, log
}

func TestNewProjectBackendRequiresPrimary(t *testing.T) {
	_, err := NewProjectBackend(nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestDiffRouting(t *testing.T) {
	owned := buffer.New(&buffer.File{Local: true}, nil)
	other := buffer.New(&buffer.File{Local: true}, nil)

	tests := []struct {
		name     string
		enabled  bool
		hasRepos bool
		buf      *buffer.Buffer
		want     []string
	}{
		{"disabled", false, true, owned, []string{"primary.unstaged"}},
		{"no repositories", true, false, owned, []string{"primary.unstaged"}},
		{"not owned", true, true, other, []string{"secondary.unstaged", "primary.unstaged"}},
		{"owned", true, true, owned, []string{"secondary.unstaged"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _, _, log := setupSelector(t, tt.enabled, tt.hasRepos, owned)
			d, err := p.OpenUnstagedDiff(context.Background(), tt.buf).Await(context.Background())
			require.NoError(t, err)
			assert.NotNil(t, d)
			assert.Equal(t, tt.want, log.take())
		})
	}
}

func TestUncommittedDiffRouting(t *testing.T) {
	owned := buffer.New(&buffer.File{Local: true}, nil)
	other := buffer.New(&buffer.File{Local: true}, nil)
	p, _, _, log := setupSelector(t, true, true, owned)

	p.OpenUncommittedDiff(context.Background(), owned)
	assert.Equal(t, []string{"secondary.uncommitted"}, log.take())

	p.OpenUncommittedDiff(context.Background(), other)
	assert.Equal(t, []string{"secondary.uncommitted", "primary.uncommitted"}, log.take())
}

func TestNonDiffOperationsAlwaysUsePrimary(t *testing.T) {
	owned := buffer.New(&buffer.File{Local: true}, nil)
	p, _, _, log := setupSelector(t, true, true, owned)
	ctx := context.Background()

	blame, err := p.BlameBuffer(ctx, owned).Await(ctx)
	require.NoError(t, err)
	assert.Len(t, blame, 1)

	link, err := p.PermalinkToLine(ctx, owned, 1, 1).Await(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, link)

	status, ok, err := p.StatusForBuffer(ctx, owned)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "M", string(status.Worktree))

	_, ok = p.ActiveRepository()
	assert.True(t, ok)
	assert.Len(t, p.Repositories(), 1)

	assert.Equal(t, []string{
		"primary.blame",
		"primary.permalink",
		"primary.status",
		"primary.active",
		"primary.repositories",
	}, log.take())
}

func TestOwnershipRecheckedEveryCall(t *testing.T) {
	buf := buffer.New(&buffer.File{Local: true}, nil)
	p, _, secondary, log := setupSelector(t, true, false, buf)

	p.OpenUnstagedDiff(context.Background(), buf)
	assert.Equal(t, []string{"primary.unstaged"}, log.take())

	secondary.hasRepos.Store(true)
	p.OpenUnstagedDiff(context.Background(), buf)
	assert.Equal(t, []string{"secondary.unstaged"}, log.take())

	delete(secondary.owned, buf.ID())
	p.OpenUnstagedDiff(context.Background(), buf)
	assert.Equal(t, []string{"secondary.unstaged", "primary.unstaged"}, log.take())
}

func TestRecalculateSplitsByOwnership(t *testing.T) {
	owned := buffer.New(&buffer.File{Local: true}, nil)
	other := buffer.New(&buffer.File{Local: true}, nil)

	t.Run("preferred", func(t *testing.T) {
		p, primary, secondary, _ := setupSelector(t, true, true, owned)
		_, err := p.RecalculateBufferDiffs(context.Background(), []*buffer.Buffer{owned, other}).Await(context.Background())
		require.NoError(t, err)
		assert.Equal(t, [][]*buffer.Buffer{{owned}}, secondary.recalced)
		assert.Equal(t, [][]*buffer.Buffer{{other}}, primary.recalced)
	})

	t.Run("disabled", func(t *testing.T) {
		p, primary, secondary, _ := setupSelector(t, false, true, owned)
		_, err := p.RecalculateBufferDiffs(context.Background(), []*buffer.Buffer{owned, other}).Await(context.Background())
		require.NoError(t, err)
		assert.Empty(t, secondary.recalced)
		assert.Equal(t, [][]*buffer.Buffer{{owned, other}}, primary.recalced)
	})

	t.Run("errors are joined", func(t *testing.T) {
		p, _, secondary, _ := setupSelector(t, true, true, owned)
		secondary.recalErr = errors.New("store closed")
		_, err := p.RecalculateBufferDiffs(context.Background(), []*buffer.Buffer{owned}).Await(context.Background())
		assert.ErrorContains(t, err, "store closed")
	})
}

func TestNilSecondary(t *testing.T) {
	log := &callLog{}
	p, err := NewProjectBackend(&fakePrimary{log: log}, nil, nil, nil)
	require.NoError(t, err)

	p.OpenUnstagedDiff(context.Background(), buffer.New(nil, nil))
	assert.Equal(t, []string{"primary.unstaged"}, log.take())
}

func TestFileStatus(t *testing.T) {
	assert.True(t, FileStatus{}.IsClean())
	assert.Equal(t, "unmodified", FileStatus{}.String())
	assert.True(t, FileStatus{Index: '?', Worktree: '?'}.IsUntracked())
	assert.Equal(t, "M ", FileStatus{Index: 'M'}.String())
	assert.Equal(t, " M", FileStatus{Index: ' ', Worktree: 'M'}.String())
}
