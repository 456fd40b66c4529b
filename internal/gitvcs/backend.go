package gitvcs

import (
	"cmp"
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"weak"

	"github.com/go-git/go-git/v5"
	"go.uber.org/zap"

	"tigdiff/internal/async"
	"tigdiff/internal/buffer"
	"tigdiff/internal/diff"
	tigerrors "tigdiff/internal/errors"
	"tigdiff/internal/vcs"
)

// baseKind selects which tree a diff's base text comes from.
type baseKind int

const (
	baseIndex baseKind = iota // staged content
	baseHead                  // last commit
)

func (k baseKind) String() string {
	if k == baseHead {
		return "HEAD"
	}
	return "index"
}

type Options struct {
	Workers      int
	ContextLines int
	Logger       *zap.Logger
}

type binding struct {
	diff weak.Pointer[diff.BufferDiff]
	root string
	rel  string
	kind baseKind
}

// Backend serves every vcs.Backend operation from git repositories found
// by walking up from each buffer's file.
type Backend struct {
	diffs  *diff.Engine
	pool   *async.Pool
	logger *zap.Logger

	mu       sync.Mutex
	repos    map[string]vcs.Repository
	active   string
	bindings map[buffer.ID]*binding
}

var _ vcs.Backend = (*Backend)(nil)

func New(opts Options) *Backend {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		diffs:    diff.NewEngine(opts.ContextLines),
		pool:     async.NewPool(opts.Workers),
		logger:   logger.Named("git"),
		repos:    make(map[string]vcs.Repository),
		bindings: make(map[buffer.ID]*binding),
	}
}

// AddRepository registers the git repository containing dir.
func (b *Backend) AddRepository(dir string) (vcs.Repository, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return vcs.Repository{}, fmt.Errorf("resolving %s: %w", dir, err)
	}
	_, root, err := openRepository(abs)
	if err != nil {
		return vcs.Repository{}, err
	}
	return b.remember(root, false), nil
}

func (b *Backend) remember(root string, activate bool) vcs.Repository {
	b.mu.Lock()
	defer b.mu.Unlock()
	repo, ok := b.repos[root]
	if !ok {
		repo = vcs.Repository{ID: root, Kind: "git", Path: root}
		b.repos[root] = repo
		b.logger.Debug("discovered repository", zap.String("repo_root", root))
	}
	if activate || b.active == "" {
		b.active = root
	}
	return repo
}

// location is a buffer's file inside an opened repository.
type location struct {
	repo *git.Repository
	root string
	rel  string
}

// locate opens the repository owning the buffer's file and makes it the
// active one.
func (b *Backend) locate(buf *buffer.Buffer) (location, error) {
	file := buf.File()
	if file == nil || !file.Local {
		return location{}, tigerrors.ResolutionMiss(fmt.Sprintf("buffer %d has no local file", buf.ID()))
	}
	repo, root, err := openRepository(filepath.Dir(file.AbsPath))
	if err != nil {
		return location{}, err
	}
	rel, err := filepath.Rel(root, file.AbsPath)
	if err != nil {
		return location{}, fmt.Errorf("relative path of %s: %w", file.AbsPath, err)
	}
	b.remember(root, true)
	return location{repo: repo, root: root, rel: filepath.ToSlash(rel)}, nil
}

// baseText reads rel from the index or HEAD. found is false when the path
// is absent there, or when HEAD does not exist yet.
func baseText(ctx context.Context, repo *git.Repository, rel string, kind baseKind) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if kind == baseHead {
		return headBlob(repo, rel)
	}
	return indexBlob(repo, rel)
}

func (b *Backend) OpenUnstagedDiff(ctx context.Context, buf *buffer.Buffer) *async.Task[*diff.BufferDiff] {
	return b.openDiff(ctx, buf, baseIndex)
}

func (b *Backend) OpenUncommittedDiff(ctx context.Context, buf *buffer.Buffer) *async.Task[*diff.BufferDiff] {
	return b.openDiff(ctx, buf, baseHead)
}

func (b *Backend) openDiff(ctx context.Context, buf *buffer.Buffer, kind baseKind) *async.Task[*diff.BufferDiff] {
	loc, err := b.locate(buf)
	if err != nil {
		return async.Ready[*diff.BufferDiff](nil, err)
	}
	text := buf.Text()
	d := diff.NewBufferDiff(b.diffs, text)
	bufID := buf.ID()

	return async.Go(func() (*diff.BufferDiff, error) {
		base, found, err := baseText(ctx, loc.repo, loc.rel, kind)
		if err != nil {
			return nil, fmt.Errorf("loading %s base of %s in %s: %w", kind, loc.rel, loc.root, err)
		}
		if d.Released() {
			return d, nil
		}
		if err := d.SetBaseText(base, found, text); err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.bindings[bufID] = &binding{diff: weak.Make(d), root: loc.root, rel: loc.rel, kind: kind}
		b.mu.Unlock()
		return d, nil
	})
}

type recalcJob struct {
	buf     *buffer.Buffer
	binding *binding
}

// RecalculateBufferDiffs reloads the base text of every buffer with a live
// git diff. Failures are logged per buffer.
func (b *Backend) RecalculateBufferDiffs(ctx context.Context, bufs []*buffer.Buffer) *async.Task[struct{}] {
	var jobs []recalcJob
	b.mu.Lock()
	for _, buf := range bufs {
		if bd, ok := b.bindings[buf.ID()]; ok {
			jobs = append(jobs, recalcJob{buf: buf, binding: bd})
		}
	}
	b.mu.Unlock()
	if len(jobs) == 0 {
		return async.Ready(struct{}{}, nil)
	}

	return async.Go(func() (struct{}, error) {
		err := async.Each(ctx, b.pool, jobs, func(ctx context.Context, job recalcJob) error {
			d := job.binding.diff.Value()
			if d == nil || d.Released() {
				b.mu.Lock()
				if b.bindings[job.buf.ID()] == job.binding {
					delete(b.bindings, job.buf.ID())
				}
				b.mu.Unlock()
				return nil
			}
			if err := b.recalculate(ctx, d, job); err != nil {
				b.logger.Warn("failed to recalculate diff",
					zap.String("repo_root", job.binding.root),
					zap.String("path", job.binding.rel),
					zap.Error(err))
			}
			return nil
		})
		return struct{}{}, err
	})
}

// recalculate rereads the binding's base text and refreshes d unless it was
// released meanwhile.
func (b *Backend) recalculate(ctx context.Context, d *diff.BufferDiff, job recalcJob) error {
	repo, _, err := openRepository(job.binding.root)
	if err != nil {
		return err
	}
	base, found, err := baseText(ctx, repo, job.binding.rel, job.binding.kind)
	if err != nil {
		return err
	}
	if d.Released() {
		return nil
	}
	return d.SetBaseText(base, found, job.buf.Text())
}

func (b *Backend) ActiveRepository() (vcs.Repository, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == "" {
		return vcs.Repository{}, false
	}
	return b.repos[b.active], true
}

func (b *Backend) Repositories() []vcs.Repository {
	b.mu.Lock()
	out := make([]vcs.Repository, 0, len(b.repos))
	for _, r := range b.repos {
		out = append(out, r)
	}
	b.mu.Unlock()
	slices.SortFunc(out, func(x, y vcs.Repository) int { return cmp.Compare(x.Path, y.Path) })
	return out
}
