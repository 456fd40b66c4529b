package project

import (
	"context"
	"fmt"
	"weak"

	"go.uber.org/zap"

	"tigdiff/internal/async"
	"tigdiff/internal/buffer"
	"tigdiff/internal/diff"
	"tigdiff/internal/scan"
)

type bufferKey = buffer.ID

// binding ties an open buffer to the diff computed for it. It never keeps
// the diff alive.
type binding struct {
	diff   weak.Pointer[diff.BufferDiff]
	repoID scan.EntryID
	repo   *RepositoryState
	path   string
}

// BaseText is the content of a path in the parent of the working-copy
// revision. Found is false when the path did not exist there.
type BaseText struct {
	Content []byte
	Found   bool
}

// Resolve finds the innermost tracked repository containing the buffer's
// file and the file's path relative to it.
func (s *Store) Resolve(buf *buffer.Buffer) (*RepositoryState, string, bool) {
	file := buf.File()
	if file == nil || !file.Local {
		return nil, "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, repo := range s.byContainer[file.ContainerID] {
		if rel, ok := repo.relativePath(file.AbsPath); ok {
			return repo, rel, true
		}
	}
	return nil, "", false
}

// RequestBaseText fetches the buffer's base text in the background. It
// returns false when no tracked repository owns the buffer.
func (s *Store) RequestBaseText(ctx context.Context, buf *buffer.Buffer) (*async.Task[BaseText], bool) {
	repo, rel, ok := s.Resolve(buf)
	if !ok {
		return nil, false
	}
	return async.Go(func() (BaseText, error) {
		return s.fetchBaseText(ctx, repo, rel)
	}), true
}

func (s *Store) fetchBaseText(ctx context.Context, repo *RepositoryState, rel string) (BaseText, error) {
	h, err := repo.Workspace()
	if err != nil {
		return BaseText{}, fmt.Errorf("loading workspace for %s: %w", repo.WorkDir(), err)
	}
	content, found, err := h.ParentRevisionText(ctx, rel)
	if err != nil {
		return BaseText{}, fmt.Errorf("materializing %s in %s: %w", rel, repo.WorkDir(), err)
	}
	return BaseText{Content: content, Found: found}, nil
}

// OpenUnstagedDiff creates a diff for the buffer and fills in its base text
// in the background. It returns false when no tracked repository owns the
// buffer. On success the diff is bound to the buffer for Recalculate.
func (s *Store) OpenUnstagedDiff(ctx context.Context, buf *buffer.Buffer) (*async.Task[*diff.BufferDiff], bool) {
	repo, rel, ok := s.Resolve(buf)
	if !ok {
		return nil, false
	}

	logger := s.logger.With(zap.String("repo_root", repo.WorkDir()), zap.String("path", rel))

	h, err := repo.Workspace()
	if err != nil {
		logger.Warn("failed to load workspace", zap.Error(err))
		return async.Ready[*diff.BufferDiff](nil, fmt.Errorf("loading workspace for %s: %w", repo.WorkDir(), err)), true
	}
	logger.Info("open unstaged diff requested")

	text := buf.Text()
	d := diff.NewBufferDiff(s.diffs, text)
	bufID := buf.ID()

	return async.Go(func() (*diff.BufferDiff, error) {
		content, found, err := h.ParentRevisionText(ctx, rel)
		if err != nil {
			logger.Warn("failed to materialize parent revision text", zap.Error(err))
			return nil, fmt.Errorf("materializing %s in %s: %w", rel, repo.WorkDir(), err)
		}
		logger.Debug("parent revision text ready", zap.Bool("found", found), zap.Int("bytes", len(content)))

		if err := ctx.Err(); err != nil {
			logger.Debug("open abandoned before base text arrived", zap.Error(err))
			d.Release()
			return nil, err
		}
		if d.Released() {
			logger.Debug("diff released before base text arrived")
			return d, nil
		}
		if err := d.SetBaseText(content, found, text); err != nil {
			return nil, err
		}
		s.trackDiff(bufID, d, repo, rel)
		return d, nil
	}), true
}

// OpenUncommittedDiff is OpenUnstagedDiff: a Tig working copy has no
// staging area.
func (s *Store) OpenUncommittedDiff(ctx context.Context, buf *buffer.Buffer) (*async.Task[*diff.BufferDiff], bool) {
	return s.OpenUnstagedDiff(ctx, buf)
}

// trackDiff binds d to the buffer unless the diff was already released or
// the repository stopped being tracked meanwhile. The last call wins.
func (s *Store) trackDiff(bufID buffer.ID, d *diff.BufferDiff, repo *RepositoryState, rel string) {
	if d.Released() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, tracked := s.byID[repo.ID()]; !tracked {
		return
	}
	s.bindings[bufID] = &binding{
		diff:   weak.Make(d),
		repoID: repo.ID(),
		repo:   repo,
		path:   rel,
	}
}

func (s *Store) dropBindingsLocked(match func(*binding) bool) {
	for id, b := range s.bindings {
		if match(b) {
			delete(s.bindings, id)
		}
	}
}

// dropBinding removes the buffer's binding if it is still b.
func (s *Store) dropBinding(id buffer.ID, b *binding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bindings[id] == b {
		delete(s.bindings, id)
	}
}

type recalcJob struct {
	buf     *buffer.Buffer
	binding *binding
}

// Recalculate refreshes the base text of every given buffer that has a live
// diff. Failures are logged per buffer and do not stop the others. It
// returns nil when none of the buffers has a diff.
func (s *Store) Recalculate(ctx context.Context, bufs []*buffer.Buffer) *async.Task[struct{}] {
	var jobs []recalcJob
	s.mu.Lock()
	for _, buf := range bufs {
		if b, ok := s.bindings[buf.ID()]; ok {
			jobs = append(jobs, recalcJob{buf: buf, binding: b})
		}
	}
	s.mu.Unlock()

	if len(jobs) == 0 {
		return nil
	}

	return async.Go(func() (struct{}, error) {
		err := async.Each(ctx, s.pool, jobs, func(ctx context.Context, job recalcJob) error {
			if err := s.recalculateOne(ctx, job); err != nil {
				s.logger.Warn("failed to recalculate diff",
					zap.Uint64("buffer", uint64(job.buf.ID())),
					zap.Error(err))
			}
			return nil
		})
		return struct{}{}, err
	})
}

func (s *Store) recalculateOne(ctx context.Context, job recalcJob) error {
	b := job.binding
	d := b.diff.Value()
	if d == nil || d.Released() {
		s.dropBinding(job.buf.ID(), b)
		return nil
	}

	repo, rel, ok := s.currentBinding(job.buf, b)
	if !ok {
		s.logger.Debug("repository for diff is gone", zap.Uint64("buffer", uint64(job.buf.ID())))
		s.dropBinding(job.buf.ID(), b)
		return nil
	}

	base, err := s.fetchBaseText(ctx, repo, rel)
	if err != nil {
		return err
	}
	if d.Released() {
		s.dropBinding(job.buf.ID(), b)
		return nil
	}
	return d.SetBaseText(base.Content, base.Found, job.buf.Text())
}

// currentBinding returns the state the binding's repository is tracked
// under now and the buffer's path in it, rebinding when the state was
// replaced.
func (s *Store) currentBinding(buf *buffer.Buffer, b *binding) (*RepositoryState, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byID[b.repoID]
	if !ok {
		return nil, "", false
	}
	if current == b.repo {
		return current, b.path, true
	}

	file := buf.File()
	if file == nil {
		return nil, "", false
	}
	rel, ok := current.relativePath(file.AbsPath)
	if !ok {
		return nil, "", false
	}
	if s.bindings[buf.ID()] == b {
		b.repo = current
		b.path = rel
	}
	return current, rel, true
}
