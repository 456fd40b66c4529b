package gitvcs

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5"

	"tigdiff/internal/buffer"
	tigerrors "tigdiff/internal/errors"
	"tigdiff/internal/vcs"
)

// StatusForBuffer reports the git status of the buffer's file. ok is false
// when the file is not in a git repository.
func (b *Backend) StatusForBuffer(ctx context.Context, buf *buffer.Buffer) (vcs.FileStatus, bool, error) {
	loc, err := b.locate(buf)
	if err != nil {
		if tigerrors.IsKind(err, tigerrors.KindResolutionMiss) {
			return vcs.FileStatus{}, false, nil
		}
		return vcs.FileStatus{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return vcs.FileStatus{}, false, err
	}
	wt, err := loc.repo.Worktree()
	if err != nil {
		return vcs.FileStatus{}, false, fmt.Errorf("opening worktree %s: %w", loc.root, err)
	}
	st, err := wt.Status()
	if err != nil {
		return vcs.FileStatus{}, false, fmt.Errorf("reading status of %s: %w", loc.rel, err)
	}
	return fileStatus(st, loc.rel), true, nil
}

// fileStatus picks rel out of a worktree status. Paths missing from it are
// unmodified.
func fileStatus(st git.Status, rel string) vcs.FileStatus {
	fs, ok := st[rel]
	if !ok || fs == nil {
		return vcs.FileStatus{}
	}
	out := vcs.FileStatus{Index: byte(fs.Staging), Worktree: byte(fs.Worktree)}
	if out.IsClean() {
		return vcs.FileStatus{}
	}
	return out
}
