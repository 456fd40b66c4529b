// Package gitvcs is the git backend: it reads base text, blame, remotes and
// status for the repository that contains a buffer's file, using go-git.
package gitvcs

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"

	tigerrors "tigdiff/internal/errors"
)

// openRepository opens the repository whose worktree contains dir and
// returns it together with the worktree root.
func openRepository(dir string) (*git.Repository, string, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, "", tigerrors.ResolutionMiss(fmt.Sprintf("%s is not inside a git repository", dir))
		}
		return nil, "", fmt.Errorf("opening git repository at %s: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		if errors.Is(err, git.ErrIsBareRepository) {
			return nil, "", tigerrors.ResolutionMiss(fmt.Sprintf("%s belongs to a bare repository", dir))
		}
		return nil, "", fmt.Errorf("opening worktree at %s: %w", dir, err)
	}
	return repo, wt.Filesystem.Root(), nil
}

// headCommit resolves HEAD. ok is false while HEAD is unborn.
func headCommit(repo *git.Repository) (*object.Commit, bool, error) {
	ref, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("resolving HEAD: %w", err)
	}
	c, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, false, fmt.Errorf("reading commit %s: %w", ref.Hash(), err)
	}
	return c, true, nil
}

// headFile looks rel up in the HEAD tree. ok is false when HEAD is unborn
// or does not contain the path.
func headFile(repo *git.Repository, rel string) (*object.File, bool, error) {
	c, ok, err := headCommit(repo)
	if err != nil || !ok {
		return nil, false, err
	}
	f, err := c.File(rel)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) || errors.Is(err, object.ErrDirectoryNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("looking up %s at HEAD: %w", rel, err)
	}
	return f, true, nil
}

// indexBlob reads the staged content of rel.
func indexBlob(repo *git.Repository, rel string) ([]byte, bool, error) {
	idx, err := repo.Storer.Index()
	if err != nil {
		return nil, false, tigerrors.IO("read index", err)
	}
	e, err := idx.Entry(rel)
	if err != nil {
		if errors.Is(err, index.ErrEntryNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("looking up %s in the index: %w", rel, err)
	}
	blob, err := repo.BlobObject(e.Hash)
	if err != nil {
		return nil, false, tigerrors.IO("read blob "+e.Hash.String(), err)
	}
	r, err := blob.Reader()
	if err != nil {
		return nil, false, tigerrors.IO("read blob "+e.Hash.String(), err)
	}
	defer r.Close()
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, false, tigerrors.IO("read blob "+e.Hash.String(), err)
	}
	return content, true, nil
}

// headBlob reads the committed content of rel.
func headBlob(repo *git.Repository, rel string) ([]byte, bool, error) {
	f, ok, err := headFile(repo, rel)
	if err != nil || !ok {
		return nil, false, err
	}
	r, err := f.Reader()
	if err != nil {
		return nil, false, tigerrors.IO("read HEAD:"+rel, err)
	}
	defer r.Close()
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, false, tigerrors.IO("read HEAD:"+rel, err)
	}
	return content, true, nil
}
