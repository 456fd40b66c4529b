package tigrepo

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	tigerrors "tigdiff/internal/errors"
)

// readTree stores every regular file of the working directory in the blob
// store and returns the resulting path -> hash map. Nested repositories and
// ignored directories are skipped.
func (r *Repo) readTree() (map[string]string, error) {
	tree := make(map[string]string)

	err := filepath.WalkDir(r.workDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p == r.workDir {
				return nil
			}
			if d.Name() == ControlDirName || slices.Contains(r.opts.Ignore, d.Name()) {
				return filepath.SkipDir
			}
			if _, err := os.Stat(filepath.Join(p, ControlDirName)); err == nil {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		content, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("reading %s: %w", p, err)
		}
		hash, err := r.blobs.Store(content)
		if err != nil {
			return fmt.Errorf("storing %s: %w", p, err)
		}

		rel, err := filepath.Rel(r.workDir, p)
		if err != nil {
			return err
		}
		tree[filepath.ToSlash(rel)] = hash
		return nil
	})
	if err != nil {
		return nil, tigerrors.IO("reading working copy", err)
	}
	return tree, nil
}

// checkout rewrites the working directory from the old tree to the new one.
// Files not tracked by either tree are left alone.
func (r *Repo) checkout(oldTree, newTree map[string]string) error {
	for p := range oldTree {
		if _, ok := newTree[p]; ok {
			continue
		}
		err := os.Remove(filepath.Join(r.workDir, filepath.FromSlash(p)))
		if err != nil && !os.IsNotExist(err) {
			return tigerrors.IO("removing "+p, err)
		}
	}

	for p, hash := range newTree {
		if oldTree[p] == hash {
			continue
		}
		content, err := r.blobs.Get(hash)
		if err != nil {
			return tigerrors.IO("reading blob for "+p, err)
		}
		target := filepath.Join(r.workDir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return tigerrors.IO("creating directory for "+p, err)
		}
		if err := os.WriteFile(target, content, 0644); err != nil {
			return tigerrors.IO("writing "+p, err)
		}
	}
	return nil
}

// cleanRepoPath normalizes a repository-relative path and rejects paths that
// escape the working directory or point into the control directory.
func cleanRepoPath(p string) (string, error) {
	p = strings.TrimPrefix(path.Clean(filepath.ToSlash(p)), "./")
	switch {
	case p == "." || p == "":
		return "", tigerrors.ValidationError("empty path")
	case path.IsAbs(p), p == "..", strings.HasPrefix(p, "../"):
		return "", tigerrors.ValidationError(fmt.Sprintf("path %s is outside the repository", p))
	}

	first, _, _ := strings.Cut(p, "/")
	if first == ControlDirName {
		return "", tigerrors.AccessDenied(p, fmt.Errorf("%s is repository metadata", ControlDirName))
	}
	return p, nil
}
