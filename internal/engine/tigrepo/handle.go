package tigrepo

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"tigdiff/internal/engine"
	tigerrors "tigdiff/internal/errors"
)

func (r *Repo) ParentRevisionText(ctx context.Context, p string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	p, err := cleanRepoPath(p)
	if err != nil {
		return nil, false, err
	}

	var hash string
	err = r.db.View(func(txn *badger.Txn) error {
		view, err := r.views.GetTxn(txn, viewID)
		if err != nil {
			return tigerrors.IO("reading view", err)
		}
		if view.WorkingCopy == "" {
			return nil
		}
		wc, err := r.revision(txn, view.WorkingCopy)
		if err != nil {
			return err
		}
		if len(wc.Parents) == 0 {
			return nil
		}
		parent, err := r.revision(txn, wc.Parents[0])
		if err != nil {
			return err
		}
		hash = parent.Tree[p]
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if hash == "" {
		return nil, false, nil
	}

	content, err := r.blobs.Get(hash)
	if err != nil {
		return nil, false, tigerrors.IO("reading "+p, err)
	}
	// Binary content has no textual base.
	if !utf8.Valid(content) {
		return nil, false, nil
	}
	return content, true, nil
}

// ResolveChange returns the revisions carrying the change whose ID equals or
// starts with id, newest first.
func (r *Repo) ResolveChange(ctx context.Context, id engine.ChangeID) ([]engine.RevisionID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, tigerrors.ValidationError("empty change id")
	}

	all, err := r.revisions.List()
	if err != nil {
		return nil, tigerrors.IO("listing revisions", err)
	}

	var matches []Revision
	changes := make(map[string]struct{})
	for _, rev := range all {
		if strings.HasPrefix(rev.ChangeID, string(id)) {
			matches = append(matches, rev)
			changes[rev.ChangeID] = struct{}{}
		}
	}
	if len(matches) == 0 {
		return nil, tigerrors.RevisionNotFound(id.Short())
	}
	if len(changes) > 1 {
		return nil, tigerrors.ValidationError(fmt.Sprintf("change prefix %s is ambiguous", id))
	}

	slices.SortFunc(matches, func(a, b Revision) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	ids := make([]engine.RevisionID, len(matches))
	for i, rev := range matches {
		ids[i] = engine.RevisionID(rev.ID)
	}
	return ids, nil
}

func (r *Repo) currentRevision(ctx context.Context) (Revision, bool, error) {
	if err := ctx.Err(); err != nil {
		return Revision{}, false, err
	}

	var (
		wc    Revision
		found bool
	)
	err := r.db.View(func(txn *badger.Txn) error {
		view, err := r.views.GetTxn(txn, viewID)
		if err != nil {
			return tigerrors.IO("reading view", err)
		}
		if view.WorkingCopy == "" {
			return nil
		}
		wc, err = r.revision(txn, view.WorkingCopy)
		found = err == nil
		return err
	})
	return wc, found, err
}

func (r *Repo) CurrentRevisionID(ctx context.Context) (engine.RevisionID, bool, error) {
	wc, ok, err := r.currentRevision(ctx)
	if err != nil || !ok {
		return "", false, err
	}
	return engine.RevisionID(wc.ID), true, nil
}

func (r *Repo) CurrentChangeID(ctx context.Context) (engine.ChangeID, bool, error) {
	wc, ok, err := r.currentRevision(ctx)
	if err != nil || !ok {
		return "", false, err
	}
	return engine.ChangeID(wc.ChangeID), true, nil
}

// StartChangeEdit records the working copy, makes rev the working-copy
// revision and checks its tree out. A working-copy revision left behind
// with no content changes and no description is abandoned.
func (r *Repo) StartChangeEdit(ctx context.Context, rev engine.RevisionID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.recordWorkingCopy(); err != nil {
		return err
	}

	var oldTree, newTree map[string]string
	err := r.db.Update(func(txn *badger.Txn) error {
		target, err := r.revision(txn, string(rev))
		if err != nil {
			return err
		}
		if len(target.Parents) == 0 {
			return tigerrors.ValidationError("cannot edit the root revision")
		}

		view, err := r.views.GetTxn(txn, viewID)
		if err != nil {
			return tigerrors.IO("reading view", err)
		}
		if view.WorkingCopy == target.ID {
			return nil
		}

		old, err := r.revision(txn, view.WorkingCopy)
		if err != nil {
			return err
		}
		oldTree, newTree = old.Tree, target.Tree

		if err := r.abandonIfEmpty(txn, &view, old); err != nil {
			return err
		}
		view.WorkingCopy = target.ID
		if err := r.views.PutTxn(txn, view); err != nil {
			return err
		}
		return r.recordOp(txn, "edit change "+engine.ChangeID(target.ChangeID).Short(), target.ID)
	})
	if err != nil {
		return err
	}
	if newTree == nil && oldTree == nil {
		return nil
	}
	return r.checkout(oldTree, newTree)
}

func (r *Repo) abandonIfEmpty(txn *badger.Txn, view *View, rev Revision) error {
	if rev.Description != "" || len(rev.Parents) != 1 || !slices.Contains(view.Heads, rev.ID) {
		return nil
	}
	parent, err := r.revision(txn, rev.Parents[0])
	if err != nil {
		return err
	}
	if !rev.sameTree(parent) {
		return nil
	}

	if err := r.revisions.DeleteTxn(txn, rev.ID); err != nil {
		return fmt.Errorf("abandoning %s: %w", rev.ID, err)
	}
	view.replaceHead(rev.ID, "")

	hasChildren, err := r.hasChildren(txn, parent.ID)
	if err != nil {
		return err
	}
	if !hasChildren && !slices.Contains(view.Heads, parent.ID) {
		view.Heads = append(view.Heads, parent.ID)
	}
	return nil
}

func (r *Repo) hasChildren(txn *badger.Txn, id string) (bool, error) {
	all, err := r.revisions.ListTxn(txn)
	if err != nil {
		return false, err
	}
	for _, rev := range all {
		if slices.Contains(rev.Parents, id) {
			return true, nil
		}
	}
	return false, nil
}

func (r *Repo) RewriteDescription(ctx context.Context, rev engine.RevisionID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.db.Update(func(txn *badger.Txn) error {
		target, err := r.revision(txn, string(rev))
		if err != nil {
			return err
		}
		target.Description = text
		if err := r.revisions.PutTxn(txn, target); err != nil {
			return err
		}
		return r.recordOp(txn, "describe change "+engine.ChangeID(target.ChangeID).Short(), "")
	})
}

// RecentRevisions walks the graph depth first from the heads in sorted
// order, visiting each revision once, until limit summaries are collected.
func (r *Repo) RecentRevisions(ctx context.Context, limit int) ([]engine.RevisionSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	var summaries []engine.RevisionSummary
	err := r.db.View(func(txn *badger.Txn) error {
		view, err := r.views.GetTxn(txn, viewID)
		if err != nil {
			return tigerrors.IO("reading view", err)
		}

		heads := slices.Clone(view.Heads)
		slices.Sort(heads)
		var stack []Revision
		for _, h := range heads {
			rev, err := r.revision(txn, h)
			if err != nil {
				return err
			}
			stack = append(stack, rev)
		}

		visited := make(map[string]bool)
		for len(stack) > 0 {
			rev := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[rev.ID] {
				continue
			}
			visited[rev.ID] = true
			summaries = append(summaries, rev.summary())
			if len(summaries) >= limit {
				break
			}

			for i := len(rev.Parents) - 1; i >= 0; i-- {
				parent, err := r.revision(txn, rev.Parents[i])
				if err != nil {
					return err
				}
				stack = append(stack, parent)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

// Snapshot records the working directory into the working-copy revision,
// gives it description when non-empty, and starts a new empty working-copy
// revision on top. It returns the recorded revision.
func (r *Repo) Snapshot(ctx context.Context, description string) (engine.RevisionSummary, error) {
	if err := ctx.Err(); err != nil {
		return engine.RevisionSummary{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tree, err := r.readTree()
	if err != nil {
		return engine.RevisionSummary{}, err
	}

	var recorded Revision
	err = r.db.Update(func(txn *badger.Txn) error {
		view, err := r.views.GetTxn(txn, viewID)
		if err != nil {
			return tigerrors.IO("reading view", err)
		}
		wc, err := r.revision(txn, view.WorkingCopy)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		wc.Tree = tree
		wc.Timestamp = now
		if description != "" {
			wc.Description = description
		}
		if err := r.revisions.PutTxn(txn, wc); err != nil {
			return err
		}

		child := Revision{
			ID:        uuid.NewString(),
			ChangeID:  uuid.NewString(),
			Parents:   []string{wc.ID},
			Tree:      maps.Clone(tree),
			Author:    r.opts.Author,
			Timestamp: now,
		}
		if err := r.revisions.PutTxn(txn, child); err != nil {
			return err
		}

		view.WorkingCopy = child.ID
		view.replaceHead(wc.ID, child.ID)
		if err := r.views.PutTxn(txn, view); err != nil {
			return err
		}

		recorded = wc
		return r.recordOp(txn, "snapshot working copy", child.ID)
	})
	if err != nil {
		return engine.RevisionSummary{}, err
	}
	return recorded.summary(), nil
}

// recordWorkingCopy stores the current working directory as the tree of the
// working-copy revision without starting a new one. Caller holds r.mu.
func (r *Repo) recordWorkingCopy() error {
	tree, err := r.readTree()
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		view, err := r.views.GetTxn(txn, viewID)
		if err != nil {
			return tigerrors.IO("reading view", err)
		}
		wc, err := r.revision(txn, view.WorkingCopy)
		if err != nil {
			return err
		}
		if maps.Equal(wc.Tree, tree) {
			return nil
		}
		wc.Tree = tree
		return r.revisions.PutTxn(txn, wc)
	})
}
