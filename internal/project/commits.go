package project

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"tigdiff/internal/async"
	"tigdiff/internal/engine"
	tigerrors "tigdiff/internal/errors"
	"tigdiff/internal/scan"
)

type RepositorySummary struct {
	ID          scan.EntryID     `json:"id"`
	ContainerID scan.ContainerID `json:"container_id"`
	Path        string           `json:"path"`
}

type CommitSummary struct {
	RevisionID  engine.RevisionID `json:"revision_id"`
	ChangeID    engine.ChangeID   `json:"change_id"`
	Description string            `json:"description"`
	Author      string            `json:"author"`
	Timestamp   time.Time         `json:"timestamp"`
	IsCurrent   bool              `json:"is_current"`
}

func (s *Store) HasRepositories() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID) > 0
}

// Repositories lists every tracked repository in ID order.
func (s *Store) Repositories() []RepositorySummary {
	s.mu.Lock()
	out := make([]RepositorySummary, 0, len(s.byID))
	for _, st := range s.byID {
		out = append(out, RepositorySummary{
			ID:          st.ID(),
			ContainerID: st.containerID,
			Path:        st.WorkDir(),
		})
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b RepositorySummary) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// repository returns the state for id, or the lowest-numbered repository
// when id is nil.
func (s *Store) repository(id *scan.EntryID) (*RepositoryState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != nil {
		st, ok := s.byID[*id]
		return st, ok
	}
	var first *RepositoryState
	for _, st := range s.byID {
		if first == nil || st.ID() < first.ID() {
			first = st
		}
	}
	return first, first != nil
}

// RecentCommits lists up to limit recent revisions of the repository, with
// the working-copy change marked current. It returns false when the
// repository is not tracked.
func (s *Store) RecentCommits(ctx context.Context, id *scan.EntryID, limit int) (*async.Task[[]CommitSummary], bool) {
	repo, ok := s.repository(id)
	if !ok {
		return nil, false
	}

	return async.Go(func() ([]CommitSummary, error) {
		h, err := repo.Workspace()
		if err != nil {
			return nil, err
		}
		current, hasCurrent, err := h.CurrentChangeID(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading current change: %w", err)
		}
		revs, err := h.RecentRevisions(ctx, limit)
		if err != nil {
			return nil, fmt.Errorf("listing recent revisions: %w", err)
		}

		out := make([]CommitSummary, len(revs))
		for i, r := range revs {
			out[i] = CommitSummary{
				RevisionID:  r.RevisionID,
				ChangeID:    r.ChangeID,
				Description: r.Description,
				Author:      r.Author,
				Timestamp:   r.Timestamp,
				IsCurrent:   hasCurrent && r.ChangeID == current,
			}
		}
		return out, nil
	}), true
}

// EditChange makes the change the repository's working copy.
func (s *Store) EditChange(ctx context.Context, id scan.EntryID, change engine.ChangeID) (*async.Task[struct{}], bool) {
	repo, ok := s.repository(&id)
	if !ok {
		return nil, false
	}

	return async.Go(func() (struct{}, error) {
		h, rev, err := s.resolveChange(ctx, repo, change)
		if err != nil {
			return struct{}{}, err
		}
		if err := h.StartChangeEdit(ctx, rev); err != nil {
			return struct{}{}, fmt.Errorf("editing change %s: %w", change.Short(), err)
		}
		s.logger.Info("switched workspace to change",
			zap.Uint64("repository", uint64(id)),
			zap.String("change", change.Short()))
		return struct{}{}, nil
	}), true
}

// RenameChange replaces the change's description.
func (s *Store) RenameChange(ctx context.Context, id scan.EntryID, change engine.ChangeID, description string) (*async.Task[struct{}], bool) {
	repo, ok := s.repository(&id)
	if !ok {
		return nil, false
	}

	return async.Go(func() (struct{}, error) {
		h, rev, err := s.resolveChange(ctx, repo, change)
		if err != nil {
			return struct{}{}, err
		}
		if err := h.RewriteDescription(ctx, rev, description); err != nil {
			return struct{}{}, fmt.Errorf("renaming change %s: %w", change.Short(), err)
		}
		s.logger.Info("renamed change",
			zap.Uint64("repository", uint64(id)),
			zap.String("change", change.Short()))
		return struct{}{}, nil
	}), true
}

func (s *Store) resolveChange(ctx context.Context, repo *RepositoryState, change engine.ChangeID) (engine.Handle, engine.RevisionID, error) {
	h, err := repo.Workspace()
	if err != nil {
		return nil, "", err
	}
	revs, err := h.ResolveChange(ctx, change)
	if err != nil {
		return nil, "", err
	}
	if len(revs) == 0 {
		return nil, "", tigerrors.RevisionNotFound(change.Short())
	}
	return h, revs[0], nil
}
