package gitvcs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tigdiff/internal/buffer"
	tigerrors "tigdiff/internal/errors"
	"tigdiff/internal/vcs"
)

const zeroID = "0000000000000000000000000000000000000000"

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func stage(t *testing.T, repo *git.Repository, name string) {
	t.Helper()
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(name)
	require.NoError(t, err)
}

func commit(t *testing.T, repo *git.Repository, msg string) plumbing.Hash {
	t.Helper()
	wt, err := repo.Worktree()
	require.NoError(t, err)
	h, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "Ana", Email: "ana@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return h
}

// setupRepo creates a repository where a.txt is committed as "one\n",
// staged as "two\n" and holds "three\n" on disk.
func setupRepo(t *testing.T) (*Backend, *git.Repository, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	writeFile(t, dir, "a.txt", "one\n")
	stage(t, repo, "a.txt")
	commit(t, repo, "add a")
	writeFile(t, dir, "a.txt", "two\n")
	stage(t, repo, "a.txt")
	writeFile(t, dir, "a.txt", "three\n")

	return New(Options{Workers: 2}), repo, dir
}

func fileBuffer(path, text string) *buffer.Buffer {
	return buffer.New(&buffer.File{AbsPath: path, Local: true}, []byte(text))
}

func TestDiffBases(t *testing.T) {
	b, _, dir := setupRepo(t)
	ctx := context.Background()
	buf := fileBuffer(filepath.Join(dir, "a.txt"), "three\n")

	unstaged, err := b.OpenUnstagedDiff(ctx, buf).Await(ctx)
	require.NoError(t, err)
	base, found := unstaged.BaseText()
	assert.True(t, found)
	assert.Equal(t, "two\n", string(base))

	uncommitted, err := b.OpenUncommittedDiff(ctx, buf).Await(ctx)
	require.NoError(t, err)
	base, found = uncommitted.BaseText()
	assert.True(t, found)
	assert.Equal(t, "one\n", string(base))

	untracked := fileBuffer(writeFile(t, dir, "new.txt", "x\n"), "x\n")
	d, err := b.OpenUncommittedDiff(ctx, untracked).Await(ctx)
	require.NoError(t, err)
	_, found = d.BaseText()
	assert.False(t, found)

	repo, ok := b.ActiveRepository()
	require.True(t, ok)
	assert.Equal(t, dir, repo.Path)
	assert.Len(t, b.Repositories(), 1)
}

func TestDiffOutsideRepository(t *testing.T) {
	b := New(Options{})
	ctx := context.Background()

	_, err := b.OpenUnstagedDiff(ctx, fileBuffer(filepath.Join(t.TempDir(), "x.txt"), "")).Await(ctx)
	assert.True(t, tigerrors.IsKind(err, tigerrors.KindResolutionMiss))

	_, err = b.OpenUnstagedDiff(ctx, buffer.New(nil, nil)).Await(ctx)
	assert.True(t, tigerrors.IsKind(err, tigerrors.KindResolutionMiss))

	_, ok := b.ActiveRepository()
	assert.False(t, ok)
}

func TestRecalculateAfterCommit(t *testing.T) {
	b, repo, dir := setupRepo(t)
	ctx := context.Background()
	buf := fileBuffer(filepath.Join(dir, "a.txt"), "three\n")

	d, err := b.OpenUncommittedDiff(ctx, buf).Await(ctx)
	require.NoError(t, err)

	commit(t, repo, "stage two")
	_, err = b.RecalculateBufferDiffs(ctx, []*buffer.Buffer{buf}).Await(ctx)
	require.NoError(t, err)

	base, _ := d.BaseText()
	assert.Equal(t, "two\n", string(base))

	d.Release()
	_, err = b.RecalculateBufferDiffs(ctx, []*buffer.Buffer{buf}).Await(ctx)
	require.NoError(t, err)
	b.mu.Lock()
	_, bound := b.bindings[buf.ID()]
	b.mu.Unlock()
	assert.False(t, bound)
}

func TestStatusForBuffer(t *testing.T) {
	b, repo, dir := setupRepo(t)
	ctx := context.Background()
	writeFile(t, dir, "clean.txt", "c\n")
	stage(t, repo, "clean.txt")
	commit(t, repo, "add clean")
	writeFile(t, dir, "a.txt", "four\n")
	stage(t, repo, "a.txt")
	writeFile(t, dir, "a.txt", "five\n")
	writeFile(t, dir, "untracked.txt", "u\n")

	tests := []struct {
		name string
		file string
		want vcs.FileStatus
	}{
		{"staged and modified", "a.txt", vcs.FileStatus{Index: 'M', Worktree: 'M'}},
		{"clean", "clean.txt", vcs.FileStatus{}},
		{"untracked", "untracked.txt", vcs.FileStatus{Index: '?', Worktree: '?'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, ok, err := b.StatusForBuffer(ctx, fileBuffer(filepath.Join(dir, tt.file), ""))
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, tt.want, st)
		})
	}

	_, ok, err := b.StatusForBuffer(ctx, fileBuffer(filepath.Join(t.TempDir(), "x"), ""))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBlameBuffer(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	path := writeFile(t, dir, "a.txt", "one\ntwo\n")
	stage(t, repo, "a.txt")
	head := commit(t, repo, "add a\n\nlonger body")

	b := New(Options{})
	ctx := context.Background()

	lines, err := b.BlameBuffer(ctx, fileBuffer(path, "zero\none\nTWO\n")).Await(ctx)
	require.NoError(t, err)
	require.Len(t, lines, 3)

	assert.Equal(t, 1, lines[0].Line)
	assert.Equal(t, zeroID, lines[0].Revision)
	assert.Equal(t, notCommitted, lines[0].Author)

	assert.Equal(t, 2, lines[1].Line)
	assert.Equal(t, head.String(), lines[1].Revision)
	assert.Equal(t, "Ana", lines[1].Author)
	assert.Equal(t, "add a", lines[1].Summary)
	assert.False(t, lines[1].Timestamp.IsZero())

	assert.Equal(t, 3, lines[2].Line)
	assert.Equal(t, zeroID, lines[2].Revision)
}

func TestBlameUncommittedFile(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	b := New(Options{})
	ctx := context.Background()

	// Unborn HEAD.
	path := writeFile(t, dir, "new.txt", "a\nb\n")
	lines, err := b.BlameBuffer(ctx, fileBuffer(path, "a\nb\n")).Await(ctx)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	for _, l := range lines {
		assert.Equal(t, zeroID, l.Revision)
		assert.True(t, l.Timestamp.IsZero())
	}

	// File missing from HEAD.
	writeFile(t, dir, "other.txt", "x\n")
	stage(t, repo, "other.txt")
	commit(t, repo, "add other")
	lines, err = b.BlameBuffer(ctx, fileBuffer(path, "a\n")).Await(ctx)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, zeroID, lines[0].Revision)
}

func TestPermalinkToLine(t *testing.T) {
	b, repo, dir := setupRepo(t)
	ctx := context.Background()
	buf := fileBuffer(filepath.Join(dir, "a.txt"), "")

	_, err := b.PermalinkToLine(ctx, buf, 1, 1).Await(ctx)
	assert.True(t, tigerrors.IsKind(err, tigerrors.KindValidation), "no origin remote")

	_, err = repo.CreateRemote(&config.RemoteConfig{
		Name: "origin",
		URLs: []string{"git@github.com:acme/widgets.git"},
	})
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)

	link, err := b.PermalinkToLine(ctx, buf, 3, 5).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/widgets/blob/"+head.Hash().String()+"/a.txt#L3-L5", link)

	_, err = b.PermalinkToLine(ctx, buf, 0, 1).Await(ctx)
	assert.True(t, tigerrors.IsKind(err, tigerrors.KindValidation))
}

func TestNormalizeRemote(t *testing.T) {
	tests := []struct {
		remote  string
		want    string
		wantErr bool
	}{
		{"git@github.com:acme/widgets.git", "https://github.com/acme/widgets", false},
		{"github.com:acme/widgets", "https://github.com/acme/widgets", false},
		{"https://github.com/acme/widgets.git", "https://github.com/acme/widgets", false},
		{"https://user@gitlab.com/group/sub/proj/", "https://gitlab.com/group/sub/proj", false},
		{"ssh://git@git.example.com:2222/team/tool.git", "https://git.example.com/team/tool", false},
		{"file:///srv/repo.git", "", true},
		{"/srv/repo.git", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			got, err := normalizeRemote(tt.remote)
			if tt.wantErr {
				assert.True(t, tigerrors.IsKind(err, tigerrors.KindValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPermalinkEscapesPath(t *testing.T) {
	got := permalink("https://h/o/r", "abc", "docs/read me.md", 2, 2)
	assert.Equal(t, "https://h/o/r/blob/abc/docs/read%20me.md#L2", got)
}

func TestFileStatus(t *testing.T) {
	st := git.Status{
		"renamed.txt": {Staging: git.Renamed, Worktree: git.Unmodified, Extra: "old.txt"},
		"same.txt":    {Staging: git.Unmodified, Worktree: git.Unmodified},
		"gone.txt":    {Staging: git.Unmodified, Worktree: git.Deleted},
	}

	assert.Equal(t, vcs.FileStatus{Index: 'R', Worktree: ' '}, fileStatus(st, "renamed.txt"))
	assert.Equal(t, vcs.FileStatus{Index: ' ', Worktree: 'D'}, fileStatus(st, "gone.txt"))
	assert.True(t, fileStatus(st, "same.txt").IsClean())
	assert.Equal(t, vcs.FileStatus{}, fileStatus(st, "absent.txt"))
}
