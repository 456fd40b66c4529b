package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tigdiff/internal/api"
	"tigdiff/internal/engine"
	"tigdiff/internal/engine/tigrepo"
	tigerrors "tigdiff/internal/errors"
	"tigdiff/internal/project"
	"tigdiff/internal/scan"
	"tigdiff/internal/vcs"
)

type fixture struct {
	client    *Client
	dir       string
	container scan.ContainerID
	added     engine.ChangeID
}

func setup(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	repo, err := tigrepo.Init(dir, tigrepo.DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\n"), 0644))
	added, err := repo.Snapshot(context.Background(), "add a")
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	set := scan.NewSet(scan.Options{Enabled: true, ControlDirNames: []string{tigrepo.ControlDirName}}, nil)
	c, err := set.Add(dir)
	require.NoError(t, err)

	store, err := project.NewStore(set, tigrepo.Opener(tigrepo.DefaultOptions()), project.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := httptest.NewServer(api.NewHandler(store, vcs.NewTigBackend(store), set, 10, nil).Routes())
	t.Cleanup(srv.Close)

	return &fixture{client: New(srv.URL), dir: dir, container: c.ID(), added: added.ChangeID}
}

func TestRepositories(t *testing.T) {
	f := setup(t)

	got, err := f.client.Repositories(context.Background())
	require.NoError(t, err)
	require.Len(t, got.Tig, 1)
	assert.Equal(t, f.dir, got.Tig[0].Path)
}

func TestRecentCommitsAndDescribe(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	commits, err := f.client.RecentCommits(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, commits, 3)
	assert.Equal(t, f.added, commits[1].ChangeID)

	require.NoError(t, f.client.DescribeChange(ctx, nil, f.added, "add the a file"))

	commits, err = f.client.RecentCommits(ctx, nil, 2)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, "add the a file", commits[1].Description)
}

func TestEditChange(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.client.EditChange(ctx, nil, f.added))

	err := f.client.EditChange(ctx, nil, "qqqqqqqqqqqqqqqqqqqqqqqq")
	require.Error(t, err)
	assert.True(t, tigerrors.IsKind(err, tigerrors.KindRevisionNotFound))

	missing := scan.EntryID(999)
	err = f.client.EditChange(ctx, &missing, f.added)
	assert.True(t, tigerrors.IsKind(err, tigerrors.KindNotFound))
}

func TestDiff(t *testing.T) {
	f := setup(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "a.txt"), []byte("one\ntwo\n"), 0644))

	got, err := f.client.Diff(context.Background(), f.container, "a.txt", false)
	require.NoError(t, err)
	assert.True(t, got.BaseFound)
	assert.Equal(t, 1, got.Additions)

	_, err = f.client.Diff(context.Background(), f.container, "../escape.txt", true)
	assert.True(t, tigerrors.IsKind(err, tigerrors.KindValidation))
}

func TestUnsupportedOperations(t *testing.T) {
	f := setup(t)

	_, err := f.client.Blame(context.Background(), f.container, "a.txt")
	require.Error(t, err)
	_, err = f.client.Status(context.Background(), f.container, "a.txt")
	require.Error(t, err)
}

func TestUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Repositories(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
