package project

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tigdiff/internal/buffer"
	tigerrors "tigdiff/internal/errors"
	"tigdiff/internal/scan"
	"tigdiff/internal/tracker"
)

func setupStore(t *testing.T) (*Store, *fakeEngine, string) {
	t.Helper()
	set := scan.NewSet(scan.Options{Enabled: true, ControlDirNames: []string{".tig"}}, nil)
	eng := newFakeEngine()
	s, err := NewStore(set, eng.open, Options{Workers: 2})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, eng, t.TempDir()
}

func record(id scan.EntryID, root, rel string) scan.Record {
	return scan.Record{
		WorkDirectoryID:       id,
		WorkDirectoryAbsPath:  filepath.Join(root, filepath.FromSlash(rel)),
		WorkDirectoryRelPath:  tracker.NewRelPath(rel),
		ControlDirAbsPath:     filepath.Join(root, filepath.FromSlash(rel), ".tig"),
		ScanGeneration:        1,
		CoversEntireContainer: rel == "",
	}
}

func localBuffer(container scan.ContainerID, path, text string) *buffer.Buffer {
	return buffer.New(&buffer.File{ContainerID: container, AbsPath: path, Local: true}, []byte(text))
}

func TestNewStoreValidation(t *testing.T) {
	set := scan.NewSet(scan.Options{Enabled: true}, nil)

	_, err := NewStore(nil, newFakeEngine().open, Options{})
	assert.Error(t, err)

	_, err = NewStore(set, nil, Options{})
	assert.Error(t, err)
}

func TestTrackThenRemove(t *testing.T) {
	s, eng, root := setupStore(t)

	s.trackRepository(1, record(7, root, "a"))
	assert.True(t, s.HasRepositories())
	require.NoError(t, s.CheckConsistency())

	st, ok := s.repository(ptr(scan.EntryID(7)))
	require.True(t, ok)
	h, err := st.Workspace()
	require.NoError(t, err)

	s.removeRepository(7)

	s.mu.Lock()
	_, inIDs := s.byID[7]
	_, inContainer := s.byContainer[1]
	s.mu.Unlock()
	assert.False(t, inIDs)
	assert.False(t, inContainer)
	assert.False(t, s.HasRepositories())
	require.NoError(t, s.CheckConsistency())

	assert.True(t, h.(*fakeHandle).closed.Load())
	_, err = st.Workspace()
	assert.ErrorIs(t, err, errHandleClosed)
	assert.Equal(t, 1, eng.openCount(st.WorkDir()))
}

func TestResolvePrefersInnermostRepository(t *testing.T) {
	s, _, root := setupStore(t)

	// Insert the inner repository first to show ordering does not depend
	// on arrival.
	s.trackRepository(1, record(2, root, "lib"))
	s.trackRepository(1, record(1, root, ""))
	s.trackRepository(1, record(3, root, "lib/vendor/pkg"))
	require.NoError(t, s.CheckConsistency())

	tests := []struct {
		name   string
		path   string
		wantID scan.EntryID
		rel    string
	}{
		{"inner file", "lib/x.txt", 2, "x.txt"},
		{"outer file", "y.txt", 1, "y.txt"},
		{"deepest", "lib/vendor/pkg/a/b.go", 3, "a/b.go"},
		{"sibling with shared prefix", "library/z.txt", 1, "library/z.txt"},
		{"between nested repos", "lib/vendor/other.txt", 2, "vendor/other.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := localBuffer(1, filepath.Join(root, filepath.FromSlash(tt.path)), "")
			repo, rel, ok := s.Resolve(buf)
			require.True(t, ok)
			assert.Equal(t, tt.wantID, repo.ID())
			assert.Equal(t, tt.rel, rel)
		})
	}
}

func TestResolveUnavailable(t *testing.T) {
	s, _, root := setupStore(t)
	s.trackRepository(1, record(1, root, "repo"))

	tests := []struct {
		name string
		buf  *buffer.Buffer
	}{
		{"no file", buffer.New(nil, []byte("x"))},
		{"remote file", buffer.New(&buffer.File{ContainerID: 1, AbsPath: filepath.Join(root, "repo", "a.txt")}, nil)},
		{"other container", localBuffer(2, filepath.Join(root, "repo", "a.txt"), "")},
		{"outside every repository", localBuffer(1, filepath.Join(root, "elsewhere", "a.txt"), "")},
		{"repository root itself", localBuffer(1, filepath.Join(root, "repo"), "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, ok := s.Resolve(tt.buf)
			assert.False(t, ok)

			task, ok := s.OpenUnstagedDiff(context.Background(), tt.buf)
			assert.False(t, ok)
			assert.Nil(t, task)

			base, ok := s.RequestBaseText(context.Background(), tt.buf)
			assert.False(t, ok)
			assert.Nil(t, base)
		})
	}
}

func TestWorkspaceOpensOnce(t *testing.T) {
	s, eng, root := setupStore(t)
	eng.delay = 10 * time.Millisecond
	s.trackRepository(1, record(1, root, ""))

	st, ok := s.repository(nil)
	require.True(t, ok)

	first, err := st.Workspace()
	require.NoError(t, err)
	second, err := st.Workspace()
	require.NoError(t, err)
	assert.Same(t, first, second)

	var wg sync.WaitGroup
	results := make([]any, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := st.Workspace()
			assert.NoError(t, err)
			results[i] = h
		}(i)
	}
	wg.Wait()

	for _, h := range results {
		assert.Same(t, first, h)
	}
	assert.Equal(t, 1, eng.openCount(st.WorkDir()))
}

func TestWorkspaceConcurrentFirstOpen(t *testing.T) {
	s, eng, root := setupStore(t)
	eng.delay = 20 * time.Millisecond
	s.trackRepository(1, record(1, root, ""))
	st, _ := s.repository(nil)

	var wg sync.WaitGroup
	results := make([]any, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := st.Workspace()
			assert.NoError(t, err)
			results[i] = h
		}(i)
	}
	wg.Wait()

	require.NotNil(t, results[0])
	for _, h := range results[1:] {
		assert.Same(t, results[0], h)
	}
	assert.Equal(t, 1, eng.openCount(st.WorkDir()))
}

func TestWorkspaceRetriesAfterFailure(t *testing.T) {
	s, eng, root := setupStore(t)
	s.trackRepository(1, record(1, root, "repo"))
	st, _ := s.repository(nil)

	eng.setFailure(st.WorkDir(), errors.New("corrupt store"))
	_, err := st.Workspace()
	require.Error(t, err)
	assert.True(t, tigerrors.IsKind(err, tigerrors.KindEngineOpen))

	eng.setFailure(st.WorkDir(), nil)
	h, err := st.Workspace()
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, 2, eng.openCount(st.WorkDir()))
}

func TestReplacementAtSamePathKeepsHandle(t *testing.T) {
	s, eng, root := setupStore(t)
	s.trackRepository(1, record(1, root, "repo"))
	old, _ := s.repository(nil)
	h, err := old.Workspace()
	require.NoError(t, err)

	updated := record(1, root, "repo")
	updated.ScanGeneration = 2
	s.trackRepository(1, updated)
	require.NoError(t, s.CheckConsistency())

	current, _ := s.repository(nil)
	assert.NotSame(t, old, current)
	assert.Equal(t, uint64(2), current.Record().ScanGeneration)

	again, err := current.Workspace()
	require.NoError(t, err)
	assert.Same(t, h, again)
	assert.False(t, h.(*fakeHandle).closed.Load())
	assert.Equal(t, 1, eng.openCount(current.WorkDir()))
}

func TestReplacementAtNewPathClosesHandle(t *testing.T) {
	s, eng, root := setupStore(t)
	s.trackRepository(1, record(1, root, "before"))
	old, _ := s.repository(nil)
	h, err := old.Workspace()
	require.NoError(t, err)

	s.trackRepository(1, record(1, root, "after"))
	require.NoError(t, s.CheckConsistency())
	assert.True(t, h.(*fakeHandle).closed.Load())

	current, _ := s.repository(nil)
	assert.Equal(t, filepath.Join(root, "after"), current.WorkDir())
	moved, err := current.Workspace()
	require.NoError(t, err)
	assert.NotSame(t, h, moved)
	assert.Equal(t, 1, eng.openCount(current.WorkDir()))
}

func TestContainerEventsDriveTracking(t *testing.T) {
	root := t.TempDir()
	for _, rel := range []string{"a", "a/nested", "b"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, rel, ".tig"), 0755))
	}

	set := scan.NewSet(scan.Options{Enabled: true, ControlDirNames: []string{".tig"}}, nil)
	first, err := set.Add(filepath.Join(root, "a"))
	require.NoError(t, err)

	eng := newFakeEngine()
	s, err := NewStore(set, eng.open, Options{})
	require.NoError(t, err)
	defer s.Close()

	// Existing containers are picked up at construction.
	assert.Len(t, s.Repositories(), 2)

	second, err := set.Add(filepath.Join(root, "b"))
	require.NoError(t, err)
	repos := s.Repositories()
	require.Len(t, repos, 3)
	require.NoError(t, s.CheckConsistency())

	require.NoError(t, os.RemoveAll(filepath.Join(root, "a", "nested", ".tig")))
	_, err = set.Rescan(first.ID())
	require.NoError(t, err)
	assert.Len(t, s.Repositories(), 2)
	require.NoError(t, s.CheckConsistency())

	require.NoError(t, set.Remove(first.ID()))
	repos = s.Repositories()
	require.Len(t, repos, 1)
	assert.Equal(t, second.ID(), repos[0].ContainerID)
	require.NoError(t, s.CheckConsistency())

	require.NoError(t, set.Release(second.ID()))
	assert.False(t, s.HasRepositories())
	require.NoError(t, s.CheckConsistency())
}

func TestRandomOperationsStayConsistent(t *testing.T) {
	s, _, root := setupStore(t)
	rng := rand.New(rand.NewSource(42))
	paths := []string{"", "a", "a/b", "a/b/c", "d", "d/e"}

	for i := range 500 {
		switch rng.Intn(5) {
		case 0, 1, 2:
			container := scan.ContainerID(rng.Intn(3) + 1)
			id := scan.EntryID(rng.Intn(10) + 1)
			rel := paths[rng.Intn(len(paths))]
			s.trackRepository(container, record(id, filepath.Join(root, fmt.Sprint(container)), rel))
		case 3:
			s.removeRepository(scan.EntryID(rng.Intn(10) + 1))
		case 4:
			s.removeContainer(scan.ContainerID(rng.Intn(3) + 1))
		}
		require.NoError(t, s.CheckConsistency(), "after step %d", i)
	}
}

func ptr[T any](v T) *T { return &v }
