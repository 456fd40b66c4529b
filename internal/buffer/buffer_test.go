package buffer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer(t *testing.T) {
	a := New(nil, []byte("x"))
	b := New(nil, nil)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Nil(t, a.File())

	a.SetText([]byte("y"))
	assert.Equal(t, "y", string(a.Text()))
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(p, []byte("content"), 0644))

	b, err := Open(3, p)
	require.NoError(t, err)
	assert.Equal(t, "content", string(b.Text()))
	require.NotNil(t, b.File())
	assert.True(t, b.File().Local)
	assert.EqualValues(t, 3, b.File().ContainerID)

	missing, err := Open(3, filepath.Join(dir, "new.txt"))
	require.NoError(t, err)
	assert.Empty(t, missing.Text())
}
