// Package buffer holds the minimal open-buffer model the diff store works
// against.
package buffer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"tigdiff/internal/scan"
)

type ID uint64

var nextID atomic.Uint64

// File describes where a buffer's content lives on disk. Remote or unsaved
// buffers have no local file.
type File struct {
	ContainerID scan.ContainerID
	AbsPath     string
	Local       bool
}

type Buffer struct {
	id   ID
	file *File

	mu   sync.RWMutex
	text []byte
}

// New creates a buffer with text. file may be nil.
func New(file *File, text []byte) *Buffer {
	return &Buffer{
		id:   ID(nextID.Add(1)),
		file: file,
		text: append([]byte(nil), text...),
	}
}

// Open loads a local file that belongs to container.
func Open(container scan.ContainerID, path string) (*Buffer, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	text, err := os.ReadFile(abs)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", abs, err)
	}
	return New(&File{ContainerID: container, AbsPath: abs, Local: true}, text), nil
}

func (b *Buffer) ID() ID { return b.id }

// File returns the backing file, or nil.
func (b *Buffer) File() *File { return b.file }

func (b *Buffer) Text() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]byte(nil), b.text...)
}

func (b *Buffer) SetText(text []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text = append([]byte(nil), text...)
}
