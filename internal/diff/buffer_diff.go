package diff

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// BufferDiff is the live diff of one open buffer against its base text.
// The owner calls Release when it no longer wants updates; producers check
// Released before applying late results.
type BufferDiff struct {
	engine *Engine

	mu      sync.RWMutex
	base    []byte
	hasBase bool
	text    []byte
	result  *DiffResult
	version uint64

	released atomic.Bool
}

func NewBufferDiff(engine *Engine, bufferText []byte) *BufferDiff {
	if engine == nil {
		engine = NewEngine(3)
	}
	return &BufferDiff{
		engine: engine,
		text:   append([]byte(nil), bufferText...),
		result: &DiffResult{},
	}
}

// SetBaseText replaces both sides and recomputes the diff. A base that was
// not found diffs the buffer against empty content.
func (d *BufferDiff) SetBaseText(base []byte, found bool, bufferText []byte) error {
	var oldSide []byte
	if found {
		oldSide = base
	}
	result, err := d.engine.Diff(oldSide, bufferText)
	if err != nil {
		return fmt.Errorf("computing diff: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.base = append([]byte(nil), base...)
	d.hasBase = found
	d.text = append([]byte(nil), bufferText...)
	d.result = result
	d.version++
	return nil
}

// BaseText returns the current base and whether one exists.
func (d *BufferDiff) BaseText() ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.hasBase {
		return nil, false
	}
	return append([]byte(nil), d.base...), true
}

func (d *BufferDiff) BufferText() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]byte(nil), d.text...)
}

func (d *BufferDiff) Result() *DiffResult {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.result
}

// Version counts applied base-text updates.
func (d *BufferDiff) Version() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

func (d *BufferDiff) Release() {
	d.released.Store(true)
}

func (d *BufferDiff) Released() bool {
	return d.released.Load()
}
