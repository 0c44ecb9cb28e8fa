package core

import (
	"sync"
	"time"

	"github.com/agentmux/agentmux/schema"
)

const (
	// MaxChunks bounds the per-tab ring of retained chunks.
	MaxChunks = 1000
	// MaxChunkSize triggers a synchronous flush of pending data.
	MaxChunkSize = 4096
	// FlushDebounce is the coalescing window for small PTY writes.
	FlushDebounce = 50 * time.Millisecond
)

// ChunkSink receives flushed chunks, in seq order, for publication.
type ChunkSink func(agentID schema.AgentID, tabID schema.TabID, chunk schema.OutputChunk)

// OutputBuffer coalesces PTY writes into sequence-numbered chunks and retains
// a bounded ring of them. PTYs emit many tiny writes during cursor animation;
// the debounce collapses those into one chunk without material latency.
//
// The sink is invoked under the buffer lock so chunks are published in strict
// seq order; it must not call back into the buffer.
type OutputBuffer struct {
	agentID schema.AgentID
	tabID   schema.TabID
	sink    ChunkSink

	mu       sync.Mutex
	chunks   []schema.OutputChunk
	nextSeq  int64
	pending  []byte
	timer    *time.Timer
	closed   bool
	maxSize  int
	maxCount int
	debounce time.Duration
	now      func() time.Time
}

// NewOutputBuffer constructs a buffer with the default limits.
func NewOutputBuffer(agentID schema.AgentID, tabID schema.TabID, sink ChunkSink) *OutputBuffer {
	return &OutputBuffer{
		agentID:  agentID,
		tabID:    tabID,
		sink:     sink,
		maxSize:  MaxChunkSize,
		maxCount: MaxChunks,
		debounce: FlushDebounce,
		now:      time.Now,
	}
}

// Append accumulates data. Reaching MaxChunkSize flushes synchronously;
// otherwise a one-shot debounce timer is armed.
func (b *OutputBuffer) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.pending = append(b.pending, data...)
	if len(b.pending) >= b.maxSize {
		b.flushLocked()
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.debounce, b.Flush)
	}
}

// Flush emits any pending data as the next chunk and cancels the debounce
// timer.
func (b *OutputBuffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *OutputBuffer) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 {
		return
	}
	chunk := schema.OutputChunk{
		Seq:       b.nextSeq,
		Data:      string(b.pending),
		Timestamp: b.now().UnixMilli(),
	}
	b.nextSeq++
	b.pending = nil
	b.chunks = append(b.chunks, chunk)
	if len(b.chunks) > b.maxCount {
		trim := len(b.chunks) - b.maxCount
		b.chunks = append([]schema.OutputChunk(nil), b.chunks[trim:]...)
	}
	if b.sink != nil {
		b.sink(b.agentID, b.tabID, chunk)
	}
}

// Seed installs recovered scrollback as a single chunk at seq 0. Only valid
// on a fresh buffer.
func (b *OutputBuffer) Seed(data string) {
	if data == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nextSeq != 0 {
		return
	}
	b.chunks = []schema.OutputChunk{{Seq: 0, Data: data, Timestamp: b.now().UnixMilli()}}
	b.nextSeq = 1
}

// Snapshot returns retained chunks with seq >= fromSeq, in order, plus the
// highest assigned seq (-1 when nothing was ever assigned).
func (b *OutputBuffer) Snapshot(fromSeq int64) ([]schema.OutputChunk, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	last := b.nextSeq - 1
	chunks := make([]schema.OutputChunk, 0, len(b.chunks))
	for _, chunk := range b.chunks {
		if chunk.Seq >= fromSeq {
			chunks = append(chunks, chunk)
		}
	}
	return chunks, last
}

// Stats summarizes the retained ring.
func (b *OutputBuffer) Stats() schema.BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := schema.BufferStats{FirstSeq: -1, LastSeq: b.nextSeq - 1, ChunkCount: len(b.chunks)}
	if len(b.chunks) > 0 {
		stats.FirstSeq = b.chunks[0].Seq
	}
	for _, chunk := range b.chunks {
		stats.TotalSize += len(chunk.Data)
	}
	return stats
}

// Tail returns the last max characters of the retained stream, joined in seq
// order. Callers flush first when pending data matters.
func (b *OutputBuffer) Tail(max int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var joined []byte
	for _, chunk := range b.chunks {
		joined = append(joined, chunk.Data...)
	}
	runes := []rune(string(joined))
	if max >= 0 && len(runes) > max {
		runes = runes[len(runes)-max:]
	}
	return string(runes)
}

// Close cancels the debounce timer and drops pending data without emitting.
func (b *OutputBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.closed = true
	b.pending = nil
}
