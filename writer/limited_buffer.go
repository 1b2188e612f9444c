package writer

import (
	"bytes"
	"errors"
	"sync"
)

// ErrBufferFull is returned when a write does not fit in the remaining capacity.
var ErrBufferFull = errors.New("buffer size limit exceeded")

// LimitedBuffer keeps at most maxSize bytes of what is written to it while
// counting everything. It backs the body previews in verbose request logs.
type LimitedBuffer struct {
	mu        sync.RWMutex
	buffer    bytes.Buffer
	maxSize   int
	overflow  bool
	totalSize int64 // Total size of all data that was attempted to be written
}

// NewLimitedBuffer creates a new LimitedBuffer with the specified maximum size.
func NewLimitedBuffer(maxSize int) *LimitedBuffer {
	return &LimitedBuffer{maxSize: maxSize}
}

// Write stores as much of p as fits. It returns ErrBufferFull when p was truncated.
func (lb *LimitedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.totalSize += int64(len(p))

	available := lb.maxSize - lb.buffer.Len()
	if available <= 0 {
		if len(p) > 0 {
			lb.overflow = true
			return 0, ErrBufferFull
		}
		return 0, nil
	}
	if len(p) > available {
		n, _ := lb.buffer.Write(p[:available])
		lb.overflow = true
		return n, ErrBufferFull
	}
	return lb.buffer.Write(p)
}

// String returns the buffered content.
func (lb *LimitedBuffer) String() string {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return lb.buffer.String()
}

// Bytes returns a copy of the buffered content.
func (lb *LimitedBuffer) Bytes() []byte {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return bytes.Clone(lb.buffer.Bytes())
}

// Len returns the number of bytes currently stored.
func (lb *LimitedBuffer) Len() int {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return lb.buffer.Len()
}

// Cap returns the maximum capacity of the buffer.
func (lb *LimitedBuffer) Cap() int {
	return lb.maxSize
}

// IsOverflow reports whether any write was truncated.
func (lb *LimitedBuffer) IsOverflow() bool {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return lb.overflow
}

// TotalSize returns the total size of all data that was attempted to be written.
func (lb *LimitedBuffer) TotalSize() int64 {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return lb.totalSize
}

// Reset empties the buffer and clears its counters.
func (lb *LimitedBuffer) Reset() {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.buffer.Reset()
	lb.overflow = false
	lb.totalSize = 0
}
