package audio

import (
	"sync"
)

// RingBuffer is a thread-safe byte ring buffer. One slot stays unused to
// tell full from empty, so it holds at most size-1 bytes.
type RingBuffer struct {
	mu     sync.Mutex
	buffer []byte
	size   int
	read   int
	write  int
}

// NewRingBuffer creates a new ring buffer with the specified size
func NewRingBuffer(size int) *RingBuffer {
	if size < 2 {
		size = 2
	}
	return &RingBuffer{
		buffer: make([]byte, size),
		size:   size,
	}
}

// Write copies as much of data as fits and returns the number of bytes
// written.
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(data)
	if space := rb.space(); n > space {
		n = space
	}
	first := copy(rb.buffer[rb.write:], data[:n])
	copy(rb.buffer, data[first:n])
	rb.write = (rb.write + n) % rb.size
	return n
}

// Drain returns everything buffered and empties the buffer. It returns nil
// when the buffer is empty.
func (rb *RingBuffer) Drain() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := rb.available()
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	rb.readLocked(out)
	return out
}

func (rb *RingBuffer) readLocked(data []byte) int {
	n := len(data)
	if avail := rb.available(); n > avail {
		n = avail
	}
	end := rb.read + n
	if end <= rb.size {
		copy(data, rb.buffer[rb.read:end])
	} else {
		first := copy(data, rb.buffer[rb.read:])
		copy(data[first:n], rb.buffer[:n-first])
	}
	rb.read = (rb.read + n) % rb.size
	return n
}

func (rb *RingBuffer) available() int {
	if rb.write >= rb.read {
		return rb.write - rb.read
	}
	return rb.size - rb.read + rb.write
}

func (rb *RingBuffer) space() int {
	return rb.size - rb.available() - 1
}
