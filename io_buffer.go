package zsock

import (
	"github.com/bytedance/gopkg/lang/mcache"
)

const (
	block1k = 1 * 1024
	block8k = 8 * 1024

	pageSize = block8k
)

// IoBuffer is a fixed-capacity byte buffer used for exactly one read or one
// write system call. Bytes in [start, end) are pending: produced but not yet
// consumed.
type IoBuffer struct {
	buf   []byte
	start int
	end   int
}

func NewIoBuffer(capacity int) *IoBuffer {
	if capacity <= 0 {
		capacity = pageSize
	}
	return &IoBuffer{buf: mcache.Malloc(capacity)}
}

func (b *IoBuffer) Cap() int {
	return len(b.buf)
}

// Len returns the number of pending bytes.
func (b *IoBuffer) Len() int {
	return b.end - b.start
}

// Bytes returns the pending bytes. The slice is valid until the next mutation.
func (b *IoBuffer) Bytes() []byte {
	return b.buf[b.start:b.end]
}

// Available returns the free tail of the buffer.
func (b *IoBuffer) Available() []byte {
	return b.buf[b.end:]
}

// Produce marks n bytes of Available as pending.
func (b *IoBuffer) Produce(n int) {
	if n <= 0 {
		return
	}
	if b.end+n > len(b.buf) {
		n = len(b.buf) - b.end
	}
	b.end += n
}

// Consume drops n pending bytes from the front.
func (b *IoBuffer) Consume(n int) {
	if n <= 0 {
		return
	}
	b.start += n
	if b.start >= b.end {
		b.Reset()
	}
}

func (b *IoBuffer) Reset() {
	b.start, b.end = 0, 0
}

// Release returns the backing storage to the cache. The buffer must not be
// used afterwards.
func (b *IoBuffer) Release() {
	if b.buf != nil {
		mcache.Free(b.buf)
		b.buf = nil
	}
	b.start, b.end = 0, 0
}
