package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// DefaultChunkSize is the read size used by the stream copy loop.
const DefaultChunkSize = 32 * 1024

// BufferPool hands out fixed-size chunk buffers for relaying media. It is safe for
// concurrent use.
type BufferPool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewBufferPool creates a BufferPool of bufferSize-byte chunks.
func NewBufferPool(bufferSize int) *BufferPool {
	if bufferSize <= 0 {
		bufferSize = DefaultChunkSize
	}
	return &BufferPool{
		bufferSize: bufferSize,
		pool:       &bytebufferpool.Pool{},
	}
}

// Get returns a buffer whose B has length bufferSize, ready to be read into.
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	if cap(buf.B) < bp.bufferSize {
		buf.B = make([]byte, bp.bufferSize)
	}
	buf.B = buf.B[:bp.bufferSize]
	return buf
}

// Put returns buf to the pool.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		buf.Reset()
		bp.pool.Put(buf)
	}
}

// Size is the chunk size handed out by Get.
func (bp *BufferPool) Size() int {
	return bp.bufferSize
}
