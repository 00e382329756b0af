package mqttsession

import (
	"sync"
)

// maxPooledBuffer caps the capacity of encode buffers returned to the pool so
// that one large PUBLISH does not pin memory for the life of the process.
const maxPooledBuffer = 64 * 1024

var (
	bytesReaderPool = sync.Pool{
		New: func() any {
			return &bytesReader{}
		},
	}

	bytesBufferPool = sync.Pool{
		New: func() any {
			return &bytesBuffer{}
		},
	}
)

// getBytesReader returns a pooled reader positioned at the start of data.
func getBytesReader(data []byte) *bytesReader {
	r := bytesReaderPool.Get().(*bytesReader)
	r.data = data
	r.pos = 0
	return r
}

// putBytesReader returns a reader to the pool.
func putBytesReader(r *bytesReader) {
	if r == nil {
		return
	}
	r.data = nil
	r.pos = 0
	bytesReaderPool.Put(r)
}

// getBytesBuffer returns an empty pooled buffer.
func getBytesBuffer() *bytesBuffer {
	b := bytesBufferPool.Get().(*bytesBuffer)
	b.data = b.data[:0]
	return b
}

// putBytesBuffer returns a buffer to the pool.
func putBytesBuffer(b *bytesBuffer) {
	if b == nil || cap(b.data) > maxPooledBuffer {
		return
	}
	b.data = b.data[:0]
	bytesBufferPool.Put(b)
}
