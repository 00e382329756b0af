package mqttsession

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytesReaderPool(t *testing.T) {
	reader := getBytesReader([]byte("hello world"))

	buf := make([]byte, 5)
	n, err := reader.Read(buf)
	assert.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("hello"), buf)

	putBytesReader(reader)
	assert.Nil(t, reader.data)
	assert.Equal(t, 0, reader.pos)

	again := getBytesReader([]byte("x"))
	assert.Equal(t, 0, again.pos)
	putBytesReader(again)
	putBytesReader(nil)
}

func TestBytesBufferPool(t *testing.T) {
	buf := getBytesBuffer()
	_, _ = buf.Write([]byte("abc"))
	assert.Equal(t, []byte("abc"), buf.Bytes())
	putBytesBuffer(buf)

	next := getBytesBuffer()
	assert.Empty(t, next.Bytes())
	putBytesBuffer(next)

	large := &bytesBuffer{data: make([]byte, 0, maxPooledBuffer+1)}
	putBytesBuffer(large)
	putBytesBuffer(nil)
}
