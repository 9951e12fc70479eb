package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferPool(t *testing.T) {
	bp := NewBufferPool(1024)
	buf := bp.Get()
	assert.Len(t, buf.B, 1024)
	copy(buf.B, "payload")
	bp.Put(buf)

	again := bp.Get()
	assert.Len(t, again.B, 1024)
	assert.Equal(t, 1024, bp.Size())

	assert.Equal(t, DefaultChunkSize, NewBufferPool(0).Size())
}
