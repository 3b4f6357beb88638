package transport

import (
	"bytes"
	"sync"

	"gardenlink/internal/constants"
)

// Read buffers for the short-read codec. Each holds ReadBufferSize bytes.
var readBuffers = sync.Pool{
	New: func() any {
		b := make([]byte, constants.ReadBufferSize)
		return &b
	},
}

func getReadBuffer() *[]byte {
	return readBuffers.Get().(*[]byte)
}

func putReadBuffer(b *[]byte) {
	if cap(*b) < constants.ReadBufferSize {
		return
	}
	*b = (*b)[:constants.ReadBufferSize]
	readBuffers.Put(b)
}

// Message accumulators. Oversized ones are left to the collector.
var messageBuffers = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, constants.ReadBufferSize))
	},
}

func getMessageBuffer() *bytes.Buffer {
	buf := messageBuffers.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putMessageBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= constants.CopyBufferSize {
		messageBuffers.Put(buf)
	}
}
