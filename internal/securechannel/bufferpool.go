package securechannel

import "github.com/valyala/bytebufferpool"

var secureMemoryPool bytebufferpool.Pool

func wipeMemory(b []byte) {
	b = b[:cap(b)]
	for i := range b {
		b[i] = 0
	}
}

func bufferGrow(buffer *bytebufferpool.ByteBuffer, n int) {
	currentCap := cap(buffer.B)
	if n > currentCap {
		wipeMemory(buffer.B)
		// Align to 4KB boundaries; records are bounded by MaxFrameSize (8KB).
		newSize := (n + 4095) &^ 4095
		buffer.B = make([]byte, 0, newSize)
	}
	buffer.B = buffer.B[:0]
}

// acquireBuffer returns a pooled scratch buffer sized for at least n bytes,
// used to hold plaintext/ciphertext while a record is sealed or opened so
// key material never lingers in a GC-scanned one-off allocation longer than
// necessary.
func acquireBuffer(n int) *bytebufferpool.ByteBuffer {
	buffer := secureMemoryPool.Get()
	if buffer.B == nil {
		buffer.B = make([]byte, 0)
	}
	bufferGrow(buffer, n)
	return buffer
}

// releaseBuffer wipes buffer's contents before returning it to the pool.
func releaseBuffer(buffer *bytebufferpool.ByteBuffer) {
	wipeMemory(buffer.B)
	secureMemoryPool.Put(buffer)
}
