package buffer

import (
	"io"

	"github.com/valyala/bytebufferpool"
)

// BufferPool hands out reusable copy buffers for streaming segment bodies
// from origin to client. Buffers are backed by valyala/bytebufferpool so
// their capacity survives between requests.
type BufferPool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewBufferPool creates a pool whose buffers hold at least bufferSize bytes.
func NewBufferPool(bufferSize int64) *BufferPool {
	if bufferSize <= 0 {
		bufferSize = 32 * 1024
	}
	return &BufferPool{
		bufferSize: int(bufferSize),
		pool:       &bytebufferpool.Pool{},
	}
}

// Get returns a buffer with len == cap >= the configured size.
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	buf.Reset()
	if cap(buf.B) < bp.bufferSize {
		buf.B = make([]byte, bp.bufferSize)
	}
	buf.B = buf.B[:cap(buf.B)]
	return buf
}

// Put returns buf to the pool. nil is ignored.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		bp.pool.Put(buf)
	}
}

// Size is the minimum buffer size handed out by Get.
func (bp *BufferPool) Size() int {
	return bp.bufferSize
}

// Copy streams src into dst using a pooled buffer and returns the number of
// bytes written. Flushes dst after every chunk when it supports flushing.
func (bp *BufferPool) Copy(dst io.Writer, src io.Reader) (int64, error) {
	buf := bp.Get()
	defer bp.Put(buf)

	flusher, _ := dst.(interface{ Flush() })

	var written int64
	for {
		n, rerr := src.Read(buf.B)
		if n > 0 {
			w, werr := dst.Write(buf.B[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
			if w != n {
				return written, io.ErrShortWrite
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
