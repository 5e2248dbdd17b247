package proc

import (
	"io"
	"sync"
)

const tailSize = 4096

// tail keeps the last tailSize bytes written to it.
type tail struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if n := len(t.buf); n > tailSize {
		t.buf = append(t.buf[:0], t.buf[n-tailSize:]...)
	}
	return len(p), nil
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// Writer forwards child output and records it on the owning process.
type Writer struct {
	p *Process
	io.Writer
}

func (w Writer) Write(p []byte) (int, error) {
	w.p.stderr.Write(p)
	return w.Writer.Write(p)
}
