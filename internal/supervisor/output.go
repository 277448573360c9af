package supervisor

import "sync"

// DefaultTailSize bounds the captured stdout/stderr window per service.
const DefaultTailSize = 64 * 1024

// TailBuffer is an io.Writer retaining only the trailing window of what was
// written: once the limit is exceeded the oldest bytes are dropped. It
// keeps memory bounded for long-running noisy processes while the most
// recent output stays available for diagnostics.
type TailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func NewTailBuffer(limit int) *TailBuffer {
	if limit <= 0 {
		limit = DefaultTailSize
	}
	return &TailBuffer{limit: limit}
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(p) >= t.limit {
		t.buf = append(t.buf[:0], p[len(p)-t.limit:]...)
		return len(p), nil
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

// Bytes returns a copy of the retained window.
func (t *TailBuffer) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.buf...)
}

// Len returns the retained window size.
func (t *TailBuffer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf)
}
