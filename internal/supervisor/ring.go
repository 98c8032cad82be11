package supervisor

import "sync"

// stderrRing keeps the most recent bytes of a server's stderr for the
// status surface. Writes never block or fail.
type stderrRing struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newStderrRing(max int) *stderrRing {
	return &stderrRing{max: max}
}

func (r *stderrRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(p) >= r.max {
		r.buf = append(r.buf[:0], p[len(p)-r.max:]...)
		return len(p), nil
	}
	r.buf = append(r.buf, p...)
	if overflow := len(r.buf) - r.max; overflow > 0 {
		r.buf = r.buf[overflow:]
	}
	return len(p), nil
}

func (r *stderrRing) Tail() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.buf)
}
