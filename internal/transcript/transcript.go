// Package transcript records the raw output of a child process for
// post-mortem reports. The engine only ever writes to it.
package transcript

import (
	"bytes"
	"sync"
)

// Transcript is an append-only record of output chunks. When a limit is
// set, only the newest limit bytes are kept.
type Transcript struct {
	mx      sync.Mutex
	buf     bytes.Buffer
	limit   int
	dropped int64
}

// New returns a transcript keeping at most limit bytes; limit <= 0 keeps
// everything.
func New(limit int) *Transcript {
	return &Transcript{limit: limit}
}

// Write appends p. It never fails.
func (t *Transcript) Write(p []byte) (int, error) {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.buf.Write(p)
	if t.limit > 0 && t.buf.Len() > t.limit {
		over := t.buf.Len() - t.limit
		t.buf.Next(over)
		t.dropped += int64(over)
	}
	return len(p), nil
}

// String returns the recorded output.
func (t *Transcript) String() string {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.buf.String()
}

// Tail returns the last n bytes of the recorded output.
func (t *Transcript) Tail(n int) string {
	t.mx.Lock()
	defer t.mx.Unlock()
	b := t.buf.Bytes()
	if n >= 0 && len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}

// Len returns the number of bytes currently kept.
func (t *Transcript) Len() int {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.buf.Len()
}

// Dropped returns how many bytes were discarded because of the limit.
func (t *Transcript) Dropped() int64 {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.dropped
}
