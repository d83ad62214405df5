package eventlog

import (
	"bytes"
	"sync"
)

// MaxLineLength caps a buffered line; longer lines are emitted in pieces.
const MaxLineLength = 64 * 1024

// LineWriter splits a byte stream into lines and hands each one to emit,
// without the trailing newline (or "\r\n"). It is safe for concurrent use.
type LineWriter struct {
	mu   sync.Mutex
	buf  []byte
	emit func(line string)
}

func NewLineWriter(emit func(line string)) *LineWriter {
	return &LineWriter{emit: emit}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emitPieces(bytes.TrimSuffix(w.buf[:i], []byte("\r")))
		w.buf = w.buf[i+1:]
	}
	for len(w.buf) >= MaxLineLength {
		w.emit(string(w.buf[:MaxLineLength]))
		w.buf = w.buf[MaxLineLength:]
	}
	if len(w.buf) == 0 {
		w.buf = nil
	}
	return len(p), nil
}

// emitPieces emits line in chunks of at most MaxLineLength bytes.
func (w *LineWriter) emitPieces(line []byte) {
	for len(line) > MaxLineLength {
		w.emit(string(line[:MaxLineLength]))
		line = line[MaxLineLength:]
	}
	w.emit(string(line))
}

// Flush emits any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}
