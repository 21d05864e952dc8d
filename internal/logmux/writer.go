package logmux

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// maxLineLength bounds how much of an unterminated line is buffered before it
// is emitted as is.
const maxLineLength = 64 * 1024

// Writer returns an io.WriteCloser that splits everything written to it into
// lines tagged with stream and feeds them into the mux. The writer survives
// process restarts; Close flushes a trailing partial line.
func (m *Mux) Writer(stream Stream) io.WriteCloser {
	ch := make(chan Line, 64)
	m.Add(ch)
	return &lineWriter{stream: stream, ch: ch, now: time.Now}
}

type lineWriter struct {
	stream Stream
	ch     chan Line
	now    func() time.Time

	mu     sync.Mutex
	buf    []byte
	closed bool
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, io.ErrClosedPipe
	}

	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		w.emit(w.buf[:idx])
		w.buf = w.buf[idx+1:]
	}
	if len(w.buf) >= maxLineLength {
		w.emit(w.buf)
		w.buf = nil
	}
	if len(w.buf) == 0 {
		w.buf = nil
	}
	return len(p), nil
}

func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
	w.closed = true
	close(w.ch)
	return nil
}

func (w *lineWriter) emit(line []byte) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	w.ch <- Line{Timestamp: w.now(), Stream: w.stream, Text: string(line)}
}
