package supervisor

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

// maxPartialLine bounds how much of an unterminated line is held before it is emitted anyway.
const maxPartialLine = 64 * 1024

// lineWriter turns a raw output stream into lines. Every non-empty line is handed to emit;
// a trailing fragment without newline is kept until more data arrives or Close is called.
// If tee is set the raw bytes are copied there as well.
type lineWriter struct {
	mu      sync.Mutex
	stream  Stream
	emit    func(Stream, string)
	tee     io.Writer
	pending []byte
}

func newLineWriter(stream Stream, emit func(Stream, string), tee io.Writer) *lineWriter {
	return &lineWriter{stream: stream, emit: emit, tee: tee}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tee != nil {
		_, _ = w.tee.Write(p)
	}
	data := append(w.pending, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		w.emitLine(data[:i])
		data = data[i+1:]
	}
	if len(data) > maxPartialLine {
		w.emitLine(data)
		data = nil
	}
	w.pending = append([]byte(nil), data...)
	return len(p), nil
}

func (w *lineWriter) emitLine(b []byte) {
	line := strings.TrimRight(string(b), "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	w.emit(w.stream, line)
}

// Close flushes a pending partial line and closes the tee when it is closable.
func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		w.emitLine(w.pending)
		w.pending = nil
	}
	if c, ok := w.tee.(io.Closer); ok && c != nil {
		err := c.Close()
		w.tee = nil
		return err
	}
	return nil
}
