package main

import (
	"bufio"
	"io"
	"strings"
)

type streamMode string

const (
	streamInstant streamMode = "instant"
	streamQuiet   streamMode = "quiet"
)

// streamWriter prints generated pieces. Instant mode writes each piece as it
// arrives; quiet mode only accumulates.
type streamWriter struct {
	mode streamMode
	buf  *bufio.Writer
	text strings.Builder
}

func newStreamWriter(mode streamMode, w io.Writer) *streamWriter {
	if mode != streamQuiet {
		mode = streamInstant
	}
	return &streamWriter{mode: mode, buf: bufio.NewWriterSize(w, 4096)}
}

func (w *streamWriter) Write(piece string) {
	w.text.WriteString(piece)
	if w.mode == streamQuiet {
		return
	}
	_, _ = w.buf.WriteString(piece)
	_ = w.buf.Flush()
}

// Flush writes anything buffered and returns the full text seen so far.
func (w *streamWriter) Flush() string {
	_ = w.buf.Flush()
	return w.text.String()
}
