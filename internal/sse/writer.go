package sse

import (
	"bufio"
	"encoding/json"
)

// Writer frames SSE events onto a response stream.
type Writer interface {
	// WriteEvent writes one "data: <payload>\n\n" event and flushes.
	WriteEvent(data []byte) error
	// Done writes the terminal "data: [DONE]" event and flushes.
	Done() error
}

// streamWriter adapts fasthttp's body stream writer. The response handler
// passes the *bufio.Writer it receives from SetBodyStreamWriter.
type streamWriter struct {
	w *bufio.Writer
}

// NewWriter wraps w as an SSE Writer. Content-Type and cache headers are the
// caller's responsibility — they must be set before the body stream starts.
func NewWriter(w *bufio.Writer) Writer {
	return &streamWriter{w: w}
}

func (s *streamWriter) WriteEvent(data []byte) error {
	if _, err := s.w.WriteString("data: "); err != nil {
		return err
	}
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	if _, err := s.w.WriteString("\n\n"); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *streamWriter) Done() error {
	if _, err := s.w.WriteString("data: [DONE]\n\n"); err != nil {
		return err
	}
	return s.w.Flush()
}

// WriteJSON marshals v and writes it as one event.
func WriteJSON(sw Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return sw.WriteEvent(data)
}
