package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SSE event names on task streams.
const (
	eventStatus   = "status"
	eventArtifact = "artifact"
)

const maxFrameSize = 4 << 20

type frame struct {
	event string
	data  []byte
}

// sseReader splits a text/event-stream body into frames. Comment, id and
// retry lines are ignored; multiple data lines are joined with newlines.
type sseReader struct {
	sc *bufio.Scanner
}

func newSSEReader(r io.Reader) *sseReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &sseReader{sc: sc}
}

// Next returns the next frame, or io.EOF when the stream ended cleanly.
func (r *sseReader) Next() (frame, error) {
	var (
		f       frame
		data    bytes.Buffer
		hasData bool
	)
	for r.sc.Scan() {
		line := r.sc.Text()
		switch {
		case line == "":
			if !hasData && f.event == "" {
				continue
			}
			f.data = data.Bytes()
			return f, nil
		case strings.HasPrefix(line, ":"):
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			f.event = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id", "retry":
		default:
			return frame{}, fmt.Errorf("malformed sse line %q", line)
		}
	}
	if err := r.sc.Err(); err != nil {
		return frame{}, err
	}
	if hasData || f.event != "" {
		return frame{}, io.ErrUnexpectedEOF
	}
	return frame{}, io.EOF
}

// SSEWriter writes server-sent event frames and flushes after each one.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter writes the event-stream headers and returns a writer.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	f, _ := w.(http.Flusher)
	sw := &SSEWriter{w: w, flusher: f}
	sw.flush()
	return sw
}

// Write sends v as a JSON encoded frame of the given event type.
func (s *SSEWriter) Write(event string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *SSEWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
