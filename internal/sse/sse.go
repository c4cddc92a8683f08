// Package sse writes and reads Server-Sent-Events streams.
package sse

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
)

// ContentType is the media type of an event stream.
const ContentType = "text/event-stream"

// ErrNotFlusher is returned when the response writer cannot stream.
var ErrNotFlusher = errors.New("sse: response writer does not support flushing")

// Writer streams events to one HTTP response.
type Writer struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter sends the stream headers and returns a Writer for w.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrNotFlusher
	}

	h := w.Header()
	h.Set("Content-Type", ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Writer{w: w, flusher: flusher}, nil
}

// Event writes data as one event and flushes it. Multi-line data is split
// over several data fields.
func (w *Writer) Event(data []byte) error {
	var buf bytes.Buffer
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return w.write(buf.Bytes())
}

// Comment writes a comment line, used as a keepalive.
func (w *Writer) Comment(text string) error {
	return w.write([]byte(": " + text + "\n\n"))
}

func (w *Writer) write(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.w.Write(p); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

// Event is one dispatched event.
type Event struct {
	ID   string
	Name string
	Data string
}

// Reader parses an event stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next blocks for the next event carrying data. It returns io.EOF when the
// stream ends.
func (r *Reader) Next() (Event, error) {
	var (
		ev      Event
		data    []string
		hasData bool
	)
	for {
		line, err := r.r.ReadString('\n')
		if err != nil && (line == "" || err != io.EOF) {
			return Event{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			if err == io.EOF {
				return Event{}, io.EOF
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			ev.Name = value
		case "id":
			ev.ID = value
		}

		if err == io.EOF {
			if hasData {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			return Event{}, io.EOF
		}
	}
}
