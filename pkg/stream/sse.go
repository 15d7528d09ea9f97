// Package stream re-encodes upstream server-sent event streams into the
// client's streaming grammar.
package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

const doneMarker = "[DONE]"

// Event is one server-sent event. Name is empty for bare data events.
type Event struct {
	Name string
	Data string
}

// Done reports whether the event is the chat-completions terminator.
func (e Event) Done() bool { return strings.TrimSpace(e.Data) == doneMarker }

// jsonEvent marshals v as the event payload.
func jsonEvent(name string, v any) Event {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte(`{}`)
	}
	return Event{Name: name, Data: string(b)}
}

// Reader splits an SSE body into events, one at a time.
type Reader struct {
	r    *bufio.Reader
	name string
	data []string
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next event carrying data. It returns io.EOF once the body
// is exhausted; a trailing event without a blank line is still delivered.
func (r *Reader) Next() (Event, error) {
	for {
		line, err := r.r.ReadBytes('\n')
		if len(line) > 0 {
			if ev, ok := r.consume(line); ok {
				return ev, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(r.data) > 0 {
				return r.dispatch(), nil
			}
			return Event{}, err
		}
	}
}

func (r *Reader) consume(line []byte) (Event, bool) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		if len(r.data) == 0 {
			r.name = ""
			return Event{}, false
		}
		return r.dispatch(), true
	}
	if line[0] == ':' {
		return Event{}, false
	}
	field, value, _ := bytes.Cut(line, []byte(":"))
	value = bytes.TrimPrefix(value, []byte(" "))
	switch string(field) {
	case "event":
		r.name = string(value)
	case "data":
		r.data = append(r.data, string(value))
	}
	return Event{}, false
}

func (r *Reader) dispatch() Event {
	ev := Event{Name: r.name, Data: strings.Join(r.data, "\n")}
	r.name = ""
	r.data = r.data[:0]
	return ev
}

// Writer frames events onto an HTTP response and flushes after each one.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

func NewWriter(w io.Writer) *Writer {
	f, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: f}
}

// PrepareHeaders sets the event-stream response headers.
func PrepareHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

func (w *Writer) Write(ev Event) error {
	var buf bytes.Buffer
	if ev.Name != "" {
		buf.WriteString("event: ")
		buf.WriteString(ev.Name)
		buf.WriteByte('\n')
	}
	for _, line := range strings.Split(ev.Data, "\n") {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	if _, err := w.w.Write(buf.Bytes()); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

func (w *Writer) WriteAll(events []Event) error {
	for _, ev := range events {
		if err := w.Write(ev); err != nil {
			return err
		}
	}
	return nil
}
