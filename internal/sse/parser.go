// Package sse decodes server-sent event streams into discrete frames.
//
// The backend delivers conversion progress as a chunked byte stream whose
// chunk boundaries carry no relationship to frame boundaries: a read may
// end in the middle of a JSON payload or even inside the blank-line
// delimiter itself. The scanner buffers residual bytes across reads so
// the emitted frame sequence is identical for every possible split.
package sse

import (
	"bytes"
	"encoding/json"
	"io"
)

// DefaultEventName is used when a frame carries no event: line.
const DefaultEventName = "message"

// Event is one decoded frame: a name and a JSON payload. When the data
// text is not valid JSON the payload is {"raw": <text>} so a malformed
// frame never fails the stream.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// Scanner reads frames from a byte stream, in the manner of
// bufio.Scanner:
//
//	sc := sse.NewScanner(resp.Body)
//	for sc.Next() {
//	    ev := sc.Event()
//	    ...
//	}
//	if err := sc.Err(); err != nil { ... }
type Scanner struct {
	src  io.Reader
	buf  []byte
	ev   Event
	err  error
	done bool
	read []byte
}

// NewScanner returns a Scanner reading frames from r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{
		src:  r,
		read: make([]byte, 4096),
	}
}

// Next advances to the next frame. It returns false at end of stream or
// on read error; Err distinguishes the two.
func (s *Scanner) Next() bool {
	for {
		// Emit any complete frame already buffered before reading more.
		if start, end := findDelimiter(s.buf); start >= 0 {
			raw := s.buf[:start]
			s.buf = s.buf[end:]
			if ev, ok := parseFrame(raw); ok {
				s.ev = ev
				return true
			}
			continue
		}

		if s.done {
			// Flush a trailing frame that the stream never terminated.
			residual := s.buf
			s.buf = nil
			if len(bytes.TrimSpace(residual)) > 0 {
				if ev, ok := parseFrame(residual); ok {
					s.ev = ev
					return true
				}
			}
			return false
		}

		n, err := s.src.Read(s.read)
		if n > 0 {
			s.buf = append(s.buf, s.read[:n]...)
		}
		if err == io.EOF {
			s.done = true
		} else if err != nil {
			s.err = err
			s.done = true
			// Buffered bytes before the failure still form valid frames.
		}
	}
}

// Event returns the frame read by the last successful Next.
func (s *Scanner) Event() Event {
	return s.ev
}

// Err returns the first non-EOF error encountered by the scanner.
func (s *Scanner) Err() error {
	return s.err
}

// findDelimiter locates the first blank-line delimiter: a line
// terminator appearing twice in a row, each optionally preceded by a
// carriage return. Returns the frame end and the index past the
// delimiter, or (-1, -1) when no complete delimiter is buffered yet.
func findDelimiter(buf []byte) (start, end int) {
	for i := 0; i < len(buf); i++ {
		j, ok := matchTerminator(buf, i)
		if !ok {
			continue
		}
		k, ok := matchTerminator(buf, j)
		if !ok {
			continue
		}
		return i, k
	}
	return -1, -1
}

// matchTerminator matches \r?\n at position i, returning the index past
// the terminator.
func matchTerminator(buf []byte, i int) (int, bool) {
	if i < len(buf) && buf[i] == '\r' {
		i++
	}
	if i < len(buf) && buf[i] == '\n' {
		return i + 1, true
	}
	return 0, false
}

// parseFrame decodes one raw frame. Frames without any data: line are
// skipped (comment/heartbeat frames), reported via ok=false.
func parseFrame(raw []byte) (Event, bool) {
	name := DefaultEventName
	var dataLines [][]byte

	for _, line := range splitLines(raw) {
		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			name = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			dataLines = append(dataLines, bytes.TrimSpace(line[len("data:"):]))
		}
	}

	if len(dataLines) == 0 {
		return Event{}, false
	}

	data := bytes.Join(dataLines, []byte("\n"))
	if !json.Valid(data) {
		wrapped, err := json.Marshal(struct {
			Raw string `json:"raw"`
		}{Raw: string(data)})
		if err != nil {
			return Event{}, false
		}
		data = wrapped
	}

	return Event{Name: name, Payload: data}, true
}

// splitLines splits on \r?\n without requiring a trailing terminator.
func splitLines(raw []byte) [][]byte {
	lines := bytes.Split(raw, []byte("\n"))
	for i, line := range lines {
		lines[i] = bytes.TrimSuffix(line, []byte("\r"))
	}
	return lines
}
