// Package sse is the SSE Stream Bridge (spec §4.5): a byte-oriented line
// reassembler, a `data:` frame extractor, and a per-stream chunk rewrapper
// that turns an upstream SSE byte stream into an Azure-compatible one.
package sse

import (
	"bytes"
	"io"
	"strings"
)

// eventReader reassembles raw bytes from src into SSE lines (normalizing
// CR, LF, and CRLF terminators to a single logical line break) and groups
// consecutive `data:` lines into events delimited by a blank line, per the
// line-reassembler and frame-extraction rules of spec §4.5. Non-`data:`
// fields (event:, id:, retry:) are ignored. A trailing, not-yet-terminated
// buffer is retained across reads.
type eventReader struct {
	src     io.Reader
	buf     []byte
	scratch []byte
	rerr    error
}

func newEventReader(src io.Reader) *eventReader {
	return &eventReader{src: src, scratch: make([]byte, 8192)}
}

// Next returns the next event's data payload (the concatenation of its
// `data:` lines, joined by "\n" per SSE semantics, with the "data:" prefix
// and one leading space already stripped). It returns an error — io.EOF on
// a clean end, or whatever src returned — once the stream is exhausted with
// no further complete event available.
func (e *eventReader) Next() (string, error) {
	var dataLines []string
	for {
		atEOF := e.rerr != nil
		line, ok := e.popLine(atEOF)
		if !ok {
			if atEOF {
				return "", e.rerr
			}
			n, err := e.src.Read(e.scratch)
			if n > 0 {
				e.buf = append(e.buf, e.scratch[:n]...)
			}
			if err != nil {
				e.rerr = err
			}
			continue
		}
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return strings.Join(dataLines, "\n"), nil
			}
			continue
		}
		if bytes.HasPrefix(line, []byte("data:")) {
			payload := bytes.TrimPrefix(line, []byte("data:"))
			payload = bytes.TrimPrefix(payload, []byte(" "))
			dataLines = append(dataLines, string(payload))
		}
		// event:, id:, retry: and any other field are ignored per spec §4.5.
	}
}

// popLine extracts one line (terminator stripped) from the front of buf.
// A lone trailing '\r' with no further bytes yet available is ambiguous
// (it might be the start of a CRLF pair) so popLine reports !ok until more
// data arrives, unless atEOF is true and no more data is ever coming.
func (e *eventReader) popLine(atEOF bool) ([]byte, bool) {
	for i := 0; i < len(e.buf); i++ {
		switch e.buf[i] {
		case '\n':
			line := e.buf[:i]
			e.buf = e.buf[i+1:]
			return line, true
		case '\r':
			if i+1 < len(e.buf) {
				if e.buf[i+1] == '\n' {
					line := e.buf[:i]
					e.buf = e.buf[i+2:]
					return line, true
				}
				line := e.buf[:i]
				e.buf = e.buf[i+1:]
				return line, true
			}
			if atEOF {
				line := e.buf[:i]
				e.buf = e.buf[i+1:]
				return line, true
			}
			return nil, false
		}
	}
	// No terminator found. A dangling partial line at true EOF never
	// completes and is discarded, matching "incomplete trailing buffer" —
	// it is retained only across reads, not indefinitely.
	return nil, false
}
