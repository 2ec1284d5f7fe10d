package sse

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func collectEvents(t *testing.T, src io.Reader) []string {
	t.Helper()
	r := newEventReader(src)
	var out []string
	for {
		payload, err := r.Next()
		if err != nil {
			if err != io.EOF {
				t.Fatalf("unexpected read error: %v", err)
			}
			return out
		}
		out = append(out, payload)
	}
}

func TestEventReader_LFTerminated(t *testing.T) {
	src := strings.NewReader("data: hello\n\ndata: world\n\n")
	events := collectEvents(t, src)
	if len(events) != 2 || events[0] != "hello" || events[1] != "world" {
		t.Fatalf("unexpected events: %v", events)
	}
}

func TestEventReader_CRLFTerminated(t *testing.T) {
	src := strings.NewReader("data: hello\r\n\r\ndata: world\r\n\r\n")
	events := collectEvents(t, src)
	if len(events) != 2 || events[0] != "hello" || events[1] != "world" {
		t.Fatalf("unexpected events: %v", events)
	}
}

func TestEventReader_CROnlyTerminated(t *testing.T) {
	src := strings.NewReader("data: hello\r\rdata: world\r\r")
	events := collectEvents(t, src)
	if len(events) != 2 || events[0] != "hello" || events[1] != "world" {
		t.Fatalf("unexpected events: %v", events)
	}
}

func TestEventReader_MultiLineDataJoinedWithNewline(t *testing.T) {
	src := strings.NewReader("data: line one\ndata: line two\n\n")
	events := collectEvents(t, src)
	if len(events) != 1 || events[0] != "line one\nline two" {
		t.Fatalf("unexpected events: %v", events)
	}
}

func TestEventReader_IgnoresNonDataFields(t *testing.T) {
	src := strings.NewReader("event: message\ndata: hello\nid: 1\n\n")
	events := collectEvents(t, src)
	if len(events) != 1 || events[0] != "hello" {
		t.Fatalf("unexpected events: %v", events)
	}
}

// chunkReader splits a fixed byte payload into arbitrary n-byte reads, to
// prove the line reassembler is idempotent regardless of how the upstream
// happens to fragment TCP packets (spec §8 testable property).
type chunkReader struct {
	data []byte
	n    int
	pos  int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if c.pos >= len(c.data) {
		return 0, io.EOF
	}
	end := c.pos + c.n
	if end > len(c.data) {
		end = len(c.data)
	}
	if len(p) < end-c.pos {
		end = c.pos + len(p)
	}
	n := copy(p, c.data[c.pos:end])
	c.pos += n
	return n, nil
}

func TestEventReader_IdempotentUnderArbitraryByteSplitting(t *testing.T) {
	full := []byte("data: {\"a\":1}\r\n\r\ndata: chunk-two\ndata: more\n\ndata: [DONE]\n\n")
	want := []string{"{\"a\":1}", "chunk-two\nmore", "[DONE]"}

	for _, n := range []int{1, 2, 3, 5, 7, 64, 1024} {
		events := collectEvents(t, &chunkReader{data: bytes.Clone(full), n: n})
		if len(events) != len(want) {
			t.Fatalf("n=%d: expected %d events, got %v", n, len(want), events)
		}
		for i := range want {
			if events[i] != want[i] {
				t.Fatalf("n=%d: event %d = %q, want %q", n, i, events[i], want[i])
			}
		}
	}
}

func TestEventReader_DiscardsIncompleteTrailingEventAtEOF(t *testing.T) {
	src := strings.NewReader("data: complete\n\ndata: dangling, no blank line")
	events := collectEvents(t, src)
	if len(events) != 1 || events[0] != "complete" {
		t.Fatalf("expected only the complete event, got %v", events)
	}
}
