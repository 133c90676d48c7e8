package trace

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/pgzip"
)

// nopWriteCloser adapts a bytes.Buffer to io.WriteCloser for tests.
type nopWriteCloser struct{ *bytes.Buffer }

func (nopWriteCloser) Close() error { return nil }

func TestRecordRoundTripsThroughGzip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sink, err := New(nopWriteCloser{&buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := sink.Record(DirectionOutbound, 7, 1001, 1, []byte{0xDE, 0xAD, 0xBE, 0xEF}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := sink.Record(DirectionInbound, 7, 1001, 1, []byte{0x01}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	gr, err := pgzip.NewReader(&buf)
	if err != nil {
		t.Fatalf("pgzip.NewReader: %v", err)
	}
	defer gr.Close()

	raw, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	text := string(raw)
	if !strings.Contains(text, "deadbeef") {
		t.Fatalf("decompressed trace missing outbound payload hex: %q", text)
	}
	if !strings.Contains(text, "channel=7") || !strings.Contains(text, "request=1001") {
		t.Fatalf("decompressed trace missing expected fields: %q", text)
	}
	lines := strings.Count(text, "\n")
	if lines != 2 {
		t.Fatalf("line count = %d, want 2", lines)
	}
}

func TestNilSinkIsNoOp(t *testing.T) {
	t.Parallel()

	var sink *Sink
	if err := sink.Record(DirectionOutbound, 1, 1, 1, []byte("x")); err != nil {
		t.Fatalf("Record on nil sink: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close on nil sink: %v", err)
	}
}
