package sechan

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/alxayo/opcua-transport/internal/handle"
	"github.com/alxayo/opcua-transport/internal/ua"
)

// fakeReadRequest is a minimal stand-in for a schema-generated request; its
// encoded form is just a repeated filler byte so chunk boundaries are easy
// to reason about in tests.
type fakeReadRequest struct {
	serviceID uint32
	bodySize  int
}

func (r fakeReadRequest) ServiceID() uint32 { return r.serviceID }
func (r fakeReadRequest) Encode() ([]byte, error) {
	return bytes.Repeat([]byte{0xAB}, r.bodySize), nil
}

func TestEncodeSingleChunk(t *testing.T) {
	t.Parallel()

	ch := New(7)
	seq := handle.NewGenerator(1)
	chunks, err := Chunker{}.Encode(seq, 1, 0, 4096, ch, fakeReadRequest{serviceID: 631, bodySize: 100})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	info, err := ch.ChunkInfo(chunks[0])
	if err != nil {
		t.Fatalf("ChunkInfo: %v", err)
	}
	if info.Type != ua.ChunkFinal {
		t.Fatalf("type = %v, want Final", info.Type)
	}
	if info.RequestID != 1 {
		t.Fatalf("request id = %d, want 1", info.RequestID)
	}
	if info.SequenceNumber != 1 {
		t.Fatalf("sequence number = %d, want 1 (peeked, not advanced)", info.SequenceNumber)
	}
	if seq.PeekNext() != 1 {
		t.Fatalf("Encode must not advance the sequence handle itself")
	}
}

func TestEncodeMultiChunkSequenceNumbers(t *testing.T) {
	t.Parallel()

	ch := New(1)
	seq := handle.NewGenerator(500)
	chunks, err := Chunker{}.Encode(seq, 9, 0, 128, ch, fakeReadRequest{serviceID: 631, bodySize: 300})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		info, err := ch.ChunkInfo(c)
		if err != nil {
			t.Fatalf("ChunkInfo[%d]: %v", i, err)
		}
		if info.SequenceNumber != 500+uint32(i) {
			t.Fatalf("chunk %d sequence = %d, want %d", i, info.SequenceNumber, 500+i)
		}
		wantType := ua.ChunkIntermediate
		if i == len(chunks)-1 {
			wantType = ua.ChunkFinal
		}
		if info.Type != wantType {
			t.Fatalf("chunk %d type = %v, want %v", i, info.Type, wantType)
		}
	}
}

func TestEncodeRequestTooLarge(t *testing.T) {
	t.Parallel()

	ch := New(1)
	seq := handle.NewGenerator(1)
	_, err := Chunker{}.Encode(seq, 1, 100, 4096, ch, fakeReadRequest{serviceID: 631, bodySize: 1000})
	if err == nil {
		t.Fatalf("expected request-too-large error")
	}
}

func TestDecodeReassemblesBody(t *testing.T) {
	t.Parallel()

	ch := New(1)
	seq := handle.NewGenerator(1)
	chunks, err := Chunker{}.Encode(seq, 5, 0, 64, ch, fakeReadRequest{serviceID: 631, bodySize: 150})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var gotRequestID uint32
	var gotBody []byte
	decodeFn := func(requestID uint32, body []byte) (ua.Message, error) {
		gotRequestID = requestID
		gotBody = body
		return fakeReadRequest{serviceID: 631}, nil
	}
	if _, err := (Chunker{}).Decode(chunks, decodeFn); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if gotRequestID != 5 {
		t.Fatalf("request id = %d, want 5", gotRequestID)
	}
	if len(gotBody) != 150 {
		t.Fatalf("reassembled body length = %d, want 150", len(gotBody))
	}
}

func TestValidateChunksDetectsGap(t *testing.T) {
	t.Parallel()

	ch := New(1)
	seq := handle.NewGenerator(10)
	chunks, err := Chunker{}.Encode(seq, 1, 0, 64, ch, fakeReadRequest{serviceID: 631, bodySize: 150})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := ValidateChunks(10, chunks); err != nil {
		t.Fatalf("ValidateChunks: %v", err)
	}
	// Tamper with the second chunk's sequence number to introduce a gap.
	if len(chunks) > 1 {
		binary.LittleEndian.PutUint32(chunks[1][12:16], 999)
		if _, err := ValidateChunks(10, chunks); err == nil {
			t.Fatalf("expected gap to be detected")
		}
	}
}

func TestApplySecurityCopiesIntoDst(t *testing.T) {
	t.Parallel()

	ch := New(1)
	src := []byte("hello chunk")
	dst := make([]byte, len(src))
	n, err := ch.ApplySecurity(src, dst)
	if err != nil {
		t.Fatalf("ApplySecurity: %v", err)
	}
	if n != len(src) || !bytes.Equal(dst, src) {
		t.Fatalf("ApplySecurity did not copy through unchanged")
	}
}

func TestVerifyAndRemoveSecurityRejectsShortOrBadTag(t *testing.T) {
	t.Parallel()

	ch := New(1)
	if _, err := ch.VerifyAndRemoveSecurity([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for short chunk")
	}
	bad := make([]byte, headerSize)
	copy(bad, "XXX")
	if _, err := ch.VerifyAndRemoveSecurity(bad); err == nil {
		t.Fatalf("expected error for bad tag")
	}
}
