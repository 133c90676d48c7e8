package transport

import (
	"context"
	"testing"
	"time"

	"github.com/alxayo/opcua-transport/internal/sechan"
	"github.com/alxayo/opcua-transport/internal/sendbuf"
	"github.com/alxayo/opcua-transport/internal/ua"
)

type fakeMessage struct{ id uint32 }

func (m fakeMessage) ServiceID() uint32 { return m.id }

func noopDecode(requestID uint32, body []byte) (ua.Message, error) {
	return fakeMessage{id: requestID}, nil
}

type recorder struct {
	calls int
	resp  ua.Message
	status ua.StatusCode
}

func (r *recorder) sink() ua.CompletionSink {
	return ua.CompletionFunc(func(resp ua.Message, status ua.StatusCode) {
		r.calls++
		r.resp = resp
		r.status = status
	})
}

func TestWaitForOutgoingMessageAssignsRequestIDAndTracksPending(t *testing.T) {
	t.Parallel()

	outgoing := make(chan ua.Submission, 1)
	ch := sechan.New(1)
	s := New(outgoing, ch, 0, 1, noopDecode)
	sb := sendbuf.New(4096, 0, 5, 1)

	rec := &recorder{}
	outgoing <- ua.Submission{Request: fakeMessage{id: 631}, Callback: rec.sink(), Deadline: time.Now().Add(time.Hour)}

	req, reqID, ok := s.WaitForOutgoingMessage(context.Background(), sb)
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if req.(fakeMessage).id != 631 {
		t.Fatalf("unexpected request: %+v", req)
	}
	if reqID != 1001 {
		t.Fatalf("request id = %d, want 1001", reqID)
	}
	if s.PendingCount() != 1 {
		t.Fatalf("pending count = %d, want 1", s.PendingCount())
	}
}

func TestWaitForOutgoingMessageTimesOutStaleEntries(t *testing.T) {
	t.Parallel()

	outgoing := make(chan ua.Submission, 2)
	ch := sechan.New(1)
	s := New(outgoing, ch, 0, 1, noopDecode)
	sb := sendbuf.New(4096, 0, 5, 1)

	rec := &recorder{}
	outgoing <- ua.Submission{Request: fakeMessage{id: 1}, Callback: rec.sink(), Deadline: time.Now().Add(-time.Millisecond)}
	if _, _, ok := s.WaitForOutgoingMessage(context.Background(), sb); !ok {
		t.Fatalf("expected first submission to be accepted")
	}
	if s.PendingCount() != 1 {
		t.Fatalf("pending count = %d, want 1", s.PendingCount())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, ok := s.WaitForOutgoingMessage(ctx, sb)
	if ok {
		t.Fatalf("expected wait to time out with no further submissions")
	}
	if rec.calls != 1 || rec.status != ua.StatusTimeout {
		t.Fatalf("expected timeout callback, got calls=%d status=%v", rec.calls, rec.status)
	}
	if s.PendingCount() != 0 {
		t.Fatalf("pending count after timeout = %d, want 0", s.PendingCount())
	}
}

func TestCallbackExclusivitySingleFinalChunk(t *testing.T) {
	t.Parallel()

	outgoing := make(chan ua.Submission, 1)
	ch := sechan.New(9)
	s := New(outgoing, ch, 0, 1, noopDecode)

	rec := &recorder{}
	s.pending[42] = &pendingEntry{callback: rec.sink(), deadline: time.Now().Add(time.Hour)}

	chunk := buildChunk(t, ua.ChunkFinal, 9, 1, 42, []byte("payload"))
	if err := s.HandleIncomingMessage(Incoming{Kind: IncomingChunk, ChunkData: chunk}); err != nil {
		t.Fatalf("HandleIncomingMessage: %v", err)
	}
	if rec.calls != 1 {
		t.Fatalf("callback invoked %d times, want 1", rec.calls)
	}
	if rec.status != ua.StatusOK {
		t.Fatalf("status = %v, want OK", rec.status)
	}
	if s.PendingCount() != 0 {
		t.Fatalf("pending count = %d, want 0 after completion", s.PendingCount())
	}
}

func TestUnknownRequestIDSilentlyDropped(t *testing.T) {
	t.Parallel()

	ch := sechan.New(1)
	s := New(make(chan ua.Submission), ch, 0, 1, noopDecode)

	chunk := buildChunk(t, ua.ChunkFinal, 1, 1, 999, []byte("x"))
	if err := s.HandleIncomingMessage(Incoming{Kind: IncomingChunk, ChunkData: chunk}); err != nil {
		t.Fatalf("expected drop, not error: %v", err)
	}
}

func TestIntermediateChunkExceedsEncodingLimits(t *testing.T) {
	t.Parallel()

	ch := sechan.New(1)
	s := New(make(chan ua.Submission), ch, 2, 1, noopDecode)
	rec := &recorder{}
	s.pending[5] = &pendingEntry{callback: rec.sink(), deadline: time.Now().Add(time.Hour)}

	for i := uint32(0); i < 3; i++ {
		chunk := buildChunk(t, ua.ChunkIntermediate, 1, i+1, 5, []byte("x"))
		_ = s.HandleIncomingMessage(Incoming{Kind: IncomingChunk, ChunkData: chunk})
	}
	if rec.calls != 1 || rec.status != ua.StatusEncodingLimitsExceeded {
		t.Fatalf("expected one EncodingLimitsExceeded callback, got calls=%d status=%v", rec.calls, rec.status)
	}
	if s.PendingCount() != 0 {
		t.Fatalf("pending count = %d, want 0", s.PendingCount())
	}
}

func TestFinalErrorChunkFailsWithCommunicationError(t *testing.T) {
	t.Parallel()

	ch := sechan.New(1)
	s := New(make(chan ua.Submission), ch, 0, 1, noopDecode)
	rec := &recorder{}
	s.pending[3] = &pendingEntry{callback: rec.sink(), deadline: time.Now().Add(time.Hour)}

	chunk := buildChunk(t, ua.ChunkFinalError, 1, 1, 3, nil)
	if err := s.HandleIncomingMessage(Incoming{Kind: IncomingChunk, ChunkData: chunk}); err != nil {
		t.Fatalf("unexpected error return: %v", err)
	}
	if rec.status != ua.StatusCommunicationError {
		t.Fatalf("status = %v, want CommunicationError", rec.status)
	}
}

func TestMultiChunkMergeDropsDuplicates(t *testing.T) {
	t.Parallel()

	ch := sechan.New(1)
	s := New(make(chan ua.Submission), ch, 0, 10, noopDecode)
	rec := &recorder{}
	s.pending[7] = &pendingEntry{callback: rec.sink(), deadline: time.Now().Add(time.Hour)}

	c1 := buildChunk(t, ua.ChunkIntermediate, 1, 10, 7, []byte("a"))
	dup := buildChunk(t, ua.ChunkIntermediate, 1, 10, 7, []byte("dup"))
	c2 := buildChunk(t, ua.ChunkFinal, 1, 11, 7, []byte("b"))

	_ = s.HandleIncomingMessage(Incoming{Kind: IncomingChunk, ChunkData: c1})
	_ = s.HandleIncomingMessage(Incoming{Kind: IncomingChunk, ChunkData: dup})
	if err := s.HandleIncomingMessage(Incoming{Kind: IncomingChunk, ChunkData: c2}); err != nil {
		t.Fatalf("HandleIncomingMessage final: %v", err)
	}
	if rec.calls != 1 || rec.status != ua.StatusOK {
		t.Fatalf("expected one successful completion, got calls=%d status=%v", rec.calls, rec.status)
	}
}

func TestMessageSendFailedCompletesCallback(t *testing.T) {
	t.Parallel()

	ch := sechan.New(1)
	s := New(make(chan ua.Submission), ch, 0, 1, noopDecode)
	rec := &recorder{}
	s.pending[11] = &pendingEntry{callback: rec.sink(), deadline: time.Now().Add(time.Hour)}

	s.MessageSendFailed(11, ua.StatusCommunicationError)
	if rec.calls != 1 || rec.status != ua.StatusCommunicationError {
		t.Fatalf("expected completion with CommunicationError, got calls=%d status=%v", rec.calls, rec.status)
	}
	if s.PendingCount() != 0 {
		t.Fatalf("pending count = %d, want 0", s.PendingCount())
	}
}

func TestCloseDrainsPendingAndOutgoing(t *testing.T) {
	t.Parallel()

	outgoing := make(chan ua.Submission, 2)
	ch := sechan.New(1)
	s := New(outgoing, ch, 0, 1, noopDecode)

	pendingRec := &recorder{}
	s.pending[1] = &pendingEntry{callback: pendingRec.sink(), deadline: time.Now().Add(time.Hour)}

	queuedRec := &recorder{}
	outgoing <- ua.Submission{Request: fakeMessage{id: 2}, Callback: queuedRec.sink(), Deadline: time.Now().Add(time.Hour)}

	status := s.Close(ua.StatusOK)
	if status != ua.StatusOK {
		t.Fatalf("Close returned %v, want the status it was given", status)
	}
	if pendingRec.status != ua.StatusConnectionClosed {
		t.Fatalf("pending callback status = %v, want ConnectionClosed", pendingRec.status)
	}
	if queuedRec.status != ua.StatusConnectionClosed {
		t.Fatalf("queued callback status = %v, want ConnectionClosed", queuedRec.status)
	}
	if s.PendingCount() != 0 {
		t.Fatalf("pending count after close = %d, want 0", s.PendingCount())
	}
}

func TestCloseWithBadStatusReportsItDirectly(t *testing.T) {
	t.Parallel()

	ch := sechan.New(1)
	s := New(make(chan ua.Submission), ch, 0, 1, noopDecode)
	rec := &recorder{}
	s.pending[1] = &pendingEntry{callback: rec.sink(), deadline: time.Now().Add(time.Hour)}

	s.Close(ua.StatusCommunicationError)
	if rec.status != ua.StatusCommunicationError {
		t.Fatalf("status = %v, want CommunicationError passed through", rec.status)
	}
}

// buildChunk constructs a raw wire chunk using the same facade a real
// sender would, so these tests exercise VerifyAndRemoveSecurity/ChunkInfo
// exactly as HandleIncomingMessage does.
func buildChunk(t *testing.T, kind ua.ChunkType, channelID, seq, reqID uint32, body []byte) []byte {
	t.Helper()
	ch := sechan.New(channelID)
	seqGen := &peekOnly{v: seq}
	chunks, err := sechan.Chunker{}.Encode(seqGen, reqID, 0, 4096, ch, fixedBody{serviceID: 1, body: body})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Chunker.Encode always marks a single-chunk message Final; tests that
	// need Intermediate/FinalError override the type byte directly, the
	// same field HandleIncomingMessage reads via SecureChannel.ChunkInfo.
	chunks[0][3] = byte(kind)
	return chunks[0]
}

type peekOnly struct{ v uint32 }

func (p *peekOnly) PeekNext() uint32 { return p.v }

// fixedBody encodes to exactly body's bytes.
type fixedBody struct {
	serviceID uint32
	body      []byte
}

func (f fixedBody) ServiceID() uint32       { return f.serviceID }
func (f fixedBody) Encode() ([]byte, error) { return f.body, nil }
