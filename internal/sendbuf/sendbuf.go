// Package sendbuf implements the send buffer described in spec.md §4.B: a
// single contiguous scratch buffer plus a FIFO of pending payloads, encoded
// into secured chunks and streamed to a byte sink in a cancel-safe manner.
// It is a direct port of async-opcua-core/src/comms/buffer.rs's SendBuffer,
// generalized from Rust's Cursor<Vec<u8>> to a plain byte slice with
// explicit position/end fields.
package sendbuf

import (
	"context"
	"fmt"
	"io"

	"github.com/alxayo/opcua-transport/internal/bufpool"
	"github.com/alxayo/opcua-transport/internal/errors"
	"github.com/alxayo/opcua-transport/internal/handle"
	"github.com/alxayo/opcua-transport/internal/sechan"
)

type phase int

const (
	phaseWriting phase = iota
	phaseReading
)

type payloadKind int

const (
	payloadChunk payloadKind = iota
	payloadAck
	payloadError
)

type pendingPayload struct {
	kind payloadKind
	// data holds pre-encoded bytes for Ack/Error, and the still-unsecured
	// chunk bytes for Chunk (security is applied lazily in EncodeNextChunk,
	// mirroring secure_channel.apply_security being called there, not at
	// Write time).
	data []byte
}

// Ack and Error mirror the single-shot framing-level payloads described in
// spec.md §6: encoded once by the caller and handed to the buffer whole.
type Ack struct{ Data []byte }
type ErrorFrame struct{ Data []byte }

// SendBuffer is the Writing/Reading(end) state machine from spec.md §4.B.
// It is not safe for concurrent use — ownership is exclusive to whichever
// task currently drains it to a sink (spec.md §5).
type SendBuffer struct {
	buf   []byte
	pos   int
	end   int
	phase phase

	queue []pendingPayload

	lastRequestID uint32
	sequence      *handle.Generator

	MaxMessageSize int
	MaxChunkCount  int
	SendBufferSize int
}

// New creates a send buffer with the given initial limits. sequenceFirst
// is the starting value for the buffer's outbound sequence-number handle
// (spec.md §3: "monotonic within a channel lifetime").
func New(sendBufferSize, maxMessageSize, maxChunkCount int, sequenceFirst uint32) *SendBuffer {
	return &SendBuffer{
		buf:            bufpool.Get(sendBufferSize + 1024),
		lastRequestID:  1000,
		sequence:       handle.NewGenerator(sequenceFirst),
		MaxMessageSize: maxMessageSize,
		MaxChunkCount:  maxChunkCount,
		SendBufferSize: sendBufferSize,
		phase:          phaseWriting,
	}
}

// NextRequestID returns the next request id, starting at 1001 (spec.md §3:
// "last-request-id handle starts at 1000").
func (b *SendBuffer) NextRequestID() uint32 {
	b.lastRequestID++
	return b.lastRequestID
}

// Write encodes message into one or more secured chunks via the channel's
// chunker and enqueues them. On success the buffer's outbound sequence
// counter is advanced by the chunk count (spec.md §4.B).
func (b *SendBuffer) Write(requestID uint32, message sechan.Encodable, channel *sechan.SecureChannel) (uint32, error) {
	chunks, err := sechan.Chunker{}.Encode(b.sequence, requestID, b.MaxMessageSize, b.SendBufferSize, channel, message)
	if err != nil {
		return 0, err
	}
	if b.MaxChunkCount > 0 && len(chunks) > b.MaxChunkCount {
		return 0, errors.NewCommunicationError("sendbuf.Write", fmt.Errorf("chunk count %d exceeds max %d", len(chunks), b.MaxChunkCount))
	}

	// Advance by exactly len(chunks) single steps rather than raw addition,
	// so a chunk count that lands on the wrap point still resets to First
	// (Generator.Next's wrap rule), not to whatever 2^32 modulo happens to
	// produce.
	for range chunks {
		b.sequence.Next()
	}

	for _, c := range chunks {
		b.queue = append(b.queue, pendingPayload{kind: payloadChunk, data: c})
	}
	return requestID, nil
}

// WriteAck enqueues an Acknowledge frame.
func (b *SendBuffer) WriteAck(ack Ack) {
	b.queue = append(b.queue, pendingPayload{kind: payloadAck, data: ack.Data})
}

// WriteError clears any pending service chunks and enqueues an Error
// frame — an error terminates the channel (spec.md §4.B).
func (b *SendBuffer) WriteError(errFrame ErrorFrame) {
	b.queue = b.queue[:0]
	b.queue = append(b.queue, pendingPayload{kind: payloadError, data: errFrame.Data})
}

// EncodeNextChunk pops the next pending payload and writes its bytes into
// the scratch buffer starting at offset 0, transitioning to the Reading
// phase. It fails with InvalidState if called while already Reading, and
// is a no-op when the queue is empty.
func (b *SendBuffer) EncodeNextChunk(channel *sechan.SecureChannel) error {
	if b.phase == phaseReading {
		return errors.NewInvalidStateError("sendbuf.EncodeNextChunk", nil)
	}
	if len(b.queue) == 0 {
		return nil
	}
	next := b.queue[0]
	b.queue = b.queue[1:]

	var size int
	switch next.kind {
	case payloadChunk:
		n, err := channel.ApplySecurity(next.data, b.buf)
		if err != nil {
			return err
		}
		size = n
	case payloadAck, payloadError:
		if len(next.data) > len(b.buf) {
			return errors.NewInvalidStateError("sendbuf.EncodeNextChunk", fmt.Errorf("frame %d bytes exceeds scratch buffer %d", len(next.data), len(b.buf)))
		}
		size = copy(b.buf, next.data)
	}

	b.pos = 0
	b.end = size
	b.phase = phaseReading
	return nil
}

// ReadInto drains the scratch buffer into sink. The read position only
// advances by the number of bytes the sink actually reports writing, so a
// cancelled or partial write loses no progress on retry (spec.md §5's
// cancel-safety contract, §9's "Critical" design note).
func (b *SendBuffer) ReadInto(ctx context.Context, sink io.Writer) error {
	if b.phase == phaseWriting {
		b.end = 0
		b.pos = 0
		b.phase = phaseReading
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	n, err := sink.Write(b.buf[b.pos:b.end])
	b.pos += n
	if b.pos == b.end {
		b.phase = phaseWriting
		b.pos = 0
		b.end = 0
	}
	if err != nil {
		return errors.NewCommunicationError("sendbuf.ReadInto", err)
	}
	return nil
}

// ShouldEncodeChunks reports whether the pending queue has work and the
// scratch buffer is not currently being drained.
func (b *SendBuffer) ShouldEncodeChunks() bool {
	return len(b.queue) > 0 && !b.CanRead()
}

// CanRead reports whether the scratch buffer currently holds bytes to send.
func (b *SendBuffer) CanRead() bool {
	return b.phase == phaseReading || b.pos != 0
}

// Revise shrinks the buffer's limits with the result of a Hello/Acknowledge
// exchange. Parameters may only decrease existing limits; 0 means
// unlimited and never raises a limit back up (spec.md §4.B).
func (b *SendBuffer) Revise(sendBufferSize, maxMessageSize, maxChunkCount int) {
	if b.SendBufferSize > sendBufferSize {
		b.SendBufferSize = sendBufferSize
	}
	if maxMessageSize > 0 && (b.MaxMessageSize == 0 || b.MaxMessageSize > maxMessageSize) {
		b.MaxMessageSize = maxMessageSize
	}
	if maxChunkCount > 0 && (b.MaxChunkCount == 0 || b.MaxChunkCount > maxChunkCount) {
		b.MaxChunkCount = maxChunkCount
	}
}

// QueueLen reports the number of pending payloads, for tests and metrics.
func (b *SendBuffer) QueueLen() int { return len(b.queue) }

// Release returns the scratch buffer to bufpool. Callers invoke this once,
// when the buffer's owning connection is torn down — not per chunk, since
// the same scratch buffer is reused for the buffer's entire lifetime (it is
// acquired once, in New). After Release the buffer must not be used again.
func (b *SendBuffer) Release() {
	bufpool.Put(b.buf)
	b.buf = nil
}
