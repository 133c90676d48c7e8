// Package sechan supplies the secure-channel facade the send buffer and
// transport state consume for chunk security and sequence bookkeeping
// (spec.md §4.E, §9 "Secure channel as a collaborator"). The facade's
// contract is specified, not its cryptography: this package carries an
// unsecured reference implementation grounded on the real gopcua/opcua
// uasc.SecureChannel wire layout, sufficient to drive the send buffer and
// transport packages end to end. A deployment that needs actual signing
// and encryption substitutes a SecureChannel built the same way against a
// real certificate store — only ApplySecurity/VerifyAndRemoveSecurity
// would change.
package sechan

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/alxayo/opcua-transport/internal/errors"
	"github.com/alxayo/opcua-transport/internal/ua"
)

// headerSize is the fixed portion of every chunk this facade produces:
// 3-byte message-type tag, 1-byte chunk type, 4-byte total size, 4-byte
// channel id, 4-byte sequence number, 4-byte request id (spec.md §6).
const headerSize = 3 + 1 + 4 + 4 + 4 + 4

var msgTag = [3]byte{'M', 'S', 'G'}

// SecureChannel holds the per-channel state shared between the encoder and
// the decoder. Real implementations guard symmetric-key material here;
// this facade only tracks the channel id, matching spec.md §5's
// "shared... under a read/write lock" ownership note with sync.RWMutex even
// though the no-op security path never needs to write-lock today.
type SecureChannel struct {
	mu        sync.RWMutex
	ChannelID uint32
}

// New creates a facade bound to channelID.
func New(channelID uint32) *SecureChannel {
	return &SecureChannel{ChannelID: channelID}
}

// ApplySecurity signs (and in a production channel, encrypts) a single
// already-framed chunk and writes the result into dst starting at offset 0,
// returning the number of bytes written. This facade's channel is
// unsecured: the chunk is copied through unchanged, which is exactly the
// OPC-UA "SecurityPolicy: None" behavior.
func (c *SecureChannel) ApplySecurity(chunk []byte, dst []byte) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(dst) < len(chunk) {
		return 0, errors.NewInvalidStateError("sechan.ApplySecurity", fmt.Errorf("dst too small: %d < %d", len(dst), len(chunk)))
	}
	return copy(dst, chunk), nil
}

// VerifyAndRemoveSecurity validates and strips the per-chunk security
// envelope from a raw received chunk, returning the unwrapped bytes
// (header plus body). This facade's channel is unsecured, so verification
// is limited to checking the frame looks like one of ours.
func (c *SecureChannel) VerifyAndRemoveSecurity(data []byte) ([]byte, error) {
	if len(data) < headerSize {
		return nil, errors.NewCommunicationError("sechan.VerifyAndRemoveSecurity", fmt.Errorf("chunk too short: %d bytes", len(data)))
	}
	if data[0] != msgTag[0] || data[1] != msgTag[1] || data[2] != msgTag[2] {
		return nil, errors.NewCommunicationError("sechan.VerifyAndRemoveSecurity", fmt.Errorf("bad message tag %q", data[0:3]))
	}
	return data, nil
}

// ChunkInfo parses the sequence/finality header out of an already-unwrapped
// chunk.
func (c *SecureChannel) ChunkInfo(data []byte) (ua.ChunkInfo, error) {
	if len(data) < headerSize {
		return ua.ChunkInfo{}, errors.NewCommunicationError("sechan.ChunkInfo", fmt.Errorf("chunk too short: %d bytes", len(data)))
	}
	return ua.ChunkInfo{
		Type:           ua.ChunkType(data[3]),
		SequenceNumber: binary.LittleEndian.Uint32(data[12:16]),
		RequestID:      binary.LittleEndian.Uint32(data[16:20]),
	}, nil
}

// Encodable is implemented by schema-generated request/response types; the
// CORE treats the byte payload as opaque (spec.md §1).
type Encodable interface {
	ua.Message
	Encode() ([]byte, error)
}

// Chunker turns messages into secured chunks and back, and validates the
// sequence-number progression of an inbound chunk set (spec.md §9). The
// zero value is ready to use; it carries no state of its own.
type Chunker struct{}

// chunkOverhead is subtracted from the configured send-buffer size to
// leave room for this facade's header when packing a chunk's body bytes.
const chunkOverhead = headerSize

// Encode splits message's encoded body across one or more chunks no larger
// than sendBufferSize, assigning each chunk the next sequence number peeked
// from seq (without advancing it — the caller commits the advance once
// every chunk has been produced, mirroring SendBuffer.write in buffer.rs).
// It fails with RequestTooLargeError if maxMessageSize is nonzero and the
// encoded body exceeds it.
func (Chunker) Encode(seq interface{ PeekNext() uint32 }, requestID uint32, maxMessageSize, sendBufferSize int, channel *SecureChannel, message Encodable) ([][]byte, error) {
	body, err := message.Encode()
	if err != nil {
		return nil, errors.NewUnexpectedError("chunker.Encode", err)
	}
	if maxMessageSize > 0 && len(body) > maxMessageSize {
		return nil, errors.NewRequestTooLargeError("chunker.Encode", fmt.Errorf("message %d bytes exceeds max %d", len(body), maxMessageSize))
	}

	bodyPerChunk := sendBufferSize - chunkOverhead
	if bodyPerChunk <= 0 {
		return nil, errors.NewInvalidStateError("chunker.Encode", fmt.Errorf("send buffer size %d too small for header", sendBufferSize))
	}

	chunkCount := (len(body) + bodyPerChunk - 1) / bodyPerChunk
	if chunkCount == 0 {
		chunkCount = 1
	}

	channel.mu.RLock()
	channelID := channel.ChannelID
	channel.mu.RUnlock()

	seqNo := seq.PeekNext()
	chunks := make([][]byte, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		start := i * bodyPerChunk
		end := start + bodyPerChunk
		if end > len(body) {
			end = len(body)
		}
		chunkType := ua.ChunkIntermediate
		if i == chunkCount-1 {
			chunkType = ua.ChunkFinal
		}
		chunks = append(chunks, encodeChunk(chunkType, channelID, seqNo+uint32(i), requestID, body[start:end]))
	}
	return chunks, nil
}

func encodeChunk(chunkType ua.ChunkType, channelID, sequenceNumber, requestID uint32, body []byte) []byte {
	buf := make([]byte, headerSize+len(body))
	copy(buf[0:3], msgTag[:])
	buf[3] = byte(chunkType)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[8:12], channelID)
	binary.LittleEndian.PutUint32(buf[12:16], sequenceNumber)
	binary.LittleEndian.PutUint32(buf[16:20], requestID)
	copy(buf[headerSize:], body)
	return buf
}

// Decode reassembles the body bytes from a set of already merged, in-order
// chunks (spec.md §9's decode(chunks, channel) contract). decodeFn turns
// the reassembled body back into a typed response; it is supplied by the
// caller since the service type lives inside the (schema-encoded) body,
// which this package has no visibility into — only the chunk's request id
// is ours to hand back for correlation.
func (Chunker) Decode(chunks [][]byte, decodeFn func(requestID uint32, body []byte) (ua.Message, error)) (ua.Message, error) {
	if len(chunks) == 0 {
		return nil, errors.NewUnexpectedError("chunker.Decode", fmt.Errorf("no chunks to decode"))
	}
	var body []byte
	for _, c := range chunks {
		if len(c) < headerSize {
			return nil, errors.NewCommunicationError("chunker.Decode", fmt.Errorf("chunk too short: %d bytes", len(c)))
		}
		body = append(body, c[headerSize:]...)
	}
	requestID := binary.LittleEndian.Uint32(chunks[0][16:20])
	return decodeFn(requestID, body)
}

// ValidateChunks checks that chunks carry strictly increasing sequence
// numbers starting at expected, returning the sequence number the next
// inbound message is expected to start at. Chunks here are assumed already
// merged and ordered by the caller (internal/transport's mergeChunks).
func ValidateChunks(expected uint32, chunks [][]byte) (uint32, error) {
	want := expected
	for _, c := range chunks {
		if len(c) < headerSize {
			return expected, errors.NewCommunicationError("sechan.ValidateChunks", fmt.Errorf("chunk too short: %d bytes", len(c)))
		}
		got := binary.LittleEndian.Uint32(c[12:16])
		if got != want {
			return expected, errors.NewCommunicationError("sechan.ValidateChunks", fmt.Errorf("expected sequence %d, got %d", want, got))
		}
		want++
	}
	return want, nil
}
