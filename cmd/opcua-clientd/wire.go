package main

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/alxayo/opcua-transport/internal/errors"
)

// chunkHeaderSize and the total-size field offset mirror internal/sechan's
// unexported wire layout (3-byte tag, 1-byte chunk type, 4-byte total size,
// 4-byte channel id, 4-byte sequence number, 4-byte request id): this CLI
// reads raw frames off the socket and hands them to transport.State
// unmodified, so it only needs to know how many bytes make up one frame.
const (
	chunkHeaderSize = 20
	chunkSizeOffset = 4
)

// readFrame reads one full chunk (header plus body) from r, using the
// total-size field in the header to know how many more bytes to read.
func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, chunkHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	total := binary.LittleEndian.Uint32(header[chunkSizeOffset : chunkSizeOffset+4])
	if total < chunkHeaderSize {
		return nil, errors.NewCommunicationError("readFrame", fmt.Errorf("frame size %d smaller than header", total))
	}
	frame := make([]byte, total)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[chunkHeaderSize:]); err != nil {
		return nil, err
	}
	return frame, nil
}
