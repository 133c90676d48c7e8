package main

import (
	"encoding/binary"
	"fmt"

	"github.com/alxayo/opcua-transport/internal/errors"
	"github.com/alxayo/opcua-transport/internal/ua"
)

// The generated request/response DTOs are an external collaborator
// (spec.md §1) this module never implements. publishRequest/publishResponse
// stand in for that layer just enough to drive the send buffer, secure
// channel, and transport packages end to end over a real socket: a
// subscription id and a 1-byte body, nothing resembling wire-compatible
// OPC-UA encoding.
const publishServiceID = 0x0001

type publishRequest struct {
	subscriptionID uint32
}

func (publishRequest) ServiceID() uint32 { return publishServiceID }

func (r publishRequest) Encode() ([]byte, error) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, r.subscriptionID)
	return buf, nil
}

type publishResponse struct {
	requestID        uint32
	moreNotifications bool
}

func (publishResponse) ServiceID() uint32 { return publishServiceID }

// decodePublishResponse turns a reassembled body back into a publishResponse.
// body's single byte is 1 when the server has more notifications queued.
func decodePublishResponse(requestID uint32, body []byte) (ua.Message, error) {
	if len(body) < 1 {
		return nil, errors.NewCommunicationError("decodePublishResponse", fmt.Errorf("empty publish response body"))
	}
	return publishResponse{requestID: requestID, moreNotifications: body[0] != 0}, nil
}
