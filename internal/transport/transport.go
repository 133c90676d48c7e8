// Package transport implements the pending-request table described in
// spec.md §4.C: it demultiplexes inbound chunks back to the request that
// is waiting on them, enforces per-request deadlines, and drains cleanly
// on shutdown. It is a direct port of
// async-opcua-client/src/transport/core.rs's TransportState.
package transport

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/alxayo/opcua-transport/internal/errors"
	"github.com/alxayo/opcua-transport/internal/handle"
	"github.com/alxayo/opcua-transport/internal/logger"
	"github.com/alxayo/opcua-transport/internal/metrics"
	"github.com/alxayo/opcua-transport/internal/sechan"
	"github.com/alxayo/opcua-transport/internal/sendbuf"
	"github.com/alxayo/opcua-transport/internal/ua"
)

// pendingEntry is one in-flight request (spec.md §3 "Pending message state").
type pendingEntry struct {
	callback ua.CompletionSink
	chunks   []receivedChunk
	deadline time.Time
}

type receivedChunk struct {
	info ua.ChunkInfo
	data []byte
}

// IncomingKind distinguishes the framing-level message types the socket
// reader may hand to HandleIncomingMessage (spec.md §6).
type IncomingKind int

const (
	IncomingChunk IncomingKind = iota
	IncomingAcknowledge
	IncomingError
	IncomingOther
)

// Incoming is a single decoded frame off the wire, already demultiplexed by
// the byte-stream reader into one of the four kinds above.
type Incoming struct {
	Kind        IncomingKind
	ChunkData   []byte        // raw wire bytes, Kind == IncomingChunk
	ErrorStatus ua.StatusCode // Kind == IncomingError
}

// DecodeFunc turns a reassembled, validated chunk body back into a typed
// response. It is supplied by the caller since the service type lives
// inside the schema-encoded body (spec.md §1: the DTO layer is an
// external collaborator).
type DecodeFunc func(requestID uint32, body []byte) (ua.Message, error)

// State owns the pending-request table and the receiving end of the
// outgoing-submission queue (spec.md §3 "Ownership summary"). It is driven
// by a single goroutine per session; nothing here is safe for concurrent
// use from multiple goroutines, matching spec.md §5's single-threaded
// cooperative scheduling model.
type State struct {
	outgoing <-chan ua.Submission
	pending  map[uint32]*pendingEntry

	channel            *sechan.SecureChannel
	maxPendingIncoming int
	sequence           *handle.Generator
	decode             DecodeFunc
	metrics            *metrics.Metrics
}

// SetMetrics attaches a metrics sink. Nil is safe to pass (and is the
// zero-value default) — every Metrics method is a no-op on a nil
// receiver, so State never needs to branch on whether metrics are wired.
func (s *State) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// New creates transport state bound to channel, reading submissions from
// outgoing. maxPendingIncoming is the accumulated-intermediate-chunk limit
// per request (0 means unlimited); sequenceFirst seeds the inbound
// sequence-number handle.
func New(outgoing <-chan ua.Submission, channel *sechan.SecureChannel, maxPendingIncoming int, sequenceFirst uint32, decode DecodeFunc) *State {
	return &State{
		outgoing:           outgoing,
		pending:            make(map[uint32]*pendingEntry),
		channel:            channel,
		maxPendingIncoming: maxPendingIncoming,
		sequence:           handle.NewGenerator(sequenceFirst),
		decode:             decode,
	}
}

// PendingCount reports the number of in-flight requests, for tests and
// metrics.
func (s *State) PendingCount() int { return len(s.pending) }

// WaitForOutgoingMessage suspends until either an outgoing submission
// arrives or an earlier deadline expires, in which case the expired
// entries are failed with Timeout and the wait restarts. It returns false
// when the outgoing queue is closed or ctx is done. On success it assigns
// the next request id from sendBuffer and, if the submission carries a
// callback, inserts a pending entry (spec.md §4.C).
func (s *State) WaitForOutgoingMessage(ctx context.Context, sendBuffer *sendbuf.SendBuffer) (ua.Message, uint32, bool) {
	for {
		deadline, hasDeadline := s.nextTimeout()

		var timer *time.Timer
		var timerC <-chan time.Time
		if hasDeadline {
			timer = time.NewTimer(time.Until(deadline))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, 0, false

		case <-timerC:
			continue

		case sub, ok := <-s.outgoing:
			if timer != nil {
				timer.Stop()
			}
			if !ok {
				return nil, 0, false
			}
			requestID := sendBuffer.NextRequestID()
			if sub.Callback != nil {
				s.pending[requestID] = &pendingEntry{callback: sub.Callback, deadline: sub.Deadline}
				s.metrics.SetPendingRequests(len(s.pending))
			}
			return sub.Request, requestID, true
		}
	}
}

// nextTimeout evicts every pending entry whose deadline has passed,
// failing their callbacks with Timeout, and returns the soonest remaining
// deadline if any entries are still outstanding.
func (s *State) nextTimeout() (time.Time, bool) {
	now := time.Now()
	var next time.Time
	hasNext := false
	var expired []uint32

	for id, e := range s.pending {
		if !e.deadline.After(now) {
			expired = append(expired, id)
		} else if !hasNext || e.deadline.Before(next) {
			next = e.deadline
			hasNext = true
		}
	}
	for _, id := range expired {
		e := s.pending[id]
		delete(s.pending, id)
		s.metrics.IncTimeout()
		logger.Debug("pending request timed out", "request_id", id)
		e.callback.Complete(nil, ua.StatusTimeout)
	}
	s.metrics.SetPendingRequests(len(s.pending))
	return next, hasNext
}

// HandleIncomingMessage dispatches a single decoded frame: chunks go to
// the chunk processor, an unexpected Acknowledge or unrecognized frame is
// UnexpectedError, and an Error frame surfaces its carried status
// (spec.md §4.C).
func (s *State) HandleIncomingMessage(msg Incoming) error {
	switch msg.Kind {
	case IncomingAcknowledge:
		return errors.NewUnexpectedError("transport.handleIncoming", fmt.Errorf("unexpected acknowledge"))
	case IncomingChunk:
		return s.processChunk(msg.ChunkData)
	case IncomingError:
		if msg.ErrorStatus.IsGood() {
			return nil
		}
		return statusError(msg.ErrorStatus)
	default:
		return errors.NewUnexpectedError("transport.handleIncoming", fmt.Errorf("unrecognized frame"))
	}
}

// frameStatusError carries the status of a server Error frame, so
// errors.StatusCodeOf reports that status itself.
type frameStatusError struct{ status ua.StatusCode }

func (e *frameStatusError) Error() string {
	return fmt.Sprintf("transport.handleIncoming: server sent %s", e.status)
}
func (e *frameStatusError) StatusCode() ua.StatusCode { return e.status }

func statusError(status ua.StatusCode) error {
	return &frameStatusError{status: status}
}

// processChunk verifies and unwraps security, looks up the pending entry
// by request id (silently dropping chunks with no match — spec.md §4.C's
// defined policy for late/duplicate traffic), then dispatches on chunk
// finality.
func (s *State) processChunk(raw []byte) error {
	unwrapped, err := s.channel.VerifyAndRemoveSecurity(raw)
	if err != nil {
		return err
	}
	info, err := s.channel.ChunkInfo(unwrapped)
	if err != nil {
		return err
	}

	entry, ok := s.pending[info.RequestID]
	if !ok {
		return nil
	}

	switch info.Type {
	case ua.ChunkIntermediate:
		entry.chunks = append(entry.chunks, receivedChunk{info: info, data: unwrapped})
		if s.maxPendingIncoming > 0 && len(entry.chunks) > s.maxPendingIncoming {
			delete(s.pending, info.RequestID)
			s.completeWithError(entry, ua.StatusEncodingLimitsExceeded)
		}
		return nil

	case ua.ChunkFinalError:
		delete(s.pending, info.RequestID)
		s.completeWithError(entry, ua.StatusCommunicationError)
		return nil

	case ua.ChunkFinal:
		entry.chunks = append(entry.chunks, receivedChunk{info: info, data: unwrapped})
		delete(s.pending, info.RequestID)
		return s.finishRequest(entry)

	default:
		delete(s.pending, info.RequestID)
		s.completeWithError(entry, ua.StatusUnexpectedError)
		return nil
	}
}

func (s *State) finishRequest(entry *pendingEntry) error {
	merged, err := mergeChunks(entry.chunks)
	if err != nil {
		s.completeWithError(entry, errors.StatusCodeOf(err))
		return err
	}

	next, err := sechan.ValidateChunks(s.sequence.PeekNext(), merged)
	if err != nil {
		s.completeWithError(entry, errors.StatusCodeOf(err))
		return err
	}
	s.sequence.SetNext(next)

	resp, err := sechan.Chunker{}.Decode(merged, s.decode)
	if err != nil {
		s.completeWithError(entry, errors.StatusCodeOf(err))
		return err
	}
	entry.callback.Complete(resp, ua.StatusOK)
	return nil
}

// completeWithError finishes entry with status, recording it for
// observability (spec.md §4.C's "[ADDED]" metrics/logging requirement).
func (s *State) completeWithError(entry *pendingEntry, status ua.StatusCode) {
	s.metrics.IncError(status.String())
	logger.Warn("request failed", "status", status.String())
	entry.callback.Complete(nil, status)
}

// mergeChunks implements spec.md §8's "Chunk merge order" invariant: a
// single chunk passes through unchanged; otherwise chunks are sorted by
// sequence number and walked from the lowest, requiring strictly
// monotonic +1 progression — a sequence number that does not match the
// expected cursor is dropped as a suspected duplicate.
func mergeChunks(chunks []receivedChunk) ([][]byte, error) {
	if len(chunks) == 1 {
		return [][]byte{chunks[0].data}, nil
	}

	sorted := make([]receivedChunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].info.SequenceNumber < sorted[j].info.SequenceNumber
	})

	out := make([][]byte, 0, len(sorted))
	expect := sorted[0].info.SequenceNumber
	for _, c := range sorted {
		if c.info.SequenceNumber != expect {
			continue
		}
		expect++
		out = append(out, c.data)
	}
	return out, nil
}

// MessageSendFailed removes the pending entry for requestID, if any, and
// completes its callback with status.
func (s *State) MessageSendFailed(requestID uint32, status ua.StatusCode) {
	if entry, ok := s.pending[requestID]; ok {
		delete(s.pending, requestID)
		s.metrics.SetPendingRequests(len(s.pending))
		s.completeWithError(entry, status)
	}
}

// Close terminates every pending request and drains whatever submissions
// are already buffered on the outgoing queue, completing their callbacks
// too. If status is Good, pending callers are instead told
// ConnectionClosed — they still did not succeed. Close returns the status
// it was given, not the one reported to callers (spec.md §4.C).
//
// Go channels can only be closed by their sender, so unlike the Rust
// original this does not close the outgoing channel itself; the caller is
// expected to stop producing before invoking Close, at which point this
// drains whatever is already buffered.
func (s *State) Close(status ua.StatusCode) ua.StatusCode {
	requestStatus := status
	if status.IsGood() {
		requestStatus = ua.StatusConnectionClosed
	}

	for id, e := range s.pending {
		delete(s.pending, id)
		e.callback.Complete(nil, requestStatus)
	}
	s.metrics.SetPendingRequests(0)

	for {
		select {
		case sub, ok := <-s.outgoing:
			if !ok {
				return status
			}
			if sub.Callback != nil {
				sub.Callback.Complete(nil, requestStatus)
			}
		default:
			return status
		}
	}
}
