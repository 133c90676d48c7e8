package main

import (
	"context"
	"sync"
	"time"

	"github.com/alxayo/opcua-transport/internal/errors"
	"github.com/alxayo/opcua-transport/internal/subscription"
	"github.com/alxayo/opcua-transport/internal/ua"
)

// clientSession implements subscription.Session by handing a publishRequest
// to the outgoing submission queue that the transport/send-buffer pair
// drains to the wire, and waiting on the matching completion callback. It
// is this CLI's stand-in for the session/service-handler layer spec.md §1
// names as an external collaborator: a real deployment swaps this for a
// session that has actually completed Hello/Acknowledge and
// OpenSecureChannel/CreateSession, which are out of this module's scope.
type clientSession struct {
	outgoing       chan<- ua.Submission
	subscriptionID uint32
	limits         subscription.Limits
	interval       time.Duration
	timeout        time.Duration

	mu   sync.Mutex
	next time.Time
}

func newClientSession(outgoing chan<- ua.Submission, subscriptionID uint32, limits subscription.Limits, interval, timeout time.Duration) *clientSession {
	return &clientSession{
		outgoing:       outgoing,
		subscriptionID: subscriptionID,
		limits:         limits,
		interval:       interval,
		timeout:        timeout,
		next:           time.Now().Add(interval),
	}
}

// Publish submits one publishRequest and blocks until the transport
// completes it, translating the resulting status into the (bool, error)
// shape subscription.EventLoop expects.
func (s *clientSession) Publish(ctx context.Context) (bool, error) {
	done := make(chan struct {
		resp   ua.Message
		status ua.StatusCode
	}, 1)

	sub := ua.Submission{
		Request: publishRequest{subscriptionID: s.subscriptionID},
		Callback: ua.CompletionFunc(func(resp ua.Message, status ua.StatusCode) {
			done <- struct {
				resp   ua.Message
				status ua.StatusCode
			}{resp, status}
		}),
		Deadline: time.Now().Add(s.timeout),
	}

	select {
	case s.outgoing <- sub:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	select {
	case result := <-done:
		if !result.status.IsGood() {
			return false, statusToError(result.status)
		}
		resp, ok := result.resp.(publishResponse)
		if !ok {
			return false, nil
		}
		return resp.moreNotifications, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// NextPublishTime reports the next scheduled tick, first resetting it to
// interval from now when reset is true.
func (s *clientSession) NextPublishTime(reset bool) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reset {
		s.next = time.Now().Add(s.interval)
	}
	return s.next, true
}

func (s *clientSession) Limits() subscription.Limits { return s.limits }

// statusToError maps a completed request's status back into the typed
// errors internal/subscription's event loop switches on via
// errors.StatusCodeOf.
func statusToError(status ua.StatusCode) error {
	switch status {
	case ua.StatusTimeout:
		return errors.NewTimeoutError("clientSession.Publish", nil)
	case ua.StatusTooManyPublishRequests:
		return errors.NewBackpressureError("clientSession.Publish", nil)
	case ua.StatusNoSubscription:
		return errors.NewNoSubscriptionError("clientSession.Publish", nil)
	case ua.StatusSessionClosed:
		return errors.NewSessionClosedError("clientSession.Publish", nil)
	case ua.StatusSessionIDInvalid:
		return errors.NewSessionIDInvalidError("clientSession.Publish", nil)
	default:
		return errors.NewUnexpectedError("clientSession.Publish", nil)
	}
}
