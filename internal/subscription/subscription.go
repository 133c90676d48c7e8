// Package subscription implements the Publish-scheduling event loop
// described in spec.md §4.D: a state machine that issues Publish requests
// against an active session on a schedule, backing off under server
// back-pressure and pausing when no subscriptions exist. It is a direct
// port of async-opcua-client/src/session/services/subscriptions/event_loop.rs's
// SubscriptionEventLoop, translated from a Stream::unfold over
// FuturesUnordered into goroutines feeding a shared completions channel —
// an empty goroutine set blocking forever on that channel is exactly the
// "never-completing future" guard the original uses for its empty
// FuturesUnordered case.
package subscription

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alxayo/opcua-transport/internal/errors"
	"github.com/alxayo/opcua-transport/internal/logger"
	"github.com/alxayo/opcua-transport/internal/ua"
)

// ActivityKind distinguishes the two events the loop reports upward.
type ActivityKind int

const (
	ActivityPublish ActivityKind = iota
	ActivityPublishFailed
)

// Activity is one reported outcome of the loop's scheduling decisions.
type Activity struct {
	Kind   ActivityKind
	Status ua.StatusCode // meaningful when Kind == ActivityPublishFailed
}

// Limits mirrors the session's observable publish_limits_watch_rx
// (spec.md §6).
type Limits struct {
	MinPublishRequests int
	MaxPublishRequests int
}

// Session is the external collaborator the loop schedules Publish
// requests against (spec.md §6 "Session-facing interface").
type Session interface {
	// Publish issues one Publish request, returning whether the server
	// reported more_notifications still pending.
	Publish(ctx context.Context) (moreNotifications bool, err error)
	// NextPublishTime returns the next scheduled Publish moment. The
	// second return is false when there are no active subscriptions
	// (spec.md §3's "absent if no subscriptions exist"). reset requests
	// the session recompute from now.
	NextPublishTime(reset bool) (time.Time, bool)
	// Limits returns the current publish concurrency bounds.
	Limits() Limits
}

// Trigger delivers external "publish now" signals, e.g. when a new
// subscription is created. It models spec.md §6's
// trigger_publish_recv watch channel.
type Trigger struct {
	mu      sync.Mutex
	value   time.Time
	changed chan struct{}
}

// NewTrigger creates a trigger seeded with initial as the last-known value.
func NewTrigger(initial time.Time) *Trigger {
	return &Trigger{value: initial, changed: make(chan struct{})}
}

// Fire records a new trigger timestamp and wakes any waiters.
func (t *Trigger) Fire(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.value = at
	close(t.changed)
	t.changed = make(chan struct{})
}

// Value returns the most recently fired timestamp.
func (t *Trigger) Value() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

// wait blocks until the trigger's value becomes strictly newer than after,
// or ctx is done.
func (t *Trigger) wait(ctx context.Context, after time.Time) (time.Time, error) {
	for {
		t.mu.Lock()
		v := t.value
		ch := t.changed
		t.mu.Unlock()
		if v.After(after) {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return time.Time{}, ctx.Err()
		case <-ch:
		}
	}
}

// EventLoop runs the Publish scheduling state machine for one session
// (spec.md §3 "Subscription loop state").
type EventLoop struct {
	session Session
	trigger *Trigger

	lastExternalTrigger  time.Time
	waitingForResponse   bool
	noActiveSubscription bool

	// Limiter is an additive smoothing layer over scheduled ticks only; it
	// never suppresses a Publish the state machine above has already
	// decided is correctness-required (external triggers and in-flight
	// completions always bypass it). Nil disables smoothing.
	Limiter *rate.Limiter
}

// NewEventLoop creates a loop for session, observing trigger for external
// publish-now signals.
func NewEventLoop(session Session, trigger *Trigger) *EventLoop {
	return &EventLoop{
		session:             session,
		trigger:             trigger,
		lastExternalTrigger: trigger.Value(),
	}
}

type publishResult struct {
	more bool
	err  error
}

// Run starts the loop and returns a channel of Activity events. The
// channel is closed when ctx is done.
func (e *EventLoop) Run(ctx context.Context) <-chan Activity {
	out := make(chan Activity)
	go e.run(ctx, out)
	return out
}

func (e *EventLoop) log() *slog.Logger {
	return logger.WithSubscription(logger.Logger(), e.waitingForResponse, e.noActiveSubscription)
}

func (e *EventLoop) run(ctx context.Context, out chan<- Activity) {
	defer close(out)

	completions := make(chan publishResult)
	inFlight := 0

	next, hasNext := e.session.NextPublishTime(false)

	for {
		iterCtx, cancelIter := context.WithCancel(ctx)

		triggerCh := make(chan time.Time, 1)
		triggerErrCh := make(chan error, 1)
		go func() {
			v, err := e.trigger.wait(iterCtx, e.lastExternalTrigger)
			if err != nil {
				triggerErrCh <- err
				return
			}
			triggerCh <- v
		}()

		var tickC <-chan time.Time
		if hasNext && !(e.waitingForResponse && inFlight > 0) {
			tickC = time.After(time.Until(next))
		}

		var activity Activity
		emitted := false

		select {
		case <-ctx.Done():
			cancelIter()
			return

		case <-triggerErrCh:
			cancelIter()
			return

		case v := <-triggerCh:
			// last_external_trigger only advances when the trigger is acted
			// on. While waiting_for_response it deliberately stays behind,
			// so the same trigger value is observed again next iteration
			// until a response clears the back-pressure (event_loop.rs's
			// recv.wait_for behavior, ported faithfully).
			if !e.waitingForResponse {
				e.log().Debug("sending publish due to external trigger")
				inFlight++
				go e.publish(ctx, completions)
				next, hasNext = e.session.NextPublishTime(true)
				e.lastExternalTrigger = v
			} else {
				e.log().Debug("skipping publish due to BadTooManyPublishRequests")
			}
			e.noActiveSubscription = false

		case <-tickC:
			limits := e.session.Limits()
			if !e.noActiveSubscription && inFlight < limits.MaxPublishRequests {
				if !e.waitingForResponse {
					if e.Limiter == nil || e.Limiter.Allow() {
						e.log().Debug("sending publish due to internal tick")
						inFlight++
						go e.publish(ctx, completions)
					}
				} else {
					e.log().Debug("skipping publish due to BadTooManyPublishRequests")
				}
			}
			next, hasNext = e.session.NextPublishTime(true)

		case res := <-completions:
			inFlight--
			if res.err == nil {
				limits := e.session.Limits()
				if res.more || inFlight < limits.MinPublishRequests {
					if !e.waitingForResponse {
						e.log().Debug("sending publish after receiving response")
						inFlight++
						go e.publish(ctx, completions)
						e.session.NextPublishTime(true)
					} else {
						e.log().Debug("skipping publish due to BadTooManyPublishRequests")
					}
				}
				e.waitingForResponse = false
				e.noActiveSubscription = false
				activity = Activity{Kind: ActivityPublish}
				emitted = true
			} else {
				status := errors.StatusCodeOf(res.err)
				switch status {
				case ua.StatusTimeout:
					e.log().Debug("publish request timed out")
				case ua.StatusTooManyPublishRequests:
					e.log().Debug("server returned too many publish requests, backing off")
					e.waitingForResponse = true
				case ua.StatusSessionClosed, ua.StatusSessionIDInvalid:
					e.log().Warn("publish response indicates session is dead")
				case ua.StatusNoSubscription:
					e.log().Debug("publish response indicates no subscriptions")
					e.noActiveSubscription = true
				}
				activity = Activity{Kind: ActivityPublishFailed, Status: status}
				emitted = true
			}
		}

		cancelIter()

		if emitted {
			select {
			case out <- activity:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (e *EventLoop) publish(ctx context.Context, out chan<- publishResult) {
	more, err := e.session.Publish(ctx)
	out <- publishResult{more: more, err: err}
}
