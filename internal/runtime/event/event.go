// Package event models the worker's triggering events as explicit task
// handles. A handler attaches its asynchronous work to the event with
// WaitUntil; the host waits on the event before it may tear anything down.
package event

import (
	"context"
	"errors"
	"sync"
)

// Kind names the trigger that produced an event.
type Kind string

const (
	KindInstall           Kind = "install"
	KindActivate          Kind = "activate"
	KindFetch             Kind = "fetch"
	KindPush              Kind = "push"
	KindNotificationClick Kind = "notificationclick"
	KindTask              Kind = "task"
)

// Event is a single in-flight trigger. Its lifetime ends once every extension
// registered through WaitUntil has returned.
type Event struct {
	kind Kind
	ctx  context.Context

	mu      sync.Mutex
	wg      sync.WaitGroup
	errs    []error
	pending int
	sealed  bool
	done    chan struct{}
	onDone  []func(error)
}

// New starts an event. Extensions run under a context derived from ctx that
// keeps its values but is never cancelled from outside: once started, work
// runs to completion.
func New(ctx context.Context, kind Kind) *Event {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Event{
		kind: kind,
		ctx:  context.WithoutCancel(ctx),
		done: make(chan struct{}),
	}
}

func (e *Event) Kind() Kind { return e.kind }

// Context returns the detached context extensions run under.
func (e *Event) Context() context.Context { return e.ctx }

// WaitUntil extends the event's lifetime until fn returns. A non-nil error is
// recorded and reported by Wait. Extensions may register further extensions.
// Once the event is settled with nothing pending, fn runs unattached.
func (e *Event) WaitUntil(fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	if e.sealed && e.pending == 0 {
		e.mu.Unlock()
		go func() { _ = fn(e.ctx) }()
		return
	}
	e.pending++
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		err := fn(e.ctx)
		e.mu.Lock()
		if err != nil {
			e.errs = append(e.errs, err)
		}
		e.pending--
		e.mu.Unlock()
	}()
}

// Pending reports how many extensions are still running.
func (e *Event) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// Settle marks the handler as finished registering work and returns a channel
// closed once every extension has completed. Settle is idempotent.
func (e *Event) Settle() <-chan struct{} {
	e.mu.Lock()
	if e.sealed {
		e.mu.Unlock()
		return e.done
	}
	e.sealed = true
	e.mu.Unlock()

	go func() {
		e.wg.Wait()
		e.mu.Lock()
		err := errors.Join(e.errs...)
		callbacks := e.onDone
		e.onDone = nil
		close(e.done)
		e.mu.Unlock()
		for _, cb := range callbacks {
			cb(err)
		}
	}()
	return e.done
}

// Done is closed once the event has settled and all extensions returned.
func (e *Event) Done() <-chan struct{} { return e.done }

// OnDone registers cb to run after the event completes. Callbacks registered
// after completion run immediately.
func (e *Event) OnDone(cb func(error)) {
	if cb == nil {
		return
	}
	e.mu.Lock()
	select {
	case <-e.done:
		err := errors.Join(e.errs...)
		e.mu.Unlock()
		cb(err)
		return
	default:
	}
	e.onDone = append(e.onDone, cb)
	e.mu.Unlock()
}

// Wait settles the event and blocks until every extension returns or ctx ends.
// It returns the joined extension errors.
func (e *Event) Wait(ctx context.Context) error {
	done := e.Settle()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return errors.Join(e.errs...)
}
