package command

import (
	"sync"
	"time"
)

// Status is a command's lifecycle state. Transitions are monotonic:
// Queued → Submitted → Running → Complete or Failed. Terminal states
// never change.
type Status int

//go:generate go tool enumer -type=Status -trimprefix=Status event.go

const (
	StatusQueued Status = iota
	StatusSubmitted
	StatusRunning
	StatusComplete
	StatusFailed
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool { return s == StatusComplete || s == StatusFailed }

// Callback observes event status transitions. Callbacks run on the queue
// worker goroutine and must not block; tag names the operation for
// logging (for example "fill buffer").
type Callback func(e *Event, s Status, tag string)

// Event tracks one command's completion. The zero value is not usable;
// create events with NewEvent.
type Event struct {
	mu       sync.Mutex
	status   Status
	err      error
	tag      string
	callback Callback
	done     chan struct{}

	// Transition timestamps, for profiling queries.
	TimeQueued    time.Time
	TimeSubmitted time.Time
	TimeRunning   time.Time
	TimeFinished  time.Time
}

// NewEvent returns an event in the Queued state.
func NewEvent() *Event {
	return &Event{
		done:       make(chan struct{}),
		TimeQueued: time.Now(),
	}
}

// Status returns the current state.
func (e *Event) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Err returns the failure cause, nil unless the event Failed.
func (e *Event) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Tag returns the operation tag attached at completion time.
func (e *Event) Tag() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tag
}

// Done returns a channel closed when the event reaches a terminal state.
func (e *Event) Done() <-chan struct{} { return e.done }

// Wait blocks until the event terminates and returns its error.
func (e *Event) Wait() error {
	<-e.done
	return e.Err()
}

// OnStatus registers the transition callback. If the event already
// terminated, the callback fires immediately with the terminal status.
func (e *Event) OnStatus(cb Callback) {
	e.mu.Lock()
	e.callback = cb
	status, tag := e.status, e.tag
	e.mu.Unlock()
	if status.Terminal() && cb != nil {
		cb(e, status, tag)
	}
}

// advance moves to s if that is a forward transition, returning whether
// it moved and the callback to fire.
func (e *Event) advance(s Status, tag string, err error) {
	e.mu.Lock()
	if e.status.Terminal() || s <= e.status {
		e.mu.Unlock()
		return
	}
	e.status = s
	now := time.Now()
	switch s {
	case StatusSubmitted:
		e.TimeSubmitted = now
	case StatusRunning:
		e.TimeRunning = now
	case StatusComplete, StatusFailed:
		e.TimeFinished = now
		e.tag = tag
		e.err = err
	}
	cb := e.callback
	e.mu.Unlock()
	if cb != nil {
		cb(e, s, tag)
	}
	if s.Terminal() {
		close(e.done)
	}
}

// Submitted marks the command handed to a queue.
func (e *Event) Submitted() { e.advance(StatusSubmitted, "", nil) }

// Running marks the command's work in flight on the device.
func (e *Event) Running() { e.advance(StatusRunning, "", nil) }

// Complete terminates the event successfully. tag names the finished
// operation.
func (e *Event) Complete(tag string) { e.advance(StatusComplete, tag, nil) }

// Fail terminates the event with err.
func (e *Event) Fail(tag string, err error) { e.advance(StatusFailed, tag, err) }
