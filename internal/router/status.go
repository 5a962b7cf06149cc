package router

import (
	"fmt"
	"sync"
)

// Status is a position in one tool invocation's lifecycle:
//
//	Pending → Routed → Executing → Completed
//	   └────────┴──────────┴──────→ Failed
//
// Completed and Failed are terminal.
type Status int

const (
	StatusPending Status = iota
	StatusRouted
	StatusExecuting
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRouted:
		return "routed"
	case StatusExecuting:
		return "executing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText renders the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// next reports whether to directly follows s.
func (s Status) next(to Status) bool {
	switch to {
	case StatusRouted:
		return s == StatusPending
	case StatusExecuting:
		return s == StatusRouted
	case StatusCompleted:
		return s == StatusExecuting
	case StatusFailed:
		return !s.Terminal()
	}
	return false
}

// Lifecycle tracks the status of one invocation. The zero value is
// Pending and ready to use. It is safe for concurrent use; a nil
// *Lifecycle ignores every call.
type Lifecycle struct {
	// OnChange, if set, is called after every accepted transition.
	OnChange func(from, to Status)

	mu      sync.Mutex
	status  Status
	history []Status
}

// Status returns the current status.
func (l *Lifecycle) Status() Status {
	if l == nil {
		return StatusPending
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// History returns every status held so far, Pending first.
func (l *Lifecycle) History() []Status {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status{StatusPending}, l.history...)
}

// Advance moves to the given status. A transition that skips a step,
// goes backwards, or leaves a terminal status is refused.
func (l *Lifecycle) Advance(to Status) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	from := l.status
	if !from.next(to) {
		l.mu.Unlock()
		return fmt.Errorf("invocation cannot move from %s to %s", from, to)
	}
	l.status = to
	l.history = append(l.history, to)
	l.mu.Unlock()

	if l.OnChange != nil {
		l.OnChange(from, to)
	}
	return nil
}

// Finish settles a non-terminal lifecycle: Failed when failed is set,
// otherwise forward one step at a time to Completed. A lifecycle that is
// already terminal is left alone.
func (l *Lifecycle) Finish(failed bool) Status {
	if l == nil {
		return StatusPending
	}
	if failed {
		_ = l.Advance(StatusFailed)
		return l.Status()
	}
	for _, s := range []Status{StatusRouted, StatusExecuting, StatusCompleted} {
		if cur := l.Status(); cur.Terminal() || cur >= s {
			continue
		}
		_ = l.Advance(s)
	}
	return l.Status()
}
