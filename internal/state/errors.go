package state

import (
	"errors"
	"fmt"
)

var (
	ErrAgentNotFound     = errors.New("agent not found")
	ErrInvalidTransition = errors.New("invalid agent status transition")
)

// PersistenceError marks a failed store read or write. Callers that must not
// crash the event loop (the observer adapter) match on it with errors.As and
// contain it locally.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistErr(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

type TransitionError struct {
	AgentID string
	From    Status
	To      Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid agent status transition for %s: %s -> %s", e.AgentID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
