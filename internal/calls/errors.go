package calls

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("calls: record not found")
	ErrInvalidTransition = errors.New("calls: invalid state transition")
	ErrNotParticipant    = errors.New("calls: actor is not a participant")
	ErrPairBusy          = errors.New("calls: a call between these users is already ringing")
	ErrBusy              = errors.New("calls: a call is already active")
	ErrInvalidRecord     = errors.New("calls: invalid record")
	ErrAborted           = errors.New("calls: aborted")
)

// MediaAccessError means local capture could not be started: permission was
// denied or no matching device exists.
type MediaAccessError struct {
	Kind Kind
	Err  error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("media access (%s): %v", e.Kind, e.Err)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

// SignalingWriteError wraps a failed write against the call store. The record
// is left in its prior state.
type SignalingWriteError struct {
	Op     string
	CallID string
	Err    error
}

func (e *SignalingWriteError) Error() string {
	if e.CallID == "" {
		return fmt.Sprintf("signaling write %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("signaling write %s call=%s: %v", e.Op, e.CallID, e.Err)
}

func (e *SignalingWriteError) Unwrap() error { return e.Err }

// ConnectivityFailure is reported when the peer connection enters a failed state.
type ConnectivityFailure struct {
	CallID string
	State  string
}

func (e *ConnectivityFailure) Error() string {
	return fmt.Sprintf("connectivity failure call=%s state=%s", e.CallID, e.State)
}

// HistoryWriteFailure blocks deletion of the call record.
type HistoryWriteFailure struct {
	CallID string
	Err    error
}

func (e *HistoryWriteFailure) Error() string {
	return fmt.Sprintf("history write call=%s: %v", e.CallID, e.Err)
}

func (e *HistoryWriteFailure) Unwrap() error { return e.Err }

// WriteError wraps err as a SignalingWriteError unless it is already a domain
// error callers are expected to branch on.
func WriteError(op, callID string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrNotFound, ErrInvalidTransition, ErrNotParticipant, ErrPairBusy, ErrInvalidRecord} {
		if errors.Is(err, known) {
			return err
		}
	}
	var swe *SignalingWriteError
	if errors.As(err, &swe) {
		return err
	}
	return &SignalingWriteError{Op: op, CallID: callID, Err: err}
}
