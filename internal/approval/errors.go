package approval

import (
	"errors"
	"fmt"

	"github.com/MEKXH/quorum/internal/policy"
)

var (
	// ErrNotFound: no active or historical request has the given id.
	ErrNotFound = errors.New("approval request not found")
	// ErrNotPending: the request already reached a terminal status.
	ErrNotPending = errors.New("approval request is not pending")
	// ErrExpired is the NotPending case where the deadline passed.
	ErrExpired = errors.New("approval request expired")
	// ErrUnauthorized: the approver's group is not a candidate group.
	ErrUnauthorized = errors.New("approver is not in a required group")
	// ErrUnknownApprover: the approver is absent from the directory.
	ErrUnknownApprover = errors.New("unknown approver")
	// ErrDuplicateDecision: the approver already decided on this request.
	ErrDuplicateDecision = errors.New("approver already decided on this request")
	// ErrInvalidInput: a required field is missing or malformed.
	ErrInvalidInput = errors.New("invalid input")
	// ErrConfiguration: policy resolution failed because of configuration.
	ErrConfiguration = policy.ErrConfiguration
)

// NotPendingError is returned when a mutation targets a terminal request.
// It carries a copy of the request so callers can see what it resolved to.
type NotPendingError struct {
	Request *Request
	Expired bool
}

func (e *NotPendingError) Error() string {
	if e.Request == nil {
		return ErrNotPending.Error()
	}
	if e.Expired {
		return fmt.Sprintf("approval request %s expired at %s", e.Request.ID, e.Request.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	return fmt.Sprintf("approval request %s is not pending (status %s)", e.Request.ID, e.Request.Status)
}

// Is matches ErrNotPending, and ErrExpired when the cause was expiration.
func (e *NotPendingError) Is(target error) bool {
	if target == ErrNotPending {
		return true
	}
	return e.Expired && target == ErrExpired
}

func notPending(req *Request) error {
	return &NotPendingError{Request: req.Clone(), Expired: req.Status == StatusExpired}
}

// TerminalRequest extracts the request attached to a NotPending error.
func TerminalRequest(err error) (*Request, bool) {
	var npe *NotPendingError
	if errors.As(err, &npe) && npe.Request != nil {
		return npe.Request, true
	}
	return nil, false
}
