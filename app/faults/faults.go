// Package faults carries keeper's handler error taxonomy and the routing
// policy deciding who has to deal with a failed run.
package faults

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindAuth       Kind = "auth"
	KindPermission Kind = "permission"
	KindNetwork    Kind = "network"
	KindLogic      Kind = "logic"
	KindInternal   Kind = "internal"
)

// Route says who a failure goes to.
type Route string

const (
	// RouteUser surfaces the failure to the workflow owner.
	RouteUser Route = "user"
	// RouteAutoFix enters maintenance mode for an automatic fix attempt.
	RouteAutoFix Route = "autofix"
	// RouteBug surfaces the failure as a bug; it is never auto-fixed.
	RouteBug Route = "bug"
)

// RouteFor maps a kind to its destination. Anything unclassified is a bug.
func RouteFor(kind Kind) Route {
	switch kind {
	case KindAuth, KindPermission, KindNetwork:
		return RouteUser
	case KindLogic:
		return RouteAutoFix
	case KindInternal:
		return RouteBug
	}
	return RouteBug
}

// Error wraps a cause with its classified kind.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Cause.Error())
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

func Internalf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInternal, Cause: fmt.Errorf(format, args...)}
}

// KindOf extracts the classified kind, defaulting to internal for anything
// unclassified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// WorkflowPausedError is the clean abort signal raised when a user pauses a
// workflow mid-run. It is not part of the taxonomy: it must pass through
// every retry and recovery path untouched.
type WorkflowPausedError struct {
	WorkflowID string
	Reason     string
}

func (e *WorkflowPausedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("workflow %s paused", e.WorkflowID)
	}
	return fmt.Sprintf("workflow %s paused: %s", e.WorkflowID, e.Reason)
}

func IsWorkflowPaused(err error) bool {
	var pe *WorkflowPausedError
	return errors.As(err, &pe)
}
