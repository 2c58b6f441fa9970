package replperf

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Error represents a structured engine error with context, matching
// §7's five kinds. Grounded on the teacher's own errors.go Error type,
// generalized from ublk's per-device/per-queue context to the engine's
// per-worker/per-namespace context.
type Error struct {
	Op     string        // Operation that failed (e.g., "submit_io", "init_ns_worker_ctx")
	Worker int           // Worker core id (-1 if not applicable)
	NSID   int           // Namespace id (-1 if not applicable)
	Code   ErrorCode     // High-level error category
	Errno  syscall.Errno // Raw errno that produced Code, if any
	Msg    string        // Human-readable message
	Inner  error         // Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Worker >= 0 {
		parts = append(parts, fmt.Sprintf("worker=%d", e.Worker))
	}
	if e.NSID >= 0 {
		parts = append(parts, fmt.Sprintf("ns=%d", e.NSID))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("replperf: %s (%s)", msg, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("replperf: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Inner }

// Is provides errors.Is support keyed on error code.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// ErrorCode represents one of §7's five error kinds.
type ErrorCode string

const (
	// ErrCodeTransientENOMEM is a submission-time queue-full condition;
	// the sibling is re-queued into its context's pending FIFO.
	ErrCodeTransientENOMEM ErrorCode = "transient (ENOMEM)"
	// ErrCodeDeviceRemoved marks a context draining; in-flight siblings
	// still complete but are never reissued.
	ErrCodeDeviceRemoved ErrorCode = "permanent device removed (EIO)"
	// ErrCodeFatal is any other submission/completion error. With
	// continue_on_error unset this terminates the worker after drain.
	ErrCodeFatal ErrorCode = "fatal"
	// ErrCodeStartup covers queue-pair alloc/connect failure or DMA
	// allocation failure; fatal, worker exits after signaling the
	// start barrier.
	ErrCodeStartup ErrorCode = "startup failure"
	// ErrCodeConfigInvalid covers unknown flags, bad workload names, and
	// unaligned I/O sizes; fatal before any worker starts.
	ErrCodeConfigInvalid ErrorCode = "invalid configuration"
)

// NewError creates a structured Error with no worker/namespace context.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Worker: -1, NSID: -1, Code: code, Msg: msg}
}

// NewWorkerError creates a structured Error scoped to one worker.
func NewWorkerError(op string, workerID int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Worker: workerID, NSID: -1, Code: code, Msg: msg}
}

// NewNamespaceError creates a structured Error scoped to one namespace.
func NewNamespaceError(op string, nsID int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Worker: -1, NSID: nsID, Code: code, Msg: msg}
}

// mapErrnoToCode classifies a raw errno into one of §7's error kinds.
// ENOMEM is the submission-time queue-full condition (transient, retry);
// EIO/ENODEV mark the namespace gone (permanent, drain); anything else
// is fatal.
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOMEM:
		return ErrCodeTransientENOMEM
	case syscall.EIO, syscall.ENODEV:
		return ErrCodeDeviceRemoved
	default:
		return ErrCodeFatal
	}
}

// WrapError wraps inner with engine context, preserving code/worker/ns if
// inner is already a structured Error. Otherwise it classifies inner via
// mapErrnoToCode when inner (or something it wraps) is a syscall.Errno.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if e, ok := inner.(*Error); ok {
		return &Error{Op: op, Worker: e.Worker, NSID: e.NSID, Code: e.Code, Errno: e.Errno, Msg: e.Msg, Inner: e.Inner}
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{Op: op, Worker: -1, NSID: -1, Code: mapErrnoToCode(errno), Errno: errno, Msg: inner.Error(), Inner: inner}
	}
	return &Error{Op: op, Worker: -1, NSID: -1, Code: ErrCodeFatal, Msg: inner.Error(), Inner: inner}
}

// IsCode checks whether err is a structured Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
