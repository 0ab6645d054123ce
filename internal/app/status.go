package app

import (
	"context"
	"errors"

	"pimstore/internal/notify"
	"pimstore/internal/pim"
	"pimstore/internal/taskqueue"
)

// Status is the protocol-level outcome of an operation.
type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	StatusAlreadyExists
	StatusInvalidArgument
	StatusInvalidParent
	StatusConflict
	StatusPayloadMissing
	StatusStorageIO
	StatusSessionExpired
	StatusBusy
	StatusCanceled
	StatusInternal
)

var statusNames = map[Status]string{
	StatusOK:              "ok",
	StatusNotFound:        "not-found",
	StatusAlreadyExists:   "already-exists",
	StatusInvalidArgument: "invalid-argument",
	StatusInvalidParent:   "invalid-parent",
	StatusConflict:        "conflict",
	StatusPayloadMissing:  "payload-missing",
	StatusStorageIO:       "storage-io",
	StatusSessionExpired:  "session-expired",
	StatusBusy:            "busy",
	StatusCanceled:        "canceled",
	StatusInternal:        "internal",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// Applied reports whether the operation took effect. A failed mutation left
// no trace, except that a task whose wait timed out may still run later.
func (s Status) Applied() bool {
	return s == StatusOK
}

// statusKinds is checked in order; the first matching kind wins.
var statusKinds = []struct {
	err    error
	status Status
}{
	{pim.ErrSessionExpired, StatusSessionExpired},
	{pim.ErrConflict, StatusConflict},
	{pim.ErrPayloadMissing, StatusPayloadMissing},
	{pim.ErrInvalidParent, StatusInvalidParent},
	{pim.ErrInvalidArgument, StatusInvalidArgument},
	{pim.ErrAlreadyExists, StatusAlreadyExists},
	{pim.ErrNotFound, StatusNotFound},
	{pim.ErrStorageIO, StatusStorageIO},
	{taskqueue.ErrFull, StatusBusy},
	{taskqueue.ErrTimeout, StatusBusy},
	{taskqueue.ErrClosed, StatusBusy},
	{notify.ErrClosed, StatusBusy},
	{context.Canceled, StatusCanceled},
	{context.DeadlineExceeded, StatusCanceled},
}

// StatusOf maps an operation error to its protocol status.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	for _, k := range statusKinds {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	return StatusInternal
}
