// Package store is the public API surface of the sysds coordination
// substrate: connection lifecycle, module install/uninstall, subscription
// CRUD, the Main reader/writer lock, and defrag, all composed from shm and
// catalog (§6).
package store

import (
	"errors"
	"fmt"

	"github.com/sysds/sysds/catalog"
	"github.com/sysds/sysds/shm"
)

// Kind classifies an Error the way §7 of the design groups failures, so a
// caller can decide whether to retry, surface to the user, or treat the
// whole store as unusable.
type Kind int

const (
	KindSystem Kind = iota
	KindNoMemory
	KindNotFound
	KindInvalidArgument
	KindValidation
	KindBusy
	KindCorruption
	KindVersionMismatch
)

func (k Kind) String() string {
	switch k {
	case KindSystem:
		return "system"
	case KindNoMemory:
		return "no_memory"
	case KindNotFound:
		return "not_found"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindValidation:
		return "validation"
	case KindBusy:
		return "busy"
	case KindCorruption:
		return "corruption"
	case KindVersionMismatch:
		return "version_mismatch"
	default:
		return "unknown"
	}
}

// Error is the error type every exported Store method returns on failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// classify maps a catalog/shm sentinel error onto a Kind. Anything
// unrecognized is treated as a system error rather than silently
// swallowed.
func classify(err error) Kind {
	switch {
	case errors.Is(err, catalog.ErrModuleNotFound),
		errors.Is(err, catalog.ErrRPCNotFound),
		errors.Is(err, catalog.ErrSubscriptionNotFound):
		return KindNotFound
	case errors.Is(err, catalog.ErrModuleExists),
		errors.Is(err, catalog.ErrModuleHasDependents),
		errors.Is(err, catalog.ErrDependencyMissing):
		return KindValidation
	case errors.Is(err, shm.ErrBusy):
		return KindBusy
	case errors.Is(err, shm.ErrLockSummaryNotClear):
		return KindInvalidArgument
	default:
		return KindSystem
	}
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}

	return newError(op, classify(err), err)
}
