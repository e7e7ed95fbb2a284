package syncstore

import (
	"errors"
	"fmt"
)

// Failure codes surfaced to callers of the persistence engine.
const (
	// CodeFailedPrecondition rejects a primary-only transaction attempted
	// while this instance is secondary. The operation never runs.
	CodeFailedPrecondition = "failed_precondition"
	// CodeAlreadyStarted flags a second Start on a running engine.
	CodeAlreadyStarted = "already_started"
	// CodeNotStarted flags Shutdown or RunTransaction before Start.
	CodeNotStarted = "not_started"
	// CodeStorageUnavailable marks a storage I/O failure; the transaction
	// rolled back entirely and the caller may retry.
	CodeStorageUnavailable = "storage_unavailable"
	// CodeDataLoss marks a failed deliberate data wipe. It is only reachable
	// through Shutdown with DeleteData set, never spontaneously.
	CodeDataLoss = "data_loss"
)

// Failure captures transport-neutral error details for persistence
// operations. Callers branch on Code; Detail is for humans and logs.
type Failure struct {
	Code   string
	Detail string
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

func failf(code, format string, args ...any) Failure {
	return Failure{Code: code, Detail: fmt.Sprintf(format, args...)}
}

func hasCode(err error, code string) bool {
	var f Failure
	return errors.As(err, &f) && f.Code == code
}

// IsFailedPrecondition reports whether err is a primary-gating rejection.
func IsFailedPrecondition(err error) bool { return hasCode(err, CodeFailedPrecondition) }

// IsAlreadyStarted reports whether err is a duplicate-Start rejection.
func IsAlreadyStarted(err error) bool { return hasCode(err, CodeAlreadyStarted) }

// IsNotStarted reports whether err is a use-before-Start rejection.
func IsNotStarted(err error) bool { return hasCode(err, CodeNotStarted) }

// IsStorageUnavailable reports whether err is a retryable storage failure.
func IsStorageUnavailable(err error) bool { return hasCode(err, CodeStorageUnavailable) }

// IsDataLoss reports whether err came from a failed deliberate wipe.
func IsDataLoss(err error) bool { return hasCode(err, CodeDataLoss) }
