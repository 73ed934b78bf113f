package errors

import (
	"fmt"

	"github.com/pgengine/pgengine/protocol"
)

// ProtocolError reports a frame that violates the wire protocol's expected
// shape: an unexpected message type where the state machine required
// something else, a truncated frame, a missing terminator. It is always a
// transport-level fault, never something a retry against the same
// connection can fix.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}

// DatabaseError wraps the SQLSTATE-bearing Error decoded from a server
// ErrorResponse frame. It exists as its own type so callers can tell a
// database-reported failure apart from a locally-detected one (ProtocolError,
// EncodeError) with a single type switch.
type DatabaseError struct {
	*Error
}

// Unwrap exposes the underlying Error so GetCode/GetDetail/GetHint and
// friends keep working through errors.Unwrap.
func (e *DatabaseError) Unwrap() error { return e.Error }

// EncodeError reports a failure building a frontend frame before any bytes
// left the client: the caller handed the executor a value it could not
// serialize into the wire format.
type EncodeError struct {
	Reason string
	Cause  error
}

func (e *EncodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("encoding %s: %v", e.Reason, e.Cause)
	}

	return fmt.Sprintf("encoding %s", e.Reason)
}

func (e *EncodeError) Unwrap() error { return e.Cause }

// WorkerCrashedError reports that the goroutine owning a connection's
// socket returned before a pending request reached its normal termination
// condition. Every request still in the backlog at that point, and every
// request submitted afterward, observes this error.
type WorkerCrashedError struct {
	Cause error
}

func (e *WorkerCrashedError) Error() string {
	return fmt.Sprintf("worker crashed: %v", e.Cause)
}

func (e *WorkerCrashedError) Unwrap() error { return e.Cause }

// BeginFailedError reports that an outermost BEGIN round trip completed
// without the server reporting an in-transaction status, usually because
// the simple-query string also carried a failing statement.
type BeginFailedError struct {
	Got protocol.TransactionStatus
}

func (e *BeginFailedError) Error() string {
	return fmt.Sprintf("begin failed: server reported transaction status %q", byte(e.Got))
}

// InvalidSavepointError reports a Commit or Rollback requested while no
// transaction is open (nesting depth zero).
type InvalidSavepointError struct {
	Reason string
}

func (e *InvalidSavepointError) Error() string {
	return fmt.Sprintf("invalid savepoint: %s", e.Reason)
}

// PoolClosedError reports that an operation was attempted against a
// connection pool that has already been shut down.
type PoolClosedError struct{}

func (e *PoolClosedError) Error() string { return "connection pool is closed" }
