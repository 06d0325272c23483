// Package perror defines the PostgreSQL ErrorResponse-shaped error type
// used to translate internal failures into wire messages, and the
// SQLSTATE codes this module produces.
package perror

import "fmt"

// Severity mirrors the PostgreSQL ErrorResponse 'S' field.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityFatal   Severity = "FATAL"
	SeverityPanic   Severity = "PANIC"
	SeverityWarning Severity = "WARNING"
)

// SQLSTATE codes used by this module. Named per the PostgreSQL errcodes
// table; only the subset this module actually produces is listed.
const (
	CodeSyntaxError          = "42601"
	CodeFeatureNotSupported  = "0A000"
	CodeConnectionFailure    = "08006"
	CodeConnectionException  = "08000"
	CodeInsufficientPriv     = "42501"
	CodeProtocolViolation    = "08P01"
	CodeInTransactionState   = "25000"
	CodeUndefinedPStatement  = "26000" // prepared statement does not exist
	CodeTooManyRows          = "21000"
	CodeAdminShutdown        = "57P01"
	CodeUndefinedObject      = "42704" // "prepared transaction does not exist" on retry
	CodeInternalError        = "XX000"
	CodeQueryCanceled        = "57014"
	CodeConfigFileError      = "F0000"
)

// Error is a PostgreSQL ErrorResponse-shaped error: severity + SQLSTATE +
// human message, with an optional wrapped cause.
type Error struct {
	Severity Severity
	Code     string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Severity, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Severity, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error at ERROR severity.
func New(code, message string) *Error {
	return &Error{Severity: SeverityError, Code: code, Message: message}
}

// Fatal builds an Error at FATAL severity — the connection is expected to
// close after this is sent.
func Fatal(code, message string) *Error {
	return &Error{Severity: SeverityFatal, Code: code, Message: message}
}

// Wrap attaches cause to a new Error.
func Wrap(code, message string, cause error) *Error {
	return &Error{Severity: SeverityError, Code: code, Message: message, Cause: cause}
}

// Routing / query-classification errors.
func CrossShardDisabled(reason string) *Error {
	return New(CodeFeatureNotSupported, "cross-shard query rejected: "+reason)
}

func SplitInsertDisabled() *Error {
	return New(CodeFeatureNotSupported, "multi-row INSERT across shards requires rewrite_split_inserts=rewrite")
}

func ShardKeyUpdateTooManyRows() *Error {
	return New(CodeTooManyRows, "sharding key UPDATE matched more than one row")
}

func InconsistentRowDescription() *Error {
	return New(CodeProtocolViolation, "shards returned inconsistent RowDescription for the same query")
}

// Pool errors.
func CheckoutTimeout(addr string) *Error {
	return New(CodeConnectionException, "checkout timeout waiting for a connection to "+addr)
}

func AllReplicasDown(shard int) *Error {
	return New(CodeConnectionFailure, fmt.Sprintf("all replicas down for shard %d", shard))
}

func NoPrimary(shard int) *Error {
	return New(CodeConnectionFailure, fmt.Sprintf("no primary available for shard %d", shard))
}

func Banned(addr string) *Error {
	return New(CodeConnectionException, "pool banned: "+addr)
}

func Offline(addr string) *Error {
	return New(CodeAdminShutdown, "pool offline (shutting down): "+addr)
}

func ServerError(addr string, cause error) *Error {
	return Wrap(CodeConnectionFailure, "connecting to "+addr, cause)
}

// Protocol errors.
func OutOfSync(tag byte) *Error {
	return Fatal(CodeProtocolViolation, fmt.Sprintf("out of sync: unexpected message tag %q", tag))
}

func Oversize() *Error {
	return Fatal(CodeProtocolViolation, "oversize frame")
}

// Transaction errors.
func TransactionRequired(op string) *Error {
	return New(CodeInTransactionState, op+" requires an active transaction")
}

func TwoPCPhaseOneFailed(shard int, cause error) *Error {
	return Wrap(CodeInternalError, fmt.Sprintf("two-phase commit PREPARE failed on shard %d", shard), cause)
}

// IsUndefinedPreparedTransaction reports whether err is PostgreSQL's
// "prepared transaction with identifier ... does not exist" error
// (SQLSTATE 42704), which both COMMIT PREPARED and ROLLBACK PREPARED
// must tolerate on retry to stay idempotent.
func IsUndefinedPreparedTransaction(sqlstate string) bool {
	return sqlstate == CodeUndefinedObject
}
