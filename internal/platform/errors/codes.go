package errors

import stderrors "errors"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Ordering errors (fatal for the session)
	CodeOrderingFailure Code = "ORDERING_FAILURE"

	// Divergence errors
	CodeDivergenceSuspected Code = "DIVERGENCE_SUSPECTED"

	// Engine errors
	CodeHandlerPanic          Code = "HANDLER_PANIC"
	CodeClassNotRegistered    Code = "CLASS_NOT_REGISTERED"
	CodeObjectNotFound        Code = "OBJECT_NOT_FOUND"
	CodeObjectIDReused        Code = "OBJECT_ID_REUSED"
	CodeMethodNotFound        Code = "METHOD_NOT_FOUND"
	CodeRegistrationMismatch  Code = "REGISTRATION_TABLE_MISMATCH"
	CodeWellKnownNameConflict Code = "WELL_KNOWN_NAME_CONFLICT"

	// Transport errors
	CodeTransportDisconnect Code = "TRANSPORT_DISCONNECT"
	CodeJoinRejected        Code = "JOIN_REJECTED"
	CodeInvalidCredential   Code = "INVALID_CREDENTIAL"

	// Router errors
	CodeRateLimitExceeded   Code = "RATE_LIMIT_EXCEEDED"
	CodeUnknownDiscipline   Code = "UNKNOWN_DISCIPLINE"
	CodeSubscriptionMissing Code = "SUBSCRIPTION_MISSING"

	// Snapshot/catch-up errors
	CodeSnapshotDecode  Code = "SNAPSHOT_DECODE_FAILED"
	CodeSnapshotMissing Code = "SNAPSHOT_MISSING"
	CodeCatchUpFailed   Code = "CATCH_UP_FAILED"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"

	// Validation errors
	CodeSessionNameEmpty     Code = "SESSION_NAME_EMPTY"
	CodeParticipantIDEmpty   Code = "PARTICIPANT_ID_EMPTY"
	CodeHeartbeatRateInvalid Code = "HEARTBEAT_RATE_INVALID"
	CodeScopeEmpty           Code = "SCOPE_EMPTY"
	CodeEventNameEmpty       Code = "EVENT_NAME_EMPTY"
)

// GetCode extracts the error code from any error.
// Returns CodeUnknown if the error is not a domain error.
func GetCode(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsCode checks if the error has the specified code.
func IsCode(err error, code Code) bool {
	return GetCode(err) == code
}

// Fatal reports whether the error must tear down the session.
// Only ordering failures are unrecoverable.
func Fatal(err error) bool {
	return IsCode(err, CodeOrderingFailure)
}
