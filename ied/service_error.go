package ied

import "fmt"

// ErrorKind is the semantic classification of a raw numeric service result code
// as reported by the remote device for a read, write, select or operate request.
type ErrorKind int

// Service result kinds. The numeric values match the on-the-wire result codes.
const (
	KindOk ErrorKind = iota
	KindInstanceNotAvailable
	KindInstanceInUse
	KindAccessViolation
	KindAccessNotAllowedInCurrentState
	KindParameterValueInappropriate
	KindParameterValueInconsistent
	KindClassUnsupported
	KindInstanceLockedByOtherClient
	KindControlMustBeSelected
	KindTypeConflict
	KindFailedDueToCommunicationsConstraint
	KindFailedDueToServerConstraint

	// KindUnknown covers every code outside the known table. It is still treated
	// as a failure, never silently ignored.
	KindUnknown ErrorKind = -1
)

// String returns the string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindOk:
		return "ok"
	case KindInstanceNotAvailable:
		return "instance-not-available"
	case KindInstanceInUse:
		return "instance-in-use"
	case KindAccessViolation:
		return "access-violation"
	case KindAccessNotAllowedInCurrentState:
		return "access-not-allowed-in-current-state"
	case KindParameterValueInappropriate:
		return "parameter-value-inappropriate"
	case KindParameterValueInconsistent:
		return "parameter-value-inconsistent"
	case KindClassUnsupported:
		return "class-unsupported"
	case KindInstanceLockedByOtherClient:
		return "instance-locked-by-other-client"
	case KindControlMustBeSelected:
		return "control-must-be-selected"
	case KindTypeConflict:
		return "type-conflict"
	case KindFailedDueToCommunicationsConstraint:
		return "failed-due-to-communications-constraint"
	case KindFailedDueToServerConstraint:
		return "failed-due-to-server-constraint"
	default:
		return "unknown"
	}
}

// KindOf maps a raw numeric service result code to its semantic kind.
// Codes outside the known table map to KindUnknown.
func KindOf(code int) ErrorKind {
	if code >= int(KindOk) && code <= int(KindFailedDueToServerConstraint) {
		return ErrorKind(code)
	}

	return KindUnknown
}

// ServiceError is a decoded protocol-level service failure.
// It retains the raw numeric code alongside the semantic kind.
type ServiceError struct {
	Code int
	Kind ErrorKind
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Kind == KindUnknown {
		return fmt.Sprintf("service error: unknown(%d)", e.Code)
	}

	return fmt.Sprintf("service error: %s (code %d)", e.Kind, e.Code)
}

// DecodeServiceError decodes a raw numeric service result code.
// It returns nil for code 0 (success) and a *ServiceError for every other code,
// including codes outside the known table.
func DecodeServiceError(code int) *ServiceError {
	if code == 0 {
		return nil
	}

	return &ServiceError{Code: code, Kind: KindOf(code)}
}
