package output

import (
	"errors"
	"fmt"
)

var (
	// ErrRegistration matches every *RegistrationError.
	ErrRegistration = errors.New("output registration failed")
	// ErrProtocolViolation matches every *ProtocolViolation.
	ErrProtocolViolation = errors.New("output protocol violation")

	ErrNotFound            = errors.New("output kind not found")
	ErrUnavailable         = errors.New("output unavailable")
	ErrInvalidEncoderMask  = errors.New("output reported an invalid encoder mask")
	ErrStartRejected       = errors.New("output start rejected")
	ErrMissingEncoder      = errors.New("required encoder not bound")
	ErrAlreadyActive       = errors.New("output already active")
	ErrEncoderIncompatible = errors.New("encoder incompatible with output")
)

// Registration failure reasons.
const (
	ReasonEmptyID        = "empty id"
	ReasonMissingExport  = "missing required export"
	ReasonWrongSignature = "export has wrong signature"
	ReasonDuplicate      = "duplicate id"
)

// RegistrationError reports why one output id could not be registered. Other
// ids of the same module are unaffected.
type RegistrationError struct {
	Module string
	ID     string
	Export string // offending export or descriptor slot, if any
	Reason string
}

func (e *RegistrationError) Error() string {
	msg := fmt.Sprintf("output %q", e.ID)
	if e.Module != "" {
		msg = fmt.Sprintf("module %q: %s", e.Module, msg)
	}
	if e.Export != "" {
		return fmt.Sprintf("%s: %s: %s", msg, e.Reason, e.Export)
	}
	return fmt.Sprintf("%s: %s", msg, e.Reason)
}

func (e *RegistrationError) Is(target error) bool {
	return target == ErrRegistration
}

// ProtocolViolation is a caller error: an operation the lifecycle contract
// forbids in the current state or for the descriptor's capabilities.
type ProtocolViolation struct {
	Output string
	Op     string
	State  State
	Reason string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("output %q: %s in state %s: %s", e.Output, e.Op, e.State, e.Reason)
}

func (e *ProtocolViolation) Is(target error) bool {
	return target == ErrProtocolViolation
}
