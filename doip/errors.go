package doip

import (
	"errors"
	"fmt"
)

// Error represents a DoIP error.
type Error struct{ err string }

func (e *Error) Error() string {
	if e == nil {
		return "DoIP: <nil>"
	}
	return "DoIP: " + e.err
}

// Framing errors
var (
	ErrIncompleteHeader       error = &Error{err: "incomplete header"}
	ErrInvalidVersionCheck    error = &Error{err: "invalid protocol version check"}
	ErrUnsupportedPayloadType error = &Error{err: "unsupported payload type"}
	ErrMessageTooLarge        error = &Error{err: "message too large"}
)

// Payload errors
var (
	ErrMalformedPayload error = &Error{err: "malformed payload"}
	ErrPackNoExist      error = &Error{err: "no packer for payload type"}
)

// Routing errors
var (
	ErrSourceAddressAlreadyRegistered error = &Error{err: "source address already registered"}
	ErrUnknownSourceAddress           error = &Error{err: "unknown source address"}
	ErrRoutingActivationDenied        error = &Error{err: "routing activation denied"}
	ErrNoFreeSocket                   error = &Error{err: "no free socket"}
)

// Route resolution errors
var (
	ErrNoRouteToTarget   error = &Error{err: "no route to target"}
	ErrTargetUnreachable error = &Error{err: "target unreachable"}
)

// Timeout errors
var (
	ErrInitialInactivity error = &Error{err: "initial inactivity timeout"}
	ErrGeneralInactivity error = &Error{err: "general inactivity timeout"}
	ErrAliveCheckTimeout error = &Error{err: "alive check timeout"}
)

// ErrConnectionClosed is returned by operations on a closed connection.
var ErrConnectionClosed error = &Error{err: "connection closed"}

// ConflictError is returned by Table.Register when another socket holds the
// requested source address.
type ConflictError struct {
	SourceAddress uint16
	Holder        SocketID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("DoIP: source address 0x%04x already registered on socket %d", e.SourceAddress, e.Holder)
}

// Is makes errors.Is(err, ErrSourceAddressAlreadyRegistered) hold.
func (e *ConflictError) Is(target error) bool {
	return target == ErrSourceAddressAlreadyRegistered
}

// ActivationDeniedError carries the routing activation response code chosen by policy.
type ActivationDeniedError struct {
	Code byte
}

func (e *ActivationDeniedError) Error() string {
	return fmt.Sprintf("DoIP: routing activation denied (0x%02x)", e.Code)
}

// Is makes errors.Is(err, ErrRoutingActivationDenied) hold.
func (e *ActivationDeniedError) Is(target error) bool {
	return target == ErrRoutingActivationDenied
}

// ErrorClass is the handling category of an error, see Classify.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassFraming
	ClassPayload
	ClassRouting
	ClassRouteResolution
	ClassTimeout
	ClassTransport
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassFraming:
		return "framing"
	case ClassPayload:
		return "payload"
	case ClassRouting:
		return "routing"
	case ClassRouteResolution:
		return "route-resolution"
	case ClassTimeout:
		return "timeout"
	default:
		return "transport"
	}
}

// Classify maps err onto the error taxonomy.
//
//	framing          connection fatal
//	payload          message fatal, NACK and discard
//	routing          session stays registered, denial code returned
//	route-resolution per message NACK, connection stays open
//	timeout          connection fatal
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrIncompleteHeader), errors.Is(err, ErrInvalidVersionCheck):
		return ClassFraming
	case errors.Is(err, ErrMalformedPayload), errors.Is(err, ErrUnsupportedPayloadType), errors.Is(err, ErrMessageTooLarge):
		return ClassPayload
	case errors.Is(err, ErrSourceAddressAlreadyRegistered), errors.Is(err, ErrUnknownSourceAddress),
		errors.Is(err, ErrRoutingActivationDenied), errors.Is(err, ErrNoFreeSocket):
		return ClassRouting
	case errors.Is(err, ErrNoRouteToTarget), errors.Is(err, ErrTargetUnreachable):
		return ClassRouteResolution
	case errors.Is(err, ErrInitialInactivity), errors.Is(err, ErrGeneralInactivity), errors.Is(err, ErrAliveCheckTimeout):
		return ClassTimeout
	}
	return ClassTransport
}

// denialCode maps a registration error onto a routing activation response code.
func denialCode(err error) byte {
	var denied *ActivationDeniedError
	switch {
	case errors.As(err, &denied):
		return denied.Code
	case errors.Is(err, ErrSourceAddressAlreadyRegistered):
		return RoutingDeniedSAAlreadyActive
	case errors.Is(err, ErrNoFreeSocket):
		return RoutingDeniedNoFreeSocket
	}
	return RoutingDeniedUnknownSA
}
