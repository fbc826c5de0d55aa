package arbitration

import (
	"errors"
	"fmt"
)

var (
	// ErrDestroyed is returned when arbitrating on a destroyed engine
	ErrDestroyed = errors.New("arbitration engine destroyed")

	// ErrRequestReused is returned when a request ID is arbitrated twice
	ErrRequestReused = errors.New("arbitration request reused")
)

// ErrorCode is the caller-visible failure taxonomy
type ErrorCode string

const (
	CodeInternalError   ErrorCode = "INTERNAL_ERROR"
	CodeInvalidRequest  ErrorCode = "INVALID_REQUEST"
	CodeNetworkError    ErrorCode = "NETWORK_ERROR"
	CodeNoFill          ErrorCode = "NO_FILL"
	CodeThirdPartyOther ErrorCode = "THIRD_PARTY_OTHER"

	// CodeSuperseded marks a request replaced before it settled. Never surfaced
	// to a Listener.
	CodeSuperseded ErrorCode = "SUPERSEDED"
)

// Raw error codes reported by the secondary ad server
const (
	ServerErrInternal       = 0
	ServerErrInvalidRequest = 1
	ServerErrNetwork        = 2
	ServerErrNoFill         = 3
)

const (
	msgInternal       = "ad server encountered an internal error."
	msgInvalidRequest = "ad server - invalid request error."
	msgNetwork        = "ad server - network error."
	msgNoFill         = "ad server - no fill."

	msgMissingWinner = "winner bid is missing when settling a primary win."
	msgNilHandle     = "provided renderable handle is nil."
	msgSuperseded    = "request superseded by a newer load."
)

// AdError is a terminal failure with a stable code and message
type AdError struct {
	Code           ErrorCode `json:"code"`
	ThirdPartyCode int       `json:"third_party_code,omitempty"`
	Message        string    `json:"message"`
}

func (e *AdError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// NewAdError creates an AdError
func NewAdError(code ErrorCode, msg string) *AdError {
	return &AdError{Code: code, Message: msg}
}

// NewServerError maps a raw ad server error code into the taxonomy
func NewServerError(code int) *AdError {
	switch code {
	case ServerErrInternal:
		return &AdError{Code: CodeInternalError, ThirdPartyCode: code, Message: msgInternal}
	case ServerErrInvalidRequest:
		return &AdError{Code: CodeInvalidRequest, ThirdPartyCode: code, Message: msgInvalidRequest}
	case ServerErrNetwork:
		return &AdError{Code: CodeNetworkError, ThirdPartyCode: code, Message: msgNetwork}
	case ServerErrNoFill:
		return &AdError{Code: CodeNoFill, ThirdPartyCode: code, Message: msgNoFill}
	default:
		return &AdError{
			Code:           CodeThirdPartyOther,
			ThirdPartyCode: code,
			Message:        fmt.Sprintf("ad server - failed with errorCode: %d", code),
		}
	}
}
