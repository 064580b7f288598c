// Package apexerr defines the protocol's numeric error taxonomy. Codes are
// permanent: once assigned a meaning they are never reused. Ranges:
// 1xxx discovery, 2xxx negotiation, 3xxx payment, 4xxx execution,
// 5xxx estimation.
package apexerr

import (
	"errors"
	"fmt"
)

const (
	// Discovery (1xxx)
	CodeUnknownCapability = 1001

	// Negotiation (2xxx)
	CodeOfferTooLow       = 2001
	CodeOfferRejected     = 2002
	CodeMaxRoundsExceeded = 2003
	CodeExpired           = 2004
	CodeRoundMismatch     = 2005
	CodeInvalidState      = 2006
	CodeNotNegotiable     = 2007
	CodeInvalidJobID      = 2008
	CodeSignatureRequired = 2009
	CodeSignatureInvalid  = 2010

	// Payment (3xxx)
	CodePaymentRequired     = 3001
	CodePaymentInvalid      = 3002
	CodePaymentExpired      = 3003
	CodeInsufficientAmount  = 3004
	CodeWrongRecipient      = 3005
	CodeUnsupportedRail     = 3006
	CodeRailImmutable       = 3007
	CodeUnsupportedCurrency = 3008

	// Execution (4xxx)
	CodeExecutionFailed = 4001

	// Estimation (5xxx)
	CodeEstimateInvalid  = 5001
	CodeEstimateRequired = 5002
	CodeEstimationFailed = 5003
)

// Error is a structured protocol error carrying the permanent numeric code
// and optional machine-readable data (e.g. the required amount on 2001).
type Error struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("apex error %d: %s", e.Code, e.Message)
}

// New creates a protocol error with no data payload.
func New(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a protocol error with a formatted message.
func Newf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData attaches machine-readable detail and returns the error.
func (e *Error) WithData(data map[string]any) *Error {
	e.Data = data
	return e
}

// CodeOf extracts the numeric code from err, or 0 if err is not a protocol
// error.
func CodeOf(err error) int {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return 0
}

// IsCode reports whether err is a protocol error with the given code.
func IsCode(err error, code int) bool {
	return CodeOf(err) == code
}
