package models

import (
	"errors"
	"fmt"
)

// Error codes returned to API clients
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeTermsNotAccepted = "TERMS_NOT_ACCEPTED"
	CodeEmailRequired    = "EMAIL_REQUIRED"
	CodePriceChanged     = "PRICE_CHANGED"
	CodeOfferExpired     = "OFFER_EXPIRED"
	CodeProviderError    = "PROVIDER_ERROR"
	CodeBookingNotFound  = "BOOKING_NOT_FOUND"
	CodeHoldExpired      = "HOLD_EXPIRED"
	CodeInvalidState     = "INVALID_STATE"
	CodeInternalError    = "INTERNAL_ERROR"
)

// BookingError is an anticipated failure with a client-facing code
type BookingError struct {
	Code    string
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *BookingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BookingError) Unwrap() error {
	return e.Err
}

// NewError builds a coded error
func NewError(code, message string) *BookingError {
	return &BookingError{Code: code, Message: message}
}

// WrapError builds a coded error around a cause
func WrapError(code, message string, err error) *BookingError {
	return &BookingError{Code: code, Message: message, Err: err}
}

// PriceChangedError reports provider price drift
func PriceChangedError(original, current float64, currency string) *BookingError {
	return &BookingError{
		Code:    CodePriceChanged,
		Message: "The price of this offer has changed",
		Details: map[string]interface{}{
			"original_price": original,
			"new_price":      current,
			"currency":       currency,
		},
	}
}

// ErrorCode returns the code of a BookingError in err's chain, or
// INTERNAL_ERROR.
func ErrorCode(err error) string {
	var be *BookingError
	if errors.As(err, &be) {
		return be.Code
	}
	return CodeInternalError
}
