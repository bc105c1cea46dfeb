package models

import "time"

// Domain event types published on the booking events topic
const (
	EventTypeBookingHeld            = "BOOKING_HELD"
	EventTypeBookingPaid            = "BOOKING_PAID"
	EventTypeBookingConfirmed       = "BOOKING_CONFIRMED"
	EventTypeBookingProviderPending = "BOOKING_PROVIDER_PENDING"
	EventTypeBookingHoldAbandoned   = "BOOKING_HOLD_ABANDONED"
	EventTypeBookingExpired         = "BOOKING_EXPIRED"
	EventTypePaymentFailed          = "PAYMENT_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// BookingEvent describes a lifecycle transition of one booking
type BookingEvent struct {
	BaseEvent
	BookingID         string        `json:"booking_id"`
	Reference         string        `json:"reference"`
	ProductType       ProductType   `json:"product_type"`
	Status            string        `json:"status"`
	PaymentStatus     PaymentStatus `json:"payment_status"`
	Amount            float64       `json:"amount"`
	Currency          string        `json:"currency"`
	ProviderReference string        `json:"provider_reference,omitempty"`
	Reason            string        `json:"reason,omitempty"`
}

// Gateway event kinds after normalization
const (
	GatewayEventPaymentSucceeded = "payment.succeeded"
	GatewayEventPaymentFailed    = "payment.failed"
	GatewayEventSessionExpired   = "session.expired"
	GatewayEventSessionCanceled  = "session.canceled"
)

// GatewayEvent is a payment gateway callback normalized across transports
// (HTTP webhook or message bus).
type GatewayEvent struct {
	BaseEvent
	SessionID string  `json:"session_id"`
	BookingID string  `json:"booking_id,omitempty"`
	Status    string  `json:"status"`
	Amount    float64 `json:"amount,omitempty"`
	Currency  string  `json:"currency,omitempty"`
}

// IsSuccess reports whether the event confirms a captured payment
func (e *GatewayEvent) IsSuccess() bool {
	return e.EventType == GatewayEventPaymentSucceeded
}
