package models

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ProductType identifies the provider product family of a booking
type ProductType string

const (
	ProductFlight ProductType = "flight"
	ProductHotel  ProductType = "hotel"
	ProductCar    ProductType = "car"
)

// Valid reports whether p is a supported product type
func (p ProductType) Valid() bool {
	switch p {
	case ProductFlight, ProductHotel, ProductCar:
		return true
	}
	return false
}

// Booking statuses (customer-facing lifecycle)
const (
	BookingStatusPendingPayment = "pending_payment"
	BookingStatusConfirmed      = "confirmed"
	BookingStatusCancelled      = "cancelled"
	BookingStatusRefunded       = "refunded"
)

// PaymentStatus is the payment/provider-finalization lifecycle. The zero value
// is stored as NULL.
type PaymentStatus string

const (
	PaymentStatusNone            PaymentStatus = ""
	PaymentStatusPending         PaymentStatus = "pending"
	PaymentStatusPaid            PaymentStatus = "paid"
	PaymentStatusFailed          PaymentStatus = "failed"
	PaymentStatusRefunded        PaymentStatus = "refunded"
	PaymentStatusProviderPending PaymentStatus = "provider_pending"
)

// Scan implements sql.Scanner
func (p *PaymentStatus) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*p = PaymentStatusNone
	case string:
		*p = PaymentStatus(v)
	case []byte:
		*p = PaymentStatus(v)
	default:
		return fmt.Errorf("unsupported payment status type %T", src)
	}
	return nil
}

// Value implements driver.Valuer
func (p PaymentStatus) Value() (driver.Value, error) {
	if p == PaymentStatusNone {
		return nil, nil
	}
	return string(p), nil
}

// MarshalJSON renders the unset status as null
func (p PaymentStatus) MarshalJSON() ([]byte, error) {
	if p == PaymentStatusNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(p))
}

// Booking channels
const (
	ChannelOnline = "online"
	ChannelAgent  = "agent"
)

// Booking is the central lifecycle record
type Booking struct {
	ID                  string         `db:"id" json:"id"`
	ClientRequestID     string         `db:"client_request_id" json:"client_request_id"`
	ProductType         ProductType    `db:"product_type" json:"product_type"`
	Status              string         `db:"status" json:"status"`
	PaymentStatus       PaymentStatus  `db:"payment_status" json:"payment_status"`
	Amount              float64        `db:"amount" json:"amount"`
	Currency            string         `db:"currency" json:"currency"`
	OfferSnapshot       []byte         `db:"offer_snapshot" json:"-"`
	HoldExpiry          time.Time      `db:"hold_expiry" json:"hold_expiry"`
	ProviderReference   sql.NullString `db:"provider_reference" json:"-"`
	PaymentSessionID    sql.NullString `db:"payment_session_id" json:"-"`
	CheckoutURL         sql.NullString `db:"checkout_url" json:"-"`
	CustomerEmail       string         `db:"customer_email" json:"customer_email"`
	CustomerName        string         `db:"customer_name" json:"customer_name,omitempty"`
	CustomerPhone       string         `db:"customer_phone" json:"customer_phone,omitempty"`
	Channel             string         `db:"channel" json:"channel"`
	RequiresAdminReview bool           `db:"requires_admin_review" json:"requires_admin_review"`
	LastError           sql.NullString `db:"last_error" json:"-"`
	FinalizeAttempts    int            `db:"finalize_attempts" json:"finalize_attempts"`
	CreatedAt           time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at" json:"updated_at"`
	FareValidatedAt     sql.NullTime   `db:"fare_validated_at" json:"-"`
	ConfirmedAt         sql.NullTime   `db:"confirmed_at" json:"-"`
	TicketIssuedAt      sql.NullTime   `db:"ticket_issued_at" json:"-"`
}

// Reference is the short customer-facing booking reference
func (b *Booking) Reference() string {
	if len(b.ID) < 8 {
		return strings.ToUpper(b.ID)
	}
	return strings.ToUpper(b.ID[:8])
}

// Offer returns the stored provider payload
func (b *Booking) Offer() OfferPayload {
	return OfferPayload{ProductType: b.ProductType, Raw: json.RawMessage(b.OfferSnapshot)}
}

// HoldExpired reports whether the unpaid hold is past its expiry at now
func (b *Booking) HoldExpired(now time.Time) bool {
	return !now.Before(b.HoldExpiry)
}

// Finalized reports whether the provider has issued a reference
func (b *Booking) Finalized() bool {
	return b.ProviderReference.Valid && b.ProviderReference.String != ""
}

// BookingView is the API representation of a booking
type BookingView struct {
	ID                  string        `json:"booking_id"`
	Reference           string        `json:"reference"`
	ClientRequestID     string        `json:"client_request_id"`
	ProductType         ProductType   `json:"product_type"`
	Status              string        `json:"status"`
	PaymentStatus       PaymentStatus `json:"payment_status"`
	Amount              float64       `json:"amount"`
	Currency            string        `json:"currency"`
	HoldExpiry          time.Time     `json:"hold_expiry"`
	ProviderReference   *string       `json:"provider_reference"`
	CheckoutURL         *string       `json:"checkout_url,omitempty"`
	Channel             string        `json:"channel"`
	RequiresAdminReview bool          `json:"requires_admin_review"`
	LastError           *string       `json:"last_error,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	FareValidatedAt     *time.Time    `json:"fare_validated_at,omitempty"`
	ConfirmedAt         *time.Time    `json:"confirmed_at,omitempty"`
	TicketIssuedAt      *time.Time    `json:"ticket_issued_at,omitempty"`
}

// View converts a booking to its API representation
func (b *Booking) View() BookingView {
	return BookingView{
		ID:                  b.ID,
		Reference:           b.Reference(),
		ClientRequestID:     b.ClientRequestID,
		ProductType:         b.ProductType,
		Status:              b.Status,
		PaymentStatus:       b.PaymentStatus,
		Amount:              b.Amount,
		Currency:            b.Currency,
		HoldExpiry:          b.HoldExpiry,
		ProviderReference:   nullString(b.ProviderReference),
		CheckoutURL:         nullString(b.CheckoutURL),
		Channel:             b.Channel,
		RequiresAdminReview: b.RequiresAdminReview,
		LastError:           nullString(b.LastError),
		CreatedAt:           b.CreatedAt,
		FareValidatedAt:     nullTime(b.FareValidatedAt),
		ConfirmedAt:         nullTime(b.ConfirmedAt),
		TicketIssuedAt:      nullTime(b.TicketIssuedAt),
	}
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// CustomerContact is the contact captured with a hold
type CustomerContact struct {
	Email string `json:"email" validate:"omitempty,email"`
	Name  string `json:"name" validate:"omitempty,max=200"`
	Phone string `json:"phone" validate:"omitempty,max=40"`
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
