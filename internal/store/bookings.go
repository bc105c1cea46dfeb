package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"booking-orchestrator/internal/models"

	"github.com/lib/pq"
)

// BookingUpdate lists the columns written alongside a state transition.
// Nil fields are left untouched.
type BookingUpdate struct {
	PaymentSessionID    *string
	CheckoutURL         *string
	ProviderReference   *string
	LastError           *string
	RequiresAdminReview *bool
	FinalizeAttempts    *int
	ConfirmedAt         *time.Time
	TicketIssuedAt      *time.Time
}

// InsertBooking inserts b unless its client request id is already taken.
// It reports false, with b untouched, when another row owns the key.
func (s *Store) InsertBooking(ctx context.Context, b *models.Booking) (bool, error) {
	query := `
		INSERT INTO bookings (
			id, client_request_id, product_type, status, payment_status, amount, currency,
			offer_snapshot, hold_expiry, customer_email, customer_name, customer_phone,
			channel, fare_validated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (client_request_id) DO NOTHING
		RETURNING *`

	var inserted models.Booking
	err := s.db.GetContext(ctx, &inserted, query,
		b.ID, b.ClientRequestID, b.ProductType, b.Status, b.PaymentStatus, b.Amount, b.Currency,
		b.OfferSnapshot, b.HoldExpiry, b.CustomerEmail, b.CustomerName, b.CustomerPhone,
		b.Channel, b.FareValidatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert booking: %w", err)
	}

	*b = inserted
	return true, nil
}

// GetBookingByID retrieves a booking by ID
func (s *Store) GetBookingByID(ctx context.Context, id string) (*models.Booking, error) {
	var b models.Booking
	err := s.db.GetContext(ctx, &b, "SELECT * FROM bookings WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBookingByClientRequestID retrieves a booking by idempotency key. A
// missing row is not an error.
func (s *Store) GetBookingByClientRequestID(ctx context.Context, key string) (*models.Booking, error) {
	var b models.Booking
	err := s.db.GetContext(ctx, &b, "SELECT * FROM bookings WHERE client_request_id = $1", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBookingBySessionID retrieves the booking owning a payment session
func (s *Store) GetBookingBySessionID(ctx context.Context, sessionID string) (*models.Booking, error) {
	var b models.Booking
	err := s.db.GetContext(ctx, &b, "SELECT * FROM bookings WHERE payment_session_id = $1", sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ApplyTransition moves a booking along t, writing upd in the same statement.
// The row is only touched while it is in one of t.From; otherwise
// ErrStaleState is returned.
func (s *Store) ApplyTransition(ctx context.Context, id string, t models.Transition, upd BookingUpdate) (*models.Booking, error) {
	sets := []string{"status = $1", "payment_status = $2", "updated_at = NOW()"}
	args := []interface{}{t.To.Status, t.To.PaymentStatus}

	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if upd.PaymentSessionID != nil {
		add("payment_session_id", *upd.PaymentSessionID)
	}
	if upd.CheckoutURL != nil {
		add("checkout_url", *upd.CheckoutURL)
	}
	if upd.ProviderReference != nil {
		add("provider_reference", *upd.ProviderReference)
	}
	if upd.LastError != nil {
		add("last_error", sql.NullString{String: *upd.LastError, Valid: *upd.LastError != ""})
	}
	if upd.RequiresAdminReview != nil {
		add("requires_admin_review", *upd.RequiresAdminReview)
	}
	if upd.FinalizeAttempts != nil {
		add("finalize_attempts", *upd.FinalizeAttempts)
	}
	if upd.ConfirmedAt != nil {
		add("confirmed_at", *upd.ConfirmedAt)
	}
	if upd.TicketIssuedAt != nil {
		add("ticket_issued_at", *upd.TicketIssuedAt)
	}

	args = append(args, id, pq.Array(t.Keys()))
	query := fmt.Sprintf(`
		UPDATE bookings SET %s
		WHERE id = $%d AND (status || '/' || COALESCE(payment_status, '')) = ANY($%d)
		RETURNING *`, strings.Join(sets, ", "), len(args)-1, len(args))

	var b models.Booking
	err := s.db.GetContext(ctx, &b, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStaleState
	}
	if err != nil {
		return nil, fmt.Errorf("failed to apply %s: %w", t.Name, err)
	}
	return &b, nil
}

// ListExpiredHolds returns unpaid holds whose expiry is at or before now
func (s *Store) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]models.Booking, error) {
	var bookings []models.Booking
	err := s.db.SelectContext(ctx, &bookings, `
		SELECT * FROM bookings
		WHERE status = $1 AND hold_expiry <= $2
		ORDER BY hold_expiry
		LIMIT $3`,
		models.BookingStatusPendingPayment, now, limit)
	return bookings, err
}

// ListBookingsRequiringReview returns bookings escalated for manual handling
func (s *Store) ListBookingsRequiringReview(ctx context.Context, limit int) ([]models.Booking, error) {
	var bookings []models.Booking
	err := s.db.SelectContext(ctx, &bookings, `
		SELECT * FROM bookings
		WHERE requires_admin_review = TRUE
		ORDER BY updated_at DESC
		LIMIT $1`, limit)
	return bookings, err
}
