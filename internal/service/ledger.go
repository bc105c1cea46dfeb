package service

import (
	"context"
	"fmt"

	"booking-orchestrator/internal/models"
	"booking-orchestrator/internal/util"

	"go.uber.org/zap"
)

// Ledger maps a client request key to at most one booking. Uniqueness is
// enforced by the store; the ledger only reads and claims.
type Ledger struct {
	store  BookingStore
	logger *zap.Logger
}

// NewLedger creates a new idempotency ledger
func NewLedger(store BookingStore) *Ledger {
	return &Ledger{
		store:  store,
		logger: util.GetLogger(),
	}
}

// EnsureBooking returns the booking already recorded for clientRequestID,
// or nil when the key is unused.
func (l *Ledger) EnsureBooking(ctx context.Context, clientRequestID string) (*models.Booking, error) {
	existing, err := l.store.GetBookingByClientRequestID(ctx, clientRequestID)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	return existing, nil
}

// Claim inserts b under its client request key. When another request won
// the key, the winner's booking is returned with created=false.
func (l *Ledger) Claim(ctx context.Context, b *models.Booking) (*models.Booking, bool, error) {
	created, err := l.store.InsertBooking(ctx, b)
	if err != nil {
		return nil, false, err
	}
	if created {
		return b, true, nil
	}

	winner, err := l.store.GetBookingByClientRequestID(ctx, b.ClientRequestID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing booking: %w", err)
	}
	if winner == nil {
		return nil, false, fmt.Errorf("booking for request %s conflicted but was not found", b.ClientRequestID)
	}

	l.logger.Info("Duplicate booking request collapsed",
		zap.String("client_request_id", b.ClientRequestID),
		zap.String("booking_id", winner.ID))
	return winner, false, nil
}
