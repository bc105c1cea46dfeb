package service

import (
	"context"
	"errors"
	"fmt"

	"booking-orchestrator/internal/gateway"
	"booking-orchestrator/internal/models"
	"booking-orchestrator/internal/store"
	"booking-orchestrator/internal/util"

	"go.uber.org/zap"
)

// ProvisionalResult is a hold together with the checkout to pay for it
type ProvisionalResult struct {
	Booking  *models.Booking
	Existing bool
	Session  *SessionResult
}

// Orchestrator drives a booking from validated offer to confirmed
// reservation by delegating to the lifecycle components.
type Orchestrator struct {
	store        BookingStore
	gateway      gateway.Gateway
	Revalidator  *Revalidator
	Holds        *HoldManager
	Payments     *PaymentCoordinator
	Finalization *FinalizationEngine
	logger       *zap.Logger
}

// NewOrchestrator creates a new booking orchestrator
func NewOrchestrator(
	store BookingStore,
	gw gateway.Gateway,
	revalidator *Revalidator,
	holds *HoldManager,
	payments *PaymentCoordinator,
	finalization *FinalizationEngine,
) *Orchestrator {
	return &Orchestrator{
		store:        store,
		gateway:      gw,
		Revalidator:  revalidator,
		Holds:        holds,
		Payments:     payments,
		Finalization: finalization,
		logger:       util.GetLogger(),
	}
}

// Validate re-prices an offer before the customer commits
func (o *Orchestrator) Validate(ctx context.Context, req ValidateRequest) (*ValidationResult, error) {
	return o.Revalidator.Validate(ctx, req)
}

// CreateProvisionalBooking holds the offer and opens a checkout for it. A
// repeated request returns the original booking and its open session.
func (o *Orchestrator) CreateProvisionalBooking(ctx context.Context, req HoldRequest) (*ProvisionalResult, error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.CreateProvisionalBooking")
	defer span.End()

	req.Channel = models.ChannelOnline
	hold, err := o.Holds.CreateHold(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &ProvisionalResult{Booking: hold.Booking, Existing: hold.Existing}
	if hold.Existing && hold.Booking.Status != models.BookingStatusPendingPayment {
		return result, nil
	}

	session, err := o.Payments.CreateOrReuseSession(ctx, hold.Booking.ID)
	if err != nil {
		return nil, util.SpanError(span, err)
	}
	result.Session = session
	return result, nil
}

// CreateAgentBooking holds the offer for offline settlement by an agent
func (o *Orchestrator) CreateAgentBooking(ctx context.Context, req HoldRequest) (*HoldResult, error) {
	req.Channel = models.ChannelAgent
	return o.Holds.CreateHold(ctx, req)
}

// Checkout returns a usable checkout session for an existing hold
func (o *Orchestrator) Checkout(ctx context.Context, bookingID string) (*SessionResult, error) {
	return o.Payments.CreateOrReuseSession(ctx, bookingID)
}

// HandleWebhook authenticates and applies a gateway callback body. Events
// that carry nothing to act on are acknowledged without effect.
func (o *Orchestrator) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := o.gateway.ParseWebhook(payload, signature)
	if err != nil {
		return err
	}
	if event == nil {
		return nil
	}
	return o.Payments.HandleCallback(ctx, event)
}

// Finalize runs one finalization attempt, used for manual re-drives
func (o *Orchestrator) Finalize(ctx context.Context, bookingID string) (*FinalizeResult, error) {
	res, err := o.Finalization.Finalize(ctx, bookingID, 1)
	if errors.Is(err, ErrFinalizeInProgress) {
		return nil, models.WrapError(models.CodeInvalidState, "Finalization is already running for this booking", err)
	}
	return res, err
}

// GetBooking retrieves a booking by ID
func (o *Orchestrator) GetBooking(ctx context.Context, bookingID string) (*models.Booking, error) {
	b, err := o.store.GetBookingByID(ctx, bookingID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, models.NewError(models.CodeBookingNotFound, "Booking not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load booking: %w", err)
	}
	return b, nil
}

// ListReview returns bookings waiting for manual reconciliation
func (o *Orchestrator) ListReview(ctx context.Context, limit int) ([]models.Booking, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	bookings, err := o.store.ListBookingsRequiringReview(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings for review: %w", err)
	}

	for i := range bookings {
		if err := bookings[i].CheckInvariants(); err != nil {
			o.logger.Warn("Booking violates state rules", zap.String("booking_id", bookings[i].ID), zap.Error(err))
		}
	}
	return bookings, nil
}
