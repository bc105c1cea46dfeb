package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"booking-orchestrator/config"
	"booking-orchestrator/internal/gateway"
	"booking-orchestrator/internal/models"
	"booking-orchestrator/internal/store"
	"booking-orchestrator/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	sessionLockTTL  = 30 * time.Second
	sessionLockWait = 5 * time.Second

	latePaymentReason = "payment received after hold expiry"
)

// SessionResult is the checkout a customer should be sent to
type SessionResult struct {
	BookingID   string    `json:"booking_id"`
	SessionID   string    `json:"session_id"`
	CheckoutURL string    `json:"checkout_url"`
	ExpiresAt   time.Time `json:"expires_at"`
	Reused      bool      `json:"reused"`
}

// PaymentCoordinator ties checkout sessions to holds and reconciles gateway
// callbacks into booking transitions.
type PaymentCoordinator struct {
	store     BookingStore
	locker    Locker
	gateway   gateway.Gateway
	publisher EventPublisher
	scheduler FinalizeScheduler
	cfg       config.GatewayConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewPaymentCoordinator creates a new payment session coordinator
func NewPaymentCoordinator(
	store BookingStore,
	locker Locker,
	gw gateway.Gateway,
	publisher EventPublisher,
	scheduler FinalizeScheduler,
	cfg config.GatewayConfig,
) *PaymentCoordinator {
	return &PaymentCoordinator{
		store:     store,
		locker:    locker,
		gateway:   gw,
		publisher: publisher,
		scheduler: scheduler,
		cfg:       cfg,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// CreateOrReuseSession returns the booking's open checkout session, creating
// one when none is usable. Calls for the same booking are serialized.
func (p *PaymentCoordinator) CreateOrReuseSession(ctx context.Context, bookingID string) (*SessionResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentCoordinator.CreateOrReuseSession",
		attribute.String("booking.id", bookingID))
	defer span.End()

	var result *SessionResult
	err := withLock(ctx, p.locker, "checkout:"+bookingID, sessionLockTTL, sessionLockWait, func() error {
		var err error
		result, err = p.createOrReuse(ctx, bookingID)
		return err
	})
	if errors.Is(err, errLockBusy) {
		return nil, models.NewError(models.CodeInvalidState, "A checkout session is already being created for this booking")
	}
	if err != nil {
		return nil, util.SpanError(span, err)
	}
	return result, nil
}

func (p *PaymentCoordinator) createOrReuse(ctx context.Context, bookingID string) (*SessionResult, error) {
	logger := util.LoggerFromContext(ctx, p.logger).With(zap.String("booking_id", bookingID))

	b, err := p.store.GetBookingByID(ctx, bookingID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, models.NewError(models.CodeBookingNotFound, "Booking not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load booking: %w", err)
	}

	now := p.now()
	if b.Status != models.BookingStatusPendingPayment {
		e := models.NewError(models.CodeInvalidState, "Booking is not awaiting payment")
		e.Details = map[string]interface{}{"status": b.Status, "payment_status": b.PaymentStatus}
		return nil, e
	}
	if b.HoldExpired(now) {
		return nil, models.NewError(models.CodeHoldExpired, "The hold on this booking has expired")
	}

	if b.PaymentSessionID.Valid && b.PaymentSessionID.String != "" {
		s, err := p.gateway.GetSession(ctx, b.PaymentSessionID.String)
		switch {
		case err == nil && s.Status == gateway.SessionOpen && now.Before(s.ExpiresAt):
			util.PaymentSessionsTotal.WithLabelValues("true").Inc()
			logger.Info("Reusing open checkout session", zap.String("session_id", s.ID))
			url := s.URL
			if url == "" {
				url = b.CheckoutURL.String
			}
			return &SessionResult{
				BookingID:   b.ID,
				SessionID:   s.ID,
				CheckoutURL: url,
				ExpiresAt:   s.ExpiresAt,
				Reused:      true,
			}, nil
		case err != nil && !errors.Is(err, gateway.ErrSessionNotFound):
			return nil, fmt.Errorf("failed to check checkout session: %w", err)
		}
	}

	s, err := p.gateway.CreateSession(ctx, gateway.SessionRequest{
		BookingID:     b.ID,
		Reference:     b.Reference(),
		Description:   fmt.Sprintf("%s booking %s", b.ProductType, b.Reference()),
		Amount:        b.Amount,
		Currency:      b.Currency,
		CustomerEmail: b.CustomerEmail,
		ExpiresAt:     p.SessionExpiry(now, b.HoldExpiry),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	_, err = p.store.ApplyTransition(ctx, b.ID, models.TransitionSessionOpened, store.BookingUpdate{
		PaymentSessionID: strPtr(s.ID),
		CheckoutURL:      strPtr(s.URL),
	})
	if errors.Is(err, store.ErrStaleState) {
		return nil, models.NewError(models.CodeInvalidState, "Booking changed while the checkout session was created")
	}
	if err != nil {
		return nil, err
	}

	util.PaymentSessionsTotal.WithLabelValues("false").Inc()
	logger.Info("Checkout session created",
		zap.String("session_id", s.ID),
		zap.Time("session_expiry", s.ExpiresAt))

	return &SessionResult{
		BookingID:   b.ID,
		SessionID:   s.ID,
		CheckoutURL: s.URL,
		ExpiresAt:   s.ExpiresAt,
		Reused:      false,
	}, nil
}

// SessionExpiry is the gateway-side expiry for a session opened at now. It
// follows the hold but stays within the gateway's accepted range; the hold
// expiry still decides whether a late payment is honored.
func (p *PaymentCoordinator) SessionExpiry(now, holdExpiry time.Time) time.Time {
	exp := holdExpiry
	if latest := now.Add(p.cfg.MaxSessionTTL); p.cfg.MaxSessionTTL > 0 && exp.After(latest) {
		exp = latest
	}
	if earliest := now.Add(p.cfg.MinSessionTTL); exp.Before(earliest) {
		exp = earliest
	}
	return exp
}

// HandleCallback applies a normalized gateway event. Redelivered events and
// transitions that were already applied are no-ops.
func (p *PaymentCoordinator) HandleCallback(ctx context.Context, event *models.GatewayEvent) error {
	ctx, span := util.StartSpan(ctx, "PaymentCoordinator.HandleCallback")
	defer span.End()

	logger := util.LoggerFromContext(ctx, p.logger).With(
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.String("session_id", event.SessionID))

	if event.EventID != "" {
		processed, err := p.store.IsEventProcessed(ctx, event.EventID)
		if err != nil {
			return util.SpanError(span, fmt.Errorf("failed to check event processed: %w", err))
		}
		if processed {
			util.PaymentCallbacksTotal.WithLabelValues(event.EventType, "duplicate").Inc()
			logger.Info("Event already processed")
			return nil
		}
	}

	b, err := p.resolveBooking(ctx, event)
	if errors.Is(err, store.ErrNotFound) {
		util.PaymentCallbacksTotal.WithLabelValues(event.EventType, "unknown_booking").Inc()
		logger.Warn("Callback for unknown booking", zap.String("booking_id", event.BookingID))
		return models.NewError(models.CodeBookingNotFound, "No booking matches this payment event")
	}
	if err != nil {
		return util.SpanError(span, err)
	}
	logger = logger.With(zap.String("booking_id", b.ID))

	var result string
	for attempt := 1; ; attempt++ {
		if event.IsSuccess() {
			result, err = p.applySuccess(ctx, logger, b, event)
		} else {
			result, err = p.applyFailure(ctx, logger, b, event)
		}
		if !errors.Is(err, store.ErrStaleState) || attempt == 3 {
			break
		}

		// another writer moved the booking; decide again from its new state
		if b, err = p.store.GetBookingByID(ctx, b.ID); err != nil {
			return util.SpanError(span, fmt.Errorf("failed to reload booking: %w", err))
		}
	}
	if err != nil {
		util.PaymentCallbacksTotal.WithLabelValues(event.EventType, "error").Inc()
		return util.SpanError(span, err)
	}

	if event.EventID != "" {
		if _, err := p.store.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
			logger.Error("Failed to mark event processed", zap.Error(err))
		}
	}

	util.PaymentCallbacksTotal.WithLabelValues(event.EventType, result).Inc()
	logger.Info("Payment callback handled", zap.String("result", result))
	return nil
}

func (p *PaymentCoordinator) resolveBooking(ctx context.Context, event *models.GatewayEvent) (*models.Booking, error) {
	if event.BookingID != "" {
		return p.store.GetBookingByID(ctx, event.BookingID)
	}
	if event.SessionID != "" {
		return p.store.GetBookingBySessionID(ctx, event.SessionID)
	}
	return nil, store.ErrNotFound
}

func (p *PaymentCoordinator) applySuccess(ctx context.Context, logger *zap.Logger, b *models.Booking, event *models.GatewayEvent) (string, error) {
	now := p.now()

	if event.Amount > 0 && priceDrift(event.Amount, b.Amount) > 0 {
		logger.Warn("Captured amount differs from booking amount",
			zap.Float64("captured", event.Amount),
			zap.Float64("amount", b.Amount))
	}

	switch b.Status {
	case models.BookingStatusConfirmed:
		// payment already recorded; make sure finalization was enqueued
		if !b.Finalized() && b.PaymentStatus == models.PaymentStatusPaid && b.FinalizeAttempts == 0 {
			if err := p.scheduler.ScheduleFinalize(ctx, b.ID, 1, 0); err != nil {
				return "", fmt.Errorf("failed to schedule finalization: %w", err)
			}
		}
		return "already_applied", nil
	case models.BookingStatusRefunded:
		return "already_applied", nil
	case models.BookingStatusCancelled:
		if b.PaymentStatus == models.PaymentStatusPaid || b.PaymentStatus == models.PaymentStatusRefunded {
			return "already_applied", nil
		}
	}

	if b.Status == models.BookingStatusCancelled || b.HoldExpired(now) {
		updated, err := p.store.ApplyTransition(ctx, b.ID, models.TransitionLatePayment, store.BookingUpdate{
			RequiresAdminReview: boolPtr(true),
			LastError:           strPtr(latePaymentReason),
		})
		if err != nil {
			return "", err
		}

		util.LatePaymentsTotal.Inc()
		logger.Warn("Late payment on expired hold flagged for review", zap.Time("hold_expiry", b.HoldExpiry))
		publish(ctx, p.publisher, logger, models.EventTypeBookingHoldAbandoned, updated, latePaymentReason)
		return "late_payment", nil
	}

	updated, err := p.store.ApplyTransition(ctx, b.ID, models.TransitionPaymentSucceeded, store.BookingUpdate{
		ConfirmedAt: timePtr(now),
		LastError:   strPtr(""),
	})
	if err != nil {
		return "", err
	}

	publish(ctx, p.publisher, logger, models.EventTypeBookingPaid, updated, "")

	if err := p.scheduler.ScheduleFinalize(ctx, updated.ID, 1, 0); err != nil {
		// not marked processed, so a redelivery enqueues again
		return "", fmt.Errorf("failed to schedule finalization: %w", err)
	}
	return "paid", nil
}

func (p *PaymentCoordinator) applyFailure(ctx context.Context, logger *zap.Logger, b *models.Booking, event *models.GatewayEvent) (string, error) {
	if event.SessionID != "" && b.PaymentSessionID.Valid && b.PaymentSessionID.String != event.SessionID {
		logger.Info("Ignoring failure for superseded session", zap.String("current_session", b.PaymentSessionID.String))
		return "stale_session", nil
	}
	if !models.TransitionPaymentFailed.Allows(b.Pair()) {
		return "already_applied", nil
	}

	reason := fmt.Sprintf("payment %s", event.EventType)
	if event.Status != "" {
		reason = fmt.Sprintf("%s (%s)", reason, event.Status)
	}

	updated, err := p.store.ApplyTransition(ctx, b.ID, models.TransitionPaymentFailed, store.BookingUpdate{
		LastError: strPtr(reason),
	})
	if err != nil {
		return "", err
	}

	publish(ctx, p.publisher, logger, models.EventTypePaymentFailed, updated, reason)
	return "failed", nil
}
