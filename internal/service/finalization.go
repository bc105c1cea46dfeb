package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"booking-orchestrator/config"
	"booking-orchestrator/internal/models"
	"booking-orchestrator/internal/provider"
	"booking-orchestrator/internal/store"
	"booking-orchestrator/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var (
	// ErrFinalizeInProgress is returned when another worker holds the booking
	ErrFinalizeInProgress = errors.New("finalization already in progress")
	// ErrOutcomeUnrecorded is returned when the provider acted on an attempt
	// but the result could not be stored. Repeating the attempt could book
	// twice, so it must be reconciled by hand.
	ErrOutcomeUnrecorded = errors.New("finalization outcome not recorded")
)

// recordTimeout bounds the write that follows a failed outcome write
const recordTimeout = 5 * time.Second

// FinalizeResult describes the outcome of one finalization attempt
type FinalizeResult struct {
	Booking     *models.Booking `json:"booking"`
	Done        bool            `json:"done"`
	Escalated   bool            `json:"escalated"`
	NextAttempt int             `json:"next_attempt,omitempty"`
	RetryIn     time.Duration   `json:"retry_in,omitempty"`
}

// FinalizationEngine turns paid bookings into provider reservations. Each
// call runs a single attempt; retries are re-entered through the scheduler.
type FinalizationEngine struct {
	store     BookingStore
	locker    Locker
	provider  provider.Client
	publisher EventPublisher
	scheduler FinalizeScheduler
	notifier  Notifier
	cfg       config.FinalizationConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewFinalizationEngine creates a new provider finalization engine
func NewFinalizationEngine(
	store BookingStore,
	locker Locker,
	client provider.Client,
	publisher EventPublisher,
	scheduler FinalizeScheduler,
	notifier Notifier,
	cfg config.FinalizationConfig,
) *FinalizationEngine {
	return &FinalizationEngine{
		store:     store,
		locker:    locker,
		provider:  client,
		publisher: publisher,
		scheduler: scheduler,
		notifier:  notifier,
		cfg:       cfg,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// Backoff is the wait before the attempt after attempt:
// min(base * 2^(attempt-1), max).
func (e *FinalizationEngine) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := e.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.cfg.MaxBackoff {
			return e.cfg.MaxBackoff
		}
	}
	if d > e.cfg.MaxBackoff {
		return e.cfg.MaxBackoff
	}
	return d
}

// Finalize runs finalization attempt number attempt for a booking
func (e *FinalizationEngine) Finalize(ctx context.Context, bookingID string, attempt int) (*FinalizeResult, error) {
	ctx, span := util.StartSpan(ctx, "FinalizationEngine.Finalize",
		attribute.String("booking.id", bookingID),
		attribute.Int("finalize.attempt", attempt))
	defer span.End()

	if attempt < 1 {
		attempt = 1
	}

	var result *FinalizeResult
	err := withLock(ctx, e.locker, "finalize:"+bookingID, e.cfg.LockTTL, 0, func() error {
		var err error
		result, err = e.attempt(ctx, bookingID, attempt)
		return err
	})
	if errors.Is(err, errLockBusy) {
		return nil, ErrFinalizeInProgress
	}
	if err != nil {
		return nil, util.SpanError(span, err)
	}
	return result, nil
}

func (e *FinalizationEngine) attempt(ctx context.Context, bookingID string, attempt int) (*FinalizeResult, error) {
	logger := util.LoggerFromContext(ctx, e.logger).With(
		zap.String("booking_id", bookingID),
		zap.Int("attempt", attempt))

	b, err := e.store.GetBookingByID(ctx, bookingID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, models.NewError(models.CodeBookingNotFound, "Booking not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load booking: %w", err)
	}

	if b.Finalized() {
		logger.Info("Booking already finalized", zap.String("provider_reference", b.ProviderReference.String))
		return &FinalizeResult{Booking: b, Done: true}, nil
	}

	if b.Status != models.BookingStatusConfirmed ||
		(b.PaymentStatus != models.PaymentStatusPaid && b.PaymentStatus != models.PaymentStatusProviderPending) {
		be := models.NewError(models.CodeInvalidState, "Booking is not paid and awaiting finalization")
		be.Details = map[string]interface{}{"status": b.Status, "payment_status": b.PaymentStatus}
		return nil, be
	}

	start := time.Now()
	ref, callErr := e.provider.Finalize(ctx, b)
	util.FinalizationLatency.Observe(time.Since(start).Seconds())

	if callErr == nil {
		return e.succeed(ctx, logger, b, ref, attempt)
	}

	logger.Warn("Provider finalization failed", zap.Error(callErr))
	if provider.IsRetryable(callErr) && attempt < e.cfg.MaxAttempts {
		result, err := e.retryLater(ctx, logger, b, attempt, callErr)
		if err == nil {
			return result, nil
		}
		logger.Error("Failed to schedule finalization retry, escalating", zap.Error(err))
	}
	return e.escalate(ctx, logger, b, attempt, callErr)
}

func (e *FinalizationEngine) succeed(ctx context.Context, logger *zap.Logger, b *models.Booking, ref string, attempt int) (*FinalizeResult, error) {
	updated, err := e.store.ApplyTransition(ctx, b.ID, models.TransitionFinalized, store.BookingUpdate{
		ProviderReference:   strPtr(ref),
		TicketIssuedAt:      timePtr(e.now()),
		RequiresAdminReview: boolPtr(false),
		LastError:           strPtr(""),
		FinalizeAttempts:    intPtr(attempt),
	})
	if errors.Is(err, store.ErrStaleState) {
		current, getErr := e.store.GetBookingByID(ctx, b.ID)
		if getErr == nil && current.Finalized() {
			return &FinalizeResult{Booking: current, Done: true}, nil
		}
		return nil, models.NewError(models.CodeInvalidState, "Booking changed during finalization")
	}
	if err != nil {
		return e.recordReference(ctx, logger, b, ref, attempt, err)
	}

	util.FinalizationAttemptsTotal.WithLabelValues(string(b.ProductType), "success").Inc()
	logger.Info("Booking finalized", zap.String("provider_reference", ref))

	e.confirmed(ctx, logger, updated)
	return &FinalizeResult{Booking: updated, Done: true}, nil
}

// recordReference stores a reference the provider issued after the first
// write failed. The booking is flagged for review either way; when the store
// stays down the reference is only in the log.
func (e *FinalizationEngine) recordReference(ctx context.Context, logger *zap.Logger, b *models.Booking, ref string, attempt int, writeErr error) (*FinalizeResult, error) {
	logger = logger.With(zap.String("provider_reference", ref))
	logger.Error("Failed to record provider reference, retrying", zap.Error(writeErr))

	wctx, cancel := detached(ctx)
	defer cancel()

	updated, err := e.store.ApplyTransition(wctx, b.ID, models.TransitionFinalized, store.BookingUpdate{
		ProviderReference:   strPtr(ref),
		TicketIssuedAt:      timePtr(e.now()),
		RequiresAdminReview: boolPtr(true),
		LastError:           strPtr("provider reference stored after write failure: " + writeErr.Error()),
		FinalizeAttempts:    intPtr(attempt),
	})
	if err != nil {
		util.FinalizationAttemptsTotal.WithLabelValues(string(b.ProductType), "unrecorded").Inc()
		logger.Error("Provider reference not recorded, booking needs reconciliation", zap.Error(err))
		return nil, fmt.Errorf("%w: booking %s has provider reference %s: %w", ErrOutcomeUnrecorded, b.ID, ref, err)
	}

	util.FinalizationAttemptsTotal.WithLabelValues(string(b.ProductType), "success").Inc()
	logger.Warn("Booking finalized after write failure, flagged for review")

	e.confirmed(wctx, logger, updated)
	return &FinalizeResult{Booking: updated, Done: true, Escalated: true}, nil
}

func (e *FinalizationEngine) confirmed(ctx context.Context, logger *zap.Logger, b *models.Booking) {
	publish(ctx, e.publisher, logger, models.EventTypeBookingConfirmed, b, "")
	if e.notifier != nil {
		e.notifier.Notify(ctx, b)
	}
}

func (e *FinalizationEngine) retryLater(ctx context.Context, logger *zap.Logger, b *models.Booking, attempt int, callErr error) (*FinalizeResult, error) {
	updated, err := e.store.ApplyTransition(ctx, b.ID, models.StayTransition("finalize_attempt", b.Pair()), store.BookingUpdate{
		LastError:        strPtr(callErr.Error()),
		FinalizeAttempts: intPtr(attempt),
	})
	if err != nil {
		return nil, err
	}

	delay := e.Backoff(attempt)
	if err := e.scheduler.ScheduleFinalize(ctx, b.ID, attempt+1, delay); err != nil {
		return nil, err
	}

	util.FinalizationAttemptsTotal.WithLabelValues(string(b.ProductType), "retry").Inc()
	logger.Info("Finalization retry scheduled",
		zap.Int("next_attempt", attempt+1),
		zap.Duration("delay", delay))

	return &FinalizeResult{Booking: updated, NextAttempt: attempt + 1, RetryIn: delay}, nil
}

// escalate parks the booking for manual review. The payment stays captured.
func (e *FinalizationEngine) escalate(ctx context.Context, logger *zap.Logger, b *models.Booking, attempt int, callErr error) (*FinalizeResult, error) {
	t := models.TransitionProviderPending
	if b.PaymentStatus == models.PaymentStatusProviderPending {
		t = models.StayTransition("finalize_attempt", b.Pair())
	}
	upd := store.BookingUpdate{
		RequiresAdminReview: boolPtr(true),
		LastError:           strPtr(callErr.Error()),
		FinalizeAttempts:    intPtr(attempt),
	}

	updated, err := e.store.ApplyTransition(ctx, b.ID, t, upd)
	if err != nil && !errors.Is(err, store.ErrStaleState) {
		logger.Error("Failed to escalate booking, retrying", zap.Error(err))
		wctx, cancel := detached(ctx)
		updated, err = e.store.ApplyTransition(wctx, b.ID, t, upd)
		cancel()
	}
	if errors.Is(err, store.ErrStaleState) {
		return nil, models.NewError(models.CodeInvalidState, "Booking changed during finalization")
	}
	if err != nil {
		// A retryable provider failure is safe to repeat; anything else may
		// have reached the provider.
		if provider.IsRetryable(callErr) {
			return nil, fmt.Errorf("failed to escalate booking: %w", err)
		}
		util.FinalizationAttemptsTotal.WithLabelValues(string(b.ProductType), "unrecorded").Inc()
		logger.Error("Escalation not recorded, booking needs reconciliation",
			zap.NamedError("provider_error", callErr),
			zap.Error(err))
		return nil, fmt.Errorf("%w: booking %s escalation after %v: %w", ErrOutcomeUnrecorded, b.ID, callErr, err)
	}

	util.FinalizationAttemptsTotal.WithLabelValues(string(b.ProductType), "escalated").Inc()
	util.ProviderPendingTotal.Inc()
	logger.Error("Finalization escalated to admin review",
		zap.Bool("retryable", provider.IsRetryable(callErr)),
		zap.Error(callErr))

	publish(ctx, e.publisher, logger, models.EventTypeBookingProviderPending, updated, callErr.Error())
	return &FinalizeResult{Booking: updated, Escalated: true}, nil
}

// detached keeps a recovery write alive after the task's context ends
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
}
