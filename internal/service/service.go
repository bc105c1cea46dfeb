package service

import (
	"context"
	"errors"
	"math"
	"time"

	"booking-orchestrator/internal/models"
	"booking-orchestrator/internal/redisclient"
	"booking-orchestrator/internal/store"
	"booking-orchestrator/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BookingStore is the persistence used by the lifecycle services
type BookingStore interface {
	InsertBooking(ctx context.Context, b *models.Booking) (bool, error)
	GetBookingByID(ctx context.Context, id string) (*models.Booking, error)
	GetBookingByClientRequestID(ctx context.Context, key string) (*models.Booking, error)
	GetBookingBySessionID(ctx context.Context, sessionID string) (*models.Booking, error)
	ApplyTransition(ctx context.Context, id string, t models.Transition, upd store.BookingUpdate) (*models.Booking, error)
	ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]models.Booking, error)
	ListBookingsRequiringReview(ctx context.Context, limit int) ([]models.Booking, error)
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error)
}

// QuoteCache keeps validated quotes between revalidation and hold
type QuoteCache interface {
	SaveQuote(ctx context.Context, q *redisclient.Quote) error
	GetQuote(ctx context.Context, clientRequestID string) (*redisclient.Quote, error)
}

// Locker provides per-key mutual exclusion across instances
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (*redisclient.Lock, error)
	ReleaseLock(ctx context.Context, lock *redisclient.Lock) error
}

// EventPublisher publishes booking lifecycle events
type EventPublisher interface {
	PublishBookingEvent(ctx context.Context, event *models.BookingEvent) error
}

// FinalizeScheduler enqueues a finalization attempt to run after delay
type FinalizeScheduler interface {
	ScheduleFinalize(ctx context.Context, bookingID string, attempt int, delay time.Duration) error
}

// Notifier sends the customer confirmation. It never fails the caller.
type Notifier interface {
	Notify(ctx context.Context, booking *models.Booking)
}

var errLockBusy = errors.New("lock held by another worker")

// withLock runs fn while holding key, waiting up to wait for the lock
func withLock(ctx context.Context, locker Locker, key string, ttl, wait time.Duration, fn func() error) error {
	deadline := time.Now().Add(wait)
	for {
		lock, err := locker.AcquireLock(ctx, key, ttl)
		if err != nil {
			return err
		}
		if lock != nil {
			defer func() {
				if err := locker.ReleaseLock(context.Background(), lock); err != nil {
					util.GetLogger().Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
				}
			}()
			return fn()
		}
		if !time.Now().Before(deadline) {
			return errLockBusy
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func newBookingEvent(eventType string, b *models.Booking, reason string) *models.BookingEvent {
	return &models.BookingEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: time.Now(),
		},
		BookingID:         b.ID,
		Reference:         b.Reference(),
		ProductType:       b.ProductType,
		Status:            b.Status,
		PaymentStatus:     b.PaymentStatus,
		Amount:            b.Amount,
		Currency:          b.Currency,
		ProviderReference: b.ProviderReference.String,
		Reason:            reason,
	}
}

// publish sends a lifecycle event. Failures are logged, never returned.
func publish(ctx context.Context, pub EventPublisher, logger *zap.Logger, eventType string, b *models.Booking, reason string) {
	if pub == nil {
		return
	}
	if err := pub.PublishBookingEvent(ctx, newBookingEvent(eventType, b, reason)); err != nil {
		logger.Error("Failed to publish booking event",
			zap.String("event_type", eventType),
			zap.String("booking_id", b.ID),
			zap.Error(err))
	}
}

// priceDrift is the absolute difference of two amounts rounded to cents
func priceDrift(a, b float64) float64 {
	return math.Round(math.Abs(a-b)*100) / 100
}

func strPtr(s string) *string        { return &s }
func boolPtr(b bool) *bool           { return &b }
func intPtr(i int) *int              { return &i }
func timePtr(t time.Time) *time.Time { return &t }
