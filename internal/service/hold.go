package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"booking-orchestrator/config"
	"booking-orchestrator/internal/models"
	"booking-orchestrator/internal/store"
	"booking-orchestrator/internal/util"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const sweepBatchSize = 100

// HoldRequest places a provisional reservation on a validated offer
type HoldRequest struct {
	ClientRequestID string                 `json:"client_request_id" validate:"required,max=128"`
	ProductType     models.ProductType     `json:"product_type" validate:"required,oneof=flight hotel car"`
	Offer           json.RawMessage        `json:"offer" validate:"required"`
	Amount          float64                `json:"amount" validate:"gt=0"`
	Currency        string                 `json:"currency" validate:"required,len=3,alpha"`
	Contact         models.CustomerContact `json:"contact"`
	AcceptedTerms   bool                   `json:"accepted_terms"`
	Channel         string                 `json:"-" validate:"omitempty,oneof=online agent"`
}

// HoldResult is the hold and whether it was created by an earlier request
type HoldResult struct {
	Booking  *models.Booking
	Existing bool
}

// HoldManager creates time-bounded provisional reservations
type HoldManager struct {
	ledger      *Ledger
	revalidator *Revalidator
	store       BookingStore
	cache       QuoteCache
	publisher   EventPublisher
	cfg         config.BookingConfig
	validate    *validator.Validate
	logger      *zap.Logger
	now         func() time.Time
}

// NewHoldManager creates a new hold manager
func NewHoldManager(
	ledger *Ledger,
	revalidator *Revalidator,
	store BookingStore,
	cache QuoteCache,
	publisher EventPublisher,
	cfg config.BookingConfig,
) *HoldManager {
	return &HoldManager{
		ledger:      ledger,
		revalidator: revalidator,
		store:       store,
		cache:       cache,
		publisher:   publisher,
		cfg:         cfg,
		validate:    validator.New(),
		logger:      util.GetLogger(),
		now:         time.Now,
	}
}

// CreateHold records a pending_payment booking for the offer. Repeating a
// request with the same client request id returns the original booking.
func (h *HoldManager) CreateHold(ctx context.Context, req HoldRequest) (*HoldResult, error) {
	ctx, span := util.StartSpan(ctx, "HoldManager.CreateHold")
	defer span.End()

	logger := util.LoggerFromContext(ctx, h.logger).With(zap.String("client_request_id", req.ClientRequestID))

	if !req.AcceptedTerms {
		util.HoldsRejectedTotal.WithLabelValues("terms").Inc()
		return nil, models.NewError(models.CodeTermsNotAccepted, "Terms and conditions must be accepted")
	}
	if strings.TrimSpace(req.Contact.Email) == "" {
		util.HoldsRejectedTotal.WithLabelValues("email").Inc()
		return nil, models.NewError(models.CodeEmailRequired, "A contact email is required")
	}
	if req.Channel == "" {
		req.Channel = models.ChannelOnline
	}
	if err := h.validate.Struct(req); err != nil {
		util.HoldsRejectedTotal.WithLabelValues("invalid").Inc()
		return nil, invalidRequest(err)
	}

	existing, err := h.ledger.EnsureBooking(ctx, req.ClientRequestID)
	if err != nil {
		return nil, util.SpanError(span, err)
	}
	if existing != nil {
		util.HoldsDuplicateTotal.Inc()
		logger.Info("Duplicate hold request", zap.String("booking_id", existing.ID))
		return &HoldResult{Booking: existing, Existing: true}, nil
	}

	price, currency, expiresAt, offer, err := h.validatedQuote(ctx, req)
	if err != nil {
		util.HoldsRejectedTotal.WithLabelValues(strings.ToLower(models.ErrorCode(err))).Inc()
		return nil, err
	}

	if !strings.EqualFold(currency, req.Currency) {
		util.HoldsRejectedTotal.WithLabelValues("currency").Inc()
		return nil, models.NewError(models.CodeInvalidRequest, "Currency does not match the validated offer")
	}
	if priceDrift(req.Amount, price) > h.cfg.PriceEpsilon {
		util.HoldsRejectedTotal.WithLabelValues("price_changed").Inc()
		return nil, models.PriceChangedError(req.Amount, price, req.Currency)
	}

	now := h.now()
	booking := &models.Booking{
		ID:              uuid.New().String(),
		ClientRequestID: req.ClientRequestID,
		ProductType:     req.ProductType,
		Status:          models.BookingStatusPendingPayment,
		PaymentStatus:   models.PaymentStatusNone,
		Amount:          price,
		Currency:        strings.ToUpper(currency),
		OfferSnapshot:   offer,
		HoldExpiry:      expiresAt,
		CustomerEmail:   strings.TrimSpace(req.Contact.Email),
		CustomerName:    req.Contact.Name,
		CustomerPhone:   req.Contact.Phone,
		Channel:         req.Channel,
		FareValidatedAt: sql.NullTime{Time: now, Valid: true},
	}

	booking, created, err := h.ledger.Claim(ctx, booking)
	if err != nil {
		return nil, util.SpanError(span, err)
	}
	if !created {
		util.HoldsDuplicateTotal.Inc()
		return &HoldResult{Booking: booking, Existing: true}, nil
	}

	util.HoldsCreatedTotal.WithLabelValues(string(booking.ProductType), booking.Channel).Inc()
	logger.Info("Hold created",
		zap.String("booking_id", booking.ID),
		zap.Time("hold_expiry", booking.HoldExpiry),
		zap.String("channel", booking.Channel))

	publish(ctx, h.publisher, logger, models.EventTypeBookingHeld, booking, "")

	return &HoldResult{Booking: booking, Existing: false}, nil
}

// validatedQuote returns the price to hold at and the offer document it was
// confirmed against. A quote cached by the revalidator is used only for the
// same offer; otherwise the offer is revalidated now.
func (h *HoldManager) validatedQuote(ctx context.Context, req HoldRequest) (float64, string, time.Time, []byte, error) {
	offerHash, err := models.OfferPayload{ProductType: req.ProductType, Raw: req.Offer}.Fingerprint()
	if err != nil {
		return 0, "", time.Time{}, nil, models.WrapError(models.CodeInvalidRequest, "Offer is not a valid document", err)
	}

	cached, err := h.cache.GetQuote(ctx, req.ClientRequestID)
	if err != nil {
		h.logger.Warn("Quote cache unavailable, revalidating", zap.Error(err))
		cached = nil
	}
	if cached != nil && cached.ProductType == req.ProductType && cached.OfferHash != "" &&
		len(cached.Offer) > 0 && h.now().Before(cached.ExpiresAt) {
		if cached.OfferHash != offerHash {
			return 0, "", time.Time{}, nil, models.NewError(models.CodeInvalidRequest, "Offer does not match the validated offer")
		}
		return cached.Price, cached.Currency, cached.ExpiresAt, cached.Offer, nil
	}

	amount := req.Amount
	res, err := h.revalidator.Validate(ctx, ValidateRequest{
		ClientRequestID: req.ClientRequestID,
		ProductType:     req.ProductType,
		Offer:           req.Offer,
		QuotedPrice:     &amount,
	})
	if err != nil {
		return 0, "", time.Time{}, nil, err
	}
	return res.Price, res.Currency, res.ExpiresAt, res.ValidatedOffer, nil
}

// SweepExpired cancels unpaid holds whose expiry has passed. It returns how
// many holds were cancelled.
func (h *HoldManager) SweepExpired(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "HoldManager.SweepExpired")
	defer span.End()

	now := h.now()
	expired, err := h.store.ListExpiredHolds(ctx, now, sweepBatchSize)
	if err != nil {
		return 0, util.SpanError(span, err)
	}

	cancelled := 0
	for i := range expired {
		b := &expired[i]
		updated, err := h.store.ApplyTransition(ctx, b.ID, models.ExpireTransition(b.PaymentStatus), store.BookingUpdate{})
		if errors.Is(err, store.ErrStaleState) {
			h.logger.Debug("Hold changed before sweep", zap.String("booking_id", b.ID))
			continue
		}
		if err != nil {
			h.logger.Error("Failed to cancel expired hold", zap.String("booking_id", b.ID), zap.Error(err))
			continue
		}

		cancelled++
		util.HoldsExpiredTotal.Inc()
		publish(ctx, h.publisher, h.logger, models.EventTypeBookingExpired, updated, "hold expired")
	}

	if cancelled > 0 {
		h.logger.Info("Expired holds cancelled", zap.Int("count", cancelled))
	}
	return cancelled, nil
}
