package service

import (
	"context"
	"errors"
	"time"

	"booking-orchestrator/config"
	"booking-orchestrator/internal/models"
	"booking-orchestrator/internal/provider"
	"booking-orchestrator/internal/redisclient"
	"booking-orchestrator/internal/util"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// ValidateRequest asks for an offer to be re-priced before payment
type ValidateRequest struct {
	ClientRequestID string             `json:"client_request_id" validate:"required,max=128"`
	ProductType     models.ProductType `json:"product_type" validate:"required,oneof=flight hotel car"`
	Offer           json.RawMessage    `json:"offer" validate:"required"`
	QuotedPrice     *float64           `json:"quoted_price,omitempty" validate:"omitempty,gte=0"`
}

// ValidationResult is an accepted offer with the price the hold must use
type ValidationResult struct {
	Price          float64         `json:"price"`
	Currency       string          `json:"currency"`
	ValidatedOffer json.RawMessage `json:"validated_offer"`
	ExpiresAt      time.Time       `json:"expires_at"`
	PassThrough    bool            `json:"pass_through"`
	BookingID      string          `json:"booking_id,omitempty"`
	Existing       bool            `json:"existing"`
}

// Revalidator re-prices offers against the provider
type Revalidator struct {
	ledger   *Ledger
	provider provider.Client
	cache    QuoteCache
	cfg      config.BookingConfig
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
}

// NewRevalidator creates a new offer revalidator
func NewRevalidator(ledger *Ledger, client provider.Client, cache QuoteCache, cfg config.BookingConfig) *Revalidator {
	return &Revalidator{
		ledger:   ledger,
		provider: client,
		cache:    cache,
		cfg:      cfg,
		validate: validator.New(),
		logger:   util.GetLogger(),
		now:      time.Now,
	}
}

// HoldWindow is how long an unpaid hold on pt stays valid
func (v *Revalidator) HoldWindow(pt models.ProductType) time.Duration {
	if pt == models.ProductFlight {
		return v.cfg.FlightHold
	}
	return v.cfg.DefaultHold
}

// Validate re-prices the offer. Flights go to the provider; hotels and cars
// pass through at the price the offer lists. A quoted price further than the
// configured epsilon from the confirmed price is rejected.
func (v *Revalidator) Validate(ctx context.Context, req ValidateRequest) (*ValidationResult, error) {
	ctx, span := util.StartSpan(ctx, "Revalidator.Validate")
	defer span.End()

	logger := util.LoggerFromContext(ctx, v.logger).With(
		zap.String("client_request_id", req.ClientRequestID),
		zap.String("product_type", string(req.ProductType)))

	if err := v.validate.Struct(req); err != nil {
		return nil, invalidRequest(err)
	}

	existing, err := v.ledger.EnsureBooking(ctx, req.ClientRequestID)
	if err != nil {
		return nil, util.SpanError(span, err)
	}
	if existing != nil {
		logger.Info("Offer already booked, returning stored price", zap.String("booking_id", existing.ID))
		return &ValidationResult{
			Price:          existing.Amount,
			Currency:       existing.Currency,
			ValidatedOffer: json.RawMessage(existing.OfferSnapshot),
			ExpiresAt:      existing.HoldExpiry,
			PassThrough:    existing.ProductType != models.ProductFlight,
			BookingID:      existing.ID,
			Existing:       true,
		}, nil
	}

	offer := models.OfferPayload{ProductType: req.ProductType, Raw: req.Offer}
	offerHash, err := offer.Fingerprint()
	if err != nil {
		util.OfferValidationsTotal.WithLabelValues(string(req.ProductType), "invalid").Inc()
		return nil, models.WrapError(models.CodeInvalidRequest, "Offer is not a valid document", err)
	}

	// Flights are priced by the provider, so only they may omit a readable
	// price when the client states the price it saw.
	listed, currency, err := offer.Quote()
	if err != nil && (req.ProductType != models.ProductFlight || req.QuotedPrice == nil) {
		util.OfferValidationsTotal.WithLabelValues(string(req.ProductType), "invalid").Inc()
		return nil, models.WrapError(models.CodeInvalidRequest, "Offer does not carry a readable price", err)
	}
	quoted := listed
	if req.QuotedPrice != nil {
		quoted = *req.QuotedPrice
	}

	result := &ValidationResult{
		Price:          listed,
		Currency:       currency,
		ValidatedOffer: req.Offer,
		PassThrough:    true,
	}

	if req.ProductType == models.ProductFlight {
		start := time.Now()
		q, err := v.provider.Price(ctx, offer)
		util.OfferValidationLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			util.SpanError(span, err)
			if errors.Is(err, provider.ErrOfferExpired) {
				util.OfferValidationsTotal.WithLabelValues(string(req.ProductType), "expired").Inc()
				return nil, models.WrapError(models.CodeOfferExpired, "This offer is no longer available", err)
			}
			util.OfferValidationsTotal.WithLabelValues(string(req.ProductType), "provider_error").Inc()
			logger.Error("Provider pricing failed", zap.Error(err))
			return nil, models.WrapError(models.CodeProviderError, "Could not confirm the price with the provider", err)
		}

		if priceDrift(q.Price, quoted) > v.cfg.PriceEpsilon {
			util.OfferValidationsTotal.WithLabelValues(string(req.ProductType), "price_changed").Inc()
			logger.Warn("Price drift detected",
				zap.Float64("original_price", quoted),
				zap.Float64("new_price", q.Price))
			return nil, models.PriceChangedError(quoted, q.Price, q.Currency)
		}

		result.Price = q.Price
		result.Currency = q.Currency
		result.ValidatedOffer = q.Offer.Raw
		result.PassThrough = false
	} else if priceDrift(listed, quoted) > v.cfg.PriceEpsilon {
		util.OfferValidationsTotal.WithLabelValues(string(req.ProductType), "price_changed").Inc()
		logger.Warn("Quoted price differs from offer price",
			zap.Float64("quoted_price", quoted),
			zap.Float64("offer_price", listed))
		return nil, models.PriceChangedError(quoted, listed, currency)
	}

	result.ExpiresAt = v.now().Add(v.HoldWindow(req.ProductType))

	err = v.cache.SaveQuote(ctx, &redisclient.Quote{
		ClientRequestID: req.ClientRequestID,
		ProductType:     req.ProductType,
		OfferHash:       offerHash,
		Offer:           result.ValidatedOffer,
		Price:           result.Price,
		Currency:        result.Currency,
		ExpiresAt:       result.ExpiresAt,
		PassThrough:     result.PassThrough,
	})
	if err != nil {
		logger.Warn("Failed to cache validated quote", zap.Error(err))
	}

	util.OfferValidationsTotal.WithLabelValues(string(req.ProductType), "valid").Inc()
	logger.Info("Offer validated",
		zap.Float64("price", result.Price),
		zap.String("currency", result.Currency),
		zap.Bool("pass_through", result.PassThrough))
	return result, nil
}

// invalidRequest converts validator output into a coded error
func invalidRequest(err error) error {
	be := models.WrapError(models.CodeInvalidRequest, "Request is invalid", err)

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]interface{}, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		be.Details = map[string]interface{}{"fields": fields}
	}
	return be
}
