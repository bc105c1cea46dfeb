// Package provider talks to the upstream travel inventory system that owns
// pricing and issues final confirmations.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"

	"booking-orchestrator/config"
	"booking-orchestrator/internal/models"

	circuit "github.com/rubyist/circuitbreaker"
)

var (
	ErrOfferExpired    = errors.New("offer expired or no longer available")
	ErrUnsupportedType = errors.New("operation not supported for product type")
)

// Quote is a provider-confirmed price for an offer
type Quote struct {
	Price    float64
	Currency string
	Offer    models.OfferPayload
}

// Client is the provider boundary used by the orchestrator
type Client interface {
	// Price re-prices a flight offer. Hotels and cars have no live pricing.
	Price(ctx context.Context, offer models.OfferPayload) (*Quote, error)
	// Finalize turns a paid booking into a provider reservation and returns
	// the provider reference (PNR, order id or confirmation number).
	Finalize(ctx context.Context, booking *models.Booking) (string, error)
}

// Error is a non-success provider response
type Error struct {
	StatusCode int
	Code       string
	Detail     string
	Retryable  bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider error: status=%d code=%s detail=%s", e.StatusCode, e.Code, e.Detail)
}

// IsRetryable reports whether a failed provider call may succeed later
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOfferExpired) || errors.Is(err, ErrUnsupportedType) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	if errors.Is(err, circuit.ErrBreakerOpen) || errors.Is(err, circuit.ErrBreakerTimeout) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// NewFromConfig builds the live adapter or the deterministic fake
func NewFromConfig(cfg config.ProviderConfig) (Client, error) {
	switch cfg.Mode {
	case "live":
		if cfg.ClientID == "" || cfg.ClientSecret == "" {
			return nil, fmt.Errorf("provider live mode requires PROVIDER_CLIENT_ID and PROVIDER_CLIENT_SECRET")
		}
		return NewLiveClient(cfg), nil
	case "fake", "":
		return NewFakeClient(), nil
	}
	return nil, fmt.Errorf("unknown provider mode %q", cfg.Mode)
}
