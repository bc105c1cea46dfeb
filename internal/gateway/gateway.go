// Package gateway wraps the hosted-checkout payment gateway.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"booking-orchestrator/config"
	"booking-orchestrator/internal/models"
)

var (
	ErrSessionNotFound  = errors.New("checkout session not found")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// SessionStatus is the gateway-side state of a checkout session
type SessionStatus string

const (
	SessionOpen     SessionStatus = "open"
	SessionComplete SessionStatus = "complete"
	SessionExpired  SessionStatus = "expired"
)

// SessionRequest describes a checkout for exactly one booking
type SessionRequest struct {
	BookingID     string
	Reference     string
	Description   string
	Amount        float64
	Currency      string
	CustomerEmail string
	ExpiresAt     time.Time
}

// Session is a hosted checkout page
type Session struct {
	ID        string
	URL       string
	Status    SessionStatus
	ExpiresAt time.Time
}

// Gateway is the payment boundary used by the orchestrator
type Gateway interface {
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	// ParseWebhook authenticates a callback body and normalizes it. A nil
	// event with a nil error means the callback carries nothing to act on.
	ParseWebhook(payload []byte, signature string) (*models.GatewayEvent, error)
}

// NewFromConfig builds the live adapter or the deterministic fake
func NewFromConfig(cfg config.GatewayConfig) (Gateway, error) {
	switch cfg.Mode {
	case "live":
		if cfg.SecretKey == "" || cfg.WebhookSecret == "" {
			return nil, fmt.Errorf("gateway live mode requires GATEWAY_SECRET_KEY and GATEWAY_WEBHOOK_SECRET")
		}
		return NewCheckoutClient(cfg), nil
	case "fake", "":
		return NewFakeGateway(), nil
	}
	return nil, fmt.Errorf("unknown gateway mode %q", cfg.Mode)
}

var zeroDecimal = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true, "KRW": true,
	"MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true, "VUV": true, "XAF": true,
	"XOF": true, "XPF": true,
}

// ToMinorUnits converts a major-unit amount to the gateway's integer amount
func ToMinorUnits(amount float64, currency string) int64 {
	if zeroDecimal[strings.ToUpper(currency)] {
		return int64(math.Round(amount))
	}
	return int64(math.Round(amount * 100))
}

// FromMinorUnits converts a gateway integer amount back to major units
func FromMinorUnits(amount int64, currency string) float64 {
	if zeroDecimal[strings.ToUpper(currency)] {
		return float64(amount)
	}
	return float64(amount) / 100
}
