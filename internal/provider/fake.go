package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"booking-orchestrator/internal/models"

	"github.com/goccy/go-json"
)

// FakeClient is a deterministic in-memory provider. Behavior is scripted per
// offer id and per booking; nothing is random.
type FakeClient struct {
	mu               sync.Mutex
	repriced         map[string]float64
	expired          map[string]bool
	finalizeFailures map[string]int
	failAll          bool
	permanent        bool
	priceCalls       int
	finalizeCalls    map[string]int
}

// FakeOption configures a FakeClient
type FakeOption func(*FakeClient)

// WithRepricing makes the offer with id price at amount
func WithRepricing(offerID string, amount float64) FakeOption {
	return func(f *FakeClient) { f.repriced[offerID] = amount }
}

// WithExpiredOffer makes pricing of offer id report expiry
func WithExpiredOffer(offerID string) FakeOption {
	return func(f *FakeClient) { f.expired[offerID] = true }
}

// WithFinalizeFailures makes the first n finalize calls for a booking fail
// with a retryable error.
func WithFinalizeFailures(bookingID string, n int) FakeOption {
	return func(f *FakeClient) { f.finalizeFailures[bookingID] = n }
}

// WithFinalizeOutage makes every finalize call fail. When permanent is set the
// failures are not retryable.
func WithFinalizeOutage(permanent bool) FakeOption {
	return func(f *FakeClient) {
		f.failAll = true
		f.permanent = permanent
	}
}

// NewFakeClient creates a fake provider
func NewFakeClient(opts ...FakeOption) *FakeClient {
	f := &FakeClient{
		repriced:         make(map[string]float64),
		expired:          make(map[string]bool),
		finalizeFailures: make(map[string]int),
		finalizeCalls:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func offerID(raw []byte) string {
	var doc struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &doc)
	return doc.ID
}

// Price returns the offer's own price unless scripted otherwise
func (f *FakeClient) Price(ctx context.Context, offer models.OfferPayload) (*Quote, error) {
	if offer.ProductType != models.ProductFlight {
		return nil, ErrUnsupportedType
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceCalls++

	id := offerID(offer.Raw)
	if f.expired[id] {
		return nil, ErrOfferExpired
	}

	price, currency, err := offer.Quote()
	if err != nil {
		return nil, err
	}
	if p, ok := f.repriced[id]; ok {
		price = p
	}
	return &Quote{Price: price, Currency: currency, Offer: offer}, nil
}

// Finalize returns a reference derived from the booking id
func (f *FakeClient) Finalize(ctx context.Context, booking *models.Booking) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.finalizeCalls[booking.ID]++

	if f.failAll {
		return "", &Error{StatusCode: 503, Detail: "provider unavailable", Retryable: !f.permanent}
	}
	if f.finalizeFailures[booking.ID] > 0 {
		f.finalizeFailures[booking.ID]--
		return "", &Error{StatusCode: 503, Detail: "provider temporarily unavailable", Retryable: true}
	}

	prefix := map[models.ProductType]string{
		models.ProductFlight: "PNR",
		models.ProductHotel:  "HTL",
		models.ProductCar:    "CAR",
	}[booking.ProductType]
	id := strings.ToUpper(strings.ReplaceAll(booking.ID, "-", ""))
	if len(id) > 6 {
		id = id[:6]
	}
	return fmt.Sprintf("%s-%s", prefix, id), nil
}

// FinalizeCalls reports how many finalize calls a booking received
func (f *FakeClient) FinalizeCalls(bookingID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalizeCalls[bookingID]
}

// PriceCalls reports how many pricing calls were made
func (f *FakeClient) PriceCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.priceCalls
}

// Apply adds scripted behavior to a fake that is already in use
func (f *FakeClient) Apply(opts ...FakeOption) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, opt := range opts {
		opt(f)
	}
}
