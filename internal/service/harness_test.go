package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"booking-orchestrator/config"
	"booking-orchestrator/internal/gateway"
	"booking-orchestrator/internal/models"
	"booking-orchestrator/internal/provider"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

var (
	testBookingConfig = config.BookingConfig{
		FlightHold:   15 * time.Minute,
		DefaultHold:  30 * time.Minute,
		PriceEpsilon: 0.01,
	}
	testGatewayConfig = config.GatewayConfig{
		MinSessionTTL: 30 * time.Minute,
		MaxSessionTTL: 24 * time.Hour,
	}
	testFinalizationConfig = config.FinalizationConfig{
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  30 * time.Second,
		LockTTL:     time.Minute,
	}
)

func flightOffer(id string, price float64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%q,"price":{"grandTotal":"%.2f","currency":"EUR"}}`, id, price))
}

func hotelOffer(price float64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"hotel":{"name":"Harbour Inn"},"offers":[{"price":{"total":"%.2f","currency":"EUR"}}]}`, price))
}

func holdRequest(key string, offer json.RawMessage, amount float64) HoldRequest {
	return HoldRequest{
		ClientRequestID: key,
		ProductType:     models.ProductFlight,
		Offer:           offer,
		Amount:          amount,
		Currency:        "EUR",
		Contact:         models.CustomerContact{Email: "ada@example.com", Name: "Ada"},
		AcceptedTerms:   true,
	}
}

// harness wires every lifecycle component to in-memory collaborators
type harness struct {
	store     *memStore
	locker    *memLocker
	cache     *memCache
	publisher *recordingPublisher
	scheduler *queueScheduler
	notifier  *countingNotifier
	provider  *provider.FakeClient
	gateway   *gateway.FakeGateway
	orch      *Orchestrator
}

func newHarness(opts ...provider.FakeOption) *harness {
	h := &harness{
		store:     newMemStore(),
		locker:    newMemLocker(),
		cache:     newMemCache(),
		publisher: &recordingPublisher{},
		scheduler: &queueScheduler{},
		notifier:  &countingNotifier{},
		provider:  provider.NewFakeClient(opts...),
		gateway:   gateway.NewFakeGateway(),
	}

	ledger := NewLedger(h.store)
	revalidator := NewRevalidator(ledger, h.provider, h.cache, testBookingConfig)
	holds := NewHoldManager(ledger, revalidator, h.store, h.cache, h.publisher, testBookingConfig)
	payments := NewPaymentCoordinator(h.store, h.locker, h.gateway, h.publisher, h.scheduler, testGatewayConfig)
	finalization := NewFinalizationEngine(h.store, h.locker, h.provider, h.publisher, h.scheduler, h.notifier, testFinalizationConfig)
	h.orch = NewOrchestrator(h.store, h.gateway, revalidator, holds, payments, finalization)
	return h
}

// drain runs scheduled finalization attempts in order, ignoring delays
func (h *harness) drain(t *testing.T) []scheduledTask {
	t.Helper()
	var ran []scheduledTask
	for {
		task, ok := h.scheduler.pop()
		if !ok {
			return ran
		}
		ran = append(ran, task)
		_, err := h.orch.Finalization.Finalize(context.Background(), task.BookingID, task.Attempt)
		require.NoError(t, err)
	}
}

func (h *harness) webhook(t *testing.T, event models.GatewayEvent) error {
	t.Helper()
	body, err := json.Marshal(event)
	require.NoError(t, err)
	return h.orch.HandleWebhook(context.Background(), body, "")
}

func paidEvent(id, bookingID, sessionID string) models.GatewayEvent {
	return models.GatewayEvent{
		BaseEvent: models.BaseEvent{EventID: id, EventType: models.GatewayEventPaymentSucceeded, Timestamp: time.Now()},
		SessionID: sessionID,
		BookingID: bookingID,
		Status:    "paid",
	}
}

func failedEvent(id, bookingID, sessionID string) models.GatewayEvent {
	return models.GatewayEvent{
		BaseEvent: models.BaseEvent{EventID: id, EventType: models.GatewayEventPaymentFailed, Timestamp: time.Now()},
		SessionID: sessionID,
		BookingID: bookingID,
		Status:    "card_declined",
	}
}

// seed stores a booking directly in the given state
func (h *harness) seed(t *testing.T, b models.Booking) *models.Booking {
	t.Helper()
	if b.ID == "" {
		b.ID = fmt.Sprintf("bk-%d", h.store.count()+1)
	}
	if b.ClientRequestID == "" {
		b.ClientRequestID = "req-" + b.ID
	}
	if b.ProductType == "" {
		b.ProductType = models.ProductFlight
	}
	if b.Amount == 0 {
		b.Amount = 100
		b.Currency = "EUR"
	}
	if b.CustomerEmail == "" {
		b.CustomerEmail = "ada@example.com"
	}
	if b.HoldExpiry.IsZero() {
		b.HoldExpiry = time.Now().Add(15 * time.Minute)
	}
	created, err := h.store.InsertBooking(context.Background(), &b)
	require.NoError(t, err)
	require.True(t, created)
	return &b
}
