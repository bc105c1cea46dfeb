package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"booking-orchestrator/internal/models"
	"booking-orchestrator/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	err error
}

func (s stubProvider) Price(ctx context.Context, offer models.OfferPayload) (*provider.Quote, error) {
	return nil, s.err
}

func (s stubProvider) Finalize(ctx context.Context, booking *models.Booking) (string, error) {
	return "", s.err
}

func newTestRevalidator(client provider.Client) (*Revalidator, *memStore, *memCache) {
	st := newMemStore()
	cache := newMemCache()
	v := NewRevalidator(NewLedger(st), client, cache, testBookingConfig)
	return v, st, cache
}

func TestRevalidatorFlightUnchanged(t *testing.T) {
	fake := provider.NewFakeClient()
	v, _, cache := newTestRevalidator(fake)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return now }

	res, err := v.Validate(context.Background(), ValidateRequest{
		ClientRequestID: "req-1",
		ProductType:     models.ProductFlight,
		Offer:           flightOffer("off-1", 100),
	})

	require.NoError(t, err)
	assert.Equal(t, 100.0, res.Price)
	assert.Equal(t, "EUR", res.Currency)
	assert.False(t, res.PassThrough)
	assert.Equal(t, now.Add(15*time.Minute), res.ExpiresAt)
	assert.Equal(t, 1, fake.PriceCalls())

	q, err := cache.GetQuote(context.Background(), "req-1")
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, 100.0, q.Price)
	assert.JSONEq(t, string(flightOffer("off-1", 100)), string(q.Offer))

	hash, err := models.OfferPayload{ProductType: models.ProductFlight, Raw: flightOffer("off-1", 100)}.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, hash, q.OfferHash)
}

func TestRevalidatorPriceChanged(t *testing.T) {
	v, _, cache := newTestRevalidator(provider.NewFakeClient(provider.WithRepricing("off-1", 130)))

	_, err := v.Validate(context.Background(), ValidateRequest{
		ClientRequestID: "req-1",
		ProductType:     models.ProductFlight,
		Offer:           flightOffer("off-1", 100),
	})

	var be *models.BookingError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, models.CodePriceChanged, be.Code)
	assert.Equal(t, 100.0, be.Details["original_price"])
	assert.Equal(t, 130.0, be.Details["new_price"])
	assert.Equal(t, "EUR", be.Details["currency"])

	q, _ := cache.GetQuote(context.Background(), "req-1")
	assert.Nil(t, q)
}

func TestRevalidatorDriftWithinEpsilon(t *testing.T) {
	v, _, _ := newTestRevalidator(provider.NewFakeClient(provider.WithRepricing("off-1", 100.01)))

	res, err := v.Validate(context.Background(), ValidateRequest{
		ClientRequestID: "req-1",
		ProductType:     models.ProductFlight,
		Offer:           flightOffer("off-1", 100),
	})

	require.NoError(t, err)
	assert.Equal(t, 100.01, res.Price)
}

func TestRevalidatorQuotedPriceOverridesOffer(t *testing.T) {
	v, _, _ := newTestRevalidator(provider.NewFakeClient())
	quoted := 90.0

	_, err := v.Validate(context.Background(), ValidateRequest{
		ClientRequestID: "req-1",
		ProductType:     models.ProductFlight,
		Offer:           flightOffer("off-1", 100),
		QuotedPrice:     &quoted,
	})

	assert.Equal(t, models.CodePriceChanged, models.ErrorCode(err))
}

func TestRevalidatorProviderFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"offer expired", provider.ErrOfferExpired, models.CodeOfferExpired},
		{"provider outage", &provider.Error{StatusCode: 500, Retryable: true}, models.CodeProviderError},
		{"network", errors.New("dial tcp: connection refused"), models.CodeProviderError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _, _ := newTestRevalidator(stubProvider{err: tt.err})

			_, err := v.Validate(context.Background(), ValidateRequest{
				ClientRequestID: "req-1",
				ProductType:     models.ProductFlight,
				Offer:           flightOffer("off-1", 100),
			})

			assert.Equal(t, tt.code, models.ErrorCode(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestRevalidatorExpiredOfferFromFake(t *testing.T) {
	v, _, _ := newTestRevalidator(provider.NewFakeClient(provider.WithExpiredOffer("off-9")))

	_, err := v.Validate(context.Background(), ValidateRequest{
		ClientRequestID: "req-1",
		ProductType:     models.ProductFlight,
		Offer:           flightOffer("off-9", 100),
	})

	assert.Equal(t, models.CodeOfferExpired, models.ErrorCode(err))
}

func TestRevalidatorHotelPassThrough(t *testing.T) {
	fake := provider.NewFakeClient()
	v, _, _ := newTestRevalidator(fake)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return now }

	res, err := v.Validate(context.Background(), ValidateRequest{
		ClientRequestID: "req-h",
		ProductType:     models.ProductHotel,
		Offer:           hotelOffer(240.5),
	})

	require.NoError(t, err)
	assert.True(t, res.PassThrough)
	assert.Equal(t, 240.5, res.Price)
	assert.Equal(t, now.Add(30*time.Minute), res.ExpiresAt)
	assert.Zero(t, fake.PriceCalls())
}

func TestRevalidatorPassThroughRejectsQuotedPriceDrift(t *testing.T) {
	v, _, cache := newTestRevalidator(provider.NewFakeClient())
	quoted := 1.0

	_, err := v.Validate(context.Background(), ValidateRequest{
		ClientRequestID: "req-h",
		ProductType:     models.ProductHotel,
		Offer:           hotelOffer(500),
		QuotedPrice:     &quoted,
	})

	var be *models.BookingError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, models.CodePriceChanged, be.Code)
	assert.Equal(t, 1.0, be.Details["original_price"])
	assert.Equal(t, 500.0, be.Details["new_price"])

	q, _ := cache.GetQuote(context.Background(), "req-h")
	assert.Nil(t, q)
}

func TestRevalidatorPassThroughMatchingQuote(t *testing.T) {
	v, _, _ := newTestRevalidator(provider.NewFakeClient())
	quoted := 240.5

	res, err := v.Validate(context.Background(), ValidateRequest{
		ClientRequestID: "req-h",
		ProductType:     models.ProductHotel,
		Offer:           hotelOffer(240.5),
		QuotedPrice:     &quoted,
	})

	require.NoError(t, err)
	assert.Equal(t, 240.5, res.Price)
	assert.Equal(t, "EUR", res.Currency)
}

func TestRevalidatorPassThroughNeedsPriceAndCurrency(t *testing.T) {
	quoted := 80.0
	tests := []struct {
		name  string
		offer string
		cause error
	}{
		{"no price", `{"vehicle":"compact"}`, models.ErrOfferPriceMissing},
		{"no currency", `{"quotation":{"monetaryAmount":"80.00"}}`, models.ErrOfferCurrencyMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _, _ := newTestRevalidator(provider.NewFakeClient())

			_, err := v.Validate(context.Background(), ValidateRequest{
				ClientRequestID: "req-c",
				ProductType:     models.ProductCar,
				Offer:           []byte(tt.offer),
				QuotedPrice:     &quoted,
			})

			assert.Equal(t, models.CodeInvalidRequest, models.ErrorCode(err))
			assert.ErrorIs(t, err, tt.cause)
		})
	}
}

func TestRevalidatorExistingBookingShortCircuits(t *testing.T) {
	fake := provider.NewFakeClient(provider.WithRepricing("off-1", 500))
	v, st, _ := newTestRevalidator(fake)
	_, err := st.InsertBooking(context.Background(), &models.Booking{
		ID:              "bk-1",
		ClientRequestID: "req-1",
		ProductType:     models.ProductFlight,
		Status:          models.BookingStatusPendingPayment,
		Amount:          100,
		Currency:        "EUR",
		HoldExpiry:      time.Now().Add(10 * time.Minute),
	})
	require.NoError(t, err)

	res, err := v.Validate(context.Background(), ValidateRequest{
		ClientRequestID: "req-1",
		ProductType:     models.ProductFlight,
		Offer:           flightOffer("off-1", 100),
	})

	require.NoError(t, err)
	assert.True(t, res.Existing)
	assert.Equal(t, "bk-1", res.BookingID)
	assert.Equal(t, 100.0, res.Price)
	assert.Zero(t, fake.PriceCalls())
}

func TestRevalidatorInvalidRequest(t *testing.T) {
	v, _, _ := newTestRevalidator(provider.NewFakeClient())

	_, err := v.Validate(context.Background(), ValidateRequest{
		ClientRequestID: "req-1",
		ProductType:     "train",
		Offer:           flightOffer("off-1", 100),
	})

	var be *models.BookingError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, models.CodeInvalidRequest, be.Code)
	assert.Equal(t, map[string]interface{}{"ProductType": "oneof"}, be.Details["fields"])
}

func TestRevalidatorOfferWithoutPrice(t *testing.T) {
	v, _, _ := newTestRevalidator(provider.NewFakeClient())

	_, err := v.Validate(context.Background(), ValidateRequest{
		ClientRequestID: "req-1",
		ProductType:     models.ProductCar,
		Offer:           []byte(`{"vehicle":"compact"}`),
	})

	assert.Equal(t, models.CodeInvalidRequest, models.ErrorCode(err))
}

func TestRevalidatorCacheFailureIsNotFatal(t *testing.T) {
	cache := new(MockQuoteCache)
	cache.On("SaveQuote", mock.Anything, mock.Anything).Return(errors.New("redis down")).Once()
	v := NewRevalidator(NewLedger(newMemStore()), provider.NewFakeClient(), cache, testBookingConfig)

	res, err := v.Validate(context.Background(), ValidateRequest{
		ClientRequestID: "req-1",
		ProductType:     models.ProductFlight,
		Offer:           flightOffer("off-1", 100),
	})

	require.NoError(t, err)
	assert.Equal(t, 100.0, res.Price)
	cache.AssertExpectations(t)
}
