package models

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBookingReference(t *testing.T) {
	b := &Booking{ID: "3f2a9c1e-5b7d-4e21-9a0f-1c2d3e4f5a6b"}
	assert.Equal(t, "3F2A9C1E", b.Reference())
}

func TestValidStatusPairs(t *testing.T) {
	cases := []struct {
		status string
		ps     PaymentStatus
		valid  bool
	}{
		{BookingStatusPendingPayment, PaymentStatusNone, true},
		{BookingStatusPendingPayment, PaymentStatusPending, true},
		{BookingStatusPendingPayment, PaymentStatusFailed, true},
		{BookingStatusPendingPayment, PaymentStatusPaid, false},
		{BookingStatusPendingPayment, PaymentStatusProviderPending, false},
		{BookingStatusConfirmed, PaymentStatusPaid, true},
		{BookingStatusConfirmed, PaymentStatusProviderPending, true},
		{BookingStatusConfirmed, PaymentStatusNone, false},
		{BookingStatusConfirmed, PaymentStatusPending, false},
		{BookingStatusCancelled, PaymentStatusPaid, true},
		{BookingStatusCancelled, PaymentStatusProviderPending, false},
		{BookingStatusRefunded, PaymentStatusRefunded, true},
		{BookingStatusRefunded, PaymentStatusPaid, false},
		{"unknown", PaymentStatusNone, false},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s/%s", tc.status, tc.ps), func(t *testing.T) {
			assert.Equal(t, tc.valid, ValidStatusPair(tc.status, tc.ps))
		})
	}
}

func TestTransitionsStayInsideTable(t *testing.T) {
	all := append([]Transition{}, Transitions...)
	for _, ps := range []PaymentStatus{PaymentStatusNone, PaymentStatusPending, PaymentStatusFailed} {
		all = append(all, ExpireTransition(ps))
	}

	for _, tr := range all {
		assert.True(t, ValidStatusPair(tr.To.Status, tr.To.PaymentStatus), "%s target %s", tr.Name, tr.To)
		for _, f := range tr.From {
			assert.True(t, ValidStatusPair(f.Status, f.PaymentStatus), "%s source %s", tr.Name, f)
		}
	}
}

func TestFinalizationNeverDowngradesConfirmed(t *testing.T) {
	confirmed := StatePair{BookingStatusConfirmed, PaymentStatusPaid}
	for _, tr := range Transitions {
		if tr.Allows(confirmed) {
			assert.Equal(t, BookingStatusConfirmed, tr.To.Status, tr.Name)
		}
	}
}

func TestCheckInvariants(t *testing.T) {
	ref := sql.NullString{String: "PNR123", Valid: true}

	ok := &Booking{Status: BookingStatusConfirmed, PaymentStatus: PaymentStatusPaid, ProviderReference: ref}
	assert.NoError(t, ok.CheckInvariants())

	early := &Booking{Status: BookingStatusPendingPayment, PaymentStatus: PaymentStatusPending, ProviderReference: ref}
	assert.Error(t, early.CheckInvariants())

	unflagged := &Booking{ID: "b1", Status: BookingStatusCancelled, PaymentStatus: PaymentStatusPaid}
	assert.Error(t, unflagged.CheckInvariants())

	unflagged.RequiresAdminReview = true
	assert.NoError(t, unflagged.CheckInvariants())
}

func TestPaymentStatusNullRoundTrip(t *testing.T) {
	var ps PaymentStatus
	require.NoError(t, ps.Scan(nil))
	assert.Equal(t, PaymentStatusNone, ps)

	v, err := ps.Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, ps.Scan([]byte("paid")))
	assert.Equal(t, PaymentStatusPaid, ps)

	out, err := json.Marshal(struct {
		PS PaymentStatus `json:"ps"`
	}{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ps":null}`, string(out))
}

func TestOfferQuote(t *testing.T) {
	cases := []struct {
		name     string
		offer    OfferPayload
		price    float64
		currency string
		err      error
	}{
		{
			name:     "flight grand total string",
			offer:    OfferPayload{ProductFlight, json.RawMessage(`{"id":"1","price":{"currency":"usd","total":"240.00","grandTotal":"250.00"}}`)},
			price:    250,
			currency: "USD",
		},
		{
			name:     "flight total only",
			offer:    OfferPayload{ProductFlight, json.RawMessage(`{"price":{"currency":"EUR","total":99.5}}`)},
			price:    99.5,
			currency: "EUR",
		},
		{
			name:     "hotel offers array",
			offer:    OfferPayload{ProductHotel, json.RawMessage(`{"offers":[{"price":{"total":"410.20","currency":"GBP"}}]}`)},
			price:    410.2,
			currency: "GBP",
		},
		{
			name:     "hotel flat price",
			offer:    OfferPayload{ProductHotel, json.RawMessage(`{"price":120,"currency":"usd"}`)},
			price:    120,
			currency: "USD",
		},
		{
			name:     "car quotation",
			offer:    OfferPayload{ProductCar, json.RawMessage(`{"quotation":{"monetaryAmount":"75.00","currencyCode":"EUR"}}`)},
			price:    75,
			currency: "EUR",
		},
		{
			name:  "missing price",
			offer: OfferPayload{ProductFlight, json.RawMessage(`{"id":"1"}`)},
			err:   ErrOfferPriceMissing,
		},
		{
			name:  "empty payload",
			offer: OfferPayload{ProductCar, nil},
			err:   ErrOfferPriceMissing,
		},
		{
			name:  "price without currency",
			offer: OfferPayload{ProductHotel, json.RawMessage(`{"offers":[{"price":{"total":"410.20"}}]}`)},
			err:   ErrOfferCurrencyMissing,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			price, currency, err := tc.offer.Quote()
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tc.price, price, 0.0001)
			assert.Equal(t, tc.currency, currency)
		})
	}
}

func TestOfferFingerprint(t *testing.T) {
	a, err := OfferPayload{ProductFlight, json.RawMessage(`{"id":"1", "price":{"grandTotal":"100.00"}}`)}.Fingerprint()
	require.NoError(t, err)

	b, err := OfferPayload{ProductFlight, json.RawMessage("{\n  \"id\": \"1\",\n  \"price\": {\"grandTotal\": \"100.00\"}\n}")}.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := OfferPayload{ProductFlight, json.RawMessage(`{"id":"2","price":{"grandTotal":"900.00"}}`)}.Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	d, err := OfferPayload{ProductHotel, json.RawMessage(`{"id":"1","price":{"grandTotal":"100.00"}}`)}.Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, a, d)

	_, err = OfferPayload{ProductFlight, json.RawMessage(`{"id":`)}.Fingerprint()
	assert.Error(t, err)
}

func TestErrorCode(t *testing.T) {
	wrapped := fmt.Errorf("failed to create hold: %w", NewError(CodeTermsNotAccepted, "terms"))
	assert.Equal(t, CodeTermsNotAccepted, ErrorCode(wrapped))
	assert.Equal(t, CodeInternalError, ErrorCode(errors.New("boom")))

	pc := PriceChangedError(100, 130, "USD")
	assert.Equal(t, 100.0, pc.Details["original_price"])
	assert.Equal(t, 130.0, pc.Details["new_price"])
}

func TestHoldExpired(t *testing.T) {
	now := time.Now()
	b := &Booking{HoldExpiry: now.Add(time.Minute)}
	assert.False(t, b.HoldExpired(now))
	assert.True(t, b.HoldExpired(now.Add(2*time.Minute)))
}
