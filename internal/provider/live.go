package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"booking-orchestrator/config"
	"booking-orchestrator/internal/models"
	"booking-orchestrator/internal/util"

	"github.com/goccy/go-json"
	circuit "github.com/rubyist/circuitbreaker"
	"go.uber.org/zap"
)

// LiveClient is an HTTP adapter for an Amadeus-style self-service API
type LiveClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	timeout      time.Duration
	http         *http.Client
	breaker      *circuit.Breaker
	tokens       *TokenCache
	logger       *zap.Logger
}

// NewLiveClient creates a provider client backed by HTTP
func NewLiveClient(cfg config.ProviderConfig) *LiveClient {
	c := &LiveClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		timeout:      cfg.RequestTimeout,
		http:         &http.Client{Timeout: cfg.RequestTimeout},
		breaker:      circuit.NewConsecutiveBreaker(cfg.BreakerFails),
		logger:       util.GetLogger(),
	}
	c.tokens = NewTokenCache(c.fetchToken, 30*time.Second)
	return c
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (c *LiveClient) fetchToken(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/security/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("failed to request provider token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, decodeError(resp)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", 0, fmt.Errorf("failed to decode provider token: %w", err)
	}
	if tr.AccessToken == "" {
		return "", 0, fmt.Errorf("provider returned empty access token")
	}

	c.logger.Debug("Provider token refreshed", zap.Int("expires_in", tr.ExpiresIn))
	return tr.AccessToken, time.Duration(tr.ExpiresIn) * time.Second, nil
}

// do sends an authenticated JSON request and decodes a 2xx body into out. A
// 401 invalidates the cached token and the call is retried once.
func (c *LiveClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal provider request: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}

		var status int
		var respBody []byte
		err = c.breaker.Call(func() error {
			req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+token)
			req.Header.Set("Content-Type", "application/vnd.amadeus+json")

			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			status = resp.StatusCode
			respBody, err = io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if status >= 500 {
				return errorFromBody(status, respBody)
			}
			return nil
		}, c.timeout)
		if err != nil {
			return err
		}

		if status == http.StatusUnauthorized && attempt == 0 {
			c.tokens.Invalidate()
			continue
		}
		if status < 200 || status >= 300 {
			return errorFromBody(status, respBody)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode provider response: %w", err)
		}
		return nil
	}

	return &Error{StatusCode: http.StatusUnauthorized, Detail: "provider rejected refreshed token"}
}

type errorEnvelope struct {
	Errors []struct {
		Status int    `json:"status"`
		Code   int    `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return errorFromBody(resp.StatusCode, body)
}

func errorFromBody(status int, body []byte) error {
	pe := &Error{
		StatusCode: status,
		Retryable:  status == http.StatusTooManyRequests || status >= 500,
	}

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && len(env.Errors) > 0 {
		pe.Code = fmt.Sprintf("%d", env.Errors[0].Code)
		pe.Detail = strings.TrimSpace(env.Errors[0].Title + " " + env.Errors[0].Detail)
	}

	switch status {
	case http.StatusNotFound, http.StatusGone, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrOfferExpired, pe.Detail)
	}
	return pe
}

// Price re-prices a flight offer
func (c *LiveClient) Price(ctx context.Context, offer models.OfferPayload) (*Quote, error) {
	if offer.ProductType != models.ProductFlight {
		return nil, ErrUnsupportedType
	}

	ctx, span := util.StartSpan(ctx, "LiveClient.Price")
	defer span.End()

	req := map[string]interface{}{
		"data": map[string]interface{}{
			"type":         "flight-offers-pricing",
			"flightOffers": []json.RawMessage{offer.Raw},
		},
	}

	var resp struct {
		Data struct {
			FlightOffers []json.RawMessage `json:"flightOffers"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/shopping/flight-offers/pricing", req, &resp); err != nil {
		return nil, util.SpanError(span, err)
	}
	if len(resp.Data.FlightOffers) == 0 {
		return nil, ErrOfferExpired
	}

	priced := models.OfferPayload{ProductType: models.ProductFlight, Raw: resp.Data.FlightOffers[0]}
	price, currency, err := priced.Quote()
	if err != nil {
		return nil, util.SpanError(span, fmt.Errorf("failed to read priced offer: %w", err))
	}

	return &Quote{Price: price, Currency: currency, Offer: priced}, nil
}

// Finalize books the paid offer with the provider
func (c *LiveClient) Finalize(ctx context.Context, booking *models.Booking) (string, error) {
	ctx, span := util.StartSpan(ctx, "LiveClient.Finalize")
	defer span.End()

	var (
		ref string
		err error
	)
	switch booking.ProductType {
	case models.ProductFlight:
		ref, err = c.createFlightOrder(ctx, booking)
	case models.ProductHotel:
		ref, err = c.createHotelBooking(ctx, booking)
	case models.ProductCar:
		ref, err = c.createTransferOrder(ctx, booking)
	default:
		err = ErrUnsupportedType
	}
	return ref, util.SpanError(span, err)
}

type offerExtras struct {
	ID        string            `json:"id"`
	Travelers []json.RawMessage `json:"travelers"`
	Offers    []struct {
		ID string `json:"id"`
	} `json:"offers"`
}

func (c *LiveClient) createFlightOrder(ctx context.Context, b *models.Booking) (string, error) {
	var extras offerExtras
	_ = json.Unmarshal(b.OfferSnapshot, &extras)

	req := map[string]interface{}{
		"data": map[string]interface{}{
			"type":         "flight-order",
			"flightOffers": []json.RawMessage{b.OfferSnapshot},
			"travelers":    extras.Travelers,
			"remarks": map[string]interface{}{
				"general": []map[string]string{{"subType": "GENERAL_MISCELLANEOUS", "text": "REF " + b.Reference()}},
			},
			"contacts": []map[string]interface{}{{
				"emailAddress": b.CustomerEmail,
				"purpose":      "STANDARD",
			}},
		},
	}

	var resp struct {
		Data struct {
			ID                string `json:"id"`
			AssociatedRecords []struct {
				Reference string `json:"reference"`
			} `json:"associatedRecords"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/booking/flight-orders", req, &resp); err != nil {
		return "", err
	}
	if len(resp.Data.AssociatedRecords) > 0 && resp.Data.AssociatedRecords[0].Reference != "" {
		return resp.Data.AssociatedRecords[0].Reference, nil
	}
	if resp.Data.ID != "" {
		return resp.Data.ID, nil
	}
	return "", missingReference("flight order")
}

func (c *LiveClient) createHotelBooking(ctx context.Context, b *models.Booking) (string, error) {
	var extras offerExtras
	_ = json.Unmarshal(b.OfferSnapshot, &extras)

	offerID := extras.ID
	if len(extras.Offers) > 0 {
		offerID = extras.Offers[0].ID
	}

	first, last := splitName(b.CustomerName)
	req := map[string]interface{}{
		"data": map[string]interface{}{
			"offerId": offerID,
			"guests": []map[string]interface{}{{
				"name":    map[string]string{"firstName": first, "lastName": last},
				"contact": map[string]string{"email": b.CustomerEmail, "phone": b.CustomerPhone},
			}},
		},
	}

	var resp struct {
		Data []struct {
			ID                     string `json:"id"`
			ProviderConfirmationID string `json:"providerConfirmationId"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/booking/hotel-bookings", req, &resp); err != nil {
		return "", err
	}
	if len(resp.Data) > 0 && resp.Data[0].ProviderConfirmationID != "" {
		return resp.Data[0].ProviderConfirmationID, nil
	}
	if len(resp.Data) > 0 && resp.Data[0].ID != "" {
		return resp.Data[0].ID, nil
	}
	return "", missingReference("hotel booking")
}

func (c *LiveClient) createTransferOrder(ctx context.Context, b *models.Booking) (string, error) {
	var extras offerExtras
	_ = json.Unmarshal(b.OfferSnapshot, &extras)

	first, last := splitName(b.CustomerName)
	req := map[string]interface{}{
		"data": map[string]interface{}{
			"passengers": []map[string]interface{}{{
				"firstName": first,
				"lastName":  last,
				"contacts":  map[string]string{"email": b.CustomerEmail, "phoneNumber": b.CustomerPhone},
			}},
		},
	}

	var resp struct {
		Data struct {
			ID        string `json:"id"`
			Transfers []struct {
				ConfirmNbr string `json:"confirmNbr"`
			} `json:"transfers"`
		} `json:"data"`
	}
	path := "/v1/ordering/transfer-orders?offerId=" + url.QueryEscape(extras.ID)
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return "", err
	}
	if len(resp.Data.Transfers) > 0 && resp.Data.Transfers[0].ConfirmNbr != "" {
		return resp.Data.Transfers[0].ConfirmNbr, nil
	}
	if resp.Data.ID != "" {
		return resp.Data.ID, nil
	}
	return "", missingReference("transfer order")
}

// missingReference reports an accepted order the provider did not identify.
// The order may exist, so it is never retried blindly.
func missingReference(kind string) error {
	return &Error{StatusCode: http.StatusOK, Detail: kind + " response without reference"}
}

func splitName(full string) (string, string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "GUEST", "GUEST"
	case 1:
		return strings.ToUpper(parts[0]), strings.ToUpper(parts[0])
	}
	return strings.ToUpper(strings.Join(parts[:len(parts)-1], " ")), strings.ToUpper(parts[len(parts)-1])
}
