package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"booking-orchestrator/config"
	"booking-orchestrator/internal/models"
	"booking-orchestrator/internal/util"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	circuit "github.com/rubyist/circuitbreaker"
)

const signatureTolerance = 5 * time.Minute

// CheckoutClient is a Stripe-style hosted checkout adapter
type CheckoutClient struct {
	baseURL       string
	secretKey     string
	webhookSecret string
	successURL    string
	cancelURL     string
	http          *circuit.HTTPClient
	now           func() time.Time
}

// NewCheckoutClient creates the live gateway adapter
func NewCheckoutClient(cfg config.GatewayConfig) *CheckoutClient {
	return &CheckoutClient{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		secretKey:     cfg.SecretKey,
		webhookSecret: cfg.WebhookSecret,
		successURL:    cfg.SuccessURL,
		cancelURL:     cfg.CancelURL,
		http:          circuit.NewHTTPClient(cfg.RequestTimeout, 5, &http.Client{Timeout: cfg.RequestTimeout}),
		now:           time.Now,
	}
}

type sessionObject struct {
	ID                string            `json:"id"`
	URL               string            `json:"url"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	ExpiresAt         int64             `json:"expires_at"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
}

func (o *sessionObject) session() *Session {
	return &Session{
		ID:        o.ID,
		URL:       o.URL,
		Status:    SessionStatus(o.Status),
		ExpiresAt: time.Unix(o.ExpiresAt, 0),
	}
}

func (c *CheckoutClient) send(ctx context.Context, method, path string, form url.Values, idempotencyKey string) (*sessionObject, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrSessionNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var obj sessionObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return &obj, nil
}

func fillBookingID(tmpl, bookingID string) string {
	return strings.ReplaceAll(tmpl, "{BOOKING_ID}", url.QueryEscape(bookingID))
}

// CreateSession opens a checkout for exactly the booking's amount
func (c *CheckoutClient) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutClient.CreateSession")
	defer span.End()

	currency := strings.ToLower(req.Currency)
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("client_reference_id", req.BookingID)
	form.Set("metadata[booking_id]", req.BookingID)
	form.Set("metadata[reference]", req.Reference)
	form.Set("payment_intent_data[metadata][booking_id]", req.BookingID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", currency)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(ToMinorUnits(req.Amount, req.Currency), 10))
	form.Set("line_items[0][price_data][product_data][name]", req.Description)
	form.Set("expires_at", strconv.FormatInt(req.ExpiresAt.Unix(), 10))
	form.Set("success_url", fillBookingID(c.successURL, req.BookingID))
	form.Set("cancel_url", fillBookingID(c.cancelURL, req.BookingID))
	if req.CustomerEmail != "" {
		form.Set("customer_email", req.CustomerEmail)
	}

	// A fresh key per attempt: reuse of an open session is decided by the caller.
	obj, err := c.send(ctx, http.MethodPost, "/v1/checkout/sessions", form, uuid.NewString())
	if err != nil {
		return nil, util.SpanError(span, err)
	}
	return obj.session(), nil
}

// GetSession fetches a session's current state
func (c *CheckoutClient) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	obj, err := c.send(ctx, http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(sessionID), nil, "")
	if err != nil {
		return nil, err
	}
	return obj.session(), nil
}

type webhookEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseWebhook verifies the t=...,v1=... signature header and normalizes the
// event.
func (c *CheckoutClient) ParseWebhook(payload []byte, signature string) (*models.GatewayEvent, error) {
	if err := verifySignature(payload, signature, c.webhookSecret, c.now()); err != nil {
		return nil, err
	}

	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("failed to decode webhook: %w", err)
	}

	var obj sessionObject
	if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode webhook object: %w", err)
	}

	event := &models.GatewayEvent{
		BaseEvent: models.BaseEvent{
			EventID:   env.ID,
			Timestamp: time.Unix(env.Created, 0),
		},
		BookingID: obj.Metadata["booking_id"],
		Status:    obj.PaymentStatus,
		Currency:  strings.ToUpper(obj.Currency),
		Amount:    FromMinorUnits(obj.AmountTotal, obj.Currency),
	}
	if event.BookingID == "" {
		event.BookingID = obj.ClientReferenceID
	}
	if strings.HasPrefix(env.Type, "checkout.session.") {
		event.SessionID = obj.ID
	}

	switch env.Type {
	case "checkout.session.completed":
		if obj.PaymentStatus != "paid" && obj.PaymentStatus != "no_payment_required" {
			// delayed payment methods report through async_payment_* later
			return nil, nil
		}
		event.EventType = models.GatewayEventPaymentSucceeded
	case "checkout.session.async_payment_succeeded":
		event.EventType = models.GatewayEventPaymentSucceeded
	case "checkout.session.async_payment_failed", "payment_intent.payment_failed":
		event.EventType = models.GatewayEventPaymentFailed
	case "checkout.session.expired":
		event.EventType = models.GatewayEventSessionExpired
	default:
		return nil, nil
	}
	return event, nil
}

func verifySignature(payload []byte, header, secret string, now time.Time) error {
	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return ErrInvalidSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if age := now.Sub(time.Unix(ts, 0)); age > signatureTolerance || age < -signatureTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected := Sign(payload, secret, ts)
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// Sign computes the v1 signature for payload at unix time ts
func Sign(payload []byte, secret string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// IsInvalidSignature reports whether err is an authentication failure
func IsInvalidSignature(err error) bool {
	return errors.Is(err, ErrInvalidSignature)
}
