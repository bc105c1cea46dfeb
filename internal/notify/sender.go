package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"booking-orchestrator/config"

	"github.com/goccy/go-json"
	circuit "github.com/rubyist/circuitbreaker"
	"go.uber.org/zap"
)

// HTTPSender posts messages to a Resend-style email API
type HTTPSender struct {
	baseURL string
	apiKey  string
	from    string
	http    *circuit.HTTPClient
}

// NewHTTPSender creates an email API sender
func NewHTTPSender(cfg config.NotificationConfig) *HTTPSender {
	return &HTTPSender{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		from:    cfg.From,
		http:    circuit.NewHTTPClient(10*time.Second, 5, &http.Client{Timeout: 10 * time.Second}),
	}
}

type emailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

// Send delivers msg through the email API
func (s *HTTPSender) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(emailRequest{
		From:    s.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Text:    msg.Body,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/emails", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("email request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("email api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// LogSender writes messages to the log instead of delivering them
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a log-only sender
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs msg
func (s *LogSender) Send(ctx context.Context, msg Message) error {
	s.logger.Info("Notification",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body))
	return nil
}
