// Package notify delivers booking confirmations to customers.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"booking-orchestrator/config"
	"booking-orchestrator/internal/models"
	"booking-orchestrator/internal/util"

	"go.uber.org/zap"
)

// Message is a rendered notification
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers a rendered message
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

const confirmationTemplate = `Hello{{with .CustomerName}} {{.}}{{end}},

Your {{.ProductType}} booking {{.Reference}} is confirmed.

Provider reference: {{.ProviderReference}}
Amount paid: {{printf "%.2f" .Amount}} {{.Currency}}

Thank you for booking with us.
`

// Dispatcher renders and sends confirmation messages. Delivery is
// best-effort: failures are logged and counted, never returned.
type Dispatcher struct {
	sender Sender
	tmpl   *template.Template
	logger *zap.Logger
}

// NewDispatcher creates a dispatcher. A nil template uses the built-in
// confirmation text.
func NewDispatcher(sender Sender, tmpl *template.Template) *Dispatcher {
	if tmpl == nil {
		tmpl = template.Must(template.New("confirmation").Parse(confirmationTemplate))
	}
	return &Dispatcher{
		sender: sender,
		tmpl:   tmpl,
		logger: util.GetLogger(),
	}
}

// NewSenderFromConfig builds the HTTP email sender or the log-only sender
func NewSenderFromConfig(cfg config.NotificationConfig) (Sender, error) {
	switch cfg.Mode {
	case "http":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("notification http mode requires NOTIFY_API_KEY")
		}
		return NewHTTPSender(cfg), nil
	case "log", "":
		return NewLogSender(util.GetLogger()), nil
	}
	return nil, fmt.Errorf("unknown notification mode %q", cfg.Mode)
}

type confirmationData struct {
	CustomerName      string
	ProductType       models.ProductType
	Reference         string
	ProviderReference string
	Amount            float64
	Currency          string
}

// Render produces the confirmation message for a finalized booking. Template
// errors fall back to a static message.
func (d *Dispatcher) Render(booking *models.Booking) Message {
	msg := Message{
		To:      booking.CustomerEmail,
		Subject: fmt.Sprintf("Booking %s confirmed", booking.Reference()),
	}

	data := confirmationData{
		CustomerName:      booking.CustomerName,
		ProductType:       booking.ProductType,
		Reference:         booking.Reference(),
		ProviderReference: booking.ProviderReference.String,
		Amount:            booking.Amount,
		Currency:          booking.Currency,
	}

	var buf bytes.Buffer
	if err := d.tmpl.Execute(&buf, data); err != nil {
		d.logger.Warn("Confirmation template failed, using static text",
			zap.String("booking_id", booking.ID),
			zap.Error(err))
		msg.Body = fmt.Sprintf("Your booking %s is confirmed. Provider reference: %s.",
			booking.Reference(), booking.ProviderReference.String)
		return msg
	}
	msg.Body = buf.String()
	return msg
}

// Notify sends the confirmation for booking
func (d *Dispatcher) Notify(ctx context.Context, booking *models.Booking) {
	ctx, span := util.StartSpan(ctx, "Dispatcher.Notify")
	defer span.End()

	logger := util.LoggerFromContext(ctx, d.logger).With(zap.String("booking_id", booking.ID))

	if booking.CustomerEmail == "" {
		util.NotificationsTotal.WithLabelValues("skipped").Inc()
		logger.Warn("No recipient for confirmation")
		return
	}

	msg := d.Render(booking)
	if err := d.sender.Send(ctx, msg); err != nil {
		util.SpanError(span, err)
		util.NotificationsTotal.WithLabelValues("failed").Inc()
		logger.Error("Failed to send confirmation", zap.Error(err))
		return
	}

	util.NotificationsTotal.WithLabelValues("sent").Inc()
	logger.Info("Confirmation sent")
}
