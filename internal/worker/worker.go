package worker

import (
	"context"
	"errors"
	"fmt"

	"booking-orchestrator/internal/broker"
	"booking-orchestrator/internal/models"
	"booking-orchestrator/internal/scheduler"
	"booking-orchestrator/internal/service"
	"booking-orchestrator/internal/util"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// CallbackHandler applies normalized payment gateway events
type CallbackHandler interface {
	HandleCallback(ctx context.Context, event *models.GatewayEvent) error
}

// Finalizer runs one provider finalization attempt
type Finalizer interface {
	Finalize(ctx context.Context, bookingID string, attempt int) (*service.FinalizeResult, error)
}

// Sweeper cancels holds whose expiry has passed
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// GatewayEventWorker consumes payment gateway events delivered over Kafka
type GatewayEventWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	payments     CallbackHandler
	logger       *zap.Logger
}

// NewGatewayEventWorker creates a new gateway event worker
func NewGatewayEventWorker(consumer *broker.Consumer, payments CallbackHandler) *GatewayEventWorker {
	w := &GatewayEventWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		payments:     payments,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnGatewayEvent(w.handleEvent)
	return w
}

// handleEvent acks events for unknown bookings so they do not block the
// partition; every other failure leaves the message uncommitted.
func (w *GatewayEventWorker) handleEvent(ctx context.Context, event *models.GatewayEvent) error {
	err := w.payments.HandleCallback(ctx, event)
	if models.ErrorCode(err) == models.CodeBookingNotFound {
		w.logger.Warn("Dropping gateway event for unknown booking",
			zap.String("event_id", event.EventID),
			zap.String("session_id", event.SessionID))
		return nil
	}
	return err
}

// Start starts the worker
func (w *GatewayEventWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting gateway event worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *GatewayEventWorker) Stop() error {
	w.logger.Info("Stopping gateway event worker")
	return w.consumer.Close()
}

// TaskHandler serves the asynq booking tasks
type TaskHandler struct {
	finalizer Finalizer
	sweeper   Sweeper
	validator *validator.Validate
	logger    *zap.Logger
}

// NewTaskHandler creates the handler for finalization and sweep tasks
func NewTaskHandler(finalizer Finalizer, sweeper Sweeper) *TaskHandler {
	return &TaskHandler{
		finalizer: finalizer,
		sweeper:   sweeper,
		validator: validator.New(),
		logger:    util.GetLogger(),
	}
}

// Handlers maps task types to their handler funcs
func (h *TaskHandler) Handlers() map[string]asynq.HandlerFunc {
	return map[string]asynq.HandlerFunc{
		scheduler.TypeFinalizeBooking: h.HandleFinalize,
		scheduler.TypeSweepHolds:      h.HandleSweep,
	}
}

// HandleFinalize runs the attempt named by the task payload. Outcomes that a
// retry cannot change are logged and acknowledged. Infrastructure failures
// are returned so asynq redelivers the attempt, except when the provider
// already acted on it.
func (h *TaskHandler) HandleFinalize(ctx context.Context, t *asynq.Task) error {
	var req scheduler.FinalizePayload
	if err := json.Unmarshal(t.Payload(), &req); err != nil {
		h.logger.Error("error unmarshal finalize payload", zap.Error(err))
		return fmt.Errorf("failed to unmarshal finalize payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := h.validator.Struct(req); err != nil {
		h.logger.Error("error validate finalize payload", zap.Error(err))
		return fmt.Errorf("invalid finalize payload: %v: %w", err, asynq.SkipRetry)
	}

	logger := h.logger.With(zap.String("booking_id", req.BookingID), zap.Int("attempt", req.Attempt))

	res, err := h.finalizer.Finalize(ctx, req.BookingID, req.Attempt)
	switch {
	case errors.Is(err, service.ErrFinalizeInProgress):
		logger.Info("Finalization already running elsewhere")
		return nil
	case errors.Is(err, service.ErrOutcomeUnrecorded):
		logger.Error("Finalization outcome lost, archiving task", zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	case err != nil && models.ErrorCode(err) != models.CodeInternalError:
		logger.Warn("Finalization task dropped", zap.Error(err))
		return nil
	case err != nil:
		return err
	}

	logger.Info("Finalization task done",
		zap.Bool("done", res.Done),
		zap.Bool("escalated", res.Escalated),
		zap.Int("next_attempt", res.NextAttempt))
	return nil
}

// HandleSweep cancels expired holds
func (h *TaskHandler) HandleSweep(ctx context.Context, t *asynq.Task) error {
	n, err := h.sweeper.SweepExpired(ctx)
	if err != nil {
		return fmt.Errorf("failed to sweep expired holds: %w", err)
	}
	h.logger.Debug("Hold sweep finished", zap.Int("cancelled", n))
	return nil
}
