// Package scheduler enqueues and serves delayed booking jobs on asynq.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"booking-orchestrator/config"
	"booking-orchestrator/internal/util"

	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	TypeFinalizeBooking = "booking:finalize"
	TypeSweepHolds      = "booking:sweep_holds"

	finalizeTimeout = 2 * time.Minute
	// FinalizeMaxRetry bounds asynq redelivery of an attempt that failed
	// before its outcome reached the provider or the store. Provider
	// retries are scheduled as new attempts instead.
	FinalizeMaxRetry = 5
)

// FinalizePayload is the body of a finalization task
type FinalizePayload struct {
	BookingID string `json:"booking_id" validate:"required"`
	Attempt   int    `json:"attempt" validate:"min=1"`
}

// Enqueuer is the part of asynq.Client used to schedule tasks
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Scheduler puts finalization attempts on the delayed queue
type Scheduler struct {
	client Enqueuer
	logger *zap.Logger
}

// New creates a scheduler on top of an asynq client
func New(client Enqueuer) *Scheduler {
	return &Scheduler{
		client: client,
		logger: util.GetLogger(),
	}
}

// RedisOpt builds the asynq connection options
func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// InitClient creates the asynq client used for enqueueing
func InitClient(cfg config.RedisConfig) *asynq.Client {
	return asynq.NewClient(RedisOpt(cfg))
}

// FinalizeTaskID names attempt of bookingID so it is enqueued at most once
func FinalizeTaskID(bookingID string, attempt int) string {
	return fmt.Sprintf("finalize:%s:%d", bookingID, attempt)
}

// ScheduleFinalize enqueues finalization attempt for bookingID to run after
// delay. Enqueueing an attempt that is already queued is not an error.
func (s *Scheduler) ScheduleFinalize(ctx context.Context, bookingID string, attempt int, delay time.Duration) error {
	payload, err := json.Marshal(FinalizePayload{BookingID: bookingID, Attempt: attempt})
	if err != nil {
		return fmt.Errorf("failed to marshal finalize payload: %w", err)
	}

	task := asynq.NewTask(TypeFinalizeBooking, payload)
	info, err := s.client.EnqueueContext(ctx, task,
		asynq.TaskID(FinalizeTaskID(bookingID, attempt)),
		asynq.ProcessIn(delay),
		asynq.MaxRetry(FinalizeMaxRetry),
		asynq.Timeout(finalizeTimeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		s.logger.Info("Finalization attempt already queued",
			zap.String("booking_id", bookingID),
			zap.Int("attempt", attempt))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue finalization: %w", err)
	}

	s.logger.Debug("Finalization attempt queued",
		zap.String("booking_id", bookingID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue))
	return nil
}

// NewServer creates the asynq worker server
func NewServer(cfg config.RedisConfig) *asynq.Server {
	logger := util.GetLogger()
	return asynq.NewServer(
		RedisOpt(cfg),
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"default": 10,
			},
			Logger: logger.Sugar(),
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task failed",
					zap.String("task_type", task.Type()),
					zap.ByteString("payload", task.Payload()),
					zap.Error(err))
			}),
		},
	)
}

// NewServeMux maps each task type to its handler
func NewServeMux(handlers map[string]asynq.HandlerFunc) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	for taskType, handler := range handlers {
		mux.HandleFunc(taskType, handler)
	}
	return mux
}

// NewPeriodic registers the hold sweep to run on spec, a cron expression or
// "@every <duration>".
func NewPeriodic(cfg config.RedisConfig, spec string) (*asynq.Scheduler, error) {
	s := asynq.NewScheduler(RedisOpt(cfg), &asynq.SchedulerOpts{
		Logger:   util.GetLogger().Sugar(),
		Location: time.UTC,
	})

	entryID, err := s.Register(spec, asynq.NewTask(TypeSweepHolds, nil), asynq.MaxRetry(0), asynq.Timeout(time.Minute))
	if err != nil {
		return nil, fmt.Errorf("failed to register hold sweep: %w", err)
	}

	util.GetLogger().Info("Hold sweep registered", zap.String("spec", spec), zap.String("entry_id", entryID))
	return s, nil
}
