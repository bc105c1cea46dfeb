package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"booking-orchestrator/config"

	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockEnqueuer struct {
	mock.Mock
}

func (m *MockEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	args := m.Called(ctx, task, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*asynq.TaskInfo), args.Error(1)
}

func optionValue(opts []asynq.Option, typ asynq.OptionType) (interface{}, bool) {
	for _, o := range opts {
		if o.Type() == typ {
			return o.Value(), true
		}
	}
	return nil, false
}

func TestScheduleFinalize(t *testing.T) {
	ctx := context.Background()
	enq := new(MockEnqueuer)
	enq.On("EnqueueContext", ctx, mock.Anything, mock.Anything).
		Return(&asynq.TaskInfo{ID: "finalize:bk-1:2", Queue: "default"}, nil).Once()

	err := New(enq).ScheduleFinalize(ctx, "bk-1", 2, 4*time.Second)

	require.NoError(t, err)
	enq.AssertExpectations(t)

	call := enq.Calls[0]
	task := call.Arguments.Get(1).(*asynq.Task)
	opts := call.Arguments.Get(2).([]asynq.Option)

	assert.Equal(t, TypeFinalizeBooking, task.Type())
	var payload FinalizePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, FinalizePayload{BookingID: "bk-1", Attempt: 2}, payload)

	id, ok := optionValue(opts, asynq.TaskIDOpt)
	require.True(t, ok)
	assert.Equal(t, "finalize:bk-1:2", id)

	delay, ok := optionValue(opts, asynq.ProcessInOpt)
	require.True(t, ok)
	assert.Equal(t, 4*time.Second, delay)

	retries, ok := optionValue(opts, asynq.MaxRetryOpt)
	require.True(t, ok)
	assert.Equal(t, FinalizeMaxRetry, retries)
}

func TestScheduleFinalizeDuplicateIsNotAnError(t *testing.T) {
	enq := new(MockEnqueuer)
	enq.On("EnqueueContext", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, asynq.ErrTaskIDConflict).Once()

	err := New(enq).ScheduleFinalize(context.Background(), "bk-1", 1, 0)

	assert.NoError(t, err)
}

func TestScheduleFinalizeEnqueueError(t *testing.T) {
	enq := new(MockEnqueuer)
	enq.On("EnqueueContext", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("dial tcp: connection refused")).Once()

	err := New(enq).ScheduleFinalize(context.Background(), "bk-1", 1, 0)

	assert.ErrorContains(t, err, "failed to enqueue finalization")
}

func TestRedisOpt(t *testing.T) {
	opt := RedisOpt(config.RedisConfig{Addr: "redis:6379", Password: "pw", DB: 2})

	assert.Equal(t, "redis:6379", opt.Addr)
	assert.Equal(t, "pw", opt.Password)
	assert.Equal(t, 2, opt.DB)
}

func TestFinalizeTaskID(t *testing.T) {
	assert.Equal(t, "finalize:abc:3", FinalizeTaskID("abc", 3))
}
