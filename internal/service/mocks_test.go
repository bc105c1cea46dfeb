package service

import (
	"context"
	"sync"
	"time"

	"booking-orchestrator/internal/models"
	"booking-orchestrator/internal/redisclient"
	"booking-orchestrator/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// Mock collaborators

type MockBookingStore struct {
	mock.Mock
}

func (m *MockBookingStore) InsertBooking(ctx context.Context, b *models.Booking) (bool, error) {
	args := m.Called(ctx, b)
	return args.Bool(0), args.Error(1)
}

func (m *MockBookingStore) GetBookingByID(ctx context.Context, id string) (*models.Booking, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Booking), args.Error(1)
}

func (m *MockBookingStore) GetBookingByClientRequestID(ctx context.Context, key string) (*models.Booking, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Booking), args.Error(1)
}

func (m *MockBookingStore) GetBookingBySessionID(ctx context.Context, sessionID string) (*models.Booking, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Booking), args.Error(1)
}

func (m *MockBookingStore) ApplyTransition(ctx context.Context, id string, t models.Transition, upd store.BookingUpdate) (*models.Booking, error) {
	args := m.Called(ctx, id, t, upd)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Booking), args.Error(1)
}

func (m *MockBookingStore) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]models.Booking, error) {
	args := m.Called(ctx, now, limit)
	return args.Get(0).([]models.Booking), args.Error(1)
}

func (m *MockBookingStore) ListBookingsRequiringReview(ctx context.Context, limit int) ([]models.Booking, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]models.Booking), args.Error(1)
}

func (m *MockBookingStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	args := m.Called(ctx, eventID)
	return args.Bool(0), args.Error(1)
}

func (m *MockBookingStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	args := m.Called(ctx, eventID, eventType)
	return args.Bool(0), args.Error(1)
}

type MockQuoteCache struct {
	mock.Mock
}

func (m *MockQuoteCache) SaveQuote(ctx context.Context, q *redisclient.Quote) error {
	args := m.Called(ctx, q)
	return args.Error(0)
}

func (m *MockQuoteCache) GetQuote(ctx context.Context, clientRequestID string) (*redisclient.Quote, error) {
	args := m.Called(ctx, clientRequestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*redisclient.Quote), args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishBookingEvent(ctx context.Context, event *models.BookingEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, booking *models.Booking) {
	m.Called(ctx, booking)
}

// In-memory collaborators used by the scenario and concurrency tests

// memStore mirrors the SQL store: unique client request ids, transitions
// guarded on the current pair and the table's CHECK constraints.
type memStore struct {
	mu     sync.Mutex
	byID   map[string]*models.Booking
	byKey  map[string]string
	events map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		byID:   make(map[string]*models.Booking),
		byKey:  make(map[string]string),
		events: make(map[string]string),
	}
}

func (s *memStore) InsertBooking(ctx context.Context, b *models.Booking) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byKey[b.ClientRequestID]; ok {
		return false, nil
	}
	now := time.Now()
	b.CreatedAt, b.UpdatedAt = now, now
	cp := *b
	s.byID[b.ID] = &cp
	s.byKey[b.ClientRequestID] = b.ID
	return true, nil
}

func (s *memStore) GetBookingByID(ctx context.Context, id string) (*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *memStore) GetBookingByClientRequestID(ctx context.Context, key string) (*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byKey[key]
	if !ok {
		return nil, nil
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *memStore) GetBookingBySessionID(ctx context.Context, sessionID string) (*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.byID {
		if b.PaymentSessionID.Valid && b.PaymentSessionID.String == sessionID {
			cp := *b
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *memStore) ApplyTransition(ctx context.Context, id string, t models.Transition, upd store.BookingUpdate) (*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[id]
	if !ok || !t.Allows(cur.Pair()) {
		return nil, store.ErrStaleState
	}

	b := *cur
	b.Status = t.To.Status
	b.PaymentStatus = t.To.PaymentStatus
	b.UpdatedAt = time.Now()
	if upd.PaymentSessionID != nil {
		b.PaymentSessionID.String, b.PaymentSessionID.Valid = *upd.PaymentSessionID, true
	}
	if upd.CheckoutURL != nil {
		b.CheckoutURL.String, b.CheckoutURL.Valid = *upd.CheckoutURL, true
	}
	if upd.ProviderReference != nil {
		b.ProviderReference.String, b.ProviderReference.Valid = *upd.ProviderReference, true
	}
	if upd.LastError != nil {
		b.LastError.String, b.LastError.Valid = *upd.LastError, *upd.LastError != ""
	}
	if upd.RequiresAdminReview != nil {
		b.RequiresAdminReview = *upd.RequiresAdminReview
	}
	if upd.FinalizeAttempts != nil {
		b.FinalizeAttempts = *upd.FinalizeAttempts
	}
	if upd.ConfirmedAt != nil {
		b.ConfirmedAt.Time, b.ConfirmedAt.Valid = *upd.ConfirmedAt, true
	}
	if upd.TicketIssuedAt != nil {
		b.TicketIssuedAt.Time, b.TicketIssuedAt.Valid = *upd.TicketIssuedAt, true
	}
	if err := b.CheckInvariants(); err != nil {
		return nil, err
	}

	s.byID[id] = &b
	cp := b
	return &cp, nil
}

func (s *memStore) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Booking
	for _, b := range s.byID {
		if b.Status == models.BookingStatusPendingPayment && !b.HoldExpiry.After(now) && len(out) < limit {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (s *memStore) ListBookingsRequiringReview(ctx context.Context, limit int) ([]models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Booking
	for _, b := range s.byID {
		if b.RequiresAdminReview && len(out) < limit {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (s *memStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.events[eventID]
	return ok, nil
}

func (s *memStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[eventID]; ok {
		return false, nil
	}
	s.events[eventID] = eventType
	return true, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

type memLocker struct {
	mu   sync.Mutex
	held map[string]string
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]string)}
}

func (l *memLocker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*redisclient.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, nil
	}
	lock := &redisclient.Lock{Key: key, Token: uuid.NewString()}
	l.held[key] = lock.Token
	return lock, nil
}

func (l *memLocker) ReleaseLock(ctx context.Context, lock *redisclient.Lock) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lock != nil && l.held[lock.Key] == lock.Token {
		delete(l.held, lock.Key)
	}
	return nil
}

type memCache struct {
	mu     sync.Mutex
	quotes map[string]redisclient.Quote
}

func newMemCache() *memCache {
	return &memCache{quotes: make(map[string]redisclient.Quote)}
}

func (c *memCache) SaveQuote(ctx context.Context, q *redisclient.Quote) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[q.ClientRequestID] = *q
	return nil
}

func (c *memCache) GetQuote(ctx context.Context, clientRequestID string) (*redisclient.Quote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.quotes[clientRequestID]
	if !ok {
		return nil, nil
	}
	return &q, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*models.BookingEvent
}

func (p *recordingPublisher) PublishBookingEvent(ctx context.Context, event *models.BookingEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.EventType
	}
	return out
}

type scheduledTask struct {
	BookingID string
	Attempt   int
	Delay     time.Duration
}

// queueScheduler records enqueued attempts so tests can run them in order
type queueScheduler struct {
	mu    sync.Mutex
	tasks []scheduledTask
	err   error
}

func (q *queueScheduler) ScheduleFinalize(ctx context.Context, bookingID string, attempt int, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, scheduledTask{BookingID: bookingID, Attempt: attempt, Delay: delay})
	return nil
}

func (q *queueScheduler) pop() (scheduledTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return scheduledTask{}, false
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return t, true
}

type countingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *countingNotifier) Notify(ctx context.Context, booking *models.Booking) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, booking.ID)
}
