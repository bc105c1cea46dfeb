package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"booking-orchestrator/internal/models"

	"github.com/goccy/go-json"
)

// FakeGateway keeps sessions in memory and accepts unsigned normalized
// events as webhooks.
type FakeGateway struct {
	mu       sync.Mutex
	seq      int
	sessions map[string]*Session
	requests []SessionRequest
}

// NewFakeGateway creates an empty fake gateway
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{sessions: make(map[string]*Session)}
}

// CreateSession records the request and returns an open session
func (g *FakeGateway) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.seq++
	id := fmt.Sprintf("cs_fake_%d", g.seq)
	s := &Session{
		ID:        id,
		URL:       "https://checkout.fake.local/pay/" + id,
		Status:    SessionOpen,
		ExpiresAt: req.ExpiresAt,
	}
	g.sessions[id] = s
	g.requests = append(g.requests, req)

	cp := *s
	return &cp, nil
}

// GetSession returns a session, expiring it once its time has passed
func (g *FakeGateway) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.Status == SessionOpen && !time.Now().Before(s.ExpiresAt) {
		s.Status = SessionExpired
	}
	cp := *s
	return &cp, nil
}

// ParseWebhook decodes a normalized event without signature checks
func (g *FakeGateway) ParseWebhook(payload []byte, signature string) (*models.GatewayEvent, error) {
	var event models.GatewayEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to decode webhook: %w", err)
	}
	if event.EventType == models.GatewayEventPaymentSucceeded {
		g.SetStatus(event.SessionID, SessionComplete)
	}
	return &event, nil
}

// SetStatus forces the state of a session
func (g *FakeGateway) SetStatus(sessionID string, status SessionStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[sessionID]; ok {
		s.Status = status
	}
}

// Requests returns the session requests received so far
func (g *FakeGateway) Requests() []SessionRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]SessionRequest(nil), g.requests...)
}
