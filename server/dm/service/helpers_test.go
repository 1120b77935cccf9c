package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dm_server/server/dm/domain"
	"dm_server/server/dm/repository"
)

type recordingSink struct {
	id     string
	mu     sync.Mutex
	frames []ServerSignal
	refuse bool
}

func newSink(id string) *recordingSink {
	return &recordingSink{id: id}
}

func (s *recordingSink) SessionID() string {
	return s.id
}

func (s *recordingSink) Deliver(frame []byte) bool {
	if s.refuse {
		return false
	}
	var sig ServerSignal
	if err := json.Unmarshal(frame, &sig); err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, sig)
	return true
}

func (s *recordingSink) signals(kind string) []ServerSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ServerSignal
	for _, sig := range s.frames {
		if sig.Type == kind {
			out = append(out, sig)
		}
	}
	return out
}

type stubResolver map[string]string

func (s stubResolver) ResolveIdentity(token string) (string, error) {
	if userID, ok := s[token]; ok {
		return userID, nil
	}
	return "", errors.New("invalid token")
}

type publishedEvent struct {
	key     string
	payload any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, key string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{key: key, payload: payload})
	return p.err
}

func (p *recordingPublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		keys = append(keys, ev.key)
	}
	return keys
}

// failingStore fails every append and records whether it was called.
type failingStore struct {
	*repository.MemoryMessageRepository
	appends int
}

func (s *failingStore) Append(context.Context, domain.Message) (domain.Message, error) {
	s.appends++
	return domain.Message{}, errors.New("connection refused")
}

type routerFixture struct {
	store     *repository.MemoryMessageRepository
	users     *repository.MemoryUserRepository
	registry  *Registry
	hub       *Hub
	dedup     *MemoryDeduplicator
	publisher *recordingPublisher
	router    *Router
}

func newRouterFixture(t *testing.T, userIDs ...string) *routerFixture {
	t.Helper()
	f := &routerFixture{
		store:     repository.NewMemoryMessageRepository(),
		users:     repository.NewMemoryUserRepository(),
		registry:  NewRegistry(),
		hub:       NewHub(nil),
		dedup:     NewMemoryDeduplicator(),
		publisher: &recordingPublisher{},
	}
	for _, userID := range userIDs {
		_, err := f.users.Create(context.Background(), domain.User{ID: userID, DisplayName: userID})
		require.NoError(t, err)
	}
	f.router = NewRouter(f.store, f.users, f.registry, f.hub, f.dedup, nil, f.publisher, RouterConfig{})
	return f
}

// connect attaches a recording sink and registers it, the way the gateway does.
func (f *routerFixture) connect(t *testing.T, sessionID, userID string) *recordingSink {
	t.Helper()
	sink := newSink(sessionID)
	f.hub.Attach(userID, sink)
	_, err := f.registry.Register(sessionID, userID)
	require.NoError(t, err)
	return sink
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
