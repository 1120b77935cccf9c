package service

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"dm_server/server/dm/domain"
)

type PresenceEvent struct {
	Version uint64
	UserID  string
	Online  bool
	Users   []domain.PresenceStatus
}

// PresenceSnapshot is immutable once published.
type PresenceSnapshot struct {
	Version  uint64
	sessions map[string]int
	lastSeen map[string]time.Time
}

func (s *PresenceSnapshot) IsOnline(userID string) bool {
	return s.sessions[userID] > 0
}

func (s *PresenceSnapshot) OnlineUsers() []string {
	users := make([]string, 0, len(s.sessions))
	for userID := range s.sessions {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

func (s *PresenceSnapshot) Statuses() []domain.PresenceStatus {
	statuses := make([]domain.PresenceStatus, 0, len(s.sessions)+len(s.lastSeen))
	for userID := range s.sessions {
		statuses = append(statuses, domain.PresenceStatus{UserID: userID, IsOnline: true})
	}
	for userID, seen := range s.lastSeen {
		if s.sessions[userID] > 0 {
			continue
		}
		at := seen
		statuses = append(statuses, domain.PresenceStatus{UserID: userID, IsOnline: false, LastSeen: &at})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].UserID < statuses[j].UserID })
	return statuses
}

// Registry maps users to their live sessions in this process. Writers
// serialize on mu; readers load the latest snapshot without locking.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]string
	users    map[string]map[string]struct{}
	lastSeen map[string]time.Time
	version  uint64
	snapshot atomic.Pointer[PresenceSnapshot]
	listener atomic.Pointer[func(PresenceEvent)]
	now      func() time.Time
}

func NewRegistry() *Registry {
	r := &Registry{
		sessions: map[string]string{},
		users:    map[string]map[string]struct{}{},
		lastSeen: map[string]time.Time{},
		now:      time.Now,
	}
	r.snapshot.Store(&PresenceSnapshot{sessions: map[string]int{}, lastSeen: map[string]time.Time{}})
	return r
}

// OnChange installs the callback invoked after every registry change.
// It runs outside the registry lock; consumers order events by Version.
func (r *Registry) OnChange(fn func(PresenceEvent)) {
	r.listener.Store(&fn)
}

func (r *Registry) Register(sessionID, userID string) (bool, error) {
	if sessionID == "" || userID == "" {
		return false, fmt.Errorf("%w: session and user are required", domain.ErrValidation)
	}

	r.mu.Lock()
	if owner, ok := r.sessions[sessionID]; ok {
		r.mu.Unlock()
		if owner == userID {
			return false, nil
		}
		return false, fmt.Errorf("%w: session %s belongs to another user", domain.ErrConflict, sessionID)
	}
	r.sessions[sessionID] = userID
	set, ok := r.users[userID]
	if !ok {
		set = map[string]struct{}{}
		r.users[userID] = set
	}
	set[sessionID] = struct{}{}
	snap := r.publishLocked()
	r.mu.Unlock()

	r.emit(snap, userID, true)
	return true, nil
}

func (r *Registry) Deregister(sessionID string) (string, bool) {
	r.mu.Lock()
	userID, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	delete(r.sessions, sessionID)
	set := r.users[userID]
	delete(set, sessionID)
	online := len(set) > 0
	if !online {
		delete(r.users, userID)
		r.lastSeen[userID] = r.now().UTC()
	}
	snap := r.publishLocked()
	r.mu.Unlock()

	r.emit(snap, userID, online)
	return userID, true
}

func (r *Registry) IsOnline(userID string) bool {
	return r.snapshot.Load().IsOnline(userID)
}

func (r *Registry) ListOnlineUsers() []string {
	return r.snapshot.Load().OnlineUsers()
}

func (r *Registry) Statuses() []domain.PresenceStatus {
	return r.snapshot.Load().Statuses()
}

func (r *Registry) Snapshot() *PresenceSnapshot {
	return r.snapshot.Load()
}

func (r *Registry) SessionCount(userID string) int {
	return r.snapshot.Load().sessions[userID]
}

func (r *Registry) publishLocked() *PresenceSnapshot {
	r.version++
	snap := &PresenceSnapshot{
		Version:  r.version,
		sessions: make(map[string]int, len(r.users)),
		lastSeen: make(map[string]time.Time, len(r.lastSeen)),
	}
	for userID, set := range r.users {
		snap.sessions[userID] = len(set)
	}
	for userID, seen := range r.lastSeen {
		snap.lastSeen[userID] = seen
	}
	r.snapshot.Store(snap)
	return snap
}

func (r *Registry) emit(snap *PresenceSnapshot, userID string, online bool) {
	fn := r.listener.Load()
	if fn == nil {
		return
	}
	(*fn)(PresenceEvent{Version: snap.Version, UserID: userID, Online: online, Users: snap.Statuses()})
}
