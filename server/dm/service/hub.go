package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"dm_server/server/common/infra/bus"
	commonlog "dm_server/server/common/log"
	"dm_server/server/dm/domain"
)

// Sink is one live session that can accept encoded frames.
type Sink interface {
	SessionID() string
	Deliver(frame []byte) bool
}

type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[string]Sink
	bus       bus.Bus
	timeout   time.Duration
	processID string

	presenceMu sync.Mutex
	cluster    *clusterPresence
	local      hubEvent
	onPresence func(update ServerSignal)
}

type hubEvent struct {
	Kind      string                  `json:"kind"`
	UserIDs   []string                `json:"user_ids,omitempty"`
	Payload   json.RawMessage         `json:"payload,omitempty"`
	ProcessID string                  `json:"process_id,omitempty"`
	Version   uint64                  `json:"version,omitempty"`
	Users     []domain.PresenceStatus `json:"users,omitempty"`
}

const (
	hubKindNotifyUsers  = "notify_users"
	hubKindPresence     = "presence"
	hubKindPresenceSync = "presence_sync"
)

func NewHub(b bus.Bus) *Hub {
	return &Hub{
		clients:   map[string]map[string]Sink{},
		bus:       b,
		timeout:   3 * time.Second,
		processID: uuid.NewString(),
		cluster:   newClusterPresence(),
	}
}

// Start subscribes to the bus so events published by any process reach
// this one's sessions, then asks the other processes for their presence.
func (h *Hub) Start(ctx context.Context) error {
	if h.bus == nil {
		return nil
	}
	if err := h.bus.Subscribe(ctx, h.consume); err != nil {
		return err
	}
	h.publish(hubEvent{Kind: hubKindPresenceSync, ProcessID: h.processID})
	return nil
}

// OnPresence installs the receiver of merged presence updates. Without one
// the updates go to every attached sink.
func (h *Hub) OnPresence(fn func(update ServerSignal)) {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()
	h.onPresence = fn
}

// PublishPresence shares this process's registry snapshot with every process.
func (h *Hub) PublishPresence(version uint64, users []domain.PresenceStatus) {
	event := hubEvent{Kind: hubKindPresence, ProcessID: h.processID, Version: version, Users: users}
	h.presenceMu.Lock()
	if version > h.local.Version {
		h.local = event
	}
	h.presenceMu.Unlock()
	if h.publish(event) {
		return
	}
	h.applyPresence(event)
}

// Presence returns the online set merged across every process.
func (h *Hub) Presence() (uint64, []domain.PresenceStatus) {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()
	return h.cluster.version, append([]domain.PresenceStatus{}, h.cluster.users...)
}

func (h *Hub) Attach(userID string, sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sessions, ok := h.clients[userID]
	if !ok {
		sessions = map[string]Sink{}
		h.clients[userID] = sessions
	}
	sessions[sink.SessionID()] = sink
}

func (h *Hub) Detach(userID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sessions, ok := h.clients[userID]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(h.clients, userID)
		}
	}
}

// NotifyUsers pushes payload to every session of the given users, in every process.
func (h *Hub) NotifyUsers(userIDs []string, payload any) {
	userIDs = uniqueUsers(userIDs)
	frame, err := json.Marshal(payload)
	if err != nil {
		commonlog.Errorf("event=dm_hub action=encode status=failed kind=%s error=%v", hubKindNotifyUsers, err)
		return
	}
	if h.publish(hubEvent{Kind: hubKindNotifyUsers, UserIDs: userIDs, Payload: frame}) {
		return
	}
	fanoutCount := h.notifyLocal(userIDs, frame)
	commonlog.Debugf("event=dm_hub action=local_dispatch kind=%s user_count=%d fanout_count=%d", hubKindNotifyUsers, len(userIDs), fanoutCount)
}

// BroadcastLocal pushes payload to every attached sink of this process only.
func (h *Hub) BroadcastLocal(payload any) int {
	frame, err := json.Marshal(payload)
	if err != nil {
		commonlog.Errorf("event=dm_hub action=encode status=failed kind=broadcast_local error=%v", err)
		return 0
	}
	count := 0
	for _, sink := range h.sinks(nil) {
		if sink.Deliver(frame) {
			count++
		}
	}
	return count
}

func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, sessions := range h.clients {
		count += len(sessions)
	}
	return count
}

func (h *Hub) publish(event hubEvent) bool {
	if h.bus == nil {
		return false
	}
	b, err := json.Marshal(event)
	if err != nil {
		commonlog.Errorf("event=dm_hub action=publish status=failed kind=%s error=%v", event.Kind, err)
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	if err := h.bus.Publish(ctx, b); err != nil {
		commonlog.Warnf("event=dm_hub action=publish status=failed kind=%s user_count=%d error=%v", event.Kind, len(event.UserIDs), err)
		return false
	}
	commonlog.Debugf("event=dm_hub action=publish status=ok kind=%s user_count=%d", event.Kind, len(event.UserIDs))
	return true
}

func (h *Hub) consume(raw []byte) {
	var event hubEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		commonlog.Warnf("event=dm_hub action=consume status=invalid error=%v", err)
		return
	}
	switch event.Kind {
	case hubKindNotifyUsers:
		if len(event.Payload) == 0 {
			return
		}
		fanoutCount := h.notifyLocal(event.UserIDs, event.Payload)
		commonlog.Debugf("event=dm_hub action=consume status=ok kind=%s fanout_count=%d", event.Kind, fanoutCount)
	case hubKindPresence:
		if event.ProcessID == "" {
			return
		}
		h.applyPresence(event)
	case hubKindPresenceSync:
		if event.ProcessID == h.processID {
			return
		}
		h.presenceMu.Lock()
		local := h.local
		h.presenceMu.Unlock()
		if local.Version > 0 {
			h.publish(local)
		}
	default:
		commonlog.Warnf("event=dm_hub action=consume status=unknown_kind kind=%s", event.Kind)
	}
}

// applyPresence runs under presenceMu so updates leave in merge order.
func (h *Hub) applyPresence(event hubEvent) {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()
	if !h.cluster.apply(event.ProcessID, event.Version, event.Users) {
		return
	}
	update := newPresenceUpdate(h.cluster.version, h.cluster.users)
	if h.onPresence != nil {
		h.onPresence(update)
		return
	}
	h.BroadcastLocal(update)
}

func (h *Hub) notifyLocal(userIDs []string, frame []byte) int {
	if len(userIDs) == 0 {
		return 0
	}
	count := 0
	for _, sink := range h.sinks(userIDs) {
		if sink.Deliver(frame) {
			count++
		}
	}
	return count
}

// sinks copies the targeted sinks so delivery never runs under the hub lock.
func (h *Hub) sinks(userIDs []string) []Sink {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Sink, 0)
	if userIDs == nil {
		for _, sessions := range h.clients {
			for _, sink := range sessions {
				out = append(out, sink)
			}
		}
		return out
	}
	for _, userID := range userIDs {
		for _, sink := range h.clients[userID] {
			out = append(out, sink)
		}
	}
	return out
}

func uniqueUsers(userIDs []string) []string {
	unique := make([]string, 0, len(userIDs))
	seen := map[string]struct{}{}
	for _, userID := range userIDs {
		if userID == "" {
			continue
		}
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		unique = append(unique, userID)
	}
	return unique
}
