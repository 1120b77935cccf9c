package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"dm_server/server/dm/domain"
)

const pendingClaim = "pending"

// Deduplicator collapses retransmitted sends. A claim is held while the
// message is being stored, then committed with the stored message id or
// released so the client can retry.
type Deduplicator interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (claimed bool, existingID string, err error)
	Commit(ctx context.Context, key, messageID string, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

type DedupPolicy struct {
	Window   time.Duration
	NonceTTL time.Duration
}

// Key prefers the client nonce; without one it falls back to a short
// content fingerprint window.
func (p DedupPolicy) Key(in domain.SendInput) (string, time.Duration) {
	if in.ClientMsgID != "" {
		return fmt.Sprintf("dm:dedup:nonce:%s:%s", in.SenderID, in.ClientMsgID), p.NonceTTL
	}
	h := sha256.New()
	h.Write([]byte(in.SenderID))
	h.Write([]byte{0})
	h.Write([]byte(in.RecipientID))
	h.Write([]byte{0})
	h.Write([]byte(in.Kind))
	h.Write([]byte{0})
	h.Write([]byte(in.Body))
	if in.File != nil {
		h.Write([]byte{0})
		h.Write([]byte(in.File.ObjectKey))
	}
	return "dm:dedup:fp:" + hex.EncodeToString(h.Sum(nil)), p.Window
}

type RedisDeduplicator struct {
	client *redis.Client
}

func NewRedisDeduplicator(client *redis.Client) *RedisDeduplicator {
	return &RedisDeduplicator{client: client}
}

func (d *RedisDeduplicator) Claim(ctx context.Context, key string, ttl time.Duration) (bool, string, error) {
	ok, err := d.client.SetNX(ctx, key, pendingClaim, ttl).Result()
	if err != nil {
		return false, "", err
	}
	if ok {
		return true, "", nil
	}
	existing, err := d.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	if existing == pendingClaim {
		existing = ""
	}
	return false, existing, nil
}

func (d *RedisDeduplicator) Commit(ctx context.Context, key, messageID string, ttl time.Duration) error {
	return d.client.Set(ctx, key, messageID, ttl).Err()
}

func (d *RedisDeduplicator) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, key).Err()
}

type claimEntry struct {
	value     string
	expiresAt time.Time
}

type MemoryDeduplicator struct {
	mu      sync.Mutex
	entries map[string]claimEntry
	now     func() time.Time
}

func NewMemoryDeduplicator() *MemoryDeduplicator {
	return &MemoryDeduplicator{entries: map[string]claimEntry{}, now: time.Now}
}

func (d *MemoryDeduplicator) Claim(_ context.Context, key string, ttl time.Duration) (bool, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	d.purgeLocked(now)
	if entry, ok := d.entries[key]; ok {
		if entry.value == pendingClaim {
			return false, "", nil
		}
		return false, entry.value, nil
	}
	d.entries[key] = claimEntry{value: pendingClaim, expiresAt: now.Add(ttl)}
	return true, "", nil
}

func (d *MemoryDeduplicator) Commit(_ context.Context, key, messageID string, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[key] = claimEntry{value: messageID, expiresAt: d.now().Add(ttl)}
	return nil
}

func (d *MemoryDeduplicator) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, key)
	return nil
}

func (d *MemoryDeduplicator) purgeLocked(now time.Time) {
	for key, entry := range d.entries {
		if !now.Before(entry.expiresAt) {
			delete(d.entries, key)
		}
	}
}
