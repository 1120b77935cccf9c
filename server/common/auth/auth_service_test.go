package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_RoundTrip(t *testing.T) {
	s := NewService("secret", 60)

	token, err := s.GenerateToken("alice")
	require.NoError(t, err)

	userID, err := s.ResolveIdentity(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
}

func TestService_RejectsForeignSecret(t *testing.T) {
	token, err := NewService("secret-a", 60).GenerateToken("alice")
	require.NoError(t, err)

	_, err = NewService("secret-b", 60).ResolveIdentity(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestService_RejectsExpired(t *testing.T) {
	s := NewService("secret", 1)
	issued := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return issued }

	token, err := s.GenerateToken("alice")
	require.NoError(t, err)

	s.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = s.ResolveIdentity(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestService_RejectsGarbageAndEmptySubject(t *testing.T) {
	s := NewService("secret", 60)

	_, err := s.ResolveIdentity("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.GenerateToken("  ")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)

	assert.True(t, CheckPassword(hash, "hunter2"))
	assert.False(t, CheckPassword(hash, "hunter3"))
}
