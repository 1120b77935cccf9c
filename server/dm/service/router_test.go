package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm_server/server/dm/domain"
	"dm_server/server/dm/repository"
)

func TestRouter_SendToOfflineRecipientIsQueued(t *testing.T) {
	f := newRouterFixture(t, "alice", "bob")
	alice := f.connect(t, "alice-1", "alice")

	result, err := f.router.Send(context.Background(), domain.SendInput{SenderID: "alice", RecipientID: "bob", Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryQueued, result.Status)
	require.NotNil(t, result.Message)
	assert.Equal(t, result.MessageID, result.Message.ID)
	assert.Equal(t, domain.MessageKindText, result.Message.Kind)
	assert.False(t, result.Message.IsRead)

	echoes := alice.signals(SignalMessageDelivered)
	require.Len(t, echoes, 1, "sender sessions always get the echo")
	assert.Equal(t, result.MessageID, echoes[0].MessageID)

	history, err := f.store.QueryConversation(context.Background(), "bob", "alice", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hi", history[0].Body)

	assert.Equal(t, []string{EventMessageCreated}, f.publisher.keys())
}

func TestRouter_SendReachesEveryDevice(t *testing.T) {
	f := newRouterFixture(t, "alice", "bob")
	alicePhone := f.connect(t, "alice-phone", "alice")
	aliceLaptop := f.connect(t, "alice-laptop", "alice")
	bobPhone := f.connect(t, "bob-phone", "bob")
	bobTablet := f.connect(t, "bob-tablet", "bob")

	result, err := f.router.Send(context.Background(), domain.SendInput{SenderID: "alice", RecipientID: "bob", Body: "hello"})
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryDelivered, result.Status)

	for _, sink := range []*recordingSink{alicePhone, aliceLaptop, bobPhone, bobTablet} {
		got := sink.signals(SignalMessageDelivered)
		require.Len(t, got, 1, sink.id)
		require.NotNil(t, got[0].Message)
		assert.Equal(t, "hello", got[0].Message.Body)
	}
}

func TestRouter_StorageFailureFansOutNothing(t *testing.T) {
	f := newRouterFixture(t, "alice", "bob")
	store := &failingStore{MemoryMessageRepository: f.store}
	router := NewRouter(store, f.users, f.registry, f.hub, f.dedup, nil, f.publisher, RouterConfig{})
	alice := f.connect(t, "alice-1", "alice")
	bob := f.connect(t, "bob-1", "bob")

	in := domain.SendInput{SenderID: "alice", RecipientID: "bob", Body: "lost?", ClientMsgID: "n-1"}
	result, err := router.Send(context.Background(), in)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStorage)
	assert.Equal(t, domain.DeliveryFailed, result.Status)
	assert.Equal(t, "storage_error", result.Reason)
	assert.Empty(t, alice.signals(SignalMessageDelivered))
	assert.Empty(t, bob.signals(SignalMessageDelivered))
	assert.Empty(t, f.publisher.keys())

	// the claim was released, so a retry reaches the store again
	_, err = router.Send(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, 2, store.appends)
}

func TestRouter_SendSurvivesCallerCancellation(t *testing.T) {
	f := newRouterFixture(t, "alice", "bob")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.router.Send(ctx, domain.SendInput{SenderID: "alice", RecipientID: "bob", Body: "sent while disconnecting"})
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryQueued, result.Status)

	items, err := f.store.QueryConversation(context.Background(), "alice", "bob", 0)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestRouter_SendValidation(t *testing.T) {
	f := newRouterFixture(t, "alice", "bob")

	tests := []struct {
		name string
		in   domain.SendInput
		want error
	}{
		{name: "missing sender", in: domain.SendInput{RecipientID: "bob", Body: "x"}, want: domain.ErrUnauthorized},
		{name: "missing recipient", in: domain.SendInput{SenderID: "alice", Body: "x"}, want: domain.ErrValidation},
		{name: "blank body", in: domain.SendInput{SenderID: "alice", RecipientID: "bob", Body: "   "}, want: domain.ErrValidation},
		{name: "unknown kind", in: domain.SendInput{SenderID: "alice", RecipientID: "bob", Kind: "sticker", Body: "x"}, want: domain.ErrValidation},
		{name: "file without ref", in: domain.SendInput{SenderID: "alice", RecipientID: "bob", Kind: domain.MessageKindFile}, want: domain.ErrValidation},
		{name: "file bad key", in: domain.SendInput{SenderID: "alice", RecipientID: "bob", File: &domain.FileRef{ObjectKey: "../etc/passwd"}}, want: domain.ErrValidation},
		{name: "too long", in: domain.SendInput{SenderID: "alice", RecipientID: "bob", Body: strings.Repeat("가", 4001)}, want: domain.ErrValidation},
		{name: "unknown recipient", in: domain.SendInput{SenderID: "alice", RecipientID: "mallory", Body: "x"}, want: domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := f.router.Send(context.Background(), tt.in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, domain.DeliveryFailed, result.Status)
			assert.Equal(t, domain.Reason(tt.want), result.Reason)
		})
	}

	items, err := f.store.QueryConversation(context.Background(), "alice", "bob", 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRouter_SendFile(t *testing.T) {
	f := newRouterFixture(t, "alice", "bob")

	result, err := f.router.Send(context.Background(), domain.SendInput{
		SenderID:    "alice",
		RecipientID: "bob",
		File:        &domain.FileRef{ObjectKey: "uploads/alice/report.pdf", FileName: "report.pdf", MimeType: "application/pdf", SizeBytes: 2048, URL: "https://spoofed"},
	})
	require.NoError(t, err)
	require.NotNil(t, result.Message)
	assert.Equal(t, domain.MessageKindFile, result.Message.Kind)
	assert.Equal(t, "report.pdf", result.Message.Body)
	require.NotNil(t, result.Message.File)
	assert.Empty(t, result.Message.File.URL)
	assert.Equal(t, int64(2048), result.Message.File.SizeBytes)
}

func TestRouter_DuplicateNonce(t *testing.T) {
	f := newRouterFixture(t, "alice", "bob")
	bob := f.connect(t, "bob-1", "bob")
	in := domain.SendInput{SenderID: "alice", RecipientID: "bob", Body: "once", ClientMsgID: "n-42"}

	first, err := f.router.Send(context.Background(), in)
	require.NoError(t, err)
	second, err := f.router.Send(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, domain.DeliveryDuplicate, second.Status)
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.Len(t, bob.signals(SignalMessageDelivered), 1)

	items, _ := f.store.QueryConversation(context.Background(), "alice", "bob", 0)
	assert.Len(t, items, 1)
}

func TestRouter_FingerprintWindow(t *testing.T) {
	f := newRouterFixture(t, "alice", "bob")
	clock := &fakeClock{now: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	f.dedup.now = clock.Now
	in := domain.SendInput{SenderID: "alice", RecipientID: "bob", Body: "ok"}

	_, err := f.router.Send(context.Background(), in)
	require.NoError(t, err)
	dup, err := f.router.Send(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryDuplicate, dup.Status)

	clock.Advance(2 * time.Second)
	again, err := f.router.Send(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryQueued, again.Status, "same text later is a new message")

	items, _ := f.store.QueryConversation(context.Background(), "alice", "bob", 0)
	assert.Len(t, items, 2)
}

func TestRouter_WithoutDeduplicator(t *testing.T) {
	f := newRouterFixture(t, "alice", "bob")
	router := NewRouter(f.store, f.users, f.registry, f.hub, nil, nil, nil, RouterConfig{})
	in := domain.SendInput{SenderID: "alice", RecipientID: "bob", Body: "ok", ClientMsgID: "n-1"}

	for i := 0; i < 2; i++ {
		result, err := router.Send(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, domain.DeliveryQueued, result.Status)
	}
}

func TestRouter_PublisherFailureDoesNotFailSend(t *testing.T) {
	f := newRouterFixture(t, "alice", "bob")
	f.publisher.err = errors.New("broker down")

	result, err := f.router.Send(context.Background(), domain.SendInput{SenderID: "alice", RecipientID: "bob", Body: "x"})
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryQueued, result.Status)
}

func TestRouter_MarkRead(t *testing.T) {
	f := newRouterFixture(t, "alice", "bob")
	alice := f.connect(t, "alice-1", "alice")
	bob := f.connect(t, "bob-1", "bob")
	sent, err := f.router.Send(context.Background(), domain.SendInput{SenderID: "alice", RecipientID: "bob", Body: "read me"})
	require.NoError(t, err)

	_, err = f.router.MarkRead(context.Background(), sent.MessageID, "alice")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.router.MarkRead(context.Background(), "not-a-uuid", "bob")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.router.MarkRead(context.Background(), "4f2a8a0e-7c53-4c1b-9b8e-1f43f6f2c001", "bob")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	msg, err := f.router.MarkRead(context.Background(), sent.MessageID, "bob")
	require.NoError(t, err)
	assert.True(t, msg.IsRead)
	require.NotNil(t, msg.ReadAt)
	assert.False(t, msg.ReadAt.Before(msg.CreatedAt))

	for _, sink := range []*recordingSink{alice, bob} {
		receipts := sink.signals(SignalMessageRead)
		require.Len(t, receipts, 1, sink.id)
		assert.Equal(t, sent.MessageID, receipts[0].MessageID)
	}
	assert.Equal(t, []string{EventMessageCreated, EventMessageRead}, f.publisher.keys())

	again, err := f.router.MarkRead(context.Background(), sent.MessageID, "bob")
	require.NoError(t, err)
	assert.Equal(t, msg.ReadAt, again.ReadAt, "read time is set once")
}

func TestRouter_UsesFileResolver(t *testing.T) {
	store := repository.NewMemoryMessageRepository()
	users := repository.NewMemoryUserRepository()
	for _, id := range []string{"alice", "bob"} {
		_, err := users.Create(context.Background(), domain.User{ID: id})
		require.NoError(t, err)
	}
	objects := &stubObjectStore{size: 512, contentType: "image/png", signed: "https://files.example/signed"}
	files := &MinioFileResolver{client: objects, bucket: "dm-files", presignTTL: time.Minute}
	router := NewRouter(store, users, NewRegistry(), NewHub(nil), nil, files, nil, RouterConfig{})

	result, err := router.Send(context.Background(), domain.SendInput{SenderID: "alice", RecipientID: "bob", File: &domain.FileRef{ObjectKey: "a/b.png", FileName: "b.png"}})
	require.NoError(t, err)
	require.NotNil(t, result.Message.File)
	assert.Equal(t, int64(512), result.Message.File.SizeBytes)
	assert.Equal(t, "image/png", result.Message.File.MimeType)
	assert.Equal(t, "https://files.example/signed", result.Message.File.URL)
}
