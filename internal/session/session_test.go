package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"familychat-service/internal/mocks"
	"familychat-service/internal/models"
	"familychat-service/internal/realtime"
	"familychat-service/internal/store"
)

func testMessage(id, chatID int) models.Message {
	return models.Message{ID: id, ChatID: chatID, SenderID: 2, Content: "hi", CreatedAt: time.Now()}
}

func newTestSession(t *testing.T, msgRepo *mocks.MessageRepositoryMock, opts ...Option) (*Session, *realtime.MemoryFeed) {
	t.Helper()
	feed := realtime.NewMemoryFeed()
	st := store.New(msgRepo, msgRepo, feed, time.Second)
	manager := realtime.NewManager(feed, realtime.WithRetry(5*time.Millisecond, 3))
	sess := New(1, st, manager, opts...)
	t.Cleanup(sess.Close)
	return sess, feed
}

func TestSelectChatLoadsHistoryAndSubscribes(t *testing.T) {
	msgRepo := new(mocks.MessageRepositoryMock)
	received := make(chan realtime.Event, 8)
	sess, feed := newTestSession(t, msgRepo, WithMessageListener(func(ev realtime.Event) { received <- ev }))

	chat := models.Chat{ID: 5, Kind: models.ChatKindGroup, FamilyID: 1, Members: []int{1, 2, 3}}
	msgRepo.On("ListMessages", mock.Anything, 5).Return([]models.Message{testMessage(1, 5)}, nil).Once()

	log, err := sess.SelectChat(context.Background(), chat)
	require.NoError(t, err)
	require.Len(t, log, 1)

	require.NoError(t, feed.Publish(context.Background(), 5, realtime.Event{
		Type: realtime.EventTypeInsert, Message: testMessage(2, 5),
	}))
	select {
	case ev := <-received:
		assert.Equal(t, 2, ev.Message.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the live message")
	}
	assert.Len(t, sess.Store().Log(), 2)
	msgRepo.AssertExpectations(t)
}

func TestSelectChatRejectsNonMember(t *testing.T) {
	sess, _ := newTestSession(t, new(mocks.MessageRepositoryMock))

	chat := models.Chat{ID: 5, Kind: models.ChatKindGroup, FamilyID: 1, Members: []int{2, 3}}
	_, err := sess.SelectChat(context.Background(), chat)
	require.Error(t, err)
	_, active := sess.ActiveChat()
	assert.False(t, active)
}

func TestReselectReloadsFromSource(t *testing.T) {
	msgRepo := new(mocks.MessageRepositoryMock)
	sess, _ := newTestSession(t, msgRepo)

	chatA := models.Chat{ID: 5, Kind: models.ChatKindGroup, FamilyID: 1, Members: []int{1, 2}}
	chatB := models.Chat{ID: 6, Kind: models.ChatKindGroup, FamilyID: 1, Members: []int{1, 2}}
	msgRepo.On("ListMessages", mock.Anything, 5).Return([]models.Message{testMessage(1, 5)}, nil).Twice()
	msgRepo.On("ListMessages", mock.Anything, 6).Return([]models.Message{testMessage(2, 6)}, nil).Once()

	_, err := sess.SelectChat(context.Background(), chatA)
	require.NoError(t, err)
	_, err = sess.SelectChat(context.Background(), chatB)
	require.NoError(t, err)
	assert.Equal(t, 6, sess.Store().ActiveChat())

	// switching back hits the repository again, logs are never cached
	log, err := sess.SelectChat(context.Background(), chatA)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, 1, log[0].ID)
	msgRepo.AssertExpectations(t)
}

func TestSendRoundTripThroughFeed(t *testing.T) {
	msgRepo := new(mocks.MessageRepositoryMock)
	received := make(chan realtime.Event, 8)
	sess, _ := newTestSession(t, msgRepo, WithMessageListener(func(ev realtime.Event) { received <- ev }))

	chat := models.Chat{ID: 5, Kind: models.ChatKindGroup, FamilyID: 1, Members: []int{1, 2}}
	msgRepo.On("ListMessages", mock.Anything, 5).Return([]models.Message{}, nil).Once()

	stored := models.Message{ID: 9, ChatID: 5, SenderID: 1, Content: "hello", CreatedAt: time.Now()}
	msgRepo.On("CreateMessage", mock.Anything, 5, 1, "hello").Return(stored, nil).Once()

	_, err := sess.SelectChat(context.Background(), chat)
	require.NoError(t, err)

	require.NoError(t, sess.Send(context.Background(), "hello"))

	select {
	case ev := <-received:
		assert.Equal(t, 9, ev.Message.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the sent message back on the feed")
	}

	log := sess.Store().Log()
	require.Len(t, log, 1)
	assert.Equal(t, "hello", log[0].Content)
	msgRepo.AssertExpectations(t)
}

func TestSendWithoutSelection(t *testing.T) {
	sess, _ := newTestSession(t, new(mocks.MessageRepositoryMock))
	err := sess.Send(context.Background(), "hello")
	assert.ErrorIs(t, err, store.ErrNoActiveChat)
}

func TestWatchPreviewsTracksInactiveChats(t *testing.T) {
	msgRepo := new(mocks.MessageRepositoryMock)
	previews := make(chan realtime.Event, 8)
	sess, feed := newTestSession(t, msgRepo, WithPreviewListener(func(ev realtime.Event) { previews <- ev }))

	require.NoError(t, sess.WatchPreviews(context.Background(), []int{5, 6}))

	require.NoError(t, feed.Publish(context.Background(), 6, realtime.Event{
		Type: realtime.EventTypeInsert, Message: testMessage(3, 6),
	}))
	select {
	case ev := <-previews:
		assert.Equal(t, 6, ev.Message.ChatID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a preview update")
	}

	preview, ok := sess.Store().Preview(6)
	require.True(t, ok)
	assert.Equal(t, 3, preview.ID)
	// no chat is selected, so nothing reaches the log
	assert.Empty(t, sess.Store().Log())
}

func TestDeselectStopsDelivery(t *testing.T) {
	msgRepo := new(mocks.MessageRepositoryMock)
	received := make(chan realtime.Event, 8)
	sess, feed := newTestSession(t, msgRepo, WithMessageListener(func(ev realtime.Event) { received <- ev }))

	chat := models.Chat{ID: 5, Kind: models.ChatKindGroup, FamilyID: 1, Members: []int{1, 2}}
	msgRepo.On("ListMessages", mock.Anything, 5).Return([]models.Message{}, nil).Once()
	_, err := sess.SelectChat(context.Background(), chat)
	require.NoError(t, err)

	sess.DeselectChat()
	_, active := sess.ActiveChat()
	assert.False(t, active)

	// wait for the subscription channel to fully tear down
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, feed.Publish(context.Background(), 5, realtime.Event{
		Type: realtime.EventTypeInsert, Message: testMessage(4, 5),
	}))
	select {
	case <-received:
		t.Fatal("deselected chat must not deliver messages")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, sess.Store().Log())
}
