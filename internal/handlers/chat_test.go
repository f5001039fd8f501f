package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"familychat-service/internal/directory"
	"familychat-service/internal/mocks"
	"familychat-service/internal/models"
	"familychat-service/internal/realtime"
	"familychat-service/internal/repositories"
)

type chatHandlerFixture struct {
	chatRepo    *mocks.ChatRepositoryMock
	messageRepo *mocks.MessageRepositoryMock
	profileRepo *mocks.ProfileRepositoryMock
	feed        *realtime.MemoryFeed
	router      *gin.Engine
}

func setupChatHandler() chatHandlerFixture {
	gin.SetMode(gin.TestMode)
	chatRepo := new(mocks.ChatRepositoryMock)
	messageRepo := new(mocks.MessageRepositoryMock)
	profileRepo := new(mocks.ProfileRepositoryMock)
	feed := realtime.NewMemoryFeed()
	dir := directory.New(chatRepo, messageRepo, profileRepo)
	handler := NewChatHandler(dir, chatRepo, messageRepo, profileRepo, feed)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userID", 1)
		c.Next()
	})
	r.GET("/chats", handler.ListChats)
	r.POST("/chats/start", handler.StartChat)
	r.POST("/chats/:chat_id/members", handler.AddChatMember)
	r.GET("/chats/:chat_id/messages", handler.GetChatMessages)
	r.POST("/chats/:chat_id/messages", handler.PostChatMessage)

	return chatHandlerFixture{
		chatRepo:    chatRepo,
		messageRepo: messageRepo,
		profileRepo: profileRepo,
		feed:        feed,
		router:      r,
	}
}

func TestListChatsSuccess(t *testing.T) {
	f := setupChatHandler()

	f.chatRepo.On("ListChats", mock.Anything, 1).Return([]models.Chat{
		{ID: 5, Kind: models.ChatKindGroup, FamilyID: 1, Members: []int{1, 2}},
	}, nil).Once()
	f.messageRepo.On("LatestMessages", mock.Anything, []int{5}).Return(map[int]models.Message{}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/chats", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Contains(t, resp, "chats")

	f.chatRepo.AssertExpectations(t)
	f.messageRepo.AssertExpectations(t)
}

func TestListChatsRepoError(t *testing.T) {
	f := setupChatHandler()

	f.chatRepo.On("ListChats", mock.Anything, 1).Return(([]models.Chat)(nil), assert.AnError).Once()

	req := httptest.NewRequest(http.MethodGet, "/chats", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	f.chatRepo.AssertExpectations(t)
}

func TestStartChatReusesPrivateChat(t *testing.T) {
	f := setupChatHandler()

	f.chatRepo.On("CreateOrGetPrivateChat", mock.Anything, 1, 1, 2).
		Return(models.Chat{ID: 5, Kind: models.ChatKindPrivate, FamilyID: 1, Members: []int{1, 2}}, nil).Once()

	body := bytes.NewBufferString(`{"member_ids":[2],"family_id":1}`)
	req := httptest.NewRequest(http.MethodPost, "/chats/start", body)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	f.chatRepo.AssertExpectations(t)
}

func TestStartChatGroup(t *testing.T) {
	f := setupChatHandler()

	f.chatRepo.On("CreateGroupChat", mock.Anything, 1, []int{2, 3, 1}).
		Return(models.Chat{ID: 6, Kind: models.ChatKindGroup, FamilyID: 1, Members: []int{1, 2, 3}}, nil).Once()

	body := bytes.NewBufferString(`{"member_ids":[2,3],"family_id":1}`)
	req := httptest.NewRequest(http.MethodPost, "/chats/start", body)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	f.chatRepo.AssertExpectations(t)
}

func TestStartChatSelfOnly(t *testing.T) {
	f := setupChatHandler()

	body := bytes.NewBufferString(`{"member_ids":[1],"family_id":1}`)
	req := httptest.NewRequest(http.MethodPost, "/chats/start", body)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddChatMemberSuccess(t *testing.T) {
	f := setupChatHandler()

	f.chatRepo.On("IsMember", mock.Anything, 5, 1).Return(true, nil).Once()
	f.chatRepo.On("AddMember", mock.Anything, 5, 4).Return(nil).Once()

	body := bytes.NewBufferString(`{"user_id":4}`)
	req := httptest.NewRequest(http.MethodPost, "/chats/5/members", body)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	f.chatRepo.AssertExpectations(t)
}

func TestAddChatMemberForbidden(t *testing.T) {
	f := setupChatHandler()

	f.chatRepo.On("IsMember", mock.Anything, 5, 1).Return(false, nil).Once()

	body := bytes.NewBufferString(`{"user_id":4}`)
	req := httptest.NewRequest(http.MethodPost, "/chats/5/members", body)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	f.chatRepo.AssertExpectations(t)
}

func TestAddChatMemberChatNotFound(t *testing.T) {
	f := setupChatHandler()

	f.chatRepo.On("IsMember", mock.Anything, 5, 1).Return(true, nil).Once()
	f.chatRepo.On("AddMember", mock.Anything, 5, 4).Return(repositories.ErrChatNotFound).Once()

	body := bytes.NewBufferString(`{"user_id":4}`)
	req := httptest.NewRequest(http.MethodPost, "/chats/5/members", body)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	f.chatRepo.AssertExpectations(t)
}

func TestGetChatMessagesSuccess(t *testing.T) {
	f := setupChatHandler()

	f.chatRepo.On("IsMember", mock.Anything, 5, 1).Return(true, nil).Once()
	f.messageRepo.On("ListMessages", mock.Anything, 5).Return([]models.Message{
		{ID: 1, ChatID: 5, SenderID: 2, Content: "hi", CreatedAt: time.Now()},
	}, nil).Once()
	f.profileRepo.On("BulkProfiles", mock.Anything, []int{2}).Return([]models.Profile{
		{ID: 2, Name: "mom", FamilyID: 1},
	}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/chats/5/messages", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sender_name":"mom"`)

	f.chatRepo.AssertExpectations(t)
	f.messageRepo.AssertExpectations(t)
	f.profileRepo.AssertExpectations(t)
}

func TestGetChatMessagesInvalidID(t *testing.T) {
	f := setupChatHandler()

	req := httptest.NewRequest(http.MethodGet, "/chats/abc/messages", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetChatMessagesForbidden(t *testing.T) {
	f := setupChatHandler()

	f.chatRepo.On("IsMember", mock.Anything, 5, 1).Return(false, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/chats/5/messages", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	f.chatRepo.AssertExpectations(t)
}

func TestPostChatMessagePublishesToFeed(t *testing.T) {
	f := setupChatHandler()

	stored := models.Message{ID: 7, ChatID: 5, SenderID: 1, Content: "hi", CreatedAt: time.Now()}
	f.chatRepo.On("GetChat", mock.Anything, 5).
		Return(models.Chat{ID: 5, Kind: models.ChatKindGroup, FamilyID: 1, Members: []int{1, 2}}, nil).Once()
	f.messageRepo.On("CreateMessage", mock.Anything, 5, 1, "hi").Return(stored, nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := f.feed.Open(ctx, 5)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/chats/5/messages", bytes.NewBufferString(`{"content":"hi"}`))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	select {
	case ev := <-ch.Events():
		assert.Equal(t, realtime.EventTypeInsert, ev.Type)
		assert.Equal(t, 7, ev.Message.ID)
	case <-time.After(time.Second):
		t.Fatal("expected the message on the feed")
	}

	f.chatRepo.AssertExpectations(t)
	f.messageRepo.AssertExpectations(t)
}

func TestPostChatMessageNonMember(t *testing.T) {
	f := setupChatHandler()

	f.chatRepo.On("GetChat", mock.Anything, 5).
		Return(models.Chat{ID: 5, Kind: models.ChatKindGroup, FamilyID: 1, Members: []int{2, 3}}, nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/chats/5/messages", bytes.NewBufferString(`{"content":"hi"}`))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	f.chatRepo.AssertExpectations(t)
}

func TestPostChatMessageBlankContent(t *testing.T) {
	f := setupChatHandler()

	f.chatRepo.On("GetChat", mock.Anything, 5).
		Return(models.Chat{ID: 5, Kind: models.ChatKindGroup, FamilyID: 1, Members: []int{1, 2}}, nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/chats/5/messages", bytes.NewBufferString(`{"content":"   "}`))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	f.chatRepo.AssertExpectations(t)
}

func TestPostChatMessageChatNotFound(t *testing.T) {
	f := setupChatHandler()

	f.chatRepo.On("GetChat", mock.Anything, 5).Return(models.Chat{}, repositories.ErrChatNotFound).Once()

	req := httptest.NewRequest(http.MethodPost, "/chats/5/messages", bytes.NewBufferString(`{"content":"hi"}`))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	f.chatRepo.AssertExpectations(t)
}
