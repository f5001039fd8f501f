package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"familychat-service/internal/directory"
	"familychat-service/internal/logger"
	"familychat-service/internal/middleware"
	"familychat-service/internal/models"
	"familychat-service/internal/observability"
	"familychat-service/internal/realtime"
	"familychat-service/internal/repositories"
	"familychat-service/internal/session"
	"familychat-service/internal/store"
)

// SessionWebSocketHandler runs one sync session per websocket connection:
// the client selects a chat, receives its history plus live appends, and
// watches list previews, all multiplexed over a single socket.
type SessionWebSocketHandler struct {
	dir       *directory.Directory
	chatRepo  repositories.ChatRepository
	msgRepo   repositories.MessageRepository
	feed      realtime.Feed
	validator *middleware.TokenValidator

	opTimeout   time.Duration
	retryBudget int
	retryDelay  time.Duration
}

// NewSessionWebSocketHandler constructs a SessionWebSocketHandler.
func NewSessionWebSocketHandler(dir *directory.Directory, chatRepo repositories.ChatRepository, msgRepo repositories.MessageRepository, feed realtime.Feed, validator *middleware.TokenValidator, opTimeout time.Duration, retryDelay time.Duration, retryBudget int) *SessionWebSocketHandler {
	return &SessionWebSocketHandler{
		dir:         dir,
		chatRepo:    chatRepo,
		msgRepo:     msgRepo,
		feed:        feed,
		validator:   validator,
		opTimeout:   opTimeout,
		retryBudget: retryBudget,
		retryDelay:  retryDelay,
	}
}

type sessionCommand struct {
	Action  string `json:"action"`
	ChatID  int    `json:"chat_id,omitempty"`
	Content string `json:"content,omitempty"`
}

type sessionReply struct {
	Type     string               `json:"type"`
	ChatID   int                  `json:"chat_id,omitempty"`
	Messages []models.Message     `json:"messages,omitempty"`
	Message  *models.Message      `json:"message,omitempty"`
	Chats    []models.ChatSummary `json:"chats,omitempty"`
	State    string               `json:"state,omitempty"`
	View     string               `json:"view,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// Handle upgrades the connection and serves the session command loop.
func (h *SessionWebSocketHandler) Handle(c *gin.Context) {
	token := c.GetHeader("Authorization")
	if token == "" {
		if q := c.Query("token"); q != "" {
			token = "Bearer " + q
		}
	}
	userID, err := validateBearer(h.validator, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	observability.IncWSActive("session")
	defer observability.DecWSActive("session")

	out := make(chan sessionReply, 32)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for reply := range out {
			if err := conn.WriteJSON(reply); err != nil {
				logger.L().Warn("session write error", zap.Int("user_id", userID), zap.Error(err))
				return
			}
		}
	}()
	emit := func(reply sessionReply) {
		select {
		case out <- reply:
		case <-writerDone:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := realtime.NewManager(h.feed,
		realtime.WithRetry(h.retryDelay, h.retryBudget),
		realtime.WithStateListener(func(view string, chatID int, state realtime.ConnState) {
			emit(sessionReply{Type: "state", View: view, ChatID: chatID, State: string(state)})
		}),
	)
	st := store.New(h.msgRepo, h.msgRepo, h.feed, h.opTimeout)
	sess := session.New(userID, st, manager,
		session.WithMessageListener(func(ev realtime.Event) {
			m := ev.Message
			emit(sessionReply{Type: "message", ChatID: m.ChatID, Message: &m})
		}),
		session.WithPreviewListener(func(ev realtime.Event) {
			m := ev.Message
			emit(sessionReply{Type: "preview", ChatID: m.ChatID, Message: &m})
		}),
	)
	defer func() {
		sess.Close()
		close(out)
		<-writerDone
		conn.Close()
	}()

	for {
		var cmd sessionCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("session", "ws_error")
			}
			return
		}
		h.dispatch(ctx, sess, cmd, emit)
	}
}

func (h *SessionWebSocketHandler) dispatch(ctx context.Context, sess *session.Session, cmd sessionCommand, emit func(sessionReply)) {
	switch cmd.Action {
	case "list":
		chats, err := h.dir.ListChats(ctx, sess.UserID())
		if err != nil {
			emit(sessionReply{Type: "error", Error: "failed to load chats"})
			return
		}
		ids := make([]int, 0, len(chats))
		for _, chat := range chats {
			ids = append(ids, chat.ChatID)
		}
		if err := sess.WatchPreviews(ctx, ids); err != nil {
			emit(sessionReply{Type: "error", Error: "failed to watch previews"})
			return
		}
		emit(sessionReply{Type: "chats", Chats: chats})

	case "select":
		chat, err := h.chatRepo.GetChat(ctx, cmd.ChatID)
		if err != nil {
			if errors.Is(err, repositories.ErrChatNotFound) {
				emit(sessionReply{Type: "error", ChatID: cmd.ChatID, Error: "chat not found"})
				return
			}
			emit(sessionReply{Type: "error", ChatID: cmd.ChatID, Error: "failed to resolve chat"})
			return
		}
		log, err := sess.SelectChat(ctx, chat)
		if err != nil {
			if errors.Is(err, store.ErrStaleLoad) {
				return
			}
			emit(sessionReply{Type: "error", ChatID: cmd.ChatID, Error: "failed to load chat"})
			return
		}
		emit(sessionReply{Type: "history", ChatID: chat.ID, Messages: log})

	case "deselect":
		sess.DeselectChat()

	case "send":
		if err := sess.Send(ctx, cmd.Content); err != nil {
			switch {
			case errors.Is(err, store.ErrEmptyContent):
				emit(sessionReply{Type: "error", Error: "message content is empty"})
			case errors.Is(err, store.ErrNoActiveChat):
				emit(sessionReply{Type: "error", Error: "no chat selected"})
			default:
				// the client keeps its input so the user can retry
				emit(sessionReply{Type: "error", Error: "failed to send message"})
			}
		}

	default:
		emit(sessionReply{Type: "error", Error: "unknown action"})
	}
}

func validateBearer(validator *middleware.TokenValidator, header string) (int, error) {
	parts := splitBearer(header)
	if parts == "" {
		return 0, errors.New("invalid token")
	}
	return validator.Validate(parts)
}

func splitBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
