package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/zhouzirui/z-huddle/backend/internal/model/chat"
	"github.com/zhouzirui/z-huddle/backend/internal/service/presence"
	"github.com/zhouzirui/z-huddle/backend/internal/service/room"
	"github.com/zhouzirui/z-huddle/backend/pkg/utils"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	maxFrameSize = 64 * 1024
)

// Handler WebSocket会话处理器
type Handler struct {
	svc      *room.Service
	upgrader websocket.Upgrader
}

// New 创建WebSocket处理器，allowedOrigins 为 "*" 时不校验来源
func New(svc *room.Service, allowedOrigins []string) *Handler {
	allowAll := len(allowedOrigins) == 0 || lo.Contains(allowedOrigins, "*")
	return &Handler{
		svc: svc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowAll || origin == "" || lo.Contains(allowedOrigins, origin)
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{sessionID}", h.handleWebSocket)
}

type inboundMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type messageData struct {
	Content string `json:"content"`
}

// handleWebSocket 校验凭证后接入会话并处理客户端消息
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	token := r.URL.Query().Get("token")
	if token == "" {
		utils.RespondError(w, http.StatusUnauthorized, "token query parameter is required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "ws").Msg("upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client, err := h.svc.Connect(ctx, sessionID, token, conn)
	if err != nil {
		reason := "connection rejected"
		if errors.Is(err, chat.ErrUnauthorized) {
			reason = "unauthorized"
		}
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
		log.Info().Err(err).Str("component", "ws").Str("session_id", sessionID).Msg("connection rejected")
		return
	}
	defer h.svc.Disconnect(context.WithoutCancel(ctx), client)

	logger := log.With().
		Str("component", "ws").
		Str("session_id", sessionID).
		Str("user_id", client.UserID()).
		Logger()
	logger.Info().Msg("connection established")

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go pingLoop(ctx, conn, client)

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn().Err(err).Msg("read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		h.handleMessage(ctx, logger, client, msg)
	}
}

// handleMessage 分发客户端事件，错误只回给发送者
func (h *Handler) handleMessage(ctx context.Context, logger zerolog.Logger, client *presence.Client, msg inboundMessage) {
	switch chat.EventName(msg.Event) {
	case chat.EventMessage:
		var data messageData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			h.sendError(client, "invalid message payload")
			return
		}
		if _, err := h.svc.SendMessage(ctx, client, data.Content); err != nil {
			logger.Debug().Err(err).Msg("message rejected")
			h.sendError(client, errorMessage(err))
		}
	default:
		h.sendError(client, "unsupported event: "+msg.Event)
	}
}

func (h *Handler) sendError(client *presence.Client, message string) {
	h.svc.Presence().Send(client, chat.NewEvent(chat.EventError, client.SessionID(),
		chat.ErrorEvent{Message: message}, time.Now()))
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, chat.ErrRateLimited):
		return "rate limited, slow down"
	case errors.Is(err, chat.ErrInvalid), errors.Is(err, chat.ErrUnauthorized):
		return err.Error()
	default:
		return "message could not be delivered"
	}
}

// pingLoop 定期发送ping消息
func pingLoop(ctx context.Context, conn *websocket.Conn, client *presence.Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
