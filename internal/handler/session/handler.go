package session

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/zhouzirui/z-huddle/backend/internal/model/chat"
	"github.com/zhouzirui/z-huddle/backend/internal/service/room"
	"github.com/zhouzirui/z-huddle/backend/pkg/utils"
)

// Action names accepted by the member management endpoint.
const (
	ActionKick       = "kick"
	ActionChangeRole = "changeRole"
)

// Handler 会话相关的HTTP处理器
type Handler struct {
	svc      *room.Service
	validate *validator.Validate
}

// New 创建会话处理器
func New(svc *room.Service) *Handler {
	return &Handler{svc: svc, validate: validator.New()}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions", h.handleCreateSession)
	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/", h.handleGetSession)
		r.Post("/join", h.handleJoinSession)
		r.Post("/users/{targetUserID}", h.handleManageUser)
		r.Get("/messages", h.handleListMessages)
		r.Post("/messages/{messageID}/verify", h.handleVerifyMessage)
		r.Get("/ledger", h.handleLedgerSummary)
		r.Get("/ledger/messages/{index}", h.handleLedgerMessage)
	})
}

type identityRequest struct {
	UserID string `json:"userId" validate:"omitempty,max=64"`
}

type manageUserRequest struct {
	Action  string `json:"action" validate:"required,oneof=kick changeRole"`
	NewRole string `json:"newRole" validate:"required_if=Action changeRole,omitempty,oneof=admin participant"`
}

type verifyRequest struct {
	Content string `json:"content"`
}

type credentialResponse struct {
	Success       bool      `json:"success"`
	SessionID     string    `json:"sessionId"`
	UserID        string    `json:"userId"`
	Role          chat.Role `json:"role"`
	Token         string    `json:"token"`
	ExpiresAt     time.Time `json:"expiresAt"`
	ShareableLink string    `json:"shareableLink,omitempty"`
	IntegrityHash string    `json:"integrityHash,omitempty"`
}

// handleCreateSession 创建会话，创建者成为管理员
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload identityRequest
	if !h.decode(w, r, &payload, true) {
		return
	}

	created, err := h.svc.CreateSession(r.Context(), payload.UserID)
	if err != nil {
		respondErr(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusCreated, credentialResponse{
		Success:       true,
		SessionID:     created.Session.ID,
		UserID:        created.Credential.UserID,
		Role:          created.Credential.Role,
		Token:         created.Credential.Token,
		ExpiresAt:     created.Credential.ExpiresAt,
		ShareableLink: created.ShareableLink,
		IntegrityHash: created.Session.IntegrityHash,
	})
}

// handleJoinSession 加入已有会话
func (h *Handler) handleJoinSession(w http.ResponseWriter, r *http.Request) {
	var payload identityRequest
	if !h.decode(w, r, &payload, true) {
		return
	}

	joined, err := h.svc.JoinSession(r.Context(), chi.URLParam(r, "sessionID"), payload.UserID)
	if err != nil {
		respondErr(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, credentialResponse{
		Success:   true,
		SessionID: joined.Credential.SessionID,
		UserID:    joined.Credential.UserID,
		Role:      joined.Credential.Role,
		Token:     joined.Credential.Token,
		ExpiresAt: joined.Credential.ExpiresAt,
	})
}

// handleManageUser 管理员踢人或修改角色
func (h *Handler) handleManageUser(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(w, r)
	if !ok {
		return
	}
	var payload manageUserRequest
	if !h.decode(w, r, &payload, false) {
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	target := chi.URLParam(r, "targetUserID")

	var (
		err     error
		message string
	)
	switch payload.Action {
	case ActionKick:
		err = h.svc.Kick(r.Context(), sessionID, token, target)
		message = "User kicked"
	case ActionChangeRole:
		err = h.svc.ChangeRole(r.Context(), sessionID, token, target, chat.Role(payload.NewRole))
		message = "Role updated"
	}
	if err != nil {
		respondErr(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{"success": true, "message": message})
}

// handleGetSession 返回会话详情
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(w, r)
	if !ok {
		return
	}
	session, err := h.svc.Session(r.Context(), chi.URLParam(r, "sessionID"), token)
	if err != nil {
		respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"success": true, "session": session})
}

// handleListMessages 返回会话消息记录
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(w, r)
	if !ok {
		return
	}
	messages, err := h.svc.Messages(r.Context(), chi.URLParam(r, "sessionID"), token)
	if err != nil {
		respondErr(w, err)
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"success": true, "messages": messages})
}

// handleVerifyMessage 校验消息内容是否与账本记录一致
func (h *Handler) handleVerifyMessage(w http.ResponseWriter, r *http.Request) {
	var payload verifyRequest
	if !h.decode(w, r, &payload, false) {
		return
	}
	verified, err := h.svc.Verify(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "messageID"), payload.Content)
	if err != nil {
		respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"success": true, "verified": verified})
}

func (h *Handler) handleLedgerSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.LedgerSummary(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"sessionHash":     summary.SessionHash,
		"sessionVerified": summary.SessionVerified,
		"messageCount":    summary.MessageCount,
	})
}

func (h *Handler) handleLedgerMessage(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "index must be an integer")
		return
	}
	messageID, err := h.svc.LedgerMessageAt(r.Context(), chi.URLParam(r, "sessionID"), index)
	if err != nil {
		respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"success": true, "index": index, "messageId": messageID})
}

// decode reads a JSON body into dst and validates it. An empty body is only
// accepted when optional is set.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return false
		}
	}
	if err := h.validate.Struct(dst); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// bearerToken extracts the credential from the Authorization header.
func bearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		utils.RespondError(w, http.StatusUnauthorized, "missing bearer token")
		return "", false
	}
	return token, true
}

func respondErr(w http.ResponseWriter, err error) {
	if errors.Is(err, room.ErrClosed) {
		utils.RespondError(w, http.StatusServiceUnavailable, "service is shutting down")
		return
	}
	utils.RespondErr(w, err)
}
