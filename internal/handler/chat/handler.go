package chat

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/compliance-galaxy/client/internal/handler/httperr"
	"github.com/zhouzirui/compliance-galaxy/client/internal/model/ident"
	chatService "github.com/zhouzirui/compliance-galaxy/client/internal/service/chat"
	"github.com/zhouzirui/compliance-galaxy/client/pkg/utils"
)

// Handler 会话与对话的HTTP处理器
type Handler struct {
	store *chatService.Store
	ctrl  *chatService.Controller
	log   *zap.Logger
}

// New 创建聊天处理器
func New(store *chatService.Store, ctrl *chatService.Controller, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{store: store, ctrl: ctrl, log: log.Named("handler.chat")}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions", h.handleListSessions)
	r.Post("/sessions", h.handleCreateSession)
	r.Post("/sessions/new", h.handleNewSession)
	r.Get("/sessions/{id}", h.handleGetSession)
	r.Post("/sessions/{id}/select", h.handleSelectSession)
	r.Post("/sessions/{id}/refresh", h.handleRefreshSession)
	r.Post("/sessions/{id}/replies", h.handleReceiveReply)
	r.Delete("/sessions/{id}", h.handleDeleteSession)
	r.Get("/transcript", h.handleTranscript)
	r.Post("/messages", h.handleSend)
}

type transcriptResponse struct {
	State   chatService.State   `json:"state"`
	Entries []chatService.Entry `json:"entries"`
}

type sendResponse struct {
	chatService.SendResult
	Error string `json:"error,omitempty"`
}

type contentPayload struct {
	Content string `json:"content"`
}

// handleListSessions 返回会话列表，最近使用的在前
func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("reload") == "true" {
		if err := h.store.Load(r.Context()); err != nil {
			httperr.Respond(w, h.log, err)
			return
		}
	}
	utils.RespondJSON(w, http.StatusOK, h.store.List())
}

// handleCreateSession 显式创建一个空会话
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Title string `json:"title"`
	}
	if r.ContentLength != 0 {
		if err := utils.DecodeJSON(r, &payload); err != nil {
			utils.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	session, err := h.store.CreateSession(r.Context(), payload.Title)
	if err != nil {
		httperr.Respond(w, h.log, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, session)
}

// handleNewSession 清空当前对话，下一条消息将创建新会话
func (h *Handler) handleNewSession(w http.ResponseWriter, r *http.Request) {
	h.ctrl.NewSession(r.Context())
	h.respondTranscript(w)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.store.Get(sessionID(r))
	if err != nil {
		httperr.Respond(w, h.log, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

// handleSelectSession 切换当前会话
func (h *Handler) handleSelectSession(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.SelectSession(r.Context(), sessionID(r)); err != nil {
		httperr.Respond(w, h.log, err)
		return
	}
	h.respondTranscript(w)
}

// handleRefreshSession 从后端重新拉取单个会话
func (h *Handler) handleRefreshSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.store.Refresh(r.Context(), sessionID(r))
	if err != nil {
		httperr.Respond(w, h.log, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

// handleReceiveReply 向指定会话追加一条助手消息
func (h *Handler) handleReceiveReply(w http.ResponseWriter, r *http.Request) {
	var payload contentPayload
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	entry, err := h.ctrl.ReceiveReply(r.Context(), sessionID(r), payload.Content)
	if err != nil {
		httperr.Respond(w, h.log, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, entry)
}

// handleDeleteSession 删除会话，若为当前会话则回到无会话状态
func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.DeleteSession(r.Context(), sessionID(r)); err != nil {
		httperr.Respond(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	h.respondTranscript(w)
}

// handleSend 发送用户消息并等待回答
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var payload contentPayload
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// 客户端断开后发送仍需完成，消息按会话 id 落库。
	result, err := h.ctrl.Send(context.WithoutCancel(r.Context()), payload.Content)
	switch {
	case err == nil:
		utils.RespondJSON(w, http.StatusCreated, sendResponse{SendResult: result})
	case errors.Is(err, chatService.ErrCompletion):
		// 回答失败时提示已经显示在对话中，按成功返回以便界面渲染。
		utils.RespondJSON(w, http.StatusOK, sendResponse{SendResult: result, Error: err.Error()})
	case result.User.Content != "":
		utils.RespondErrorDetail(w, httperr.Status(err), httperr.Message(err), result)
	default:
		httperr.Respond(w, h.log, err)
	}
}

func (h *Handler) respondTranscript(w http.ResponseWriter) {
	entries := h.ctrl.Transcript()
	if entries == nil {
		entries = []chatService.Entry{}
	}
	utils.RespondJSON(w, http.StatusOK, transcriptResponse{State: h.ctrl.State(), Entries: entries})
}

func sessionID(r *http.Request) ident.ID {
	return ident.ID(chi.URLParam(r, "id"))
}
