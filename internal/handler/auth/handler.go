package auth

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/compliance-galaxy/client/internal/handler/httperr"
	"github.com/zhouzirui/compliance-galaxy/client/internal/model/auth"
	authService "github.com/zhouzirui/compliance-galaxy/client/internal/service/auth"
	"github.com/zhouzirui/compliance-galaxy/client/pkg/utils"
)

// Handler 登录态相关的HTTP处理器
type Handler struct {
	session *authService.Session
	log     *zap.Logger
}

// New 创建登录处理器
func New(session *authService.Session, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{session: session, log: log.Named("handler.auth")}
}

// RegisterRoutes 注册登录相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/auth/login", h.handleLogin)
	r.Post("/auth/register", h.handleRegister)
	r.Post("/auth/logout", h.handleLogout)
	r.Get("/auth/me", h.handleMe)
}

type meResponse struct {
	Authenticated bool       `json:"authenticated"`
	User          *auth.User `json:"user,omitempty"`
}

// handleLogin 使用邮箱与密码登录
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds auth.Credentials
	if err := utils.DecodeJSON(r, &creds); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.session.Login(r.Context(), creds)
	if err != nil {
		httperr.Respond(w, h.log, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, meResponse{Authenticated: true, User: &user})
}

// handleRegister 注册后自动登录
func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var creds auth.Credentials
	if err := utils.DecodeJSON(r, &creds); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.session.Register(r.Context(), creds)
	if err != nil {
		httperr.Respond(w, h.log, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, meResponse{Authenticated: true, User: &user})
}

// handleLogout 清除本地登录态
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.session.Logout(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// handleMe 返回当前登录用户
func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := h.session.User()
	if !ok {
		utils.RespondJSON(w, http.StatusOK, meResponse{})
		return
	}
	utils.RespondJSON(w, http.StatusOK, meResponse{Authenticated: true, User: &user})
}
