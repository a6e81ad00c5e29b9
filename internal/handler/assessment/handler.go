package assessment

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/compliance-galaxy/client/internal/handler/httperr"
	"github.com/zhouzirui/compliance-galaxy/client/internal/model/ident"
	assessmentService "github.com/zhouzirui/compliance-galaxy/client/internal/service/assessment"
	"github.com/zhouzirui/compliance-galaxy/client/pkg/utils"
)

// Selection 提供当前选中的文档，*upload.Manager 满足该接口。
type Selection interface {
	Selected() []ident.ID
}

// Handler 合规评估的HTTP处理器
type Handler struct {
	svc       *assessmentService.Service
	selection Selection
	log       *zap.Logger
}

// New 创建评估处理器
func New(svc *assessmentService.Service, selection Selection, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, selection: selection, log: log.Named("handler.assessment")}
}

// RegisterRoutes 注册评估相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/assessments", h.handleAssess)
	r.Get("/assessments/{id}/graph", h.handleGraph)
	r.Get("/assessments/{id}/report", h.handleReport)
}

// handleAssess 发起评估；未指定文档时使用当前选中的文档
func (h *Handler) handleAssess(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		DocumentIDs []ident.ID `json:"documentIds"`
	}
	if r.ContentLength != 0 {
		if err := utils.DecodeJSON(r, &payload); err != nil {
			utils.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	ids := payload.DocumentIDs
	if len(ids) == 0 {
		ids = h.selection.Selected()
	}

	id, err := h.svc.Assess(r.Context(), ids)
	if err != nil {
		httperr.Respond(w, h.log, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, map[string]ident.ID{"assessmentId": id})
}

// handleGraph 返回评估的合规关系图
func (h *Handler) handleGraph(w http.ResponseWriter, r *http.Request) {
	graph, err := h.svc.Graph(r.Context(), ident.ID(chi.URLParam(r, "id")))
	if err != nil {
		httperr.Respond(w, h.log, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, graph)
}

// handleReport 下载 PDF 报告
func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	name, _, err := h.svc.DownloadReport(r.Context(), ident.ID(chi.URLParam(r, "id")), &buf)
	if err != nil {
		httperr.Respond(w, h.log, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	if _, err := buf.WriteTo(w); err != nil {
		h.log.Warn("write report", zap.Error(err))
	}
}
