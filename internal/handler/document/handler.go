package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/compliance-galaxy/client/internal/config"
	"github.com/zhouzirui/compliance-galaxy/client/internal/event"
	"github.com/zhouzirui/compliance-galaxy/client/internal/handler/httperr"
	"github.com/zhouzirui/compliance-galaxy/client/internal/model/document"
	"github.com/zhouzirui/compliance-galaxy/client/internal/model/ident"
	"github.com/zhouzirui/compliance-galaxy/client/internal/service/upload"
	"github.com/zhouzirui/compliance-galaxy/client/pkg/utils"
)

// HeartbeatInterval 是进度流空闲时的心跳间隔。
const HeartbeatInterval = 15 * time.Second

// Subscriber 提供事件流，*event.Bus 满足该接口。
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan event.Event, error)
}

// Handler 文档管理的HTTP处理器
type Handler struct {
	uploads *upload.Manager
	events  Subscriber
	log     *zap.Logger
}

// New 创建文档处理器
func New(uploads *upload.Manager, events Subscriber, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{uploads: uploads, events: events, log: log.Named("handler.document")}
}

// RegisterRoutes 注册文档相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/documents", h.handleList)
	r.Post("/documents", h.handleUpload)
	r.Post("/documents/reset", h.handleReset)
	r.Delete("/documents/{id}", h.handleDelete)
	r.Patch("/documents/{id}/type", h.handleSetType)
	r.Post("/documents/{id}/toggle", h.handleToggle)
	r.Get("/documents/{id}/download", h.handleDownload)
	r.Get("/uploads/progress", h.handleProgress)
}

type listResponse struct {
	Documents []document.Document `json:"documents"`
	Selected  []ident.ID          `json:"selected"`
}

// handleList 返回文档列表与选中状态，refresh=true 时先从后端同步
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") == "true" {
		if _, err := h.uploads.Refresh(r.Context()); err != nil {
			httperr.Respond(w, h.log, err)
			return
		}
	}
	h.respondList(w, http.StatusOK)
}

// handleUpload 批量上传，表单字段 files 可重复
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(config.UploadFormMemory); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	fileType := document.FileType(r.FormValue("file_type"))
	if fileType != "" && !fileType.Valid() {
		httperr.Respond(w, h.log, upload.ErrInvalidFileType)
		return
	}

	headers := slices.Concat(r.MultipartForm.File["files"], r.MultipartForm.File["file"])
	files := make([]upload.File, 0, len(headers))
	for _, fh := range headers {
		content, err := readPart(fh)
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		files = append(files, upload.File{Name: fh.Filename, Content: content, FileType: fileType})
	}

	report, err := h.uploads.Upload(r.Context(), files)
	var validation *upload.ValidationError
	switch {
	case err == nil:
		utils.RespondJSON(w, http.StatusCreated, report)
	case errors.Is(err, upload.ErrPartialUpload):
		utils.RespondJSON(w, http.StatusMultiStatus, report)
	case errors.As(err, &validation):
		utils.RespondErrorDetail(w, http.StatusBadRequest, err.Error(), map[string]any{
			"files": validation.Files,
			"limit": validation.Limit,
		})
	default:
		httperr.Respond(w, h.log, err)
	}
}

// handleReset 清空当前会话的全部文档
func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := h.uploads.Reset(r.Context()); err != nil {
		httperr.Respond(w, h.log, err)
		return
	}
	h.respondList(w, http.StatusOK)
}

// handleDelete 删除文档，失败时列表自动回滚
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.uploads.Delete(r.Context(), documentID(r)); err != nil {
		httperr.Respond(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSetType 修改文档类型
func (h *Handler) handleSetType(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		FileType document.FileType `json:"fileType"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.uploads.SetFileType(r.Context(), documentID(r), payload.FileType); err != nil {
		httperr.Respond(w, h.log, err)
		return
	}
	h.respondList(w, http.StatusOK)
}

// handleToggle 切换文档的选中状态
func (h *Handler) handleToggle(w http.ResponseWriter, r *http.Request) {
	selected, err := h.uploads.Toggle(documentID(r))
	if err != nil {
		httperr.Respond(w, h.log, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"selected": selected})
}

// handleDownload 下载原始文档
func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := documentID(r)
	var buf bytes.Buffer
	if _, err := h.uploads.Download(r.Context(), id, &buf); err != nil {
		httperr.Respond(w, h.log, err)
		return
	}

	name := id.String() + ".pdf"
	for _, d := range h.uploads.Documents() {
		if d.ID == id {
			name = d.Filename
			break
		}
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	if _, err := buf.WriteTo(w); err != nil {
		h.log.Warn("write download", zap.Error(err))
	}
}

// handleProgress 通过SSE推送上传进度
func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	events, err := h.events.Subscribe(ctx)
	if err != nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := utils.SendSSEEvent(w, flusher, "progress", h.uploads.LastProgress()); err != nil {
		return
	}

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := utils.SendSSEHeartbeat(w, flusher); err != nil {
				return
			}
		case evt, ok := <-events:
			if !ok {
				return
			}
			name := sseName(evt.Type)
			if name == "" {
				continue
			}
			if err := utils.SendSSEEvent(w, flusher, name, evt.Data); err != nil {
				h.log.Debug("progress stream closed", zap.Error(err))
				return
			}
		}
	}
}

func sseName(t event.Type) string {
	switch t {
	case event.UploadProgress:
		return "progress"
	case event.UploadFinished:
		return "finished"
	case event.UploadFailed:
		return "failed"
	case event.DocumentsChanged:
		return "documents"
	default:
		return ""
	}
}

func (h *Handler) respondList(w http.ResponseWriter, status int) {
	docs := h.uploads.Documents()
	if docs == nil {
		docs = []document.Document{}
	}
	selected := h.uploads.Selected()
	if selected == nil {
		selected = []ident.ID{}
	}
	utils.RespondJSON(w, status, listResponse{Documents: docs, Selected: selected})
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
	}
	return content, nil
}

func documentID(r *http.Request) ident.ID {
	return ident.ID(chi.URLParam(r, "id"))
}
