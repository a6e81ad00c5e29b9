// Package httperr maps service errors onto facade status codes.
package httperr

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/zhouzirui/compliance-galaxy/client/internal/apiclient"
	"github.com/zhouzirui/compliance-galaxy/client/internal/service/assessment"
	"github.com/zhouzirui/compliance-galaxy/client/internal/service/auth"
	"github.com/zhouzirui/compliance-galaxy/client/internal/service/chat"
	"github.com/zhouzirui/compliance-galaxy/client/internal/service/upload"
	"github.com/zhouzirui/compliance-galaxy/client/pkg/utils"
)

var badRequest = []error{
	chat.ErrEmptyMessage,
	chat.ErrInvalidRole,
	chat.ErrNoActiveSession,
	auth.ErrInvalidCredentials,
	upload.ErrInvalidFileType,
	upload.ErrEmptyBatch,
	assessment.ErrNoDocuments,
}

var notFound = []error{
	chat.ErrSessionNotFound,
	upload.ErrDocumentNotFound,
}

// Status returns the facade status code for err.
func Status(err error) int {
	var validation *upload.ValidationError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case matches(err, badRequest):
		return http.StatusBadRequest
	case matches(err, notFound):
		return http.StatusNotFound
	case errors.Is(err, apiclient.ErrUnauthorized), errors.Is(err, auth.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, apiclient.ErrUnreachable):
		return http.StatusBadGateway
	}

	// 后端 4xx 原样透传，5xx 统一视为上游故障。
	if status := apiclient.StatusOf(err); status != 0 {
		if status >= 400 && status < 500 {
			return status
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Message is the text placed in the error envelope. Backend details win
// over the wrapped chain so the UI shows what the API said.
func Message(err error) string {
	return apiclient.DetailOf(err)
}

// Respond writes err with its mapped status. Server-side failures are logged.
func Respond(w http.ResponseWriter, log *zap.Logger, err error) {
	status := Status(err)
	if status >= http.StatusInternalServerError && log != nil {
		log.Warn("request failed", zap.Int("status", status), zap.Error(err))
	}
	utils.RespondError(w, status, Message(err))
}

func matches(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
