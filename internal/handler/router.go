package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/compliance-galaxy/client/internal/app"
	"github.com/zhouzirui/compliance-galaxy/client/internal/handler/assessment"
	"github.com/zhouzirui/compliance-galaxy/client/internal/handler/auth"
	"github.com/zhouzirui/compliance-galaxy/client/internal/handler/chat"
	"github.com/zhouzirui/compliance-galaxy/client/internal/handler/document"
	"github.com/zhouzirui/compliance-galaxy/client/internal/handler/events"
	middlewarePkg "github.com/zhouzirui/compliance-galaxy/client/internal/middleware"
	"github.com/zhouzirui/compliance-galaxy/client/pkg/utils"
)

// NewRouter wires HTTP routes to the client core.
func NewRouter(a *app.App) http.Handler {
	log := a.Log
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	authHandler := auth.New(a.Auth, log)
	chatHandler := chat.New(a.Sessions, a.Chat, log)
	documentHandler := document.New(a.Uploads, a.Bus, log)
	assessmentHandler := assessment.New(a.Assessment, a.Uploads, log)
	eventsHandler := events.NewWebSocketHandler(a.Bus, log)

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]any{
				"status":        "ok",
				"authenticated": a.Auth.IsAuthenticated(),
				"sessionId":     a.Client.SessionID(),
			})
		})

		authHandler.RegisterRoutes(api)
		chatHandler.RegisterRoutes(api)
		documentHandler.RegisterRoutes(api)
		assessmentHandler.RegisterRoutes(api)
		eventsHandler.RegisterRoutes(api)
	})

	return r
}
