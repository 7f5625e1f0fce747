package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/z-huddle/backend/internal/config"
	"github.com/zhouzirui/z-huddle/backend/internal/handler/session"
	"github.com/zhouzirui/z-huddle/backend/internal/handler/ws"
	"github.com/zhouzirui/z-huddle/backend/internal/metrics"
	middlewarePkg "github.com/zhouzirui/z-huddle/backend/internal/middleware"
	"github.com/zhouzirui/z-huddle/backend/internal/service/room"
	"github.com/zhouzirui/z-huddle/backend/pkg/utils"
)

// NewRouter wires HTTP routes to the room service. m may be nil, in which case
// /metrics is not served.
func NewRouter(cfg config.ServerConfig, svc *room.Service, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(cfg.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{"success": true, "status": "ok"})
	})
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	r.Route("/api", func(api chi.Router) {
		session.New(svc).RegisterRoutes(api)
	})

	ws.New(svc, cfg.AllowedOrigins).RegisterRoutes(r)

	return r
}
