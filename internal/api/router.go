package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func NewRouter(h *Handlers) http.Handler {
	if h.Log == nil {
		h.Log = zap.NewNop()
	}
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.RealIP)
	rtr.Use(requestLogger(h.Log))
	rtr.Use(middleware.Recoverer)

	rtr.Get("/healthz", h.Healthz)
	rtr.Route("/v1", func(v1 chi.Router) {
		v1.Post("/reminders", h.Create)
		v1.Get("/reminders", h.List)
		v1.Get("/reminders/{id}", h.Get)
		v1.Patch("/reminders/{id}", h.Update)
		v1.Delete("/reminders/{id}", h.Delete)
		v1.Post("/subscribe", h.Subscribe)
		if h.Queue != nil {
			v1.Get("/queue/stats", h.QueueStats)
		}
	})
	return rtr
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
