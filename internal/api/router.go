package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/fuomag9/serverlord/internal/clock"
	"github.com/fuomag9/serverlord/internal/config"
	"github.com/fuomag9/serverlord/internal/monitor"
	"github.com/fuomag9/serverlord/internal/uptime"
)

// PingRecorder counts heartbeat requests by result
type PingRecorder interface {
	PingReceived(result string)
}

// Deps holds what the HTTP handlers need
type Deps struct {
	Config     *config.Config
	Tasks      *monitor.TaskService
	Receiver   *monitor.Receiver
	Calculator *uptime.Calculator
	Clock      clock.Clock
	Limiter    *RateLimiter
	Pings      PingRecorder
	// WebSocket and Metrics are mounted when set
	WebSocket http.HandlerFunc
	Metrics   http.Handler
	Logger    *slog.Logger
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d *Deps) recordPing(result string) {
	if d.Pings != nil {
		d.Pings.PingReceived(result)
	}
}

// NewRouter creates a new HTTP router
func NewRouter(d *Deps) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeadersMiddleware(d.Config))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.Config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Heartbeats (authenticated by the ping token itself)
	r.Get("/ping/{token}", HandlePing(d))
	r.Post("/ping/{token}", HandlePing(d))

	r.Route("/api", func(r chi.Router) {
		r.Use(AuthMiddleware(d.Config.JWTSecret))

		r.Get("/users/{id}/tasks", HandleGetUserTasks(d))
		r.Get("/users/{id}/graph", HandleGetUserGraph(d))

		r.Post("/tasks", HandleCreateTask(d))
		r.Get("/tasks/{id}", HandleGetTask(d))
		r.Put("/tasks/{id}", HandleUpdateTask(d))
		r.Delete("/tasks/{id}", HandleDeleteTask(d))
		r.Get("/tasks/{id}/graph", HandleGetTaskGraph(d))
	})

	if d.WebSocket != nil {
		r.Get("/ws", d.WebSocket)
	}

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return r
}
