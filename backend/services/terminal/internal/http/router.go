package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"fuelpos/backend/services/terminal/internal/http/handlers"
	"fuelpos/backend/services/terminal/internal/http/middleware"
)

// RouterDeps collects handler dependencies.
type RouterDeps struct {
	Health        http.HandlerFunc
	Status        http.HandlerFunc
	Device        *handlers.DeviceHandlers
	Sales         *handlers.SalesHandlers
	Queue         *handlers.QueueHandlers
	Events        http.HandlerFunc
	SupervisorPIN func(http.Handler) http.Handler
	Logger        *zap.Logger
}

// NewRouter wires the local UI API.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	if deps.Logger != nil {
		r.Use(middleware.RequestLogger(deps.Logger))
	}

	pin := deps.SupervisorPIN
	if pin == nil {
		pin = middleware.Forbidden
	}

	r.Get("/health", deps.Health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", deps.Status)

		r.Route("/device", func(r chi.Router) {
			r.Post("/scan", deps.Device.Scan)
			r.Post("/connect", deps.Device.Connect)
			r.Post("/disconnect", deps.Device.Disconnect)
			r.Post("/test", deps.Device.Test)
		})

		r.Post("/sales", deps.Sales.Capture)
		r.Post("/sales/confirm", deps.Sales.Confirm)
		r.Put("/settings", deps.Sales.UpdateSettings)

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", deps.Queue.List)
			r.Post("/sync", deps.Queue.Sync)
			r.With(pin).Delete("/{key}", deps.Queue.Discard)
		})

		r.Get("/events", deps.Events)
	})
	return r
}
