// Package core provides the HTTP chassis for the scheduling engine. It
// creates the chi router and enforces cross-cutting concerns -- security,
// logging, request correlation, and error handling -- before requests reach
// domain-specific handlers.
package core

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"floodgate/internal/config"
)

// RouteRegistrar mounts a group of domain routes onto the v1 router. The
// indirection avoids import cycles between core and handler packages.
type RouteRegistrar func(r chi.Router)

// Server encapsulates the HTTP chassis dependencies, allowing injection
// during testing and distinct configuration for different environments.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator

	// V1RouteRegistrars is populated by the application entry point before
	// MountRoutes is called.
	V1RouteRegistrars []RouteRegistrar

	// HealthProbes are executed concurrently by the /health endpoint.
	HealthProbes []HealthProbe

	router *chi.Mux
}

// NewServer initializes the chassis and prepares the router for route
// mounting. The caller is responsible for mounting routes (via MountRoutes)
// after construction; the separation allows tests to customize registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}
