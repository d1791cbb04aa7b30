// Package server exposes the HTTP surface: a password-gated API that
// resolves a video URL, streams the media back, and optionally returns
// a four-stem archive instead.
package server

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/stemfetch/stemfetch/config"
	"github.com/stemfetch/stemfetch/internal/fetcher"
	"github.com/stemfetch/stemfetch/internal/pipeline"
	"github.com/stemfetch/stemfetch/internal/resolver"
	"github.com/stemfetch/stemfetch/internal/session"
	"github.com/stemfetch/stemfetch/internal/stems"
)

const sessionCookie = "stemfetch_session"

// Server handles HTTP requests for the media download and stem
// separation service.
type Server struct {
	cfg    *config.Config
	router *gin.Engine

	gate      *session.Gate
	tracker   *pipeline.Tracker
	resolver  resolver.Resolver
	fetcher   *fetcher.Fetcher
	separator stems.Separator
}

// New creates a server with the components selected by cfg.
func New(cfg *config.Config) (*Server, error) {
	res, err := resolver.For(cfg)
	if err != nil {
		return nil, err
	}

	sep, err := stems.For(cfg)
	if err != nil {
		return nil, err
	}

	return newServer(cfg, res, sep), nil
}

// newServer wires routes around injected components; tests swap in
// fakes for the resolver and separator.
func newServer(cfg *config.Config, res resolver.Resolver, sep stems.Separator) *Server {
	s := &Server{
		cfg:       cfg,
		gate:      session.NewGate(cfg.Auth.Password, cfg.Auth.SessionTTL),
		tracker:   pipeline.NewTracker(),
		resolver:  res,
		fetcher:   fetcher.New(cfg.Fetch, cfg.Resolver.PageURL),
		separator: sep,
	}

	router := gin.Default()
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s.setupRoutes(router)
	s.router = router
	return s
}

// setupRoutes configures the HTTP routes. Everything functional sits
// behind the session middleware; only login and the health check are
// public.
func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.health)

	api := router.Group("/api")
	api.POST("/login", s.login)

	auth := api.Group("", s.requireSession())
	{
		auth.POST("/logout", s.logout)
		auth.GET("/status", s.status)
		auth.POST("/download", s.download)
		auth.POST("/separate-stems", s.separateStems)
		auth.GET("/requests", s.listRequests)
		auth.POST("/requests/:id/cancel", s.cancelRequest)
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.router.Run(s.cfg.Server.Host + ":" + s.cfg.Server.Port)
}

// MessageResponse is a generic success payload.
type MessageResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is the error payload returned by every failing
// endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
}
