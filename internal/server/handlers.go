package server

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stemfetch/stemfetch/internal/pipeline"
	"github.com/stemfetch/stemfetch/internal/session"
)

type loginRequest struct {
	Password string `json:"password"`
}

// login checks the shared secret and sets the session cookie.
func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	token, err := s.gate.Login(req.Password)
	if err != nil {
		slog.Warn("Failed login attempt", "remote", c.ClientIP())
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: session.ErrUnauthorized.Error()})
		return
	}

	maxAge := int(s.cfg.Auth.SessionTTL.Seconds())
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, token, maxAge, "/", "", false, true)

	slog.Info("User authenticated")
	c.JSON(http.StatusOK, MessageResponse{Message: "authentication successful"})
}

// logout invalidates the session and clears the cookie.
func (s *Server) logout(c *gin.Context) {
	if token, err := c.Cookie(sessionCookie); err == nil {
		s.gate.Logout(token)
	}
	c.SetCookie(sessionCookie, "", -1, "/", "", false, true)

	slog.Info("User logged out")
	c.JSON(http.StatusOK, MessageResponse{Message: "logged out"})
}

// status reports that the session is live; reaching it at all requires
// a valid token.
func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"authenticated": true,
		"service":       "stemfetch",
	})
}

// health is the public liveness check.
func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// listRequests exposes the pipeline table read-only.
func (s *Server) listRequests(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"requests": s.tracker.List()})
}

// cancelRequest aborts an in-flight pipeline; its stage call unwinds
// through the cancelled context and the handler cleans up its own
// temp files.
func (s *Server) cancelRequest(c *gin.Context) {
	id := c.Param("id")

	if err := s.tracker.Cancel(id); err != nil {
		switch err {
		case pipeline.ErrNotFound:
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
		case pipeline.ErrInvalidState:
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, MessageResponse{Message: "request cancelled"})
}
