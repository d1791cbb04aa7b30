package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// requireSession rejects requests without a live session token. The
// front end translates the 401 into a redirect to the login page.
func (s *Server) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := c.Cookie(sessionCookie)
		if err != nil || !s.gate.Validate(token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "authentication required"})
			return
		}
		c.Next()
	}
}
