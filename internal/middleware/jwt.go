package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	// ContextKeyClaims is the Gin context key for JWT claims.
	ContextKeyClaims = "claims"
	// ContextKeyStream is the Gin context key for the StreamScope of a session stream.
	ContextKeyStream = "stream_scope"
)

// StreamScope identifies whose session a stream request opens.
type StreamScope struct {
	Slug      string
	StudentID int
}

// RequireStudentJWT validates a student JWT from the Authorization header.
func RequireStudentJWT(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := authenticate(c, authService, bearerToken(c))
		if !ok {
			return
		}
		if claims.TokenType != service.TokenTypeStudent {
			response.AbortFail(c, http.StatusForbidden, response.ErrStudentAccessOnly)
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// RequireAdminJWT validates an admin JWT. The monitor and metrics streams use
// EventSource, which cannot send headers, so ?token= is accepted as well.
func RequireAdminJWT(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			token = takeQueryToken(c)
		}
		claims, ok := authenticate(c, authService, token)
		if !ok {
			return
		}
		if claims.TokenType != service.TokenTypeAdmin {
			response.AbortFail(c, http.StatusForbidden, response.ErrAdminAccessOnly)
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// RequireStudentStream guards the session stream upgrade. Browsers cannot set
// headers on a WebSocket handshake, so the token normally arrives as ?token=.
// On success the StreamScope for the :slug route parameter is stored.
func RequireStudentStream(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := takeQueryToken(c)
		if token == "" {
			token = bearerToken(c)
		}
		claims, ok := authenticate(c, authService, token)
		if !ok {
			return
		}
		if claims.TokenType != service.TokenTypeStudent {
			response.AbortFail(c, http.StatusForbidden, response.ErrStudentAccessOnly)
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Set(ContextKeyStream, StreamScope{Slug: c.Param("slug"), StudentID: claims.UserID})
		c.Next()
	}
}

// GetClaims retrieves the JWT claims from the Gin context.
func GetClaims(c *gin.Context) *service.Claims {
	val, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil
	}
	claims, ok := val.(*service.Claims)
	if !ok {
		return nil
	}
	return claims
}

// GetStreamScope returns the scope set by RequireStudentStream.
func GetStreamScope(c *gin.Context) (StreamScope, bool) {
	val, exists := c.Get(ContextKeyStream)
	if !exists {
		return StreamScope{}, false
	}
	scope, ok := val.(StreamScope)
	return scope, ok
}

// authenticate validates token and aborts with the matching error code.
func authenticate(c *gin.Context, authService *service.AuthService, token string) (*service.Claims, bool) {
	if token == "" {
		response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, false
	}
	claims, err := authService.ValidateToken(token)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenExpired)
		return nil, false
	case err != nil:
		response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenInvalid)
		return nil, false
	}
	return claims, true
}

func bearerToken(c *gin.Context) string {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// takeQueryToken reads ?token= and drops it from the URL so request logs
// never carry a bearer token.
func takeQueryToken(c *gin.Context) string {
	q := c.Request.URL.Query()
	token := q.Get("token")
	if token != "" {
		q.Del("token")
		c.Request.URL.RawQuery = q.Encode()
	}
	return token
}
