package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/storyloom/relay/pkg/events"
	"github.com/storyloom/relay/pkg/store"
)

// identityKey is the gin context key the authenticated user is stored
// under.
const identityKey = "relay.user"

var (
	errMissingToken = errors.New("missing bearer token")
	errNoSubject    = errors.New("token has no subject")
)

// authenticate verifies the request's handshake token and resolves the
// user. Tokens are HS256 JWTs whose sub claim is the user id; browser
// WebSocket clients cannot set headers, so the token query parameter is
// accepted alongside the Authorization header.
func (s *Server) authenticate(c *gin.Context) (store.User, error) {
	raw := bearerToken(c)
	if raw == "" {
		return store.User{}, errMissingToken
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return store.User{}, err
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return store.User{}, errNoSubject
	}

	// Prefer the stored profile; fall back to token claims for users the
	// store has not seen yet.
	u, err := s.store.User(c.Request.Context(), sub)
	if err == nil {
		return *u, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.User{}, err
	}
	name, _ := claims["name"].(string)
	picture, _ := claims["picture"].(string)
	return store.User{ID: sub, Name: name, Picture: picture}, nil
}

func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return c.Query("token")
}

// requireAuth rejects unauthenticated requests with 401.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := s.authenticate(c)
		if err != nil {
			s.logger.Debug("Rejected unauthenticated request",
				"path", c.Request.URL.Path,
				"error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": events.CodeAuthInvalid})
			return
		}
		c.Set(identityKey, user)
		c.Next()
	}
}

// currentUser returns the identity requireAuth stored on the context.
func currentUser(c *gin.Context) store.User {
	v, _ := c.Get(identityKey)
	user, _ := v.(store.User)
	return user
}
