package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	userIDKey contextKey = "authUserID"
	scopesKey contextKey = "authScopes"
)

// ScopeGalleryWrite allows enrolling identities into the face gallery.
const ScopeGalleryWrite = "gallery:write"

// Claims are the token claims the service understands. Scope is a space
// separated list, as in OAuth 2.0 access tokens.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// GetUserID retrieves the authenticated subject from context.
func GetUserID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(userIDKey).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// HasScope reports whether the authenticated token was granted scope.
func HasScope(ctx context.Context, scope string) bool {
	if ctx == nil {
		return false
	}
	scopes, _ := ctx.Value(scopesKey).([]string)
	return slices.Contains(scopes, scope)
}

// JWTMiddleware validates HMAC signed bearer tokens and injects the subject
// and granted scopes into the request context. An empty audience accepts
// any audience.
func JWTMiddleware(secret, audience string) gin.HandlerFunc {
	secret = strings.TrimSpace(secret)
	audience = strings.TrimSpace(audience)

	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(audience))
	}
	parser := jwt.NewParser(parserOpts...)

	return func(c *gin.Context) {
		if secret == "" {
			unauthorized(c, "missing JWT secret")
			return
		}

		tokenString, err := extractBearerToken(c.Request.Header.Get("Authorization"))
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		claims := &Claims{}
		token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		})
		switch {
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			unauthorized(c, "invalid audience")
			return
		case err != nil || !token.Valid:
			unauthorized(c, "invalid token")
			return
		}

		if claims.Subject == "" {
			unauthorized(c, "missing subject")
			return
		}

		scopes := strings.Fields(claims.Scope)
		ctx := context.WithValue(c.Request.Context(), userIDKey, claims.Subject)
		ctx = context.WithValue(ctx, scopesKey, scopes)
		c.Request = c.Request.WithContext(ctx)
		c.Set(string(userIDKey), claims.Subject)

		c.Next()
	}
}

// RequireScope rejects requests whose token lacks scope. It must run after
// JWTMiddleware.
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !HasScope(c.Request.Context(), scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing scope " + scope})
			return
		}
		c.Next()
	}
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}
