package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"payout-security-api/internal/config"
	"payout-security-api/internal/models"
	"payout-security-api/internal/service"
)

const principalContextKey = "principal"

type AuthMiddleware struct {
	secret    []byte
	issuer    string
	skipPaths map[string]bool
	audit     service.AuditService
	logger    *logrus.Entry
}

// NewAuthMiddleware builds the bearer token guard. Rejected requests are
// audited as security violations when audit is non-nil.
func NewAuthMiddleware(cfg config.AuthConfig, audit service.AuditService) *AuthMiddleware {
	return &AuthMiddleware{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.JWTIssuer,
		audit:  audit,
		logger: logrus.WithField("component", "auth_middleware"),
		skipPaths: map[string]bool{
			"/health":  true,
			"/ready":   true,
			"/version": true,
			"/metrics": true,
		},
	}
}

// Claims are issued by the identity service. Subject carries the principal id.
type Claims struct {
	SessionID string `json:"sid"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// JWTAuth resolves the bearer token into a Principal on both the gin context
// and the request context. Session liveness is checked later, per operation.
func (a *AuthMiddleware) JWTAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.skipPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			a.abortUnauthorized(c, "Missing Authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			a.abortUnauthorized(c, "Authorization header must be 'Bearer <token>'")
			return
		}

		claims, err := a.parse(parts[1])
		if err != nil {
			a.abortUnauthorized(c, err.Error())
			return
		}

		principal := models.Principal{
			ID:        claims.Subject,
			SessionID: claims.SessionID,
			Role:      claims.Role,
		}
		c.Set(principalContextKey, principal)
		c.Request = c.Request.WithContext(models.WithPrincipal(c.Request.Context(), principal))
		c.Next()
	}
}

// RequireAdmin must run after JWTAuth.
func (a *AuthMiddleware) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := PrincipalFromGin(c)
		if !ok {
			a.abortUnauthorized(c, "Authentication required")
			return
		}
		if !principal.IsAdmin() {
			auditRefusal(c, a.audit, a.logger, models.EventSecurityViolation, models.AuditHigh, map[string]interface{}{
				"reason": "admin_required",
				"status": http.StatusForbidden,
			})
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin access required",
			})
			return
		}
		c.Next()
	}
}

func (a *AuthMiddleware) parse(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Subject == "" || claims.SessionID == "" {
		return nil, fmt.Errorf("token is missing subject or session")
	}
	switch claims.Role {
	case models.RoleDriver, models.RoleAdmin, models.RoleSystem:
	default:
		return nil, fmt.Errorf("unknown role %q", claims.Role)
	}
	return claims, nil
}

// GenerateToken signs an access token. Used by operational tooling and tests;
// production tokens come from the identity service.
func (a *AuthMiddleware) GenerateToken(principal models.Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		SessionID: principal.SessionID,
		Role:      principal.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func PrincipalFromGin(c *gin.Context) (models.Principal, bool) {
	v, ok := c.Get(principalContextKey)
	if !ok {
		return models.Principal{}, false
	}
	p, ok := v.(models.Principal)
	return p, ok
}

func (a *AuthMiddleware) abortUnauthorized(c *gin.Context, message string) {
	auditRefusal(c, a.audit, a.logger, models.EventSecurityViolation, models.AuditHigh, map[string]interface{}{
		"reason": message,
		"status": http.StatusUnauthorized,
	})
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": message,
	})
}
