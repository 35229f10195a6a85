package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/AnTengye/contractguard/config"
	"github.com/AnTengye/contractguard/pkg/apperr"
	"github.com/AnTengye/contractguard/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultTenant scopes every request when no JWT secret is configured
const DefaultTenant = "default"

// Claims represents the JWT claims
type Claims struct {
	Username string `json:"username"`
	Tenant   string `json:"tenant"`
	jwt.RegisteredClaims
}

// GenerateToken generates a new JWT token for a user
func GenerateToken(username, tenant string, cfg *config.AuthConfig) (string, time.Time, error) {
	expiresAt := time.Now().Add(time.Duration(cfg.TokenExpireHours) * time.Hour)

	claims := Claims{
		Username: username,
		Tenant:   tenant,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}

	return tokenString, expiresAt, nil
}

// ParseToken validates tokenString and returns its claims
func ParseToken(tokenString string, cfg *config.AuthConfig) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// AuthMiddleware validates the bearer token and scopes the request to its
// tenant. Browsers cannot set headers on WebSocket upgrades, so a "token"
// query parameter is accepted as well. Without a configured secret every
// request runs as DefaultTenant.
func AuthMiddleware(cfg *config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.JWTSecret == "" {
			setIdentity(c, "anonymous", DefaultTenant)
			c.Next()
			return
		}

		tokenString := c.Query("token")
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			// Extract token from "Bearer <token>"
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				abort(c, apperr.New(apperr.CodeUnauthorized, "invalid authorization header format"))
				return
			}
			tokenString = parts[1]
		}
		if tokenString == "" {
			abort(c, apperr.New(apperr.CodeUnauthorized, "authorization required"))
			return
		}

		claims, err := ParseToken(tokenString, cfg)
		if err != nil {
			abort(c, apperr.New(apperr.CodeUnauthorized, "invalid or expired token"))
			return
		}

		setIdentity(c, claims.Username, claims.Tenant)
		c.Next()
	}
}

func setIdentity(c *gin.Context, username, tenant string) {
	c.Set("username", username)
	c.Set("tenant", tenant)

	ctx := context.WithValue(c.Request.Context(), logger.TenantKey, tenant)
	ctx = context.WithValue(ctx, logger.UsernameKey, username)
	c.Request = c.Request.WithContext(ctx)
}

// GetUsername gets the username from context
func GetUsername(c *gin.Context) string {
	if username, exists := c.Get("username"); exists {
		return username.(string)
	}
	return ""
}

// GetTenant gets the tenant from context
func GetTenant(c *gin.Context) string {
	if tenant, exists := c.Get("tenant"); exists {
		return tenant.(string)
	}
	return ""
}

// abort renders e as {code, message} and stops the chain
func abort(c *gin.Context, e *apperr.Error) {
	c.AbortWithStatusJSON(e.Status, e)
}
