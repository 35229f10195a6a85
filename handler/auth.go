package handler

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/AnTengye/contractguard/config"
	"github.com/AnTengye/contractguard/middleware"
	"github.com/AnTengye/contractguard/pkg/apperr"
	"github.com/AnTengye/contractguard/pkg/logger"
	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	config *config.Config
}

func NewAuthHandler(cfg *config.Config) *AuthHandler {
	return &AuthHandler{config: cfg}
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
	Username  string `json:"username"`
	Tenant    string `json:"tenant"`
}

// Login handles user login
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.New(apperr.CodeInvalidRequest, "username and password are required"))
		return
	}

	if h.config.Auth.JWTSecret == "" {
		fail(c, apperr.New(apperr.CodeInvalidRequest, "authentication is disabled"))
		return
	}

	user := h.config.FindUser(req.Username)
	if user == nil || subtle.ConstantTimeCompare([]byte(user.Password), []byte(req.Password)) != 1 {
		logger.Warn(c.Request.Context(), "login rejected", "username", req.Username)
		fail(c, apperr.New(apperr.CodeUnauthorized, "invalid username or password"))
		return
	}
	tenant := user.Tenant
	if tenant == "" {
		tenant = middleware.DefaultTenant
	}

	// Generate token
	token, expiresAt, err := middleware.GenerateToken(user.Username, tenant, &h.config.Auth)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		Token:     token,
		ExpiresAt: expiresAt.Format(time.RFC3339),
		Username:  user.Username,
		Tenant:    tenant,
	})
}

// GetCurrentUser returns the current user info
func (h *AuthHandler) GetCurrentUser(c *gin.Context) {
	username := middleware.GetUsername(c)
	tenant := middleware.GetTenant(c)

	c.JSON(http.StatusOK, gin.H{
		"username": username,
		"tenant":   tenant,
	})
}
