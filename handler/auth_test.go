package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AnTengye/contractguard/config"
	"github.com/AnTengye/contractguard/middleware"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func authConfig() *config.Config {
	return &config.Config{
		Auth: config.AuthConfig{JWTSecret: "test-secret", TokenExpireHours: 24},
		Users: []config.User{
			{Username: "alice", Password: "wonderland", Tenant: "acme"},
			{Username: "bob", Password: "builder"},
		},
	}
}

func authRouter(cfg *config.Config) *gin.Engine {
	h := NewAuthHandler(cfg)
	r := gin.New()
	r.POST("/login", h.Login)
	r.GET("/me", middleware.AuthMiddleware(&cfg.Auth), h.GetCurrentUser)
	return r
}

func postLogin(r http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthHandlerLogin(t *testing.T) {
	r := authRouter(authConfig())

	tests := []struct {
		name   string
		body   string
		status int
		code   string
		tenant string
	}{
		{"tenant user", `{"username":"alice","password":"wonderland"}`, http.StatusOK, "", "acme"},
		{"user without tenant", `{"username":"bob","password":"builder"}`, http.StatusOK, "", middleware.DefaultTenant},
		{"unknown user", `{"username":"mallory","password":"wonderland"}`, http.StatusUnauthorized, "unauthorized", ""},
		{"wrong password", `{"username":"alice","password":"nope"}`, http.StatusUnauthorized, "unauthorized", ""},
		{"missing password", `{"username":"alice"}`, http.StatusBadRequest, "invalid_request", ""},
		{"not json", `username=alice`, http.StatusBadRequest, "invalid_request", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postLogin(r, tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}

			if tt.code != "" {
				var e map[string]string
				if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
					t.Fatalf("decode error body: %v", err)
				}
				if e["code"] != tt.code || e["message"] == "" {
					t.Errorf("error body = %v, want code %q with a message", e, tt.code)
				}
				return
			}

			var resp LoginResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode login response: %v", err)
			}
			if resp.Token == "" || resp.Tenant != tt.tenant {
				t.Errorf("response = %+v, want a token for tenant %q", resp, tt.tenant)
			}
			if _, err := time.Parse(time.RFC3339, resp.ExpiresAt); err != nil {
				t.Errorf("expires_at %q is not RFC3339: %v", resp.ExpiresAt, err)
			}
		})
	}
}

func TestLoginTokenIdentifiesCaller(t *testing.T) {
	r := authRouter(authConfig())

	w := postLogin(r, `{"username":"alice","password":"wonderland"}`)
	var login LoginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &login); err != nil {
		t.Fatalf("decode login response: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var me map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &me); err != nil {
		t.Fatalf("decode /me: %v", err)
	}
	if me["username"] != "alice" || me["tenant"] != "acme" {
		t.Errorf("/me = %v", me)
	}
}

func TestAuthHandlerLoginDisabledWithoutSecret(t *testing.T) {
	cfg := authConfig()
	cfg.Auth.JWTSecret = ""

	w := postLogin(authRouter(cfg), `{"username":"alice","password":"wonderland"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
