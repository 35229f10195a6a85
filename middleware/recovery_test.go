package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var logs bytes.Buffer
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))

	router := gin.New()
	router.Use(RequestID(), Recovery())
	router.GET("/panic", func(c *gin.Context) {
		panic("secret detail")
	})
	router.GET("/late-panic", func(c *gin.Context) {
		c.String(http.StatusAccepted, "partial")
		panic("after write")
	})
	router.GET("/normal", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	tests := []struct {
		name           string
		path           string
		expectedStatus int
		bodyContains   string
		logContains    string
	}{
		{"panic before write", "/panic", http.StatusInternalServerError, `"code":"internal"`, "secret detail"},
		{"panic after write keeps status", "/late-panic", http.StatusAccepted, "partial", "after write"},
		{"normal request", "/normal", http.StatusOK, `"message":"ok"`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs.Reset()
			req := httptest.NewRequest("GET", tt.path, nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if !strings.Contains(w.Body.String(), tt.bodyContains) {
				t.Errorf("Expected %q in body, got %s", tt.bodyContains, w.Body.String())
			}
			if strings.Contains(w.Body.String(), "secret detail") {
				t.Error("Panic value must not reach the client")
			}
			if tt.logContains != "" {
				if !strings.Contains(logs.String(), tt.logContains) || !strings.Contains(logs.String(), "request_id=") {
					t.Errorf("Expected panic and request id in log, got %s", logs.String())
				}
			}
		})
	}
}
