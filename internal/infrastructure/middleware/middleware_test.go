package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/services"
	"peercall/pkg/errors"
	"peercall/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newAuthRouter(t *testing.T, required bool) (*gin.Engine, services.AuthService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	auth := services.NewAuthService("test-secret", time.Hour, "peercall")
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(logger.NewContextLogger(zap.NewNop())), AuthMiddleware(auth, required))
	router.GET("/ws", func(c *gin.Context) {
		participant, ok := ParticipantFromContext(c)
		if !ok {
			t.Error("participant missing from gin context")
		}
		if logger.ParticipantID(c.Request.Context()) != string(participant) {
			t.Error("participant missing from request context")
		}
		c.String(http.StatusOK, string(participant))
	})
	return router, auth
}

func serve(router http.Handler, target string, header http.Header) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	code, _ := body["error"].(string)
	return code
}

func TestAuthMiddleware_Token(t *testing.T) {
	router, auth := newAuthRouter(t, true)
	token, err := auth.GenerateToken("alice", "Alice")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	w := serve(router, "/ws", http.Header{"Authorization": {"Bearer " + token}})
	if w.Code != http.StatusOK || w.Body.String() != "alice" {
		t.Fatalf("header token: got %d %q", w.Code, w.Body.String())
	}

	w = serve(router, "/ws?token="+token, nil)
	if w.Code != http.StatusOK || w.Body.String() != "alice" {
		t.Fatalf("query token: got %d %q", w.Code, w.Body.String())
	}
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	router, _ := newAuthRouter(t, true)

	tests := []struct {
		name   string
		target string
		header http.Header
	}{
		{"missing token", "/ws?participant_id=alice", nil},
		{"bad scheme", "/ws", http.Header{"Authorization": {"Basic abc"}}},
		{"bad token", "/ws?token=garbage", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(router, tt.target, tt.header)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", w.Code)
			}
			if code := errorCode(t, w); code != string(errors.ErrCodeUnauthorized) {
				t.Errorf("error code = %q", code)
			}
		})
	}
}

func TestAuthMiddleware_OptionalFallsBackToQuery(t *testing.T) {
	router, _ := newAuthRouter(t, false)

	w := serve(router, "/ws?participant_id=bob", nil)
	if w.Code != http.StatusOK || w.Body.String() != "bob" {
		t.Fatalf("got %d %q", w.Code, w.Body.String())
	}

	w = serve(router, "/ws", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing participant: expected 400, got %d", w.Code)
	}
	w = serve(router, "/ws?participant_id=bad%20id", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid participant: expected 400, got %d", w.Code)
	}
}

func TestErrorHandlerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(logger.NewContextLogger(zap.NewNop())))
	router.GET("/conflict", func(c *gin.Context) {
		c.Error(fmt.Errorf("accept: %w", errors.NewInvalidStateError(domain.ErrInvalidState)))
	})
	router.GET("/plain", func(c *gin.Context) {
		c.Error(fmt.Errorf("boom"))
	})
	router.GET("/offline", func(c *gin.Context) {
		c.Error(errors.NewParticipantOfflineError("bob"))
	})

	w := serve(router, "/conflict", nil)
	if w.Code != http.StatusConflict || errorCode(t, w) != string(errors.ErrCodeInvalidState) {
		t.Fatalf("conflict: got %d %s", w.Code, w.Body.String())
	}

	w = serve(router, "/plain", nil)
	if w.Code != http.StatusInternalServerError || errorCode(t, w) != string(errors.ErrCodeInternal) {
		t.Fatalf("plain: got %d %s", w.Code, w.Body.String())
	}

	w = serve(router, "/offline", nil)
	var body struct {
		Details map[string]interface{} `json:"details"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Details["participant_id"] != "bob" {
		t.Errorf("details = %v", body.Details)
	}
}

func TestErrorHandlerMiddleware_LogsWithRequestContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.DebugLevel)
	cl := logger.NewContextLogger(zap.New(core))

	router := gin.New()
	router.Use(RequestLoggingMiddleware(cl), ErrorHandlerMiddleware(cl))
	router.GET("/plain", func(c *gin.Context) {
		c.Request = c.Request.WithContext(logger.WithCallID(c.Request.Context(), "call-3"))
		c.Error(fmt.Errorf("boom"))
	})
	router.GET("/conflict", func(c *gin.Context) {
		c.Error(errors.NewInvalidStateError(domain.ErrInvalidState))
	})

	header := http.Header{}
	header.Set(requestIDHeader, "req-5")
	serve(router, "/plain", header)
	serve(router, "/conflict", nil)

	failed := logs.FilterMessage("error_occurred").All()
	if len(failed) != 1 {
		t.Fatalf("expected one error log, got %d", len(failed))
	}
	fields := failed[0].ContextMap()
	if fields["request_id"] != "req-5" || fields["call_id"] != "call-3" || fields["status"] != int64(http.StatusInternalServerError) {
		t.Errorf("unexpected fields: %v", fields)
	}
	if fields["message"] != "request failed" || fields["error"] != "boom" {
		t.Errorf("unexpected fields: %v", fields)
	}

	rejected := logs.FilterMessage("request rejected").All()
	if len(rejected) != 1 || rejected[0].Level != zap.DebugLevel {
		t.Fatalf("expected one debug rejection log, got %v", rejected)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(zap.NewNop().Sugar()))
	router.GET("/panic", func(c *gin.Context) {
		panic("unexpected")
	})

	w := serve(router, "/panic", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestRequestLoggingMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)

	router := gin.New()
	router.Use(RequestLoggingMiddleware(logger.NewContextLogger(zap.New(core))), TracingMiddleware())
	router.POST("/api/v1/call", func(c *gin.Context) {
		if logger.RequestID(c.Request.Context()) != "req-42" {
			t.Error("request id not propagated")
		}
		c.Status(http.StatusAccepted)
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, "/api/v1/call", bytes.NewBufferString("{}"))
	req.Header.Set(requestIDHeader, "req-42")
	router.ServeHTTP(w, req)

	if w.Header().Get(requestIDHeader) != "req-42" {
		t.Errorf("response request id = %q", w.Header().Get(requestIDHeader))
	}
	entries := logs.FilterMessage("http_request").All()
	if len(entries) != 1 {
		t.Fatalf("expected one request log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["request_id"] != "req-42" || fields["status_code"] != int64(http.StatusAccepted) {
		t.Errorf("unexpected fields: %v", fields)
	}

	w = serve(router, "/missing", nil)
	if w.Header().Get(requestIDHeader) == "" {
		t.Error("expected generated request id")
	}
}
