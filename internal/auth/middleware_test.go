package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentcore/engine/pkg/models"
)

func echoUserHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, ok := UserFromContext(r.Context()); ok {
			w.Header().Set("X-User-Id", user.ID)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewarePassesThroughWhenDisabled(t *testing.T) {
	handler := Middleware(NewService(Config{}), nil)(echoUserHandler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMiddlewareRejectsMissingCredentials(t *testing.T) {
	service := NewService(Config{JWTSecret: "super-secret-control-surface-key"})
	handler := Middleware(service, nil)(echoUserHandler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddlewareAcceptsValidBearerToken(t *testing.T) {
	service := NewService(Config{JWTSecret: "super-secret-control-surface-key"})
	token, err := service.GenerateJWT(&models.User{ID: "user-1"})
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}
	handler := Middleware(service, nil)(echoUserHandler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-User-Id") != "user-1" {
		t.Fatalf("expected user id propagated, got %q", rec.Header().Get("X-User-Id"))
	}
}

func TestMiddlewareAcceptsValidAPIKey(t *testing.T) {
	service := NewService(Config{APIKeys: []APIKeyConfig{{Key: "abc123", UserID: "user-2"}}})
	handler := Middleware(service, nil)(echoUserHandler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("X-API-Key", "abc123")
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-User-Id") != "user-2" {
		t.Fatalf("expected user id propagated, got %q", rec.Header().Get("X-User-Id"))
	}
}

func TestMiddlewareRejectsInvalidBearerToken(t *testing.T) {
	service := NewService(Config{JWTSecret: "super-secret-control-surface-key"})
	handler := Middleware(service, nil)(echoUserHandler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
