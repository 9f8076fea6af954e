package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/voxchat/voxd/internal/auth"
)

func newTestUserApp(t *testing.T, handler *UserHandler, userID int64) *fiber.App {
	t.Helper()
	app := fiber.New()
	app.Use(func(c fiber.Ctx) error {
		c.Locals(auth.UserIDLocal, userID)
		return c.Next()
	})
	app.Get("/api/v1/users/@me", handler.GetMe)
	app.Patch("/api/v1/users/@me", handler.UpdateMe)
	app.Delete("/api/v1/users/@me", handler.DeleteMe)
	return app
}

func TestUserGetMe(t *testing.T) {
	t.Parallel()

	svc, users, _ := newTestAuthService(t)
	result, err := svc.Register(context.Background(), auth.RegisterRequest{Username: "dave", Password: "correct horse battery"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	handler := NewUserHandler(users, svc, zerolog.Nop())
	app := newTestUserApp(t, handler, result.User.ID)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/@me", nil)
	resp, err := app.Test(req, testTimeout)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var out struct {
		Data struct {
			Username string `json:"username"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Data.Username != "dave" {
		t.Errorf("username = %q, want %q", out.Data.Username, "dave")
	}
}

func TestUserUpdateMe(t *testing.T) {
	t.Parallel()

	svc, users, _ := newTestAuthService(t)
	result, err := svc.Register(context.Background(), auth.RegisterRequest{Username: "erin", Password: "correct horse battery"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	handler := NewUserHandler(users, svc, zerolog.Nop())
	app := newTestUserApp(t, handler, result.User.ID)

	body := strings.NewReader(`{"display_name":"Erin Example"}`)
	req := httptest.NewRequest(http.MethodPatch, "/api/v1/users/@me", body)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, testTimeout)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestUserDeleteMeWrongPassword(t *testing.T) {
	t.Parallel()

	svc, users, _ := newTestAuthService(t)
	result, err := svc.Register(context.Background(), auth.RegisterRequest{Username: "frank", Password: "correct horse battery"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	handler := NewUserHandler(users, svc, zerolog.Nop())
	app := newTestUserApp(t, handler, result.User.ID)

	body := strings.NewReader(`{"password":"totally wrong"}`)
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/users/@me", body)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, testTimeout)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}
