package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/voxchat/voxd/internal/server"
)

func newTestServerHandler(cfg server.Config) (*ServerHandler, *fakeServerRepo) {
	repo := &fakeServerRepo{cfg: cfg}
	dispatcher, _ := newTestDispatcher()
	return NewServerHandler(repo, dispatcher, zerolog.Nop()), repo
}

func TestServerGet(t *testing.T) {
	t.Parallel()

	handler, _ := newTestServerHandler(server.Config{ID: 1, Name: "Vox", Domain: "vox.test"})

	app := fiber.New()
	app.Get("/api/v1/server", handler.Get)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/server", nil)
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
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Data.Name != "Vox" {
		t.Errorf("name = %q, want %q", out.Data.Name, "Vox")
	}
}

func TestServerUpdate(t *testing.T) {
	t.Parallel()

	handler, repo := newTestServerHandler(server.Config{ID: 1, Name: "Vox", Domain: "vox.test"})

	app := fiber.New()
	app.Patch("/api/v1/server", handler.Update)

	body := strings.NewReader(`{"name":"New Name"}`)
	req := httptest.NewRequest(http.MethodPatch, "/api/v1/server", body)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, testTimeout)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if repo.cfg.Name != "New Name" {
		t.Errorf("repo name = %q, want %q", repo.cfg.Name, "New Name")
	}
}

func TestServerUpdateNameRequired(t *testing.T) {
	t.Parallel()

	handler, _ := newTestServerHandler(server.Config{ID: 1, Name: "Vox", Domain: "vox.test"})

	app := fiber.New()
	app.Patch("/api/v1/server", handler.Update)

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/server", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, testTimeout)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}
