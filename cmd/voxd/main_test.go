package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/voxchat/voxd/internal/httputil"
)

// TestUnknownRouteReturns404 verifies that requests to undefined paths receive a 404 JSON response. Fiber v3 treats
// app.Use() middleware as route matches, so without the catch-all handler at the end of registerRoutes the router
// would return 200 with an empty body for unmatched paths.
func TestUnknownRouteReturns404(t *testing.T) {
	t.Parallel()

	app := fiber.New(fiber.Config{ErrorHandler: httputil.ErrorHandler})

	// Reproduces the condition that causes Fiber v3 to treat unmatched requests as handled: an app.Use() middleware
	// registered before the catch-all.
	app.Use(func(c fiber.Ctx) error {
		return c.Next()
	})

	app.Get("/known", func(c fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})

	tests := []struct {
		name string
		path string
		want int
	}{
		{"unknown path", "/no-such-route", fiber.StatusNotFound},
		{"favicon", "/favicon.ico", fiber.StatusNotFound},
		{"known path", "/known", fiber.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp, err := app.Test(httptest.NewRequest(http.MethodGet, tt.path, nil))
			if err != nil {
				t.Fatalf("app.Test() error = %v", err)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}

			if tt.want == fiber.StatusNotFound {
				body, err := io.ReadAll(resp.Body)
				if err != nil {
					t.Fatalf("read body: %v", err)
				}
				var env struct {
					Error struct {
						Code string `json:"code"`
					} `json:"error"`
				}
				if err := json.Unmarshal(body, &env); err != nil {
					t.Fatalf("unmarshal error response: %v", err)
				}
				if env.Error.Code != string(httputil.CodeValidationError) {
					t.Errorf("error code = %q, want %q", env.Error.Code, httputil.CodeValidationError)
				}
			}
		})
	}
}

// TestRunPeriodicallyZeroIntervalRunsOnce verifies a non-positive interval runs fn once and returns without starting
// a ticker, the mode used when a retention window is configured to zero (retention disabled).
func TestRunPeriodicallyZeroIntervalRunsOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	runPeriodically(context.Background(), 0, func() {
		calls++
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

// TestRunPeriodicallyStopsOnCancel verifies the ticker loop exits once its context is cancelled, rather than looping
// forever.
func TestRunPeriodicallyStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	calls := 0

	go func() {
		defer close(done)
		runPeriodically(ctx, time.Millisecond, func() {
			calls++
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if calls == 0 {
		t.Error("expected fn to run at least once before cancellation")
	}
}
