package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t, "SERVER_SECRET", "SERVER_ENV", "SERVER_PORT")
	os.Setenv("SERVER_ENV", "development")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerPort != 8080 {
		t.Errorf("ServerPort = %d, want 8080", cfg.ServerPort)
	}
	if !cfg.IsDevelopment() {
		t.Errorf("IsDevelopment() = false, want true")
	}
	if cfg.ReplayBufferSize != 1000 {
		t.Errorf("ReplayBufferSize = %d, want 1000", cfg.ReplayBufferSize)
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	clearEnv(t, "SERVER_SECRET", "SERVER_ENV", "SERVER_PORT")
	os.Setenv("SERVER_ENV", "development")
	os.Setenv("SERVER_PORT", "not-a-number")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid SERVER_PORT")
	}
}

func TestLoad_RequiresServerSecretInProduction(t *testing.T) {
	clearEnv(t, "SERVER_SECRET", "SERVER_ENV")
	os.Setenv("SERVER_ENV", "production")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when SERVER_SECRET is missing in production")
	}
}

func TestLoad_RejectsBadFederationPolicy(t *testing.T) {
	clearEnv(t, "SERVER_SECRET", "SERVER_ENV", "FEDERATION_POLICY")
	os.Setenv("SERVER_ENV", "development")
	os.Setenv("FEDERATION_POLICY", "maybe")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid FEDERATION_POLICY")
	}
}
