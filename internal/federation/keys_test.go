package federation

import (
	"path/filepath"
	"testing"
)

func TestLoadOrGenerateKeyPairGeneratesWhenMissing(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "federation_ed25519.pem")

	kp, err := LoadOrGenerateKeyPair(path)
	if err != nil {
		t.Fatalf("LoadOrGenerateKeyPair() error = %v", err)
	}
	if len(kp.Public) == 0 || len(kp.Private) == 0 {
		t.Fatal("LoadOrGenerateKeyPair() returned an empty key")
	}
}

func TestLoadOrGenerateKeyPairPersistsAcrossCalls(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "federation_ed25519.pem")

	first, err := LoadOrGenerateKeyPair(path)
	if err != nil {
		t.Fatalf("first LoadOrGenerateKeyPair() error = %v", err)
	}
	second, err := LoadOrGenerateKeyPair(path)
	if err != nil {
		t.Fatalf("second LoadOrGenerateKeyPair() error = %v", err)
	}
	if !first.Public.Equal(second.Public) {
		t.Error("reloading the key file produced a different public key, want the same identity")
	}
}
