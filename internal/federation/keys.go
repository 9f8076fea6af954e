// Package federation implements Vox's server-to-server envelope: Ed25519
// request signing, DNS-based key and policy discovery, voucher issuance and
// verification, and nonce-backed replay defence.
package federation

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

const pemBlockType = "VOX FEDERATION PRIVATE KEY"

// KeyPair is this instance's Ed25519 federation identity.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// LoadOrGenerateKeyPair reads the PEM-encoded keypair at path, generating and
// persisting a fresh one if the file does not exist. This is the server's
// one federation identity for as long as the file lives.
func LoadOrGenerateKeyPair(path string) (*KeyPair, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		return decodeKeyPair(raw)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read federation key %s: %w", path, err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate federation key: %w", err)
	}
	kp := &KeyPair{Public: pub, Private: priv}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create federation key directory: %w", err)
	}
	block := &pem.Block{Type: pemBlockType, Bytes: priv}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("write federation key %s: %w", path, err)
	}
	return kp, nil
}

func decodeKeyPair(raw []byte) (*KeyPair, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode federation key: no PEM block found")
	}
	priv := ed25519.PrivateKey(block.Bytes)
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("decode federation key: unexpected key size %d", len(priv))
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("decode federation key: derived public key is not Ed25519")
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}
