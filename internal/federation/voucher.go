package federation

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// VoucherPayload is what a home server attests when vouching for one of its
// users joining a remote server.
type VoucherPayload struct {
	UserAddress  string `json:"user_address"`
	TargetDomain string `json:"target_domain"`
	IssuedAt     int64  `json:"issued_at"`
	ExpiresAt    int64  `json:"expires_at"`
	Nonce        string `json:"nonce"`
}

// HomeDomain returns the domain half of "user@domain".
func (p VoucherPayload) HomeDomain() (string, error) {
	_, domain, ok := strings.Cut(p.UserAddress, "@")
	if !ok || domain == "" {
		return "", fmt.Errorf("malformed user address %q", p.UserAddress)
	}
	return domain, nil
}

// randomNonce returns a 16-byte hex-encoded random token.
func randomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate voucher nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// IssueVoucher builds and signs a voucher for userAddress to join
// targetDomain, valid for ttl.
func IssueVoucher(priv ed25519.PrivateKey, userAddress, targetDomain string, now time.Time, ttl time.Duration) (string, error) {
	nonce, err := randomNonce()
	if err != nil {
		return "", err
	}
	payload := VoucherPayload{
		UserAddress:  userAddress,
		TargetDomain: targetDomain,
		IssuedAt:     now.Unix(),
		ExpiresAt:    now.Add(ttl).Unix(),
		Nonce:        nonce,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal voucher payload: %w", err)
	}
	sig := ed25519.Sign(priv, body)

	return base64.StdEncoding.EncodeToString(body) + "." + base64.StdEncoding.EncodeToString(sig), nil
}

// KeyLookup resolves a domain's federation public key, typically LookupPublicKey
// bound to a concrete Resolver.
type KeyLookup func(ctx context.Context, domain string) (ed25519.PublicKey, error)

// VerifyVoucher validates a voucher presented to targetDomain: well-formed,
// addressed to targetDomain, unexpired, validly signed by its claimed home
// server, and not a replay. The nonce is recorded as a side effect of a
// successful verification so it cannot be redeemed twice.
func VerifyVoucher(ctx context.Context, token, targetDomain string, now time.Time, keys KeyLookup, nonces NonceStore, nonceTTL time.Duration) (*VoucherPayload, error) {
	encodedPayload, encodedSig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, fmt.Errorf("malformed voucher: missing separator")
	}
	body, err := base64.StdEncoding.DecodeString(encodedPayload)
	if err != nil {
		return nil, fmt.Errorf("malformed voucher payload: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(encodedSig)
	if err != nil {
		return nil, fmt.Errorf("malformed voucher signature: %w", err)
	}

	var payload VoucherPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed voucher payload: %w", err)
	}

	if payload.TargetDomain != targetDomain {
		return nil, fmt.Errorf("voucher targets %q, not %q", payload.TargetDomain, targetDomain)
	}
	if now.Unix() > payload.ExpiresAt {
		return nil, fmt.Errorf("voucher expired at %d", payload.ExpiresAt)
	}

	homeDomain, err := payload.HomeDomain()
	if err != nil {
		return nil, err
	}
	pub, err := keys(ctx, homeDomain)
	if err != nil {
		return nil, fmt.Errorf("resolve voucher issuer key: %w", err)
	}
	if !ed25519.Verify(pub, body, sig) {
		return nil, fmt.Errorf("voucher signature invalid")
	}

	inserted, err := nonces.Insert(ctx, payload.Nonce, now.Add(nonceTTL))
	if err != nil {
		return nil, fmt.Errorf("record voucher nonce: %w", err)
	}
	if !inserted {
		return nil, fmt.Errorf("voucher already used")
	}

	return &payload, nil
}
