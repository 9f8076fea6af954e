package federation

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strconv"
)

// EncodePublicKey renders a public key the way it is published in the
// _voxkey TXT record: "p=<base64raw>".
func EncodePublicKey(pub ed25519.PublicKey) string {
	return "p=" + base64.RawStdEncoding.EncodeToString(pub)
}

// DecodePublicKey parses the "p=<base64raw>" form back into a key.
func DecodePublicKey(txt string) (ed25519.PublicKey, error) {
	const prefix = "p="
	if len(txt) <= len(prefix) || txt[:len(prefix)] != prefix {
		return nil, fmt.Errorf("decode public key: missing %q prefix", prefix)
	}
	raw, err := base64.RawStdEncoding.DecodeString(txt[len(prefix):])
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decode public key: unexpected size %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// signedMessage builds the exact byte sequence that gets signed: the request
// body followed by the ASCII decimal unix-seconds timestamp, with no
// separator — matching the wire contract every peer must reproduce.
func signedMessage(body []byte, unixSeconds int64) []byte {
	ts := strconv.FormatInt(unixSeconds, 10)
	msg := make([]byte, 0, len(body)+len(ts))
	msg = append(msg, body...)
	msg = append(msg, ts...)
	return msg
}

// Sign produces the base64 signature for an outbound federation request.
func Sign(priv ed25519.PrivateKey, body []byte, unixSeconds int64) string {
	sig := ed25519.Sign(priv, signedMessage(body, unixSeconds))
	return base64.StdEncoding.EncodeToString(sig)
}

// Verify checks an inbound request's signature against the claimed origin's
// public key.
func Verify(pub ed25519.PublicKey, body []byte, unixSeconds int64, signatureB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, signedMessage(body, unixSeconds), sig)
}
