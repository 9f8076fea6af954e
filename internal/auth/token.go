package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// Purpose identifies what a bearer token may be used for. It selects the
// token's string prefix (see tokenPrefixes) and is the value stored in
// sessions.purpose, so a token presented to the wrong endpoint is rejected
// before it ever reaches a database lookup.
type Purpose string

const (
	PurposeSession       Purpose = "sess"
	PurposeMFATicket     Purpose = "mfa"
	PurposeSetupTOTP     Purpose = "setup_totp"
	PurposeSetupWebAuthn Purpose = "setup_webauthn"
	PurposeFederation    Purpose = "fed"
	PurposeWebhook       Purpose = "whk"
	PurposePairing       Purpose = "pair"
	PurposeMedia         Purpose = "media"
)

// tokenPrefixes maps each purpose to the literal prefix minted tokens carry.
var tokenPrefixes = map[Purpose]string{
	PurposeSession:       "vox_sess_",
	PurposeMFATicket:     "mfa_",
	PurposeSetupTOTP:     "setup_totp_",
	PurposeSetupWebAuthn: "setup_webauthn_",
	PurposeFederation:    "fed_",
	PurposeWebhook:       "whk_",
	PurposePairing:       "pair_",
	PurposeMedia:         "media_",
}

// tokenRandomBytes is the amount of entropy packed after the prefix: 256 bits.
const tokenRandomBytes = 32

// newOpaqueToken mints a fresh "<prefix><hex>" token for purpose.
func newOpaqueToken(purpose Purpose) (string, error) {
	prefix, ok := tokenPrefixes[purpose]
	if !ok {
		return "", fmt.Errorf("unknown token purpose %q", purpose)
	}
	b := make([]byte, tokenRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token entropy: %w", err)
	}
	return prefix + hex.EncodeToString(b), nil
}

// purposeOf returns the Purpose whose prefix matches token, and false if no
// known prefix matches. Longer prefixes are checked first so "setup_totp_"
// isn't mistaken for some other purpose sharing a shorter common stem.
func purposeOf(token string) (Purpose, bool) {
	var best Purpose
	bestLen := -1
	for purpose, prefix := range tokenPrefixes {
		if strings.HasPrefix(token, prefix) && len(prefix) > bestLen {
			best, bestLen = purpose, len(prefix)
		}
	}
	return best, bestLen >= 0
}
