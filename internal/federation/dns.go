package federation

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Resolver is the DNS surface federation discovery needs. Satisfied by
// *net.Resolver; narrowed to an interface so tests can fake lookups without
// touching a real resolver.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// DefaultResolver is the stdlib resolver, suitable for production use.
var DefaultResolver Resolver = net.DefaultResolver

// LookupPublicKey fetches domain's federation public key from its
// "_voxkey.<domain>" TXT record.
func LookupPublicKey(ctx context.Context, r Resolver, domain string) (ed25519.PublicKey, error) {
	records, err := r.LookupTXT(ctx, "_voxkey."+domain)
	if err != nil {
		return nil, fmt.Errorf("lookup _voxkey.%s: %w", domain, err)
	}
	for _, rec := range records {
		if strings.HasPrefix(rec, "p=") {
			return DecodePublicKey(rec)
		}
	}
	return nil, fmt.Errorf("lookup _voxkey.%s: no key record found", domain)
}

// Policy is a remote instance's stated federation stance.
type Policy string

const (
	PolicyOpen      Policy = "open"
	PolicyClosed    Policy = "closed"
	PolicyAllowlist Policy = "allowlist"
)

// LookupPolicy fetches domain's federation policy from its
// "_voxpolicy.<domain>" TXT record, defaulting to fallback when absent or
// unrecognized.
func LookupPolicy(ctx context.Context, r Resolver, domain string, fallback Policy) Policy {
	records, err := r.LookupTXT(ctx, "_voxpolicy."+domain)
	if err != nil {
		return fallback
	}
	for _, rec := range records {
		const prefix = "federation="
		if !strings.HasPrefix(rec, prefix) {
			continue
		}
		switch Policy(strings.TrimPrefix(rec, prefix)) {
		case PolicyOpen:
			return PolicyOpen
		case PolicyClosed:
			return PolicyClosed
		case PolicyAllowlist:
			return PolicyAllowlist
		}
	}
	return fallback
}

// defaultFederationPort is used when a "_vox.<domain>" record is absent.
const defaultFederationPort = 443

// LookupEndpoint resolves the host:port a federation request to domain
// should target. Go's standard library has no SVCB resource record type and
// no example in the corpus brings a DNS library that adds one, so this
// approximates the spec's "_vox.<domain> SVCB" lookup with a TXT record of
// the form "host=<host> port=<port>", falling back to (domain, 443).
func LookupEndpoint(ctx context.Context, r Resolver, domain string) (host string, port int) {
	records, err := r.LookupTXT(ctx, "_vox."+domain)
	if err != nil {
		return domain, defaultFederationPort
	}
	for _, rec := range records {
		host, port = domain, defaultFederationPort
		found := false
		for _, field := range strings.Fields(rec) {
			switch {
			case strings.HasPrefix(field, "host="):
				host = strings.TrimPrefix(field, "host=")
				found = true
			case strings.HasPrefix(field, "port="):
				if p, err := strconv.Atoi(strings.TrimPrefix(field, "port=")); err == nil {
					port = p
					found = true
				}
			}
		}
		if found {
			return host, port
		}
	}
	return domain, defaultFederationPort
}
