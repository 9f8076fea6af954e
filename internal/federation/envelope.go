package federation

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"golang.org/x/time/rate"

	"github.com/voxchat/voxd/internal/httputil"
)

// InboundVerifier is the Fiber dependency applied to every
// /api/v1/federation endpoint: it authenticates the calling origin and
// stores it in fiber.Ctx Locals under localsOriginKey.
type InboundVerifier struct {
	Resolver    Resolver
	Entries     EntryStore
	ClockSkew   time.Duration
	LocalPolicy Policy
	Clock       func() time.Time
}

const localsOriginKey = "federation_origin"

// OriginFromContext returns the authenticated origin domain a handler can
// rely on once InboundVerifier's middleware has run.
func OriginFromContext(c fiber.Ctx) string {
	origin, _ := c.Locals(localsOriginKey).(string)
	return origin
}

// Middleware validates X-Vox-Origin/-Signature/-Timestamp per spec.md's
// inbound verification steps and rejects anything that doesn't pass with
// FED_AUTH_FAILED.
func (v *InboundVerifier) Middleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		origin := c.Get("X-Vox-Origin")
		sig := c.Get("X-Vox-Signature")
		tsHeader := c.Get("X-Vox-Timestamp")
		if origin == "" || sig == "" || tsHeader == "" {
			return fedAuthFailed(c, "missing federation headers")
		}

		ts, err := strconv.ParseInt(tsHeader, 10, 64)
		if err != nil {
			return fedAuthFailed(c, "malformed timestamp")
		}

		now := time.Now
		if v.Clock != nil {
			now = v.Clock
		}
		skew := now().Unix() - ts
		if skew < 0 {
			skew = -skew
		}
		if time.Duration(skew)*time.Second > v.ClockSkew {
			return fedAuthFailed(c, "timestamp outside acceptable skew")
		}

		pub, err := LookupPublicKey(c.Context(), v.Resolver, origin)
		if err != nil {
			return fedAuthFailed(c, "unknown origin key")
		}

		body := c.Body()
		if !Verify(pub, body, ts, sig) {
			return fedAuthFailed(c, "signature mismatch")
		}

		allowed, err := Decide(c.Context(), v.Entries, v.LocalPolicy, origin)
		if err != nil {
			return fedAuthFailed(c, "policy check failed")
		}
		if !allowed {
			return fedAuthFailed(c, "origin rejected by federation policy")
		}

		c.Locals(localsOriginKey, origin)
		return c.Next()
	}
}

func fedAuthFailed(c fiber.Ctx, message string) error {
	return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeFedAuthFailed, message)
}

// OutboundClient signs and sends S2S requests using a single pooled HTTPS
// client, per spec.md's "single pooled HTTPS client ... 10s timeout".
type OutboundClient struct {
	http     *http.Client
	resolver Resolver
	domain   string
	priv     ed25519.PrivateKey
}

// NewOutboundClient builds an OutboundClient signing as ourDomain with
// ourPrivateKey, timing every request out after timeout.
func NewOutboundClient(ourDomain string, ourPrivateKey ed25519.PrivateKey, resolver Resolver, timeout time.Duration) *OutboundClient {
	return &OutboundClient{
		http:     &http.Client{Timeout: timeout},
		resolver: resolver,
		domain:   ourDomain,
		priv:     ourPrivateKey,
	}
}

// Close releases the underlying client's idle connections on shutdown.
func (c *OutboundClient) Close() {
	c.http.CloseIdleConnections()
}

// Send signs body and issues method against targetDomain's federation
// endpoint at path, resolved via DNS per LookupEndpoint.
func (c *OutboundClient) Send(ctx context.Context, method, targetDomain, path string, body []byte) (*http.Response, error) {
	host, port := LookupEndpoint(ctx, c.resolver, targetDomain)
	url := fmt.Sprintf("https://%s:%d%s", host, port, path)

	now := time.Now().Unix()
	sig := Sign(c.priv, body, now)

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build federation request: %w", err)
	}
	req.Header.Set("X-Vox-Origin", c.domain)
	req.Header.Set("X-Vox-Signature", sig)
	req.Header.Set("X-Vox-Timestamp", strconv.FormatInt(now, 10))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send federation request to %s: %w", targetDomain, err)
	}
	return resp, nil
}

// DrainAndClose discards resp's body and closes it, for callers that only
// care about the status code.
func DrainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// HandshakeThrottle limits how often a single remote origin may attempt the
// expensive join/voucher handshake, independent of the general per-category
// rate limiter. Grounded on the same map-of-limiters-plus-cleanup shape as
// internal/ratelimit, but here a plain Allow() boolean is all a handshake
// gate needs, so it is built directly on golang.org/x/time/rate rather than
// a hand-rolled bucket.
type HandshakeThrottle struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// handshakeCleanupThreshold/handshakeIdleTTL mirror internal/ratelimit's
// sweep thresholds for the same reason: bound memory without needing a
// precise LRU.
const handshakeCleanupThreshold = 10000

const handshakeIdleTTL = 10 * time.Minute

// NewHandshakeThrottle creates a throttle allowing ratePerSecond handshake
// attempts per origin, bursting up to burst.
func NewHandshakeThrottle(ratePerSecond float64, burst int) *HandshakeThrottle {
	return &HandshakeThrottle{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(ratePerSecond),
		burst:    burst,
	}
}

// Allow reports whether origin may proceed with a handshake attempt now.
func (t *HandshakeThrottle) Allow(origin string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.limiters[origin]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(t.rate, t.burst)}
		t.limiters[origin] = entry
	}
	entry.lastUsed = time.Now()

	if len(t.limiters) > handshakeCleanupThreshold {
		cutoff := time.Now().Add(-handshakeIdleTTL)
		for k, e := range t.limiters {
			if e.lastUsed.Before(cutoff) {
				delete(t.limiters, k)
			}
		}
	}

	return entry.limiter.Allow()
}
