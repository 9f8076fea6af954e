// Package ratelimit implements a per-(principal, category) token-bucket
// limiter and the Fiber middleware that applies it to the REST API.
package ratelimit

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/voxchat/voxd/internal/httputil"
)

// Category groups endpoints that share a token-bucket budget.
type Category string

const (
	CategoryAuth        Category = "auth"
	CategoryChannels    Category = "channels"
	CategoryRoles       Category = "roles"
	CategoryMembers     Category = "members"
	CategoryInvites     Category = "invites"
	CategoryWebhooks    Category = "webhooks"
	CategoryEmoji       Category = "emoji"
	CategoryModeration  Category = "moderation"
	CategoryVoice       Category = "voice"
	CategoryServer      Category = "server"
	CategoryBots        Category = "bots"
	CategoryE2EE        Category = "e2ee"
	CategorySearch      Category = "search"
	CategoryFiles       Category = "files"
	CategoryFederation  Category = "federation"
	CategoryMessages    Category = "messages"
)

type budget struct {
	maxTokens       int
	refillPerSecond float64
}

// categoryBudgets mirrors the limiter configuration the original service
// shipped: burst size and steady refill rate per category.
var categoryBudgets = map[Category]budget{
	CategoryAuth:       {5, 0.1},
	CategoryMessages:   {50, 1.0},
	CategoryChannels:   {20, 0.5},
	CategoryRoles:      {10, 0.2},
	CategoryMembers:    {20, 0.5},
	CategoryInvites:    {10, 0.2},
	CategoryWebhooks:   {10, 0.2},
	CategoryEmoji:      {10, 0.2},
	CategoryModeration: {10, 0.2},
	CategoryVoice:      {30, 1.0},
	CategoryServer:     {10, 0.2},
	CategoryBots:       {10, 0.2},
	CategoryE2EE:       {30, 0.5},
	CategorySearch:     {10, 0.1},
	CategoryFiles:      {20, 0.5},
	CategoryFederation: {50, 1.0},
}

var defaultBudget = budget{10, 0.2}

func budgetFor(category Category) budget {
	if b, ok := categoryBudgets[category]; ok {
		return b
	}
	return defaultBudget
}

// prefixRoute maps a URL prefix to the category it belongs to.
type prefixRoute struct {
	prefix   string
	category Category
}

var prefixRoutes = []prefixRoute{
	{"/api/v1/auth", CategoryAuth},
	{"/api/v1/feeds", CategoryChannels},
	{"/api/v1/rooms", CategoryChannels},
	{"/api/v1/categories", CategoryChannels},
	{"/api/v1/threads", CategoryChannels},
	{"/api/v1/roles", CategoryRoles},
	{"/api/v1/members", CategoryMembers},
	{"/api/v1/invites", CategoryInvites},
	{"/api/v1/webhooks", CategoryWebhooks},
	{"/api/v1/emoji", CategoryEmoji},
	{"/api/v1/stickers", CategoryEmoji},
	{"/api/v1/moderation", CategoryModeration},
	{"/api/v1/voice", CategoryVoice},
	{"/api/v1/server", CategoryServer},
	{"/api/v1/bots", CategoryBots},
	{"/api/v1/keys", CategoryE2EE},
	{"/api/v1/dms", CategoryMessages},
	{"/api/v1/files", CategoryFiles},
	{"/api/v1/federation", CategoryFederation},
	{"/api/v1/reports", CategoryModeration},
	{"/api/v1/admin", CategoryModeration},
	{"/api/v1/users", CategoryMembers},
}

// skipPrefixes lists paths the limiter never touches: the gateway upgrade
// and documentation routes.
var skipPrefixes = []string{"/gateway", "/api/v1/gateway", "/docs", "/openapi.json"}

// Classify maps a URL path to the rate-limit category it should draw from.
func Classify(path string) Category {
	if strings.Contains(path, "/messages") {
		return CategoryMessages
	}
	if strings.HasPrefix(path, "/api/v1/webhooks/") && strings.Contains(path, "/execute") {
		return CategoryMessages
	}
	if strings.Contains(path, "/search") {
		return CategorySearch
	}
	for _, r := range prefixRoutes {
		if strings.HasPrefix(path, r.prefix) {
			return r.category
		}
	}
	return CategoryServer
}

func shouldSkip(path string) bool {
	for _, p := range skipPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// bucket is a single token bucket, refilled lazily on each check.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Result is the outcome of a Check call.
type Result struct {
	Allowed      bool
	Limit        int
	Remaining    int
	ResetUnix    int64
	RetryAfterMS int64
}

// cleanupThreshold bounds memory: once the bucket map grows past this size
// the background sweep drops buckets untouched for longer than idleTTL.
const cleanupThreshold = 10000

const idleTTL = 10 * time.Minute

// Limiter tracks one token bucket per (principal, category) pair.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	stop chan struct{}
}

// New creates a Limiter and starts its background cleanup sweep.
func New() *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Close stops the background cleanup goroutine.
func (l *Limiter) Close() {
	close(l.stop)
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.sweep(now)
		}
	}
}

func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buckets) <= cleanupThreshold {
		return
	}
	for key, b := range l.buckets {
		if now.Sub(b.lastRefill) > idleTTL {
			delete(l.buckets, key)
		}
	}
}

func bucketKey(principal string, category Category) string {
	return principal + "|" + string(category)
}

// Check consumes one token for principal under category, refilling the
// bucket for elapsed time first. The returned Result carries the header
// values a caller needs regardless of the outcome.
func (l *Limiter) Check(principal string, category Category) Result {
	b := budgetFor(category)
	now := time.Now()

	l.mu.Lock()
	key := bucketKey(principal, category)
	bk, ok := l.buckets[key]
	if !ok {
		bk = &bucket{tokens: float64(b.maxTokens), lastRefill: now}
		l.buckets[key] = bk
	}

	elapsed := now.Sub(bk.lastRefill).Seconds()
	bk.tokens = math.Min(float64(b.maxTokens), bk.tokens+elapsed*b.refillPerSecond)
	bk.lastRefill = now

	var result Result
	if bk.tokens >= 1.0 {
		bk.tokens -= 1.0
		remaining := int(bk.tokens)
		var resetAt time.Time
		if b.refillPerSecond > 0 {
			resetAt = now.Add(time.Duration((float64(b.maxTokens)-bk.tokens)/b.refillPerSecond) * time.Second)
		} else {
			resetAt = now
		}
		result = Result{Allowed: true, Limit: b.maxTokens, Remaining: remaining, ResetUnix: resetAt.Unix()}
	} else {
		var wait time.Duration
		if b.refillPerSecond > 0 {
			wait = time.Duration((1.0 - bk.tokens) / b.refillPerSecond * float64(time.Second))
		} else {
			wait = time.Second
		}
		result = Result{
			Allowed:      false,
			Limit:        b.maxTokens,
			Remaining:    0,
			ResetUnix:    now.Add(wait).Unix(),
			RetryAfterMS: int64(math.Ceil(wait.Seconds() * 1000)),
		}
	}
	l.mu.Unlock()
	return result
}

// TokenResolver looks up the user a bearer or bot token belongs to, the way
// the REST auth middleware does, without this package importing it back.
type TokenResolver interface {
	ResolveToken(ctx context.Context, token string) (userID int64, err error)
}

const tokenCacheTTL = 30 * time.Second

type cachedPrincipal struct {
	userID  int64
	expires time.Time
}

// Middleware returns Fiber middleware that classifies each request, checks
// its bucket, sets the X-RateLimit-* headers, and rejects with 429 when the
// bucket is empty.
func Middleware(limiter *Limiter, tokens TokenResolver) fiber.Handler {
	var cacheMu sync.Mutex
	cache := make(map[string]cachedPrincipal)

	resolvePrincipal := func(c fiber.Ctx, path string) string {
		ip := c.IP()

		if strings.HasPrefix(path, "/api/v1/federation") {
			return "fed:" + ip
		}

		if strings.HasPrefix(path, "/api/v1/webhooks/") && strings.Contains(path, "/execute") {
			parts := strings.Split(path, "/")
			if len(parts) > 4 {
				return "webhook:" + parts[4]
			}
			return "webhook:unknown"
		}

		header := c.Get("Authorization")
		var token string
		switch {
		case strings.HasPrefix(header, "Bearer "):
			token = strings.TrimPrefix(header, "Bearer ")
		case strings.HasPrefix(header, "Bot "):
			token = strings.TrimPrefix(header, "Bot ")
		default:
			return "ip:" + ip
		}
		if token == "" {
			return "ip:" + ip
		}

		now := time.Now()
		cacheMu.Lock()
		if hit, ok := cache[token]; ok {
			if now.Before(hit.expires) {
				cacheMu.Unlock()
				return "user:" + strconv.FormatInt(hit.userID, 10)
			}
			delete(cache, token)
		}
		cacheMu.Unlock()

		if tokens == nil {
			return "ip:" + ip
		}
		userID, err := tokens.ResolveToken(c.Context(), token)
		if err != nil {
			return "ip:" + ip
		}
		cacheMu.Lock()
		cache[token] = cachedPrincipal{userID: userID, expires: now.Add(tokenCacheTTL)}
		cacheMu.Unlock()
		return "user:" + strconv.FormatInt(userID, 10)
	}

	return func(c fiber.Ctx) error {
		path := c.Path()
		if shouldSkip(path) {
			return c.Next()
		}

		category := Classify(path)
		principal := resolvePrincipal(c, path)
		result := limiter.Check(principal, category)

		c.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetUnix, 10))

		if !result.Allowed {
			c.Set("X-RateLimit-Remaining", "0")
			c.Set("Retry-After", strconv.FormatInt(int64(math.Ceil(float64(result.RetryAfterMS)/1000)), 10))
			code := httputil.CodeRateLimited
			if category == CategoryAuth {
				code = httputil.CodeAuthRateLimited
			}
			return httputil.FailWithExtras(c, fiber.StatusTooManyRequests, code,
				"you are being rate limited", map[string]any{"retry_after_ms": result.RetryAfterMS})
		}

		c.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		return c.Next()
	}
}
