// Package auth implements the AuthGate: bearer-token authentication into a
// Caller identity, plus the per-category sliding-window rate limiter every
// mutating operation passes through first.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alekspetrov/forge/internal/apperr"
	"github.com/alekspetrov/forge/internal/config"
	"github.com/alekspetrov/forge/internal/domain"
)

// Store is the slice of persistence the gate needs.
type Store interface {
	GetSessionByTokenHash(tokenHash string) (domain.Session, error)
	GetUser(userID string) (domain.User, error)
	InsertAudit(entry domain.AuditEntry) (domain.AuditEntry, error)
}

// Gate translates bearer tokens into Caller identities and enforces
// per-category rate limits ahead of every mutating operation.
type Gate struct {
	store  Store
	secret string
	limits map[string]*limiter
}

// New creates a Gate. secret salts the token hash so a leaked database dump
// alone cannot be replayed as bearer tokens.
func New(store Store, secret string, rateCfg *config.RateLimitConfig) *Gate {
	if rateCfg == nil {
		rateCfg = &config.RateLimitConfig{}
	}
	return &Gate{
		store:  store,
		secret: secret,
		limits: map[string]*limiter{
			"web_api":            newLimiter(rateCfg.WebAPI),
			"auth":               newLimiter(rateCfg.Auth),
			"machine_tool":       newLimiter(rateCfg.MachineTool),
			"unauthenticated_ip": newLimiter(rateCfg.UnauthenticatedIP),
		},
	}
}

// HashToken salts and hashes raw bearer-token material the same way on
// issuance and on lookup, so the stored value never reveals the token.
func (g *Gate) HashToken(raw string) string {
	mac := hmac.New(sha256.New, []byte(g.secret))
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticate resolves a bearer token to a Caller. An unknown, expired, or
// malformed token yields apperr.Unauthenticated.
func (g *Gate) Authenticate(rawToken string) (domain.Caller, error) {
	if rawToken == "" {
		return domain.Caller{}, apperr.Unauthenticated
	}
	session, err := g.store.GetSessionByTokenHash(g.HashToken(rawToken))
	if err != nil {
		return domain.Caller{}, apperr.Unauthenticated
	}
	user, err := g.store.GetUser(session.UserID)
	if err != nil {
		return domain.Caller{}, apperr.Unauthenticated
	}
	return domain.Caller{
		UserID:    user.ID,
		SessionID: session.ID,
		Kind:      session.Kind,
		IsAdmin:   user.IsAdmin,
	}, nil
}

// Allow enforces the sliding-window rate limit for category against key
// (typically a user id, or a remote IP for the unauthenticated_ip
// category). On rejection it also records a medium-severity audit entry.
func (g *Gate) Allow(category, key string) error {
	lim, ok := g.limits[category]
	if !ok {
		return nil
	}
	if lim.allow(key) {
		return nil
	}
	retryAfter := lim.retryAfter(key)
	if g.store != nil {
		_, _ = g.store.InsertAudit(domain.AuditEntry{
			EventType: "rate_limited",
			UserID:    key,
			Resource:  category,
			Action:    "request",
			Result:    domain.AuditBlocked,
			Severity:  domain.SeverityMedium,
			Timestamp: time.Now().UTC(),
		})
	}
	return apperr.RateLimited(retryAfter)
}

type callerContextKey struct{}

// CallerFromContext returns the Caller that Middleware resolved and
// attached to the request context, if any.
func CallerFromContext(ctx context.Context) (domain.Caller, bool) {
	caller, ok := ctx.Value(callerContextKey{}).(domain.Caller)
	return caller, ok
}

// Middleware wraps an http.Handler, authenticating the bearer token and
// enforcing the named rate-limit category before calling next. The
// resolved Caller is attached to the request context; next can retrieve it
// with CallerFromContext.
func (g *Gate) Middleware(category string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ExtractBearerToken(r)
		caller, err := g.Authenticate(token)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if err := g.Allow(category, caller.UserID); err != nil {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		ctx := context.WithValue(r.Context(), callerContextKey{}, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractBearerToken pulls the token out of a request's Authorization
// header, returning "" if absent or malformed.
func ExtractBearerToken(r *http.Request) string {
	value := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(value) < len(prefix) || !strings.EqualFold(value[:len(prefix)], prefix) {
		return ""
	}
	return value[len(prefix):]
}

// SecureCompare performs constant-time comparison, used when validating
// PKCE code_verifier hashes and other secret-bearing strings.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// limiter is a per-key sliding-window token bucket: each key gets `burst`
// tokens, refilled continuously at the category's per-minute rate (stored in
// `rate` as tokens per second).
type limiter struct {
	rate  float64 // tokens per second
	burst float64

	mu      sync.Mutex
	buckets map[string]*bucketState
}

type bucketState struct {
	tokens   float64
	lastFill time.Time
}

func newLimiter(cat config.RateCategory) *limiter {
	rate := float64(cat.PerMinute) / 60.0
	burst := float64(cat.Burst)
	if burst == 0 {
		burst = 1
	}
	return &limiter{rate: rate, burst: burst, buckets: make(map[string]*bucketState)}
}

func (l *limiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.refill(key)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (l *limiter) retryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.refill(key)
	if l.rate <= 0 {
		return time.Minute
	}
	deficit := 1 - b.tokens
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit/l.rate) * time.Second
}

func (l *limiter) refill(key string) *bucketState {
	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucketState{tokens: l.burst, lastFill: now}
		l.buckets[key] = b
		return b
	}
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now
	return b
}
