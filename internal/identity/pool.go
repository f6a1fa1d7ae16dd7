// Package identity manages the pool of HTTP client identities.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrExhaustedPool is returned when every identity is cooling down. The
// caller must back off at the rate controller level instead of spinning.
var ErrExhaustedPool = errors.New("identity pool exhausted: all identities suspended")

// Outcome is the per-request result an identity is judged by.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeBlocked
)

// Identity is a reusable HTTP client configuration: header profile plus the
// anti-bot token the site expects as a cookie.
type Identity struct {
	Name        string
	UserAgent   string
	Headers     map[string]string
	Token       string
	TokenExpiry time.Time
}

// TokenSource supplies anti-bot tokens. The production implementation wraps
// whatever acquires the token externally; tests inject a fake.
type TokenSource interface {
	Token(ctx context.Context) (token string, expiry time.Time, err error)
}

// StaticTokenSource serves one pre-provisioned token with a fixed TTL.
type StaticTokenSource struct {
	Value string
	TTL   time.Duration
}

// Token returns the configured token.
func (s *StaticTokenSource) Token(_ context.Context) (string, time.Time, error) {
	if s.Value == "" {
		return "", time.Time{}, errors.New("no anti-bot token configured")
	}
	return s.Value, time.Now().Add(s.TTL), nil
}

// Config holds the pool tuning knobs.
type Config struct {
	CooldownBase time.Duration
	CooldownMax  time.Duration
}

type entry struct {
	identity       *Identity
	lastUsed       time.Time
	suspendedUntil time.Time
	cooldown       time.Duration // length of the next suspension
	blocks         int
}

// Pool hands out healthy identities least-recently-used first and suspends
// identities that trigger block signals for escalating cool-down windows.
type Pool struct {
	mu      sync.Mutex
	entries []*entry
	tokens  TokenSource
	cfg     Config
	logger  *zap.Logger

	now func() time.Time
}

// Browser profiles the pool cycles through. The listing endpoint serves the
// same markup to all of them; they only need to look like distinct clients.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/118.0.0.0 Safari/537.36 Edg/118.0.2088.76",
}

// NewPool builds a pool of count identities backed by the given token source.
func NewPool(count int, tokens TokenSource, cfg Config, logger *zap.Logger) *Pool {
	if cfg.CooldownBase <= 0 {
		cfg.CooldownBase = 30 * time.Second
	}
	if cfg.CooldownMax < cfg.CooldownBase {
		cfg.CooldownMax = 10 * time.Minute
	}

	entries := make([]*entry, 0, count)
	for i := 0; i < count; i++ {
		entries = append(entries, &entry{
			identity: &Identity{
				Name:      fmt.Sprintf("identity-%d", i+1),
				UserAgent: userAgents[i%len(userAgents)],
				Headers: map[string]string{
					"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
					"Accept-Language":           "ko-KR,ko;q=0.8,en-US;q=0.5,en;q=0.3",
					"Upgrade-Insecure-Requests": "1",
					"Cache-Control":             "max-age=0",
				},
			},
			cooldown: cfg.CooldownBase,
		})
	}

	return &Pool{
		entries: entries,
		tokens:  tokens,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Acquire returns an identity that is not cooling down, preferring the least
// recently used one. The identity's token is refreshed when expired.
//
// The returned identity is a snapshot: the pool keeps mutating its own copy
// behind the lock, so a later token refresh or block never changes an
// identity a caller is already using. The header map is shared but never
// written after construction.
func (p *Pool) Acquire(ctx context.Context) (Identity, error) {
	p.mu.Lock()

	now := p.now()
	var picked *entry
	for _, e := range p.entries {
		if now.Before(e.suspendedUntil) {
			continue
		}
		if picked == nil || e.lastUsed.Before(picked.lastUsed) {
			picked = e
		}
	}

	if picked == nil {
		p.mu.Unlock()
		return Identity{}, ErrExhaustedPool
	}

	picked.lastUsed = now
	id := picked.identity
	needsToken := id.Token == "" || !now.Before(id.TokenExpiry)
	p.mu.Unlock()

	if needsToken {
		token, expiry, err := p.tokens.Token(ctx)
		if err != nil {
			return Identity{}, fmt.Errorf("failed to refresh anti-bot token for %s: %w", id.Name, err)
		}

		p.mu.Lock()
		id.Token = token
		id.TokenExpiry = expiry
		p.mu.Unlock()

		p.logger.Info("Anti-bot token refreshed",
			zap.String("identity", id.Name),
			zap.Time("expiry", expiry))
	}

	p.mu.Lock()
	snapshot := *id
	p.mu.Unlock()
	return snapshot, nil
}

// Report records the outcome of a request made with the named identity. A
// block suspends the identity for a strictly longer window than its previous
// suspension, up to the configured cap; a success resets the escalation.
func (p *Pool) Report(name string, outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.entries {
		if e.identity.Name != name {
			continue
		}

		switch outcome {
		case OutcomeSuccess:
			e.cooldown = p.cfg.CooldownBase
			e.blocks = 0
		case OutcomeBlocked:
			e.blocks++
			e.suspendedUntil = p.now().Add(e.cooldown)
			p.logger.Warn("Identity suspended after block signal",
				zap.String("identity", name),
				zap.Duration("cooldown", e.cooldown),
				zap.Int("blocks", e.blocks))

			next := e.cooldown * 2
			if next > p.cfg.CooldownMax {
				next = p.cfg.CooldownMax
			}
			e.cooldown = next
			// A blocked identity also loses its token: the WAF has flagged it.
			e.identity.TokenExpiry = time.Time{}
		}
		return
	}
}

// NextAvailable reports when the earliest suspended identity frees up. Zero
// means at least one identity is available now.
func (p *Pool) NextAvailable() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var soonest time.Duration = -1
	for _, e := range p.entries {
		wait := e.suspendedUntil.Sub(now)
		if wait <= 0 {
			return 0
		}
		if soonest < 0 || wait < soonest {
			soonest = wait
		}
	}

	if soonest < 0 {
		return 0
	}
	return soonest
}
