// Package tokenpool shares a bounded set of GitHub API tokens across
// concurrent workers, possibly in multiple processes. Selection always
// prefers the token with the highest last-observed remaining quota, skips
// tokens on cooldown, and is atomic: the decision runs as a single
// server-side script in the coordination store, so two workers never both
// receive a just-exhausted token.
package tokenpool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/logfields"
	"github.com/buildlens/buildlens/internal/metrics"
)

const (
	keyRaw            = "github_tokens:raw"
	keyPool           = "github_tokens:pool"
	cooldownKeyPrefix = "github_tokens:cooldown:"
	statsKeyPrefix    = "github_tokens:stats:"

	// seedScore ranks fresh tokens ahead of partially used ones until the
	// first rate-limit header observation corrects it.
	seedScore = 5000

	// cooldownSlack pads the provider-reported reset to absorb clock skew.
	cooldownSlack = 5 * time.Second

	// secondaryFloor is the minimum cooldown after an abuse-detection 403.
	secondaryFloor = 60 * time.Second
)

// Token states reported by Snapshot.
const (
	StateAvailable = "available"
	StateCooldown  = "cooldown"
	StateInvalid   = "invalid"
)

func cooldownKey(hash string) string { return cooldownKeyPrefix + hash }
func statsKey(hash string) string    { return statsKeyPrefix + hash }

// HashToken derives the pool identity of a token secret. Only the hash is
// ever logged or exported; the raw secret stays in the coordination store.
func HashToken(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:16]
}

// acquireScript walks the pool in priority order, expiring stale cooldowns
// as it goes, and returns the first eligible token together with its secret.
// When every token is cooling down it returns the earliest reset instead.
// Running server-side keeps the scan-and-claim atomic under contention.
var acquireScript = redis.NewScript(`
local hashes = redis.call("ZREVRANGE", KEYS[1], 0, -1)
if #hashes == 0 then
	return {"empty", ""}
end
local now = tonumber(ARGV[1])
local earliest = 0
for _, hash in ipairs(hashes) do
	local live = false
	local cd = redis.call("GET", ARGV[2] .. hash)
	if cd then
		local reset = tonumber(cd)
		if reset and reset > now then
			live = true
			if earliest == 0 or reset < earliest then
				earliest = reset
			end
		else
			redis.call("DEL", ARGV[2] .. hash)
		end
	end
	if not live then
		local secret = redis.call("HGET", KEYS[2], hash)
		if secret then
			redis.call("HINCRBY", ARGV[3] .. hash, "requests", 1)
			redis.call("HSET", ARGV[3] .. hash, "last_used_at", now)
			return {"ok", hash, secret}
		end
		redis.call("ZREM", KEYS[1], hash)
	end
end
if earliest == 0 then
	return {"empty", ""}
end
return {"cooldown", tostring(earliest)}
`)

// Token is an acquired pool member. Hash identifies it in logs and updates;
// Secret is the bearer credential.
type Token struct {
	Hash   string
	Secret string
}

// TokenStatus is one row of a pool snapshot.
type TokenStatus struct {
	Hash             string
	State            string
	Remaining        int
	Limit            int
	CooldownUntil    time.Time
	Requests         int64
	RateLimited      int64
	SecondaryLimited int64
	LastUsedAt       time.Time
}

// Pool coordinates token selection through the coordination store.
type Pool struct {
	client   *redis.Client
	logger   *slog.Logger
	recorder metrics.Recorder
}

// Option customizes a Pool.
type Option func(*Pool)

// WithRecorder attaches a metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(p *Pool) {
		if r != nil {
			p.recorder = r
		}
	}
}

// New creates a pool over the given client.
func New(client *redis.Client, logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		client:   client,
		logger:   logger,
		recorder: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Seed registers token secrets in the pool. Already-known tokens keep their
// observed quota score; tokens previously marked invalid are re-enabled,
// since re-seeding is the operator action that clears the mark. Returns the
// number of newly added tokens.
func (p *Pool) Seed(ctx context.Context, secrets []string) (int, error) {
	added := 0
	for _, secret := range secrets {
		secret = strings.TrimSpace(secret)
		if secret == "" {
			continue
		}
		hash := HashToken(secret)
		pipe := p.client.TxPipeline()
		pipe.HSet(ctx, keyRaw, hash, secret)
		addCmd := pipe.ZAddNX(ctx, keyPool, redis.Z{Score: seedScore, Member: hash})
		pipe.HDel(ctx, statsKey(hash), "invalid", "invalid_at")
		if _, err := pipe.Exec(ctx); err != nil {
			return added, ferrors.WrapError(err, ferrors.CategoryTokenPool, "seed token pool").Retryable().Build()
		}
		if addCmd.Val() > 0 {
			added++
			p.logger.Debug("Token added to pool", logfields.TokenHash(hash))
		}
	}
	if added > 0 {
		p.logger.Info("Seeded token pool", slog.Int("added", added), slog.Int("offered", len(secrets)))
	}
	return added, nil
}

// Acquire selects the best eligible token. Returns ErrNoTokens when the pool
// is empty and *AllRateLimitedError when every token is cooling down.
func (p *Pool) Acquire(ctx context.Context) (Token, error) {
	start := time.Now()
	vals, err := acquireScript.Run(ctx, p.client,
		[]string{keyPool, keyRaw},
		time.Now().Unix(), cooldownKeyPrefix, statsKeyPrefix,
	).Slice()
	if err != nil {
		p.recorder.ObserveTokenAcquire(time.Since(start), "error")
		return Token{}, ferrors.WrapError(err, ferrors.CategoryTokenPool, "acquire token").Retryable().Build()
	}
	if len(vals) < 2 {
		p.recorder.ObserveTokenAcquire(time.Since(start), "error")
		return Token{}, ferrors.NewError(ferrors.CategoryTokenPool, fmt.Sprintf("acquire token: unexpected script reply %v", vals)).Fatal().Build()
	}

	switch vals[0] {
	case "ok":
		if len(vals) != 3 {
			p.recorder.ObserveTokenAcquire(time.Since(start), "error")
			return Token{}, ferrors.NewError(ferrors.CategoryTokenPool, "acquire token: malformed ok reply").Fatal().Build()
		}
		p.recorder.ObserveTokenAcquire(time.Since(start), "acquired")
		return Token{Hash: vals[1].(string), Secret: vals[2].(string)}, nil
	case "cooldown":
		epoch, perr := strconv.ParseInt(vals[1].(string), 10, 64)
		if perr != nil {
			p.recorder.ObserveTokenAcquire(time.Since(start), "error")
			return Token{}, ferrors.WrapError(perr, ferrors.CategoryTokenPool, "acquire token: parse reset").Fatal().Build()
		}
		p.recorder.ObserveTokenAcquire(time.Since(start), "exhausted")
		p.logger.Debug("All tokens on cooldown", slog.Time("reset_at", time.Unix(epoch, 0)))
		return Token{}, &AllRateLimitedError{ResetAt: time.Unix(epoch, 0)}
	default:
		p.recorder.ObserveTokenAcquire(time.Since(start), "empty")
		return Token{}, ErrNoTokens
	}
}

// Update records rate-limit headers observed on a response made with the
// token. Remaining becomes the token's selection priority; an exhausted
// quota starts a cooldown until shortly after the provider-reported reset.
func (p *Pool) Update(ctx context.Context, hash string, remaining, limit int, resetAt time.Time) error {
	pipe := p.client.TxPipeline()
	pipe.ZAddXX(ctx, keyPool, redis.Z{Score: float64(remaining), Member: hash})
	pipe.HSet(ctx, statsKey(hash),
		"remaining", remaining,
		"limit", limit,
		"reset_at", resetAt.Unix(),
	)
	if remaining <= 0 {
		until := resetAt.Add(cooldownSlack)
		ttl := time.Until(until)
		if ttl < time.Second {
			ttl = time.Second
		}
		pipe.Set(ctx, cooldownKey(hash), until.Unix(), ttl)
		pipe.HIncrBy(ctx, statsKey(hash), "rate_limited", 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryTokenPool, "update token quota").Retryable().Build()
	}
	if remaining <= 0 {
		p.logger.Info("Token quota exhausted, cooling down",
			logfields.TokenHash(hash), slog.Time("reset_at", resetAt))
	}
	return nil
}

// MarkSecondaryLimited starts an abuse-detection cooldown. The window is at
// least secondaryFloor regardless of any Retry-After hint.
func (p *Pool) MarkSecondaryLimited(ctx context.Context, hash string, retryAfter time.Duration) error {
	if retryAfter < secondaryFloor {
		retryAfter = secondaryFloor
	}
	until := time.Now().Add(retryAfter)
	pipe := p.client.TxPipeline()
	pipe.Set(ctx, cooldownKey(hash), until.Unix(), retryAfter)
	pipe.HIncrBy(ctx, statsKey(hash), "secondary_limited", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryTokenPool, "mark token secondary limited").Retryable().Build()
	}
	p.logger.Warn("Token hit secondary rate limit",
		logfields.TokenHash(hash), slog.Duration("cooldown", retryAfter))
	return nil
}

// MarkInvalid excludes a token from selection after a 401. The raw secret
// stays registered so an operator can inspect it; re-seeding re-enables.
func (p *Pool) MarkInvalid(ctx context.Context, hash string) error {
	pipe := p.client.TxPipeline()
	pipe.ZRem(ctx, keyPool, hash)
	pipe.HSet(ctx, statsKey(hash), "invalid", 1, "invalid_at", time.Now().Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryTokenPool, "mark token invalid").Retryable().Build()
	}
	p.logger.Warn("Token marked invalid", logfields.TokenHash(hash))
	return nil
}

// Remove deletes a token and all its bookkeeping.
func (p *Pool) Remove(ctx context.Context, hash string) error {
	pipe := p.client.TxPipeline()
	pipe.ZRem(ctx, keyPool, hash)
	pipe.HDel(ctx, keyRaw, hash)
	pipe.Del(ctx, cooldownKey(hash), statsKey(hash))
	if _, err := pipe.Exec(ctx); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryTokenPool, "remove token").Retryable().Build()
	}
	p.logger.Info("Token removed from pool", logfields.TokenHash(hash))
	return nil
}

// Snapshot reports every registered token with its quota and cooldown state,
// sorted by hash for stable output.
func (p *Pool) Snapshot(ctx context.Context) ([]TokenStatus, error) {
	hashes, err := p.client.HKeys(ctx, keyRaw).Result()
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryTokenPool, "snapshot token pool").Retryable().Build()
	}
	sort.Strings(hashes)

	now := time.Now()
	out := make([]TokenStatus, 0, len(hashes))
	for _, hash := range hashes {
		st := TokenStatus{Hash: hash, State: StateAvailable}

		stats, err := p.client.HGetAll(ctx, statsKey(hash)).Result()
		if err != nil {
			return nil, ferrors.WrapError(err, ferrors.CategoryTokenPool, "snapshot token stats").Retryable().Build()
		}
		st.Remaining = int(statInt(stats, "remaining"))
		st.Limit = int(statInt(stats, "limit"))
		st.Requests = statInt(stats, "requests")
		st.RateLimited = statInt(stats, "rate_limited")
		st.SecondaryLimited = statInt(stats, "secondary_limited")
		if v := statInt(stats, "last_used_at"); v > 0 {
			st.LastUsedAt = time.Unix(v, 0)
		}

		if cd, err := p.client.Get(ctx, cooldownKey(hash)).Result(); err == nil {
			if epoch, perr := strconv.ParseInt(cd, 10, 64); perr == nil && time.Unix(epoch, 0).After(now) {
				st.State = StateCooldown
				st.CooldownUntil = time.Unix(epoch, 0)
			}
		} else if err != redis.Nil {
			return nil, ferrors.WrapError(err, ferrors.CategoryTokenPool, "snapshot token cooldown").Retryable().Build()
		}

		if stats["invalid"] == "1" {
			st.State = StateInvalid
		}
		out = append(out, st)
	}
	return out, nil
}

func statInt(stats map[string]string, field string) int64 {
	v, ok := stats[field]
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
