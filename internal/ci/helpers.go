package ci

import (
	"context"
	"strings"
	"sync"
	"time"
)

// pacer spaces requests a fixed delay apart. Providers without shared quota
// accounting use it to cap their request rate.
type pacer struct {
	delay time.Duration

	mu   sync.Mutex
	last time.Time
}

func newPacer(delay time.Duration) *pacer {
	return &pacer{delay: delay}
}

// Wait blocks until the next request slot or ctx is done.
func (p *pacer) Wait(ctx context.Context) error {
	if p == nil || p.delay <= 0 {
		return nil
	}
	p.mu.Lock()
	now := time.Now()
	next := p.last.Add(p.delay)
	if next.Before(now) {
		next = now
	}
	p.last = next
	p.mu.Unlock()

	wait := time.Until(next)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// logProbe counts consecutive log-unavailable responses within one page.
// Past the provider's retention window every older build misses too, so
// crossing the threshold aborts the page.
type logProbe struct {
	threshold int
	misses    int
}

func newLogProbe(threshold int) *logProbe {
	return &logProbe{threshold: threshold}
}

// observe records one probe outcome and reports whether to abort the page.
func (p *logProbe) observe(available bool) bool {
	if available {
		p.misses = 0
		return false
	}
	p.misses++
	return p.threshold > 0 && p.misses >= p.threshold
}

// splitRepoSlug splits "owner/name" into its parts.
func splitRepoSlug(slug string) (owner, name string) {
	parts := strings.SplitN(slug, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", slug
}

// IsBotAuthor reports whether the commit author matches any configured bot
// substring. Matching is case-insensitive.
func IsBotAuthor(author string, patterns []string) bool {
	if author == "" {
		return false
	}
	lower := strings.ToLower(author)
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// parseTimeRFC3339 parses provider timestamps, returning the zero time for
// empty or malformed values.
func parseTimeRFC3339(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
