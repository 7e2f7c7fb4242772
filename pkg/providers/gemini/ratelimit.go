package gemini

import (
	"fmt"
	"sync"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/resilience"
)

// Free-tier caps for the default model family.
const (
	DefaultRequestsPerMinute = 10
	DefaultRequestsPerDay    = 1000
)

// QuotaGate admits requests under a sliding per-minute window and a
// per-UTC-day counter. Denials surface as rate-limit errors so the
// retry and breaker layers treat them like a server-side 429.
type QuotaGate struct {
	mu        sync.Mutex
	perMinute int
	perDay    int
	recent    []time.Time
	dayCount  int
	dayKey    string
	now       func() time.Time
}

func NewQuotaGate(perMinute, perDay int) *QuotaGate {
	return &QuotaGate{
		perMinute: perMinute,
		perDay:    perDay,
		now:       time.Now,
	}
}

// Allow consumes one request slot or reports why it cannot.
func (g *QuotaGate) Allow() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.pruneLocked(now)

	if g.perMinute > 0 && len(g.recent) >= g.perMinute {
		// The oldest slot in the window frees first.
		return resilience.RateLimitError{
			Provider:   "gemini",
			Message:    fmt.Sprintf("client quota: %d requests per minute reached", g.perMinute),
			RetryAfter: g.recent[0].Add(time.Minute).Sub(now),
		}
	}
	if g.perDay > 0 && g.dayCount >= g.perDay {
		return resilience.RateLimitError{
			Provider: "gemini",
			Message:  fmt.Sprintf("client quota: %d requests per day reached", g.perDay),
		}
	}

	g.recent = append(g.recent, now)
	g.dayCount++
	return nil
}

// Remaining reports the unused slots in the current minute and day.
func (g *QuotaGate) Remaining() (minute, day int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(g.now())
	minute = g.perMinute - len(g.recent)
	if g.perMinute <= 0 {
		minute = -1
	}
	day = g.perDay - g.dayCount
	if g.perDay <= 0 {
		day = -1
	}
	return minute, day
}

func (g *QuotaGate) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	idx := 0
	for idx < len(g.recent) && !g.recent[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		g.recent = append(g.recent[:0], g.recent[idx:]...)
	}

	day := now.UTC().Format("2006-01-02")
	if day != g.dayKey {
		g.dayKey = day
		g.dayCount = 0
	}
}
