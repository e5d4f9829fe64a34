package overpass

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/aseinotegi/dgt-beacon-etl/internal/domain"
	"github.com/aseinotegi/dgt-beacon-etl/internal/observability"
	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"
)

// keyPrecision is the number of decimals coordinates are rounded to for
// caching, roughly 111 m of latitude.
const keyPrecision = 3

type cachedScore struct {
	score    float64
	storedAt time.Time
}

// CachedScorer wraps an IsolationScorer with a TTL cache keyed on rounded
// coordinates. Failed lookups are not cached.
type CachedScorer struct {
	inner   domain.IsolationScorer
	cache   *gocache.Cache
	ttl     time.Duration
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewCachedScorer creates a cache decorator around a scorer.
func NewCachedScorer(inner domain.IsolationScorer, ttl time.Duration, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *CachedScorer {
	return &CachedScorer{
		inner:   inner,
		cache:   gocache.New(ttl, 2*ttl),
		ttl:     ttl,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
	}
}

// IsolationScore returns a cached score when fresh, otherwise asks the inner
// scorer. On failure it returns domain.DefaultIsolationScore with the error.
func (c *CachedScorer) IsolationScore(ctx context.Context, lat, lng float64) (float64, error) {
	if score, ok := c.Cached(lat, lng); ok {
		c.metrics.IsolationCache.WithLabelValues("hit").Inc()
		return score, nil
	}
	c.metrics.IsolationCache.WithLabelValues("miss").Inc()

	score, err := c.inner.IsolationScore(ctx, lat, lng)
	if err != nil {
		c.logger.Warn("isolation lookup failed, using fallback",
			"lat", lat, "lng", lng, "fallback", domain.DefaultIsolationScore, "error", err)
		return domain.DefaultIsolationScore, err
	}

	c.cache.Set(cacheKey(lat, lng), cachedScore{score: score, storedAt: c.clock.Now()}, gocache.DefaultExpiration)
	return score, nil
}

// Cached returns the cached score for a coordinate without calling upstream.
func (c *CachedScorer) Cached(lat, lng float64) (float64, bool) {
	v, ok := c.cache.Get(cacheKey(lat, lng))
	if !ok {
		return 0, false
	}
	entry := v.(cachedScore)
	if c.clock.Since(entry.storedAt) >= c.ttl {
		return 0, false
	}
	return entry.score, true
}

// ScoreOrDefault returns the cached score, or domain.DefaultIsolationScore
// when the coordinate has not been scored yet.
func (c *CachedScorer) ScoreOrDefault(lat, lng float64) float64 {
	if score, ok := c.Cached(lat, lng); ok {
		return score
	}
	return domain.DefaultIsolationScore
}

func cacheKey(lat, lng float64) string {
	return fmt.Sprintf("%.*f,%.*f", keyPrecision, round(lat), keyPrecision, round(lng))
}

func round(v float64) float64 {
	p := math.Pow10(keyPrecision)
	return math.Round(v*p) / p
}
