package overpass

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aseinotegi/dgt-beacon-etl/internal/observability"
	"github.com/aseinotegi/dgt-beacon-etl/internal/throttle"
	"github.com/jonboulle/clockwork"
)

// SearchRadiusMeters is how far around a beacon amenities are counted.
const SearchRadiusMeters = 5000

// Client counts nearby amenities through the Overpass API and converts the
// count into an isolation score.
type Client struct {
	httpClient *http.Client
	baseURL    string
	gate       *throttle.Gate
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewClient creates an Overpass client. Requests are spaced at least
// minInterval apart.
func NewClient(baseURL string, timeout, minInterval time.Duration, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		gate:       throttle.NewGate(minInterval, clock),
		clock:      clock,
		logger:     logger,
		metrics:    metrics,
	}
}

// IsolationScore returns the isolation score for a coordinate: 100 means no
// services nearby, 10 a dense urban area.
func (c *Client) IsolationScore(ctx context.Context, lat, lng float64) (float64, error) {
	count, err := c.AmenityCount(ctx, lat, lng)
	if err != nil {
		return 0, err
	}
	score := ScoreFromCount(count)
	c.logger.Debug("isolation scored", "lat", lat, "lng", lng, "amenities", count, "score", score)
	return score, nil
}

// AmenityCount returns the number of service amenities within
// SearchRadiusMeters of the coordinate.
func (c *Client) AmenityCount(ctx context.Context, lat, lng float64) (int, error) {
	if err := c.gate.Acquire(ctx); err != nil {
		c.metrics.IsolationRequests.WithLabelValues("throttled").Inc()
		return 0, fmt.Errorf("overpass throttle: %w", err)
	}

	form := url.Values{"data": {buildQuery(lat, lng, SearchRadiusMeters)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := c.clock.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.IsolationRequests.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("overpass request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.metrics.IsolationRequests.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("overpass API error: status %d: %s", resp.StatusCode, body)
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.metrics.IsolationRequests.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("decode response: %w", err)
	}

	c.metrics.IsolationRequests.WithLabelValues("success").Inc()
	c.logger.Debug("overpass query completed", "duration", c.clock.Since(start))
	return out.count(), nil
}

// buildQuery counts hospitals, fuel stations, restaurants, cafes, police and
// fire stations around a point.
func buildQuery(lat, lng float64, radius int) string {
	around := fmt.Sprintf("(around:%d,%s,%s)", radius, formatCoord(lat), formatCoord(lng))
	var b strings.Builder
	b.WriteString("[out:json][timeout:10];\n(\n")
	for _, amenity := range []string{"hospital", "fuel", "restaurant", "cafe", "police", "fire_station"} {
		fmt.Fprintf(&b, "  node[\"amenity\"=%q]%s;\n", amenity, around)
	}
	for _, amenity := range []string{"hospital", "fuel"} {
		fmt.Fprintf(&b, "  way[\"amenity\"=%q]%s;\n", amenity, around)
	}
	b.WriteString(");\nout count;\n")
	return b.String()
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Overpass API response types.

type response struct {
	Elements []element `json:"elements"`
}

type element struct {
	Type string            `json:"type"`
	Tags map[string]string `json:"tags"`
}

// count reads the "out count" total, falling back to the number of elements.
func (r response) count() int {
	if len(r.Elements) == 0 {
		return 0
	}
	if tags := r.Elements[0].Tags; tags != nil {
		n, err := strconv.Atoi(tags["total"])
		if err != nil {
			return 0
		}
		return n
	}
	return len(r.Elements)
}
