package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/aseinotegi/dgt-beacon-etl/internal/config"
	"github.com/aseinotegi/dgt-beacon-etl/internal/domain"
	"github.com/aseinotegi/dgt-beacon-etl/internal/observability"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// browserHeaders are sent on every request; some DGT endpoints reject
// clients that do not look like a browser.
var browserHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Accept":          "application/xml, text/xml, */*",
	"Accept-Language": "es-ES,es;q=0.9,en;q=0.8",
}

// Endpoint is one configured feed URL.
type Endpoint struct {
	Source domain.Source
	URL    string
}

// Endpoints lists every known source with its configured URL, in domain.Sources order.
func Endpoints(cfg *config.Config) []Endpoint {
	eps := make([]Endpoint, 0, len(domain.Sources))
	for _, s := range domain.Sources {
		eps = append(eps, Endpoint{Source: s, URL: cfg.SourceURL(s)})
	}
	return eps
}

// Result is the outcome of fetching one endpoint: either Body or Err is set.
type Result struct {
	Source   domain.Source
	Body     []byte
	Err      *FetchError
	Duration time.Duration
}

// Options tune the HTTP client used for feed downloads.
type Options struct {
	Timeout        time.Duration
	ConnectTimeout time.Duration
	MaxBytes       int64
}

// Client downloads feed documents. TLS verification stays on and redirects
// are followed (net/http default policy).
type Client struct {
	httpClient *http.Client
	maxBytes   int64
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewClient creates a feed client with separate connect and total timeouts.
func NewClient(opts Options, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = opts.ConnectTimeout

	return &Client{
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		maxBytes: opts.MaxBytes,
		clock:    clock,
		logger:   logger,
		metrics:  metrics,
	}
}

// FetchAll downloads every endpoint concurrently. It always returns one
// Result per endpoint, in endpoint order; a failing endpoint never delays or
// cancels the others.
func (c *Client) FetchAll(ctx context.Context, endpoints []Endpoint) []Result {
	results := make([]Result, len(endpoints))

	var g errgroup.Group
	for i, ep := range endpoints {
		g.Go(func() error {
			results[i] = c.Fetch(ctx, ep)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; failures live in each Result

	return results
}

// Fetch downloads a single endpoint and buffers the full body.
func (c *Client) Fetch(ctx context.Context, ep Endpoint) Result {
	start := c.clock.Now()
	body, ferr := c.get(ctx, ep)
	elapsed := c.clock.Since(start)

	res := Result{Source: ep.Source, Body: body, Err: ferr, Duration: elapsed}
	c.metrics.FetchDuration.WithLabelValues(string(ep.Source)).Observe(elapsed.Seconds())

	if ferr != nil {
		c.metrics.FetchErrors.WithLabelValues(string(ep.Source), string(ferr.Kind)).Inc()
		c.logger.Error("feed fetch failed",
			"source", ep.Source,
			"url", ep.URL,
			"kind", ferr.Kind,
			"status", ferr.StatusCode,
			"error", ferr.Err,
		)
		return res
	}

	c.metrics.FetchBytes.WithLabelValues(string(ep.Source)).Set(float64(len(body)))
	c.logger.Info("feed fetched", "source", ep.Source, "bytes", len(body), "duration", elapsed)
	return res
}

func (c *Client) get(ctx context.Context, ep Endpoint) ([]byte, *FetchError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL, nil)
	if err != nil {
		return nil, &FetchError{Source: ep.Source, Kind: KindOther, Err: fmt.Errorf("create request: %w", err)}
	}
	for k, v := range browserHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(ep.Source, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{
			Source:     ep.Source,
			Kind:       KindHTTPStatus,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	reader := io.Reader(resp.Body)
	if c.maxBytes > 0 {
		reader = io.LimitReader(resp.Body, c.maxBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, classify(ep.Source, fmt.Errorf("read body: %w", err))
	}
	if c.maxBytes > 0 && int64(len(body)) > c.maxBytes {
		return nil, &FetchError{
			Source: ep.Source,
			Kind:   KindOther,
			Err:    fmt.Errorf("response exceeds %d bytes", c.maxBytes),
		}
	}
	return body, nil
}

// classify maps a transport-level error onto a failure kind.
func classify(source domain.Source, err error) *FetchError {
	kind := KindTransport
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	case errors.Is(err, context.Canceled):
		kind = KindOther
	}
	return &FetchError{Source: source, Kind: kind, Err: err}
}
