package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aseinotegi/dgt-beacon-etl/internal/domain"
	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Default upstream endpoints.
const (
	DefaultNacionalURL  = "https://nap.dgt.es/datex2/v3/dgt/SituationPublication/datex2_v36.xml"
	DefaultPaisVascoURL = "https://infocar.dgt.es/datex2/dt-gv/SituationPublication/all/content.xml"
	DefaultCatalunaURL  = "https://infocar.dgt.es/datex2/sct/SituationPublication/all/content.xml"
	DefaultOverpassURL  = "https://overpass-api.de/api/interpreter"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	DatabaseURL string

	NacionalURL  string
	PaisVascoURL string
	CatalunaURL  string

	SyncInterval        time.Duration
	FetchTimeout        time.Duration
	FetchConnectTimeout time.Duration
	FetchMaxBytes       int64
	SkipUnchanged       bool

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Lifecycle event publishing.
	KafkaEnabled bool
	KafkaBrokers []string
	KafkaTopic   string

	// Isolation score prefetch against Overpass.
	IsolationEnabled    bool
	OverpassURL         string
	IsolationInterval   time.Duration
	IsolationCacheTTL   time.Duration
	OverpassMinInterval time.Duration
	OverpassTimeout     time.Duration
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DatabaseURL:     sharedcfg.EnvOrDefault("DATABASE_URL", "sqlite://dgt.db"),
		NacionalURL:     sharedcfg.EnvOrDefault("DGT_NACIONAL_URL", DefaultNacionalURL),
		PaisVascoURL:    sharedcfg.EnvOrDefault("DGT_PAISVASCO_URL", DefaultPaisVascoURL),
		CatalunaURL:     sharedcfg.EnvOrDefault("DGT_CATALUNA_URL", DefaultCatalunaURL),
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
		KafkaBrokers:    sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:      sharedcfg.EnvOrDefault("KAFKA_TOPIC", "beacon-lifecycle"),
		OverpassURL:     sharedcfg.EnvOrDefault("OVERPASS_URL", DefaultOverpassURL),
	}

	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"SYNC_INTERVAL", "60s", &cfg.SyncInterval},
		{"FETCH_TIMEOUT", "60s", &cfg.FetchTimeout},
		{"FETCH_CONNECT_TIMEOUT", "30s", &cfg.FetchConnectTimeout},
		{"ISOLATION_INTERVAL", "5m", &cfg.IsolationInterval},
		{"ISOLATION_CACHE_TTL", "1h", &cfg.IsolationCacheTTL},
		{"OVERPASS_MIN_INTERVAL", "1s", &cfg.OverpassMinInterval},
		{"OVERPASS_TIMEOUT", "15s", &cfg.OverpassTimeout},
	}
	for _, d := range durations {
		v, err := parsePositiveDuration(d.key, d.def)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	if cfg.FetchMaxBytes, err = parseMaxBytes(); err != nil {
		return nil, err
	}
	if cfg.SkipUnchanged, err = parseBool("RECONCILE_SKIP_UNCHANGED"); err != nil {
		return nil, err
	}
	if cfg.KafkaEnabled, err = parseBool("KAFKA_ENABLED"); err != nil {
		return nil, err
	}
	if cfg.IsolationEnabled, err = parseBool("ISOLATION_ENABLED"); err != nil {
		return nil, err
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.FetchConnectTimeout >= cfg.FetchTimeout {
		return nil, errors.New("FETCH_CONNECT_TIMEOUT must be shorter than FETCH_TIMEOUT")
	}
	if cfg.KafkaEnabled && len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_ENABLED is true but KAFKA_BROKERS is empty")
	}
	if cfg.KafkaEnabled && cfg.KafkaTopic == "" {
		return nil, errors.New("KAFKA_TOPIC is required when KAFKA_ENABLED is true")
	}
	if cfg.IsolationEnabled && cfg.OverpassURL == "" {
		return nil, errors.New("ISOLATION_ENABLED is true but OVERPASS_URL is not set")
	}

	return cfg, nil
}

func parsePositiveDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parseBool(key string) (bool, error) {
	v := strings.TrimSpace(sharedcfg.EnvOrDefault(key, "false"))
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s", key)
	}
	return b, nil
}

func parseMaxBytes() (int64, error) {
	n, err := strconv.ParseInt(sharedcfg.EnvOrDefault("FETCH_MAX_BYTES", "67108864"), 10, 64)
	if err != nil || n <= 0 {
		return 0, errors.New("invalid FETCH_MAX_BYTES")
	}
	return n, nil
}

// SourceURL returns the configured feed URL of source, or "" for an unknown source.
func (c *Config) SourceURL(source domain.Source) string {
	switch source {
	case domain.SourceNacional:
		return c.NacionalURL
	case domain.SourcePaisVasco:
		return c.PaisVascoURL
	case domain.SourceCataluna:
		return c.CatalunaURL
	default:
		return ""
	}
}
