package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"rebuildd/pkg/db"
)

// Config holds runtime configuration for rebuildd.
type Config struct {
	HTTPAddr     string        `env:"HTTP_ADDR,default=:8080"`
	DBDSN        string        `env:"DB_DSN,required"`
	DBMaxConns   int32         `env:"DB_MAX_CONNS,default=8"`
	DBConnect    time.Duration `env:"DB_CONNECT_TIMEOUT,default=10s"`
	NATSURL      string        `env:"NATS_URL,default=nats://127.0.0.1:4222"`
	NATSStream   string        `env:"NATS_STREAM,default=REBUILDD"`
	RetryDelay   time.Duration `env:"NATS_RETRY_DELAY,default=10s"`
	MaxDeliver   int           `env:"NATS_MAX_DELIVER,default=5"`
	OTLPEndpoint string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel     string        `env:"LOG_LEVEL,default=info"`

	PDCURL      string        `env:"PDC_URL,required"`
	PDCPageSize int           `env:"PDC_PAGE_SIZE,default=100"`
	MBSURL      string        `env:"MBS_URL,required"`
	MBSToken    string        `env:"MBS_TOKEN"`
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT,default=30s"`

	// GitBaseURL is the anonymous location MBS fetches sources from.
	GitBaseURL string `env:"GIT_BASE_URL,required"`
	// GitSSHBaseURL is the writable location bump commits are pushed to.
	GitSSHBaseURL  string        `env:"GIT_SSH_BASE_URL,required"`
	GitTimeout     time.Duration `env:"GIT_TIMEOUT,default=2m"`
	GitAuthorName  string        `env:"GIT_AUTHOR_NAME,default=rebuildd"`
	GitAuthorEmail string        `env:"GIT_AUTHOR_EMAIL,default=rebuildd@localhost"`

	DryRun     bool   `env:"DRY_RUN,default=false"`
	PolicyFile string `env:"POLICY_FILE"`
}

// Load reads an optional .env file from the working directory and returns a
// Config populated from the process environment.
func Load(ctx context.Context) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom returns a Config populated from l.
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DBOptions returns the connection pool settings.
func (c Config) DBOptions() db.Options {
	return db.Options{DSN: c.DBDSN, MaxConns: c.DBMaxConns, ConnectTimeout: c.DBConnect}
}

func (c Config) validate() error {
	for name, raw := range map[string]string{
		"PDC_URL": c.PDCURL,
		"MBS_URL": c.MBSURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid %s: %q", name, raw)
		}
	}
	if c.PDCPageSize <= 0 {
		return fmt.Errorf("PDC_PAGE_SIZE must be positive, got %d", c.PDCPageSize)
	}
	if c.DBMaxConns <= 0 {
		return fmt.Errorf("DB_MAX_CONNS must be positive, got %d", c.DBMaxConns)
	}
	if c.MaxDeliver <= 0 {
		return fmt.Errorf("NATS_MAX_DELIVER must be positive, got %d", c.MaxDeliver)
	}
	if c.GitTimeout <= 0 {
		return fmt.Errorf("GIT_TIMEOUT must be positive, got %s", c.GitTimeout)
	}
	return nil
}
