package pdc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

const (
	variantsPath     = "/rest_api/v1/unreleasedvariants/"
	defaultPageSize  = 100
	defaultRetries   = 3
	defaultRetryBase = 500 * time.Millisecond
	maxErrorBody     = 4 << 10
)

// Module is one unreleased module variant known to PDC.
type Module struct {
	Name    string `json:"variant_name"`
	Version string `json:"variant_version"`
	Release string `json:"variant_release"`
	Active  bool   `json:"active"`
}

// Config controls how the client reaches PDC.
type Config struct {
	URL        string
	PageSize   int
	HTTPClient *http.Client
	MaxRetries uint64
	RetryBase  time.Duration
	Logger     zerolog.Logger
}

// Client queries the PDC dependency index.
type Client struct {
	base      *url.URL
	http      *http.Client
	pageSize  int
	retries   uint64
	retryBase time.Duration
	log       zerolog.Logger
}

// StatusError is returned when PDC answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("pdc: unexpected status %d: %s", e.StatusCode, e.Body)
}

type page struct {
	Next    *string  `json:"next"`
	Results []Module `json:"results"`
}

// New returns a Client for cfg.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("pdc url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse pdc url: %w", err)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}

	return &Client{
		base:      base,
		http:      cfg.HTTPClient,
		pageSize:  cfg.PageSize,
		retries:   cfg.MaxRetries,
		retryBase: cfg.RetryBase,
		log:       cfg.Logger,
	}, nil
}

// Dependents returns the latest release of every module variant whose build
// dependency is depName:depStream. Results keep the order PDC first listed
// each variant in.
func (c *Client) Dependents(ctx context.Context, depName, depStream string, activeOnly bool) ([]Module, error) {
	q := url.Values{}
	q.Set("build_dep_name", depName)
	q.Set("build_dep_stream", depStream)
	if activeOnly {
		q.Set("active", "true")
	}
	q.Set("page_size", strconv.Itoa(c.pageSize))

	next := c.base.String() + variantsPath + "?" + q.Encode()

	var all []Module
	for next != "" {
		p, err := c.fetch(ctx, next)
		if err != nil {
			return nil, err
		}
		all = append(all, p.Results...)

		next = ""
		if p.Next != nil {
			next = *p.Next
		}
	}

	latest := latestModules(all)
	c.log.Debug().
		Str("build_dep_name", depName).
		Str("build_dep_stream", depStream).
		Int("variants", len(all)).
		Int("latest", len(latest)).
		Msg("queried dependent modules")
	return latest, nil
}

func (c *Client) fetch(ctx context.Context, rawURL string) (*page, error) {
	backoff := retry.WithMaxRetries(c.retries, retry.NewExponential(c.retryBase))

	var p *page
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		p, err = c.get(ctx, rawURL)
		if err == nil {
			return nil
		}
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode < http.StatusInternalServerError {
			return err
		}
		c.log.Warn().Err(err).Str("url", rawURL).Msg("pdc request failed, retrying")
		return retry.RetryableError(err)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Client) get(ctx context.Context, rawURL string) (*page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pdc: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var p page
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("pdc: decode response: %w", err)
	}
	return &p, nil
}

// latestModules keeps the highest release per (name, version).
func latestModules(mods []Module) []Module {
	type key struct{ name, version string }

	index := make(map[key]int, len(mods))
	out := make([]Module, 0, len(mods))
	for _, m := range mods {
		k := key{m.Name, m.Version}
		i, seen := index[k]
		if !seen {
			index[k] = len(out)
			out = append(out, m)
			continue
		}
		if newerRelease(m.Release, out[i].Release) {
			out[i] = m
		}
	}
	return out
}

// newerRelease compares releases numerically when both are integers (MBS
// uses timestamps such as 20170101120000) and lexically otherwise.
func newerRelease(a, b string) bool {
	ai, aerr := strconv.ParseUint(a, 10, 64)
	bi, berr := strconv.ParseUint(b, 10, 64)
	if aerr == nil && berr == nil {
		return ai > bi
	}
	return a > b
}
