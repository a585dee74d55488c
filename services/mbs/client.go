package mbs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const buildsPath = "/module-build-service/1/module-builds/"

// Config controls how the client submits builds.
type Config struct {
	URL        string
	Token      string
	GitBaseURL string
	HTTPClient *http.Client
	DryRun     bool
	Logger     zerolog.Logger
}

// Client submits module builds to the Module Build Service.
type Client struct {
	url        string
	token      string
	gitBaseURL string
	http       *http.Client
	dryRun     bool
	log        zerolog.Logger
}

type submitRequest struct {
	SCMURL string `json:"scmurl"`
	Branch string `json:"branch"`
}

type submitResponse struct {
	ID      *int64 `json:"id"`
	Status  int    `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// New returns a Client for cfg.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("mbs url is required")
	}
	if strings.TrimSpace(cfg.GitBaseURL) == "" {
		return nil, errors.New("git base url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		url:        strings.TrimRight(cfg.URL, "/"),
		token:      cfg.Token,
		gitBaseURL: strings.TrimRight(cfg.GitBaseURL, "/"),
		http:       cfg.HTTPClient,
		dryRun:     cfg.DryRun,
		log:        cfg.Logger,
	}, nil
}

// SCMURL is the source location MBS builds name at rev from.
func (c *Client) SCMURL(name, rev string) string {
	return fmt.Sprintf("%s/modules/%s.git?#%s", c.gitBaseURL, name, rev)
}

// BuildModule submits a build of name on branch at rev. ok is false when MBS
// accepted the request without starting a trackable build, for example when
// an equivalent build is already in flight.
func (c *Client) BuildModule(ctx context.Context, name, branch, rev string) (buildID int64, ok bool, err error) {
	scmURL := c.SCMURL(name, rev)
	if c.dryRun {
		c.log.Info().Str("scmurl", scmURL).Str("branch", branch).Msg("dry run: not submitting module build")
		return 0, false, nil
	}

	body, err := json.Marshal(submitRequest{SCMURL: scmURL, Branch: branch})
	if err != nil {
		return 0, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+buildsPath, bytes.NewReader(body))
	if err != nil {
		return 0, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, false, fmt.Errorf("mbs: submit %s: %w", scmURL, err)
	}
	defer resp.Body.Close()

	var data submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return 0, false, fmt.Errorf("mbs: submit %s: status %d: decode response: %w", scmURL, resp.StatusCode, err)
	}

	if data.ID == nil {
		c.log.Error().
			Str("scmurl", scmURL).
			Int("status", resp.StatusCode).
			Str("error", data.Error).
			Str("message", data.Message).
			Msg("module build was not triggered")
		return 0, false, nil
	}

	c.log.Info().Str("scmurl", scmURL).Int64("build_id", *data.ID).Msg("triggered module build")
	return *data.ID, true, nil
}
