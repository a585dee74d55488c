package distgit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultTimeout     = 2 * time.Minute
	defaultAuthorName  = "rebuildd"
	defaultAuthorEmail = "rebuildd@localhost"
)

// Config controls where repositories live and how long a bump may take.
type Config struct {
	BaseURL string
	Timeout time.Duration
	DryRun  bool
	// AuthorName and AuthorEmail sign bump commits.
	AuthorName  string
	AuthorEmail string
	// TempDir is the parent of per-bump clones. Empty uses os.TempDir.
	TempDir string
	Logger  zerolog.Logger
}

// Bumper pushes empty commits to dist-git so the next build has a fresh revision.
type Bumper struct {
	baseURL string
	timeout time.Duration
	dryRun  bool
	author  []string
	tempDir string
	log     zerolog.Logger
}

// GitError carries the stderr of a failed git invocation.
type GitError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.Args, " "), e.Err, e.Stderr)
}

func (e *GitError) Unwrap() error { return e.Err }

// New returns a Bumper for cfg.
func New(cfg Config) (*Bumper, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("git base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.AuthorName == "" {
		cfg.AuthorName = defaultAuthorName
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = defaultAuthorEmail
	}
	return &Bumper{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		dryRun:  cfg.DryRun,
		author:  []string{"-c", "user.name=" + cfg.AuthorName, "-c", "user.email=" + cfg.AuthorEmail},
		tempDir: cfg.TempDir,
		log:     cfg.Logger,
	}, nil
}

// RepoURL is the clone location of namespace/name.
func (b *Bumper) RepoURL(namespace, name string) string {
	return fmt.Sprintf("%s/%s/%s.git", b.baseURL, namespace, name)
}

// Bump clones namespace/name at branch, commits an empty change with message
// and pushes it. It returns the hash of the new commit. In dry run mode the
// commit is made locally and never pushed.
func (b *Bumper) Bump(ctx context.Context, namespace, name, branch, message string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	dir, err := os.MkdirTemp(b.tempDir, "rebuildd-"+strings.ReplaceAll(name, "/", "_")+"-")
	if err != nil {
		return "", fmt.Errorf("create clone dir: %w", err)
	}
	defer os.RemoveAll(dir)

	repo := b.RepoURL(namespace, name)
	log := b.log.With().Str("repo", repo).Str("branch", branch).Logger()

	if _, err := b.git(ctx, "", "clone", "--quiet", "--depth", "1", "--branch", branch, repo, dir); err != nil {
		return "", err
	}
	if _, err := b.git(ctx, dir, append(b.author, "commit", "--quiet", "--allow-empty", "-m", message)...); err != nil {
		return "", err
	}
	if b.dryRun {
		log.Info().Msg("dry run: not pushing bump commit")
	} else if _, err := b.git(ctx, dir, "push", "--quiet", "origin", "HEAD:"+branch); err != nil {
		return "", err
	}

	rev, err := b.git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	log.Info().Str("rev", rev).Msg("bumped repository")
	return rev, nil
}

func (b *Bumper) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return "", &GitError{Args: args, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}
