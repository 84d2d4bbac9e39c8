// Package gitdiff computes change-request diffs by shelling out to git.
package gitdiff

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"strings"
)

// Config controls where repositories are cloned and how large a diff may get
type Config struct {
	// WorkDir holds the temporary clones; empty means the system temp dir.
	WorkDir string
	// CloneBaseURL turns an owner/name reference into a clone URL.
	CloneBaseURL string
	MaxDiffBytes int
}

// Provider clones the repository without checkout and diffs two branches
type Provider struct {
	workDir      string
	cloneBaseURL string
	maxDiffBytes int
	logger       *slog.Logger
}

// New creates a git CLI diff provider
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return nil, fmt.Errorf("git executable not found: %w", err)
	}
	if cfg.WorkDir != "" {
		if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
			return nil, fmt.Errorf("create work directory: %w", err)
		}
	}

	return &Provider{
		workDir:      cfg.WorkDir,
		cloneBaseURL: strings.TrimRight(cfg.CloneBaseURL, "/"),
		maxDiffBytes: cfg.MaxDiffBytes,
		logger:       logger.With(slog.String("component", "gitdiff")),
	}, nil
}

// GetDiff returns `git diff base head` for the repository at repoRef.
// repoRef is a clone URL, a local path, or owner/name when CloneBaseURL is set.
func (p *Provider) GetDiff(ctx context.Context, repoRef, base, head string) (string, error) {
	if repoRef == "" {
		return "", fmt.Errorf("repository reference is required")
	}
	cloneURL := p.resolve(repoRef)

	dir, err := os.MkdirTemp(p.workDir, repoName(cloneURL)+"-")
	if err != nil {
		return "", fmt.Errorf("create clone directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			p.logger.Warn("Failed to remove clone directory", slog.String("dir", dir), slog.Any("error", err))
		}
	}()

	if _, err := gitOutput(ctx, "", "clone", "--quiet", "--no-checkout", cloneURL, dir); err != nil {
		return "", fmt.Errorf("git clone: %w", err)
	}

	diff, err := gitOutput(ctx, dir, "diff", "refs/remotes/origin/"+base, "refs/remotes/origin/"+head)
	if err != nil {
		return "", fmt.Errorf("git diff %s %s: %w", base, head, err)
	}

	if p.maxDiffBytes > 0 && len(diff) > p.maxDiffBytes {
		diff = diff[:p.maxDiffBytes] + "\n... (diff truncated at max-diff-bytes limit)\n"
	}

	p.logger.Debug("Computed diff",
		slog.String("repository", repoRef),
		slog.String("base", base),
		slog.String("head", head),
		slog.Int("bytes", len(diff)),
	)
	return diff, nil
}

func (p *Provider) resolve(repoRef string) string {
	if p.cloneBaseURL == "" || strings.Contains(repoRef, "://") || strings.HasPrefix(repoRef, "/") {
		return repoRef
	}
	return p.cloneBaseURL + "/" + strings.TrimSuffix(repoRef, ".git") + ".git"
}

// repoName extracts "widgets" from https://host/acme/widgets.git
func repoName(cloneURL string) string {
	name := strings.TrimSuffix(path.Base(strings.TrimRight(cloneURL, "/")), ".git")
	if name == "" || name == "." || name == "/" {
		return "repo"
	}
	return name
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return string(out), fmt.Errorf("%s: %s", err, string(exitErr.Stderr))
		}
		return "", err
	}
	return string(out), nil
}
