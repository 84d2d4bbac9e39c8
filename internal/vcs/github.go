package vcs

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
)

// GitHubConfig holds GitHub repository access settings
type GitHubConfig struct {
	Token      string
	Owner      string
	Repository string
	// BaseURL overrides the API root, e.g. https://ghe.example.com/api/v3/
	BaseURL string
}

// GitHub talks to the GitHub REST API through go-github
type GitHub struct {
	client *github.Client
	owner  string
	repo   string
	logger *slog.Logger
}

// NewGitHub creates a GitHub adapter for a single repository
func NewGitHub(ctx context.Context, cfg GitHubConfig, logger *slog.Logger) (*GitHub, error) {
	if cfg.Owner == "" || cfg.Repository == "" {
		return nil, fmt.Errorf("github owner and repository are required")
	}

	var httpClient *http.Client
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: cfg.Token},
		)
		httpClient = oauth2.NewClient(ctx, ts)
	}
	client := github.NewClient(httpClient)

	if cfg.BaseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid github base url: %w", err)
		}
		client.BaseURL = u
	}

	return &GitHub{
		client: client,
		owner:  cfg.Owner,
		repo:   cfg.Repository,
		logger: logger.With(slog.String("provider", "github")),
	}, nil
}

// FetchPage lists open pull requests starting at offset
func (g *GitHub) FetchPage(ctx context.Context, offset, limit int) (Page, error) {
	opts := &github.PullRequestListOptions{
		State: "open",
		ListOptions: github.ListOptions{
			Page:    pageNumber(offset, limit),
			PerPage: limit,
		},
	}

	prs, resp, err := g.client.PullRequests.List(ctx, g.owner, g.repo, opts)
	if err != nil {
		return Page{}, fmt.Errorf("failed to list pull requests: %w", err)
	}

	page := Page{
		Items:      make([]ChangeRequest, 0, len(prs)),
		IsLastPage: resp == nil || resp.NextPage == 0,
	}
	for _, pr := range prs {
		page.Items = append(page.Items, ChangeRequest{
			ID:         int64(pr.GetNumber()),
			Title:      pr.GetTitle(),
			SourceRef:  pr.GetHead().GetRef(),
			TargetRef:  pr.GetBase().GetRef(),
			Author:     pr.GetUser().GetLogin(),
			Repository: g.owner + "/" + g.repo,
			CloneURL:   pr.GetBase().GetRepo().GetCloneURL(),
			UpdatedAt:  pr.GetUpdatedAt().Time,
		})
	}

	g.logger.Debug("Fetched pull requests",
		slog.Int("page", opts.Page),
		slog.Int("count", len(page.Items)),
		slog.Bool("last_page", page.IsLastPage),
	)
	return page, nil
}

// SearchComments returns issue comments of the pull request containing pattern
func (g *GitHub) SearchComments(ctx context.Context, id int64, pattern string) (map[int64]string, error) {
	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var all []Comment
	for {
		comments, resp, err := g.client.Issues.ListComments(ctx, g.owner, g.repo, int(id), opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list comments of #%d: %w", id, err)
		}
		for _, c := range comments {
			all = append(all, Comment{
				ID:        c.GetID(),
				Body:      c.GetBody(),
				UpdatedAt: c.GetUpdatedAt().Time,
			})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return MatchComments(all, pattern), nil
}

// PostComment adds an issue comment to the pull request
func (g *GitHub) PostComment(ctx context.Context, id int64, text string) (bool, error) {
	_, resp, err := g.client.Issues.CreateComment(ctx, g.owner, g.repo, int(id), &github.IssueComment{
		Body: github.Ptr(text),
	})
	if err != nil {
		return false, fmt.Errorf("failed to post comment on #%d: %w", id, err)
	}

	g.logger.Info("Posted review comment",
		slog.Int64("request_id", id),
		slog.Int("status", resp.StatusCode),
	)
	return true, nil
}

// GetDiff returns the unified diff between base and head using the compare API.
// repoRef is owner/name or a clone URL; empty means the configured repository.
func (g *GitHub) GetDiff(ctx context.Context, repoRef, base, head string) (string, error) {
	owner, repo := g.owner, g.repo
	if repoRef != "" {
		var err error
		owner, repo, err = splitRepoRef(repoRef)
		if err != nil {
			return "", err
		}
	}

	diff, _, err := g.client.Repositories.CompareCommitsRaw(ctx, owner, repo, base, head, github.RawOptions{Type: github.Diff})
	if err != nil {
		return "", fmt.Errorf("failed to compare %s...%s: %w", base, head, err)
	}
	return diff, nil
}

func splitRepoRef(repoRef string) (string, string, error) {
	ref := repoRef
	if u, err := url.Parse(repoRef); err == nil && u.Scheme != "" {
		ref = u.Path
	}
	ref = strings.TrimSuffix(strings.Trim(ref, "/"), ".git")

	parts := strings.Split(ref, "/")
	if len(parts) < 2 || parts[len(parts)-2] == "" || parts[len(parts)-1] == "" {
		return "", "", fmt.Errorf("invalid repository reference %q", repoRef)
	}
	return parts[len(parts)-2], parts[len(parts)-1], nil
}
