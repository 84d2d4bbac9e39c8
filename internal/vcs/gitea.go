package vcs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const giteaAPIPath = "/api/v1"

// GiteaConfig holds Gitea repository access settings
type GiteaConfig struct {
	BaseURL    string
	Token      string
	Owner      string
	Repository string
	Timeout    time.Duration
}

// Gitea talks to the Gitea REST API
type Gitea struct {
	baseURL string
	token   string
	owner   string
	repo    string
	client  *http.Client
	logger  *slog.Logger
}

type giteaUser struct {
	Login string `json:"login"`
}

type giteaRepo struct {
	FullName string `json:"full_name"`
	CloneURL string `json:"clone_url"`
}

type giteaBranch struct {
	Ref  string     `json:"ref"`
	Repo *giteaRepo `json:"repo"`
}

type giteaPullRequest struct {
	Number    int64       `json:"number"`
	Title     string      `json:"title"`
	User      giteaUser   `json:"user"`
	Head      giteaBranch `json:"head"`
	Base      giteaBranch `json:"base"`
	UpdatedAt time.Time   `json:"updated_at"`
}

type giteaComment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewGitea creates a Gitea adapter for a single repository
func NewGitea(cfg GiteaConfig, logger *slog.Logger) (*Gitea, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gitea base url is required")
	}
	if cfg.Owner == "" || cfg.Repository == "" {
		return nil, fmt.Errorf("gitea owner and repository are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Gitea{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		owner:   cfg.Owner,
		repo:    cfg.Repository,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With(slog.String("provider", "gitea")),
	}, nil
}

func (g *Gitea) repoURL(suffix string) string {
	return fmt.Sprintf("%s%s/repos/%s/%s%s",
		g.baseURL, giteaAPIPath, url.PathEscape(g.owner), url.PathEscape(g.repo), suffix)
}

func (g *Gitea) do(ctx context.Context, method, target string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.token != "" {
		req.Header.Set("Authorization", "token "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// FetchPage lists open pull requests starting at offset.
// A page shorter than limit is the last one.
func (g *Gitea) FetchPage(ctx context.Context, offset, limit int) (Page, error) {
	page := pageNumber(offset, limit)
	target := g.repoURL(fmt.Sprintf("/pulls?state=open&page=%d&limit=%d", page, limit))

	status, body, err := g.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Page{}, fmt.Errorf("failed to get pull requests: %w", err)
	}
	if status < 200 || status > 299 {
		return Page{}, fmt.Errorf("failed to get pull requests: status %d: %s", status, string(body))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return Page{IsLastPage: true}, nil
	}

	var prs []giteaPullRequest
	if err := json.Unmarshal(body, &prs); err != nil {
		return Page{}, fmt.Errorf("failed to parse pull requests: %w", err)
	}

	result := Page{
		Items:      make([]ChangeRequest, 0, len(prs)),
		IsLastPage: len(prs) < limit,
	}
	for _, pr := range prs {
		cr := ChangeRequest{
			ID:         pr.Number,
			Title:      pr.Title,
			SourceRef:  pr.Head.Ref,
			TargetRef:  pr.Base.Ref,
			Author:     pr.User.Login,
			Repository: g.owner + "/" + g.repo,
			UpdatedAt:  pr.UpdatedAt,
		}
		if pr.Base.Repo != nil {
			cr.CloneURL = pr.Base.Repo.CloneURL
			if pr.Base.Repo.FullName != "" {
				cr.Repository = pr.Base.Repo.FullName
			}
		}
		result.Items = append(result.Items, cr)
	}

	g.logger.Debug("Fetched pull requests",
		slog.Int("page", page),
		slog.Int("count", len(result.Items)),
		slog.Bool("last_page", result.IsLastPage),
	)
	return result, nil
}

// SearchComments returns comments of the pull request containing pattern
func (g *Gitea) SearchComments(ctx context.Context, id int64, pattern string) (map[int64]string, error) {
	status, body, err := g.do(ctx, http.MethodGet, g.repoURL(fmt.Sprintf("/issues/%d/comments", id)), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get comments of #%d: %w", id, err)
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("failed to get comments of #%d: status %d: %s", id, status, string(body))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return map[int64]string{}, nil
	}

	var raw []giteaComment
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse comments of #%d: %w", id, err)
	}

	comments := make([]Comment, 0, len(raw))
	for _, c := range raw {
		comments = append(comments, Comment{ID: c.ID, Body: c.Body, UpdatedAt: c.UpdatedAt})
	}
	return MatchComments(comments, pattern), nil
}

// PostComment posts text as an issue comment; any 2xx status is success
func (g *Gitea) PostComment(ctx context.Context, id int64, text string) (bool, error) {
	payload, err := json.Marshal(map[string]string{"body": text})
	if err != nil {
		return false, fmt.Errorf("marshaling comment: %w", err)
	}

	status, body, err := g.do(ctx, http.MethodPost, g.repoURL(fmt.Sprintf("/issues/%d/comments", id)), bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("failed to post comment on #%d: %w", id, err)
	}
	if status < 200 || status > 299 {
		g.logger.Error("Failed to post review comment",
			slog.Int64("request_id", id),
			slog.Int("status", status),
			slog.String("body", string(body)),
		)
		return false, nil
	}

	g.logger.Info("Posted review comment", slog.Int64("request_id", id))
	return true, nil
}
