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

const (
	bitbucketAPIPath = "/rest/api/1.0"

	// activities are paged on their own; a busy request can have many
	bitbucketActivityPageSize = 100
	bitbucketMaxActivityPages = 50
)

// BitbucketConfig holds Bitbucket Server repository access settings
type BitbucketConfig struct {
	BaseURL    string
	Token      string
	Project    string
	Repository string
	Timeout    time.Duration
}

// Bitbucket talks to the Bitbucket Server REST API
type Bitbucket struct {
	baseURL string
	token   string
	project string
	repo    string
	client  *http.Client
	logger  *slog.Logger
}

type bitbucketLink struct {
	Href string `json:"href"`
	Name string `json:"name"`
}

type bitbucketRepository struct {
	Slug    string `json:"slug"`
	Project struct {
		Key string `json:"key"`
	} `json:"project"`
	Links struct {
		Clone []bitbucketLink `json:"clone"`
	} `json:"links"`
}

type bitbucketRef struct {
	ID         string               `json:"id"`
	DisplayID  string               `json:"displayId"`
	Repository *bitbucketRepository `json:"repository"`
}

type bitbucketPullRequest struct {
	ID          int64        `json:"id"`
	Title       string       `json:"title"`
	FromRef     bitbucketRef `json:"fromRef"`
	ToRef       bitbucketRef `json:"toRef"`
	UpdatedDate int64        `json:"updatedDate"`
	Author      struct {
		User struct {
			Name string `json:"name"`
		} `json:"user"`
	} `json:"author"`
}

type bitbucketPage[T any] struct {
	Values        []T  `json:"values"`
	IsLastPage    bool `json:"isLastPage"`
	NextPageStart int  `json:"nextPageStart"`
}

type bitbucketActivity struct {
	Action  string `json:"action"`
	Comment *struct {
		ID          int64  `json:"id"`
		Text        string `json:"text"`
		UpdatedDate int64  `json:"updatedDate"`
	} `json:"comment"`
}

// NewBitbucket creates a Bitbucket Server adapter for a single repository
func NewBitbucket(cfg BitbucketConfig, logger *slog.Logger) (*Bitbucket, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("bitbucket base url is required")
	}
	if cfg.Project == "" || cfg.Repository == "" {
		return nil, fmt.Errorf("bitbucket project and repository are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Bitbucket{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		project: cfg.Project,
		repo:    cfg.Repository,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With(slog.String("provider", "bitbucket")),
	}, nil
}

func (b *Bitbucket) repoURL(suffix string) string {
	return fmt.Sprintf("%s%s/projects/%s/repos/%s%s",
		b.baseURL, bitbucketAPIPath, url.PathEscape(b.project), url.PathEscape(b.repo), suffix)
}

func (b *Bitbucket) do(ctx context.Context, method, target string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(req)
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

// FetchPage lists open pull requests starting at offset. Bitbucket pages by
// start index and reports the last page itself.
func (b *Bitbucket) FetchPage(ctx context.Context, offset, limit int) (Page, error) {
	target := b.repoURL(fmt.Sprintf("/pull-requests?state=OPEN&start=%d&limit=%d", offset, limit))

	status, body, err := b.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Page{}, fmt.Errorf("failed to get pull requests: %w", err)
	}
	if status < 200 || status > 299 {
		return Page{}, fmt.Errorf("failed to get pull requests: status %d: %s", status, string(body))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return Page{IsLastPage: true}, nil
	}

	var raw bitbucketPage[bitbucketPullRequest]
	if err := json.Unmarshal(body, &raw); err != nil {
		return Page{}, fmt.Errorf("failed to parse pull requests: %w", err)
	}

	result := Page{
		Items:      make([]ChangeRequest, 0, len(raw.Values)),
		IsLastPage: raw.IsLastPage,
	}
	for _, pr := range raw.Values {
		result.Items = append(result.Items, b.changeRequest(pr))
	}

	b.logger.Debug("Fetched pull requests",
		slog.Int("start", offset),
		slog.Int("count", len(result.Items)),
		slog.Bool("last_page", result.IsLastPage),
	)
	return result, nil
}

func (b *Bitbucket) changeRequest(pr bitbucketPullRequest) ChangeRequest {
	cr := ChangeRequest{
		ID:         pr.ID,
		Title:      pr.Title,
		SourceRef:  refName(pr.FromRef),
		TargetRef:  refName(pr.ToRef),
		Author:     pr.Author.User.Name,
		Repository: b.project + "/" + b.repo,
	}
	if pr.UpdatedDate > 0 {
		cr.UpdatedAt = time.UnixMilli(pr.UpdatedDate).UTC()
	}
	if repo := pr.ToRef.Repository; repo != nil {
		if repo.Project.Key != "" && repo.Slug != "" {
			cr.Repository = repo.Project.Key + "/" + repo.Slug
		}
		cr.CloneURL = httpCloneLink(repo.Links.Clone)
	}
	return cr
}

func refName(ref bitbucketRef) string {
	if ref.DisplayID != "" {
		return ref.DisplayID
	}
	return strings.TrimPrefix(ref.ID, "refs/heads/")
}

func httpCloneLink(links []bitbucketLink) string {
	for _, l := range links {
		if l.Name == "http" || l.Name == "https" {
			return l.Href
		}
	}
	return ""
}

// SearchComments reads the pull request activity stream and returns the
// comments containing pattern
func (b *Bitbucket) SearchComments(ctx context.Context, id int64, pattern string) (map[int64]string, error) {
	var comments []Comment
	start := 0
	for range bitbucketMaxActivityPages {
		target := b.repoURL(fmt.Sprintf("/pull-requests/%d/activities?start=%d&limit=%d", id, start, bitbucketActivityPageSize))
		status, body, err := b.do(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to get activities of #%d: %w", id, err)
		}
		if status < 200 || status > 299 {
			return nil, fmt.Errorf("failed to get activities of #%d: status %d: %s", id, status, string(body))
		}
		if len(bytes.TrimSpace(body)) == 0 {
			break
		}

		var page bitbucketPage[bitbucketActivity]
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("failed to parse activities of #%d: %w", id, err)
		}
		for _, a := range page.Values {
			if a.Action != "COMMENTED" || a.Comment == nil {
				continue
			}
			c := Comment{ID: a.Comment.ID, Body: a.Comment.Text}
			if a.Comment.UpdatedDate > 0 {
				c.UpdatedAt = time.UnixMilli(a.Comment.UpdatedDate).UTC()
			}
			comments = append(comments, c)
		}

		if page.IsLastPage || page.NextPageStart <= start {
			break
		}
		start = page.NextPageStart
	}
	return MatchComments(comments, pattern), nil
}

// PostComment posts text as a general pull request comment; any 2xx status is success
func (b *Bitbucket) PostComment(ctx context.Context, id int64, text string) (bool, error) {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return false, fmt.Errorf("marshaling comment: %w", err)
	}

	status, body, err := b.do(ctx, http.MethodPost, b.repoURL(fmt.Sprintf("/pull-requests/%d/comments", id)), bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("failed to post comment on #%d: %w", id, err)
	}
	if status < 200 || status > 299 {
		b.logger.Error("Failed to post review comment",
			slog.Int64("request_id", id),
			slog.Int("status", status),
			slog.String("body", string(body)),
		)
		return false, nil
	}

	b.logger.Info("Posted review comment", slog.Int64("request_id", id))
	return true, nil
}
