package vcs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGitea(t *testing.T, handler http.Handler) *Gitea {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	g, err := NewGitea(GiteaConfig{
		BaseURL:    srv.URL + "/",
		Token:      "tkn",
		Owner:      "acme",
		Repository: "widgets",
	}, discardLogger())
	require.NoError(t, err)
	return g
}

func TestNewGitea_Validation(t *testing.T) {
	tests := []struct {
		name      string
		config    GiteaConfig
		errString string
	}{
		{name: "missing base url", config: GiteaConfig{Owner: "a", Repository: "b"}, errString: "base url is required"},
		{name: "missing repository", config: GiteaConfig{BaseURL: "http://gitea"}, errString: "owner and repository are required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGitea(tt.config, discardLogger())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestGitea_FetchPage(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		limit     int
		wantCount int
		wantLast  bool
	}{
		{
			name:      "full page",
			body:      `[{"number": 1, "title": "a"}, {"number": 2, "title": "b"}]`,
			limit:     2,
			wantCount: 2,
			wantLast:  false,
		},
		{
			name:      "short page is last",
			body:      `[{"number": 3, "title": "c"}]`,
			limit:     2,
			wantCount: 1,
			wantLast:  true,
		},
		{
			name:      "empty body",
			body:      "",
			limit:     2,
			wantCount: 0,
			wantLast:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGitea(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/v1/repos/acme/widgets/pulls", r.URL.Path)
				assert.Equal(t, "open", r.URL.Query().Get("state"))
				assert.Equal(t, "3", r.URL.Query().Get("page"))
				assert.Equal(t, fmt.Sprint(tt.limit), r.URL.Query().Get("limit"))
				assert.Equal(t, "token tkn", r.Header.Get("Authorization"))
				fmt.Fprint(w, tt.body)
			}))

			page, err := g.FetchPage(context.Background(), 2*tt.limit, tt.limit)
			require.NoError(t, err)
			assert.Len(t, page.Items, tt.wantCount)
			assert.Equal(t, tt.wantLast, page.IsLastPage)
		})
	}
}

func TestGitea_FetchPageMapsFields(t *testing.T) {
	g := newTestGitea(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{
			"number": 42,
			"title": "Fix parser",
			"user": {"login": "bob"},
			"head": {"ref": "fix/parser"},
			"base": {"ref": "main", "repo": {"full_name": "acme/widgets", "clone_url": "https://gitea.local/acme/widgets.git"}},
			"updated_at": "2024-05-01T12:00:00Z"
		}]`)
	}))

	page, err := g.FetchPage(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	cr := page.Items[0]
	assert.Equal(t, int64(42), cr.ID)
	assert.Equal(t, "Fix parser", cr.Title)
	assert.Equal(t, "bob", cr.Author)
	assert.Equal(t, "fix/parser", cr.SourceRef)
	assert.Equal(t, "main", cr.TargetRef)
	assert.Equal(t, "acme/widgets", cr.Repository)
	assert.Equal(t, "https://gitea.local/acme/widgets.git", cr.CloneURL)
	assert.Equal(t, 2024, cr.UpdatedAt.Year())
}

func TestGitea_FetchPageErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		errString string
	}{
		{name: "server error", status: http.StatusBadGateway, body: "bad gateway", errString: "status 502"},
		{name: "malformed json", status: http.StatusOK, body: "{", errString: "failed to parse pull requests"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGitea(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))

			_, err := g.FetchPage(context.Background(), 0, 10)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestGitea_SearchComments(t *testing.T) {
	g := newTestGitea(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/repos/acme/widgets/issues/42/comments", r.URL.Path)
		fmt.Fprint(w, `[
			{"id": 10, "body": "first", "updated_at": "2024-05-01T12:00:00Z"},
			{"id": 11, "body": "please @Bot review", "updated_at": "2024-05-01T12:00:00Z"}
		]`)
	}))

	matches, err := g.SearchComments(context.Background(), 42, "@bot")
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{11: "please @Bot review"}, matches)
}

func TestGitea_SearchCommentsError(t *testing.T) {
	g := newTestGitea(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := g.SearchComments(context.Background(), 42, "@bot")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestGitea_PostComment(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{name: "created", status: http.StatusCreated, want: true},
		{name: "ok", status: http.StatusOK, want: true},
		{name: "forbidden", status: http.StatusForbidden, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGitea(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/api/v1/repos/acme/widgets/issues/42/comments", r.URL.Path)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

				var body map[string]string
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "review text", body["body"])

				w.WriteHeader(tt.status)
			}))

			ok, err := g.PostComment(context.Background(), 42, "review text")
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}
