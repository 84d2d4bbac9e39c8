package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/reviewbot/internal/deadletter"
	"github.com/cuongbtq/reviewbot/internal/vcs"
)

type postedComment struct {
	ID   int64
	Text string
}

// fakeSource serves a fixed list of change-requests and their comments
type fakeSource struct {
	mu       sync.Mutex
	requests []vcs.ChangeRequest
	comments map[int64]map[int64]string
	// endless makes every page look like it has a successor
	endless   bool
	fetchErr  error
	searchErr map[int64]error
	postErr   error
	rejectAll bool
	fetches   []int
	posted    []postedComment
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		comments:  make(map[int64]map[int64]string),
		searchErr: make(map[int64]error),
	}
}

func (f *fakeSource) add(cr vcs.ChangeRequest, comments map[int64]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, cr)
	if comments != nil {
		f.comments[cr.ID] = comments
	}
}

func (f *fakeSource) FetchPage(_ context.Context, offset, limit int) (vcs.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, offset)

	if f.fetchErr != nil {
		return vcs.Page{}, f.fetchErr
	}
	if f.endless {
		items := make([]vcs.ChangeRequest, 0, limit)
		for i := 0; i < limit; i++ {
			items = append(items, vcs.ChangeRequest{ID: int64(offset + i + 1), UpdatedAt: time.Unix(0, 0)})
		}
		return vcs.Page{Items: items}, nil
	}
	if offset >= len(f.requests) {
		return vcs.Page{IsLastPage: true}, nil
	}
	end := min(offset+limit, len(f.requests))
	items := append([]vcs.ChangeRequest(nil), f.requests[offset:end]...)
	return vcs.Page{Items: items, IsLastPage: end >= len(f.requests)}, nil
}

func (f *fakeSource) SearchComments(_ context.Context, id int64, pattern string) (map[int64]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.searchErr[id]; err != nil {
		return nil, err
	}
	matches := make(map[int64]string)
	for cid, body := range f.comments[id] {
		if strings.Contains(strings.ToLower(body), strings.ToLower(pattern)) {
			matches[cid] = body
		}
	}
	return matches, nil
}

func (f *fakeSource) PostComment(_ context.Context, id int64, text string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.postErr != nil {
		return false, f.postErr
	}
	if f.rejectAll {
		return false, nil
	}
	f.posted = append(f.posted, postedComment{ID: id, Text: text})
	return true, nil
}

func (f *fakeSource) fetchOffsets() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.fetches...)
}

func (f *fakeSource) postedComments() []postedComment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]postedComment(nil), f.posted...)
}

// fakeGenerator records prompts and answers through fn
type fakeGenerator struct {
	mu      sync.Mutex
	prompts []string
	fn      func(ctx context.Context, prompt string) (string, error)
}

func generatorReturning(text string, err error) *fakeGenerator {
	return &fakeGenerator{fn: func(context.Context, string) (string, error) { return text, err }}
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
	return g.fn(ctx, prompt)
}

func (g *fakeGenerator) lastPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.prompts) == 0 {
		return ""
	}
	return g.prompts[len(g.prompts)-1]
}

type fakeDiffs struct {
	diff  string
	err   error
	calls []string
}

func (d *fakeDiffs) GetDiff(_ context.Context, repoRef, base, head string) (string, error) {
	d.calls = append(d.calls, repoRef+" "+base+"..."+head)
	return d.diff, d.err
}

type fakeSearcher struct {
	snippets []string
	err      error
	queries  []string
}

func (s *fakeSearcher) Search(_ context.Context, repo, query string, k int) ([]string, error) {
	s.queries = append(s.queries, repo+":"+query)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.snippets) > k {
		return s.snippets[:k], nil
	}
	return s.snippets, nil
}

type memorySink struct {
	mu      sync.Mutex
	letters []deadletter.Letter
	err     error
}

func (s *memorySink) Put(_ context.Context, letter deadletter.Letter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.letters = append(s.letters, letter)
	return nil
}

type fakeLock struct {
	available bool
	err       error
	locks     int
	unlocks   int
}

func (l *fakeLock) TryLock() (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	if l.available {
		l.locks++
	}
	return l.available, nil
}

func (l *fakeLock) Unlock() error {
	l.unlocks++
	return nil
}

var errBoom = errors.New("boom")
