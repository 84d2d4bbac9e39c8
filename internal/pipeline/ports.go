// Package pipeline holds the three review stages: the intake scanner that
// finds change-requests asking for a review, the review worker that turns
// them into review text, and the delivery dispatcher that posts the text back.
package pipeline

import (
	"context"

	"github.com/cuongbtq/reviewbot/internal/deadletter"
	"github.com/cuongbtq/reviewbot/internal/vcs"
)

// Source is the code-hosting service the pipeline reads from and posts to
type Source interface {
	FetchPage(ctx context.Context, offset, limit int) (vcs.Page, error)
	// SearchComments returns comment id -> body for comments containing pattern
	SearchComments(ctx context.Context, id int64, pattern string) (map[int64]string, error)
	PostComment(ctx context.Context, id int64, text string) (bool, error)
}

// Poster is the part of Source the dispatcher needs
type Poster interface {
	PostComment(ctx context.Context, id int64, text string) (bool, error)
}

// Generator produces review text from a prompt
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// DiffProvider returns the unified diff between two refs of a repository
type DiffProvider interface {
	GetDiff(ctx context.Context, repoRef, base, head string) (string, error)
}

// Searcher returns up to k code snippets of repo related to query
type Searcher interface {
	Search(ctx context.Context, repo, query string, k int) ([]string, error)
}

// DeadLetterSink stores results that could not be delivered
type DeadLetterSink interface {
	Put(ctx context.Context, letter deadletter.Letter) error
}

// Locker is a non-blocking cross-process lock such as *flock.Flock
type Locker interface {
	TryLock() (bool, error)
	Unlock() error
}
