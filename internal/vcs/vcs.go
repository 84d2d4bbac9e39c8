// Package vcs adapts source-control providers to the operations the review
// pipeline needs: paging open change-requests, reading their comments and
// posting a comment back.
package vcs

import (
	"sort"
	"strings"
	"time"
)

// ChangeRequest is an open pull request as reported by the provider
type ChangeRequest struct {
	ID         int64
	Title      string
	SourceRef  string
	TargetRef  string
	Author     string
	Repository string // owner/name
	CloneURL   string
	UpdatedAt  time.Time
}

// Page is one page of open change-requests
type Page struct {
	Items      []ChangeRequest
	IsLastPage bool
}

// Comment is a discussion comment on a change-request
type Comment struct {
	ID        int64
	Body      string
	UpdatedAt time.Time
}

// MatchComments returns the bodies of comments containing pattern, ignoring case
func MatchComments(comments []Comment, pattern string) map[int64]string {
	matches := make(map[int64]string)
	needle := strings.ToLower(pattern)
	for _, c := range comments {
		if c.Body == "" {
			continue
		}
		if strings.Contains(strings.ToLower(c.Body), needle) {
			matches[c.ID] = c.Body
		}
	}
	return matches
}

// TriggerText joins matched comment bodies in comment id order
func TriggerText(matches map[int64]string) string {
	ids := make([]int64, 0, len(matches))
	for id := range matches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	bodies := make([]string, 0, len(ids))
	for _, id := range ids {
		bodies = append(bodies, matches[id])
	}
	return strings.Join(bodies, ", ")
}

func pageNumber(offset, limit int) int {
	if limit <= 0 {
		return 1
	}
	return offset/limit + 1
}
