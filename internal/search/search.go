// Package search retrieves context snippets related to a diff from the
// repository embeddings maintained by the pgai vectorizer.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"github.com/jmoiron/sqlx"
)

const defaultEmbeddingModel = "nomic-embed-text"

var nonIdent = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// PGAI runs similarity search against <repo>_contents_embeddings tables
type PGAI struct {
	db     *sqlx.DB
	model  string
	logger *slog.Logger
}

// NewPGAI creates a searcher over a Postgres database with the pgai extension
func NewPGAI(db *sqlx.DB, embeddingModel string, logger *slog.Logger) *PGAI {
	if embeddingModel == "" {
		embeddingModel = defaultEmbeddingModel
	}
	return &PGAI{
		db:     db,
		model:  embeddingModel,
		logger: logger.With(slog.String("component", "search")),
	}
}

type chunkRow struct {
	Chunk    string  `db:"chunk"`
	Distance float64 `db:"distance"`
}

// Search returns up to k chunks closest to query, nearest first
func (s *PGAI) Search(ctx context.Context, repo, query string, k int) ([]string, error) {
	if k <= 0 {
		return nil, nil
	}
	table := TableName(repo) + "_contents_embeddings"

	stmt := s.db.Rebind(`
		SELECT chunk, embedding <=> ai.ollama_embed(?, ?) AS distance
		FROM ` + table + `
		ORDER BY distance
		LIMIT ?
	`)

	var rows []chunkRow
	if err := s.db.SelectContext(ctx, &rows, stmt, s.model, query, k); err != nil {
		return nil, fmt.Errorf("semantic search in %s: %w", table, err)
	}

	chunks := make([]string, 0, len(rows))
	for _, r := range rows {
		chunks = append(chunks, r.Chunk)
	}

	s.logger.Debug("Semantic search finished",
		slog.String("table", table),
		slog.Int("results", len(chunks)),
	)
	return chunks, nil
}

// TableName maps a repository name to a safe SQL identifier
func TableName(repo string) string {
	sanitized := strings.ToLower(nonIdent.ReplaceAllString(repo, "_"))
	if sanitized == "" {
		return "repo_"
	}
	first := rune(sanitized[0])
	if unicode.IsLetter(first) || first == '_' {
		return sanitized
	}
	return "repo_" + sanitized
}
