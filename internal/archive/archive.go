// Package archive holds the article model and the read-only archive of
// articles, distillations (tier 1) and chunks (tier 2).
package archive

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// ErrNotFound is returned when an article, distillation or chunk does not exist.
var ErrNotFound = errors.New("archive: not found")

var sentenceBreak = regexp.MustCompile(`[.!?]\s`)

// ValidateArticleID reports whether id can be cited as [ref:<id>]. Spaces,
// slashes and '#' are allowed. A ']' or line break is not, nor is a sentence
// terminator followed by a space.
func ValidateArticleID(id string) error {
	switch {
	case id == "":
		return errors.New("article id is required")
	case strings.TrimSpace(id) != id:
		return fmt.Errorf("article id %q has surrounding whitespace", id)
	case strings.ContainsAny(id, "]\r\n"):
		return fmt.Errorf("article id %q contains ']' or a line break", id)
	case sentenceBreak.MatchString(id):
		return fmt.Errorf("article id %q contains a sentence break", id)
	}
	return nil
}

// Article is one published piece.
type Article struct {
	ID              string `json:"id" yaml:"id"`
	Title           string `json:"title" yaml:"title"`
	PublicationDate string `json:"publication_date" yaml:"publication_date"` // YYYY-MM-DD
	WordCount       int    `json:"word_count" yaml:"word_count"`
	IssueID         string `json:"issue_id,omitempty" yaml:"issue_id,omitempty"`
}

// KeyClaim is one claim extracted into a distillation.
type KeyClaim struct {
	Claim string `json:"claim" yaml:"claim"`
}

// Distillation is the structured summary of one article.
type Distillation struct {
	ID              string              `json:"distillation_id" yaml:"id"`
	ArticleID       string              `json:"article_id" yaml:"article_id"`
	ThesisStatement string              `json:"thesis_statement" yaml:"thesis_statement"`
	KeyClaims       []KeyClaim          `json:"key_claims" yaml:"key_claims"`
	Topics          []string            `json:"topics" yaml:"topics"`
	Entities        map[string][]string `json:"entities,omitempty" yaml:"entities,omitempty"`
	ConfidenceScore float64             `json:"confidence_score" yaml:"confidence_score"`
	Embedding       []float32           `json:"-" yaml:"embedding,omitempty"`
}

// Text returns the text that represents the distillation in the embedding space.
func (d *Distillation) Text() string {
	var b strings.Builder
	b.WriteString(d.ThesisStatement)
	for _, kc := range d.KeyClaims {
		b.WriteString("\n")
		b.WriteString(kc.Claim)
	}
	return b.String()
}

// Chunk is a contiguous text segment of one article.
type Chunk struct {
	ID         string    `json:"chunk_id" yaml:"id"`
	ArticleID  string    `json:"article_id" yaml:"article_id"`
	ChunkIndex int       `json:"chunk_index" yaml:"chunk_index"`
	Content    string    `json:"content" yaml:"content"`
	TokenCount int       `json:"token_count" yaml:"token_count"`
	Embedding  []float32 `json:"-" yaml:"embedding,omitempty"`
}

// ArticleQuery locates articles by title and optional date prefix
// (YYYY, YYYY-MM or YYYY-MM-DD).
type ArticleQuery struct {
	Title string
	Date  string
}

// Stats summarizes archive contents.
type Stats struct {
	TotalArticles               int `json:"total_articles"`
	TotalDistillations          int `json:"total_distillations"`
	TotalDistillationEmbeddings int `json:"total_distillation_embeddings"`
	TotalChunks                 int `json:"total_chunks"`
	TotalChunkEmbeddings        int `json:"total_chunk_embeddings"`
}

// Store is read-only access to the archive.
type Store interface {
	GetArticle(ctx context.Context, id string) (*Article, error)
	GetDistillation(ctx context.Context, articleID string) (*Distillation, error)
	GetDistillationByID(ctx context.Context, id string) (*Distillation, error)
	// GetChunks returns an article's chunks ordered by chunk index.
	GetChunks(ctx context.Context, articleID string) ([]Chunk, error)
	GetChunk(ctx context.Context, id string) (*Chunk, error)
	FindArticles(ctx context.Context, q ArticleQuery) ([]Article, error)
	// ListDistillations and ListChunks include embeddings; used to build the vector index.
	ListDistillations(ctx context.Context) ([]Distillation, error)
	ListChunks(ctx context.Context) ([]Chunk, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// NormalizeTitle lower-cases a title, drops punctuation and collapses
// whitespace so "Aggregation Theory!" and "aggregation  theory" compare equal.
func NormalizeTitle(title string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '/':
			space = true
		}
	}
	return b.String()
}

// Matches reports whether an article satisfies q.
func (q ArticleQuery) Matches(a Article) bool {
	if NormalizeTitle(a.Title) != NormalizeTitle(q.Title) {
		return false
	}
	return q.Date == "" || strings.HasPrefix(a.PublicationDate, q.Date)
}
