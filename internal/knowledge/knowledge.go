// Package knowledge implements the clinic knowledge base: reference documents
// are split into overlapping chunks, embedded, persisted, and searched by
// cosine similarity.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 100
	DefaultTopK         = 3
)

var ErrEmptyDocument = errors.New("document has no content")

// Embedder turns texts into vectors. genai.Client satisfies it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// Repository persists knowledge chunks. store.Store satisfies it.
type Repository interface {
	ReplaceKnowledge(ctx context.Context, title string, chunks []models.KnowledgeChunk) error
	ListKnowledge(ctx context.Context) ([]models.KnowledgeChunk, error)
}

// Result is one search hit.
type Result struct {
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Searcher finds passages relevant to a query.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]Result, error)
}

// Service ingests documents and answers similarity queries.
type Service struct {
	repo      Repository
	embedder  Embedder
	chunkSize int
	overlap   int
}

var _ Searcher = (*Service)(nil)

func NewService(repo Repository, embedder Embedder) *Service {
	return &Service{repo: repo, embedder: embedder, chunkSize: DefaultChunkSize, overlap: DefaultChunkOverlap}
}

// Ingest chunks and embeds text, replacing any earlier version stored under title.
func (s *Service) Ingest(ctx context.Context, title, text string) (int, error) {
	parts := SplitText(text, s.chunkSize, s.overlap)
	if len(parts) == 0 {
		return 0, ErrEmptyDocument
	}
	vectors, err := s.embedder.Embed(ctx, parts)
	if err != nil {
		return 0, fmt.Errorf("failed to embed %q: %w", title, err)
	}
	if len(vectors) != len(parts) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(parts))
	}
	chunks := make([]models.KnowledgeChunk, len(parts))
	for i, p := range parts {
		chunks[i] = models.KnowledgeChunk{ChunkIndex: i, Content: p, Embedding: vectors[i]}
	}
	if err := s.repo.ReplaceKnowledge(ctx, title, chunks); err != nil {
		return 0, err
	}
	slog.Info("knowledge.Service.Ingest: document stored", "title", title, "chunks", len(chunks))
	return len(chunks), nil
}

// Search returns the k passages most similar to query, best first.
// An empty query or an empty knowledge base yields no results.
func (s *Service) Search(ctx context.Context, query string, k int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if k <= 0 {
		k = DefaultTopK
	}
	chunks, err := s.repo.ListKnowledge(ctx)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		slog.Debug("knowledge.Service.Search: knowledge base empty")
		return nil, nil
	}
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one query", len(vectors))
	}
	q := vectors[0]

	results := make([]Result, 0, len(chunks))
	for _, c := range chunks {
		results = append(results, Result{Title: c.Title, Content: c.Content, Score: Cosine(q, c.Embedding)})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	slog.Debug("knowledge.Service.Search", "query", query, "hits", len(results))
	return results, nil
}

// FormatResults joins hits into a context block for prompts.
func FormatResults(results []Result) string {
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		if r.Title != "" {
			b.WriteString("[")
			b.WriteString(r.Title)
			b.WriteString("] ")
		}
		b.WriteString(r.Content)
	}
	return b.String()
}

// Cosine returns the cosine similarity of a and b, or 0 when either is
// empty, zero, or the lengths differ.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// SplitText cuts text into chunks of at most size runes, each starting
// overlap runes before the previous chunk ended. Cuts prefer whitespace.
func SplitText(text string, size, overlap int) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 || size <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else if cut := lastSpace(runes[start:end]); cut > size/2 {
			end = start + cut
		}
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

func lastSpace(rs []rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if unicode.IsSpace(rs[i]) {
			return i
		}
	}
	return -1
}
