package knowledge

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

type memRepo struct {
	chunks map[string][]models.KnowledgeChunk
}

func (m *memRepo) ReplaceKnowledge(ctx context.Context, title string, chunks []models.KnowledgeChunk) error {
	if m.chunks == nil {
		m.chunks = map[string][]models.KnowledgeChunk{}
	}
	for i := range chunks {
		chunks[i].Title = title
	}
	m.chunks[title] = chunks
	return nil
}

func (m *memRepo) ListKnowledge(ctx context.Context) ([]models.KnowledgeChunk, error) {
	var out []models.KnowledgeChunk
	for _, cs := range m.chunks {
		out = append(out, cs...)
	}
	return out, nil
}

// keywordEmbedder maps texts onto a tiny bag-of-words space.
type keywordEmbedder struct {
	err error
}

var vocabulary = []string{"insurance", "whitening", "implant"}

func (k keywordEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if k.err != nil {
		return nil, k.err
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		v := make([]float64, len(vocabulary))
		for j, w := range vocabulary {
			v[j] = float64(strings.Count(strings.ToLower(t), w))
		}
		out[i] = v
	}
	return out, nil
}

func TestSplitTextOverlap(t *testing.T) {
	text := strings.Repeat("abcde ", 200) // 1200 runes
	chunks := SplitText(text, 500, 100)
	if len(chunks) < 3 {
		t.Fatalf("expected at least 3 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if n := len([]rune(c)); n > 500 {
			t.Errorf("chunk %d has %d runes", i, n)
		}
	}
	// Consecutive chunks share text.
	tail := chunks[0][len(chunks[0])-20:]
	if !strings.Contains(chunks[1], strings.TrimSpace(tail)) {
		t.Errorf("chunks do not overlap: %q / %q", tail, chunks[1][:40])
	}
}

func TestSplitTextShortAndEmpty(t *testing.T) {
	if got := SplitText("  ", 500, 100); got != nil {
		t.Errorf("expected no chunks for blank text, got %v", got)
	}
	if got := SplitText("short note", 500, 100); len(got) != 1 || got[0] != "short note" {
		t.Errorf("unexpected chunks %v", got)
	}
}

func TestCosine(t *testing.T) {
	if got := Cosine([]float64{1, 0}, []float64{1, 0}); math.Abs(got-1) > 1e-9 {
		t.Errorf("identical vectors: %v", got)
	}
	if got := Cosine([]float64{1, 0}, []float64{0, 1}); got != 0 {
		t.Errorf("orthogonal vectors: %v", got)
	}
	if got := Cosine([]float64{1}, []float64{1, 2}); got != 0 {
		t.Errorf("mismatched lengths: %v", got)
	}
	if got := Cosine([]float64{0, 0}, []float64{1, 2}); got != 0 {
		t.Errorf("zero vector: %v", got)
	}
}

func TestIngestAndSearch(t *testing.T) {
	repo := &memRepo{}
	svc := NewService(repo, keywordEmbedder{})
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, "insurance", "We accept most PPO insurance plans. Insurance claims are filed for you."); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Ingest(ctx, "whitening", "Professional whitening brightens teeth in one visit."); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Search(ctx, "does my insurance cover this?", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].Title != "insurance" {
		t.Fatalf("unexpected results %+v", res)
	}
	if !strings.Contains(FormatResults(res), "[insurance]") {
		t.Errorf("formatted results missing title: %q", FormatResults(res))
	}
}

func TestIngestReplacesByTitle(t *testing.T) {
	repo := &memRepo{}
	svc := NewService(repo, keywordEmbedder{})
	ctx := context.Background()
	svc.Ingest(ctx, "faq", "first version")
	svc.Ingest(ctx, "faq", "second version")
	all, _ := repo.ListKnowledge(ctx)
	if len(all) != 1 || all[0].Content != "second version" {
		t.Errorf("ingest did not replace: %+v", all)
	}
}

func TestIngestErrors(t *testing.T) {
	svc := NewService(&memRepo{}, keywordEmbedder{})
	if _, err := svc.Ingest(context.Background(), "x", ""); !errors.Is(err, ErrEmptyDocument) {
		t.Errorf("expected ErrEmptyDocument, got %v", err)
	}
	svc = NewService(&memRepo{}, keywordEmbedder{err: errors.New("quota")})
	if _, err := svc.Ingest(context.Background(), "x", "text"); err == nil {
		t.Error("expected embedder error")
	}
}

func TestSearchEmptyQueryOrBase(t *testing.T) {
	svc := NewService(&memRepo{}, keywordEmbedder{})
	if res, err := svc.Search(context.Background(), "insurance", 3); err != nil || res != nil {
		t.Errorf("empty base: %v, %v", res, err)
	}
	if res, err := svc.Search(context.Background(), "  ", 3); err != nil || res != nil {
		t.Errorf("empty query: %v, %v", res, err)
	}
}
