package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp       openai.ChatCompletion
	err        error
	lastParams openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.lastParams = params
	return m.resp, m.err
}

type mockEmbeddingService struct {
	resp openai.CreateEmbeddingResponse
	err  error
}

func (m *mockEmbeddingService) Create(ctx context.Context, params openai.EmbeddingNewParams) (openai.CreateEmbeddingResponse, error) {
	return m.resp, m.err
}

func completion(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func testClient(chat chatService, emb embeddingService) *Client {
	return &Client{chat: chat, embeddings: emb, model: string(DefaultModel), temperature: 0.2, maxTokens: 100}
}

func TestGeneratePrompt_Success(t *testing.T) {
	client := testClient(&mockChatService{resp: completion("  Hello World \n")}, nil)
	out, err := client.GeneratePrompt(context.Background(), "system prompt", "user prompt")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
}

func TestGenerateWithMessages_ServiceError(t *testing.T) {
	client := testClient(&mockChatService{err: errors.New("service failure")}, nil)
	_, err := client.GenerateWithMessages(context.Background(), []openai.ChatCompletionMessageParamUnion{openai.UserMessage("hi")})
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGenerateWithMessages_NoChoices(t *testing.T) {
	client := testClient(&mockChatService{resp: openai.ChatCompletion{}}, nil)
	_, err := client.GenerateWithMessages(context.Background(), nil)
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected ErrNoChoicesReturned, got %v", err)
	}
}

func TestGenerateWithMessages_EmptyContent(t *testing.T) {
	client := testClient(&mockChatService{resp: completion("   ")}, nil)
	_, err := client.GenerateWithMessages(context.Background(), nil)
	if !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestGenerateJSON_SetsResponseFormat(t *testing.T) {
	mock := &mockChatService{resp: completion(`{"action":"reply_to_user"}`)}
	client := testClient(mock, nil)
	out, err := client.GenerateJSON(context.Background(), []openai.ChatCompletionMessageParamUnion{openai.UserMessage("hi")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != `{"action":"reply_to_user"}` {
		t.Errorf("unexpected output %q", out)
	}
	if mock.lastParams.ResponseFormat.OfJSONObject == nil {
		t.Error("expected JSON object response format to be requested")
	}
}

func TestEmbed_OrdersByIndex(t *testing.T) {
	emb := &mockEmbeddingService{resp: openai.CreateEmbeddingResponse{
		Data: []openai.Embedding{
			{Index: 1, Embedding: []float64{0, 1}},
			{Index: 0, Embedding: []float64{1, 0}},
		},
	}}
	client := testClient(nil, emb)
	vecs, err := client.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Errorf("embeddings out of order: %v", vecs)
	}
}

func TestEmbed_CountMismatch(t *testing.T) {
	emb := &mockEmbeddingService{resp: openai.CreateEmbeddingResponse{Data: []openai.Embedding{{Index: 0}}}}
	client := testClient(nil, emb)
	if _, err := client.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Error("expected error on count mismatch")
	}
}

func TestNewClient_NoKey(t *testing.T) {
	_, err := NewClient()
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"), WithTemperature(0.5))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.model != "gpt-4o" || cli.temperature != 0.5 {
		t.Errorf("options not applied: model=%s temperature=%v", cli.model, cli.temperature)
	}
	if cli.embeddingModel != string(DefaultEmbeddingModel) {
		t.Errorf("default embedding model not applied: %s", cli.embeddingModel)
	}
}
