package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AnTengye/contractguard/model"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrDisabled)

	_, err = New(Config{Provider: "none"})
	assert.ErrorIs(t, err, ErrDisabled)

	_, err = New(Config{Provider: "openai"})
	assert.Error(t, err, "api key is required")

	_, err = New(Config{Provider: "bard", APIKey: "k"})
	assert.Error(t, err)

	p, err := New(Config{Provider: "OpenAI", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		verdict   model.Verdict
		rationale string
	}{
		{"plain json", `{"verdict": "pass", "rationale": "clause present"}`, model.VerdictPass, "clause present"},
		{"fenced", "```json\n{\"verdict\": \"Weak\", \"rationale\": \"hedged\"}\n```", model.VerdictWeak, "hedged"},
		{"unknown verdict", `{"verdict": "maybe", "rationale": "unsure"}`, model.VerdictNeedsReview, "unsure"},
		{"not json", "The clause passes.", model.VerdictNeedsReview, "unparseable model answer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, r := ParseVerdict(tt.content)
			assert.Equal(t, tt.verdict, v)
			assert.Equal(t, tt.rationale, r)
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt(ReviewRequest{DetectorID: "A28_3_h", RuleID: "Art28(3)(h)", Verdict: model.VerdictMissing})
	assert.Contains(t, prompt, "A28_3_h")
	assert.Contains(t, prompt, "no matching text found")
}

func TestOpenAIProviderReview(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req openai.ChatCompletionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		if assert.Len(t, req.Messages, 2) {
			assert.True(t, strings.Contains(req.Messages[1].Content, "audit"))
		}

		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Model: "gpt-4o-mini",
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: "assistant", Content: `{"verdict":"pass","rationale":"audit rights granted"}`},
			}},
			Usage: openai.Usage{PromptTokens: 120, CompletionTokens: 15, TotalTokens: 135},
		})
	}))
	defer server.Close()

	p, err := NewOpenAIProvider(Config{APIKey: "test-key", BaseURL: server.URL, Model: "gpt-4o-mini", Timeout: 5, RequestsPerSec: 100})
	require.NoError(t, err)

	resp, err := p.Review(context.Background(), ReviewRequest{DetectorID: "A28_3_h", Evidence: "The controller may audit the processor.", Verdict: model.VerdictNeedsReview})
	require.NoError(t, err)
	assert.Equal(t, model.VerdictPass, resp.Verdict)
	assert.Equal(t, "audit rights granted", resp.Rationale)
	assert.Equal(t, 120, resp.InputTokens)
	assert.Equal(t, 15, resp.OutputTokens)
}

func TestOpenAIProviderReviewError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer server.Close()

	p, err := NewOpenAIProvider(Config{APIKey: "k", BaseURL: server.URL, Timeout: 5})
	require.NoError(t, err)

	_, err = p.Review(context.Background(), ReviewRequest{DetectorID: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OpenAI API error")
}

func TestOpenAIProviderHonoursCancellation(t *testing.T) {
	p, err := NewOpenAIProvider(Config{APIKey: "k", BaseURL: "http://127.0.0.1:1", RequestsPerSec: 0.001})
	require.NoError(t, err)
	// First token is available immediately; drain it so the next Wait blocks
	require.True(t, p.limiter.Allow())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Review(ctx, ReviewRequest{DetectorID: "x"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrDisabled))
}
