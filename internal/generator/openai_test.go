package generator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newFakeCompletions(t *testing.T, reply string, status int) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var got []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req recordedRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		got = append(got, req)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]string{"role": "assistant", "content": reply},
			}},
			"usage": map[string]int{"prompt_tokens": 3, "completion_tokens": 4, "total_tokens": 7},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func newTestGenerator(t *testing.T, baseURL string) *OpenAI {
	t.Helper()
	g, err := NewOpenAI(Config{APIKey: "test-key", BaseURL: baseURL + "/v1/", Model: "gpt-4o-mini"}, nil)
	require.NoError(t, err)
	return g
}

func TestAnswerSendsQuestion(t *testing.T) {
	srv, got := newFakeCompletions(t, "  TCP is reliable.\n", http.StatusOK)
	g := newTestGenerator(t, srv.URL)

	answer, err := g.Answer(context.Background(), "What is TCP?")
	require.NoError(t, err)
	assert.Equal(t, "TCP is reliable.", answer)

	require.Len(t, *got, 1)
	req := (*got)[0]
	assert.Equal(t, "gpt-4o-mini", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, answerSystemPrompt, req.Messages[0].Content)
	assert.Equal(t, "user", req.Messages[1].Role)
	assert.Equal(t, "Question: What is TCP?", req.Messages[1].Content)
}

func TestProposeAndFollowupPrompts(t *testing.T) {
	srv, got := newFakeCompletions(t, "1. a\n2. b", http.StatusOK)
	g := newTestGenerator(t, srv.URL)

	raw, err := g.ProposeFollowups(context.Background(), "User question: q\nAnswer: a")
	require.NoError(t, err)
	assert.Equal(t, "1. a\n2. b", raw)

	_, err = g.AnswerFollowup(context.Background(), "base?", "follow?")
	require.NoError(t, err)

	require.Len(t, *got, 2)
	assert.Equal(t, proposeSystemPrompt, (*got)[0].Messages[0].Content)
	assert.Equal(t, "Context:\nUser question: q\nAnswer: a", (*got)[0].Messages[1].Content)
	assert.Equal(t, followupSystemPrompt, (*got)[1].Messages[0].Content)
	assert.Equal(t, "Base question: base?\nFollow-up question: follow?", (*got)[1].Messages[1].Content)
}

func TestCompletionErrorPropagates(t *testing.T) {
	srv, _ := newFakeCompletions(t, "", http.StatusInternalServerError)
	g := newTestGenerator(t, srv.URL)

	_, err := g.Answer(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "answer completion")
}

func TestNewOpenAIRequiresModel(t *testing.T) {
	_, err := NewOpenAI(Config{APIKey: "k"}, nil)
	require.Error(t, err)
}

func TestPingListsModels(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/models", r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"gpt-4o-mini","object":"model","owned_by":"test"}]}`))
	}))
	t.Cleanup(srv.Close)

	require.NoError(t, newTestGenerator(t, srv.URL).Ping(context.Background()))

	bad, err := NewOpenAI(Config{APIKey: "wrong", BaseURL: srv.URL + "/v1", Model: "gpt-4o-mini"}, nil)
	require.NoError(t, err)
	err = bad.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list models")
	assert.Equal(t, int32(2), hits.Load())
}
