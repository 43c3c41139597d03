// Package generator provides followup.Generator implementations backed by
// chat-completion models.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/fastfollow/internal/followup"
	openai "github.com/sashabaranov/go-openai"
)

const (
	answerSystemPrompt   = "Answer the user's question clearly and concisely (2-5 sentences)."
	proposeSystemPrompt  = "Propose 3-5 specific, non-overlapping follow-up questions as a numbered list. Output only the list."
	followupSystemPrompt = "Answer the follow-up question concisely (2-4 sentences)."
)

var errNoChoices = errors.New("completion returned no choices")

// Config holds chat-completion client settings.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float32
}

// OpenAI generates text through an OpenAI-compatible chat completion API.
type OpenAI struct {
	client      *openai.Client
	model       string
	temperature float32
	logger      *slog.Logger
}

var _ followup.Generator = (*OpenAI)(nil)

// NewOpenAI builds a generator from cfg. BaseURL may point at any
// OpenAI-compatible endpoint, e.g. a local Ollama server.
func NewOpenAI(cfg Config, logger *slog.Logger) (*OpenAI, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &OpenAI{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		logger:      logger,
	}, nil
}

// Answer answers a user question.
func (g *OpenAI) Answer(ctx context.Context, question string) (string, error) {
	return g.complete(ctx, "answer", answerSystemPrompt, "Question: "+question)
}

// ProposeFollowups returns the raw follow-up list for a context.
func (g *OpenAI) ProposeFollowups(ctx context.Context, promptContext string) (string, error) {
	return g.complete(ctx, "propose_followups", proposeSystemPrompt, "Context:\n"+promptContext)
}

// AnswerFollowup answers followupQuestion in the frame of baseQuestion.
func (g *OpenAI) AnswerFollowup(ctx context.Context, baseQuestion, followupQuestion string) (string, error) {
	var b strings.Builder
	b.WriteString("Base question: ")
	b.WriteString(baseQuestion)
	b.WriteString("\nFollow-up question: ")
	b.WriteString(followupQuestion)
	return g.complete(ctx, "answer_followup", followupSystemPrompt, b.String())
}

// Ping checks that the backend is reachable and accepts the credentials by
// listing its models.
func (g *OpenAI) Ping(ctx context.Context) error {
	if _, err := g.client.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

func (g *OpenAI) complete(ctx context.Context, capability, system, user string) (string, error) {
	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Temperature: g.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		g.logger.Warn("chat completion failed", "capability", capability, "model", g.model, "error", err)
		return "", fmt.Errorf("%s completion: %w", capability, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s completion: %w", capability, errNoChoices)
	}

	g.logger.Debug("chat completion",
		"capability", capability,
		"model", g.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"total_tokens", resp.Usage.TotalTokens,
	)
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
