// Package llm is the boundary to the external response generator. The
// chat core only ever sees the Generator interface; transport, request
// shape and model selection stay behind it.
package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Generator produces reply text for a prompt that already carries the
// recent room context.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// OpenAIGenerator talks to any OpenAI-compatible completion endpoint.
// Pointing the base URL at an Ollama instance's /v1 path works out of
// the box.
type OpenAIGenerator struct {
	client openai.Client
	model  string
}

func NewOpenAIGenerator(baseURL, apiKey, model string) *OpenAIGenerator {
	return &OpenAIGenerator{
		client: openai.NewClient(
			option.WithBaseURL(baseURL),
			option.WithAPIKey(apiKey),
		),
		model: model,
	}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(g.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("You are a helpful chat room assistant. Answer in one short paragraph."),
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty completion response")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("blank completion text")
	}
	return text, nil
}

// StaticGenerator returns a fixed reply. Used in tests and as a
// degraded mode when no generator endpoint is configured.
type StaticGenerator struct {
	Reply string
}

func (g StaticGenerator) Generate(context.Context, string) (string, error) {
	return g.Reply, nil
}
