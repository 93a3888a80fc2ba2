package conversation

import (
	"context"
	"errors"
	"strings"
)

// ErrLLMBlocked is returned when the provider refuses to answer because of
// its own safety filters.
var ErrLLMBlocked = errors.New("conversation: completion blocked by provider")

const jsonOnlyInstruction = "Responde únicamente con un objeto JSON válido, sin texto adicional."

// LLMRequest is a single-turn completion. The assistant never replays chat
// history to the model; every call carries its own context in Prompt.
type LLMRequest struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int32
	// Temperature below zero leaves the provider default in place.
	Temperature float32
	// JSON asks the provider for a bare JSON object.
	JSON bool
}

type TokenUsage struct {
	InputTokens  int32
	OutputTokens int32
	TotalTokens  int32
}

type LLMResponse struct {
	Text       string
	Usage      TokenUsage
	StopReason string
}

// LLMClient is the language model port used for extraction, date resolution
// and general inquiries.
type LLMClient interface {
	Complete(ctx context.Context, req LLMRequest) (LLMResponse, error)
}

// LLMClientFunc adapts a function to LLMClient.
type LLMClientFunc func(ctx context.Context, req LLMRequest) (LLMResponse, error)

func (f LLMClientFunc) Complete(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	return f(ctx, req)
}

func completeText(ctx context.Context, client LLMClient, system, prompt string, maxTokens int32) (string, error) {
	resp, err := client.Complete(ctx, LLMRequest{System: system, Prompt: prompt, MaxTokens: maxTokens})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func completeJSON(ctx context.Context, client LLMClient, system, prompt string, maxTokens int32) (string, error) {
	resp, err := client.Complete(ctx, LLMRequest{System: system, Prompt: prompt, MaxTokens: maxTokens, JSON: true})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
