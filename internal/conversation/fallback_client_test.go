package conversation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallbackLLMClient(t *testing.T) {
	primaryErr := errors.New("gemini: 503")
	primary := staticLLM("", primaryErr)

	client := NewFallbackLLMClient(primary, staticLLM("respuesta", nil), nil)
	resp, err := client.Complete(context.Background(), LLMRequest{})
	require.NoError(t, err)
	assert.Equal(t, "respuesta", resp.Text)

	fallbackErr := errors.New("bedrock: throttled")
	client = NewFallbackLLMClient(primary, staticLLM("", fallbackErr), nil)
	_, err = client.Complete(context.Background(), LLMRequest{})
	assert.ErrorIs(t, err, primaryErr)
	assert.ErrorIs(t, err, fallbackErr)
}

func TestFallbackLLMClientSkipsFallbackWhenCanceled(t *testing.T) {
	calls := 0
	fallback := LLMClientFunc(func(ctx context.Context, req LLMRequest) (LLMResponse, error) {
		calls++
		return LLMResponse{Text: "tarde"}, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewFallbackLLMClient(staticLLM("", context.Canceled), fallback, nil)
	_, err := client.Complete(ctx, LLMRequest{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestNewFallbackLLMClientWithoutFallback(t *testing.T) {
	_, wrapped := NewFallbackLLMClient(staticLLM("ok", nil), nil, nil).(*FallbackLLMClient)
	assert.False(t, wrapped)
}
