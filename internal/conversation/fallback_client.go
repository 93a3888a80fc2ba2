package conversation

import (
	"context"
	"errors"

	"github.com/oberoende/clinic-assistant/pkg/logging"
)

// FallbackLLMClient sends requests to a secondary provider when the primary
// fails. Context cancellation is not retried.
type FallbackLLMClient struct {
	primary  LLMClient
	fallback LLMClient
	logger   *logging.Logger
}

// NewFallbackLLMClient wraps primary. A nil fallback leaves primary unwrapped.
func NewFallbackLLMClient(primary, fallback LLMClient, logger *logging.Logger) LLMClient {
	if primary == nil {
		panic("conversation: primary llm client cannot be nil")
	}
	if fallback == nil {
		return primary
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &FallbackLLMClient{primary: primary, fallback: fallback, logger: logger}
}

func (c *FallbackLLMClient) Complete(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	resp, err := c.primary.Complete(ctx, req)
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return LLMResponse{}, err
	}

	c.logger.Warn("primary llm failed, trying fallback", "error", err)
	resp, fallbackErr := c.fallback.Complete(ctx, req)
	if fallbackErr != nil {
		c.logger.Error("fallback llm failed", "primary_error", err, "fallback_error", fallbackErr)
		return LLMResponse{}, errors.Join(err, fallbackErr)
	}
	return resp, nil
}
