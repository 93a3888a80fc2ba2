package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockLLMClient implements LLMClient on the Bedrock Converse API.
type BedrockLLMClient struct {
	api     bedrockConverseAPI
	modelID string
}

func NewBedrockLLMClient(api bedrockConverseAPI, modelID string) *BedrockLLMClient {
	if api == nil {
		panic("conversation: bedrock converse client cannot be nil")
	}
	return &BedrockLLMClient{api: api, modelID: strings.TrimSpace(modelID)}
}

func (c *BedrockLLMClient) Complete(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	modelID := firstNonEmpty(req.Model, c.modelID)
	if modelID == "" {
		return LLMResponse{}, errors.New("conversation: bedrock model id is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return LLMResponse{}, errors.New("conversation: bedrock prompt is empty")
	}

	out, err := c.api.Converse(ctx, converseInput(modelID, req))
	if err != nil {
		return LLMResponse{}, fmt.Errorf("conversation: bedrock converse: %w", err)
	}
	return bedrockResponse(out)
}

func converseInput(modelID string, req LLMRequest) *bedrockruntime.ConverseInput {
	var system []brtypes.SystemContentBlock
	if s := strings.TrimSpace(req.System); s != "" {
		system = append(system, &brtypes.SystemContentBlockMemberText{Value: s})
	}
	// Converse has no response-format switch, so JSON mode is an extra
	// system block.
	if req.JSON {
		system = append(system, &brtypes.SystemContentBlockMemberText{Value: jsonOnlyInstruction})
	}

	inference := &brtypes.InferenceConfiguration{}
	if req.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(req.MaxTokens)
	}
	if req.Temperature >= 0 {
		inference.Temperature = aws.Float32(req.Temperature)
	}

	return &bedrockruntime.ConverseInput{
		ModelId: aws.String(modelID),
		System:  system,
		Messages: []brtypes.Message{{
			Role:    brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: req.Prompt}},
		}},
		InferenceConfig: inference,
	}
}

func bedrockResponse(out *bedrockruntime.ConverseOutput) (LLMResponse, error) {
	if out == nil {
		return LLMResponse{}, errors.New("conversation: bedrock response is nil")
	}
	switch out.StopReason {
	case brtypes.StopReasonGuardrailIntervened, brtypes.StopReasonContentFiltered:
		return LLMResponse{}, fmt.Errorf("%w: %s", ErrLLMBlocked, out.StopReason)
	}
	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return LLMResponse{}, errors.New("conversation: bedrock response has no message output")
	}

	var text strings.Builder
	for _, block := range msg.Value.Content {
		if t, ok := block.(*brtypes.ContentBlockMemberText); ok {
			text.WriteString(t.Value)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return LLMResponse{}, errors.New("conversation: bedrock response has no text")
	}

	resp := LLMResponse{Text: strings.TrimSpace(text.String()), StopReason: string(out.StopReason)}
	if u := out.Usage; u != nil {
		resp.Usage = TokenUsage{
			InputTokens:  aws.ToInt32(u.InputTokens),
			OutputTokens: aws.ToInt32(u.OutputTokens),
			TotalTokens:  aws.ToInt32(u.TotalTokens),
		}
	}
	return resp, nil
}
