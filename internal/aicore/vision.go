package aicore

import (
	"context"
	"fmt"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/nevil-robotics/nevil/internal/resilience"
)

// visionMarker wraps a camera description so the streaming model knows the
// text is sensory input, not something the user typed.
const visionMarker = "[SYSTEM: Your camera is showing you this view: %s]"

// visionPrompt asks for a description compact enough to inject into the
// voice conversation without derailing it.
const visionPrompt = "Describe this image in two or three short, objective sentences. " +
	"Mention people, animals, and notable objects. Do not speculate."

// VisionClient produces a short description of a camera frame. The
// streaming voice model cannot accept images, so this runs out-of-band.
type VisionClient interface {
	Describe(ctx context.Context, imageB64 string) (string, error)
}

// OpenAIVision implements VisionClient with a non-streaming chat
// completion. A circuit breaker keeps a flaky vision endpoint from
// stalling every snapshot.
type OpenAIVision struct {
	client  oai.Client
	model   string
	breaker *resilience.Breaker
}

var _ VisionClient = (*OpenAIVision)(nil)

// NewOpenAIVision creates a vision client. Empty model defaults to
// gpt-4o-mini.
func NewOpenAIVision(apiKey, model string) (*OpenAIVision, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("aicore: vision api key must not be empty")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIVision{
		client: oai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		breaker: resilience.NewBreaker(resilience.BreakerConfig{
			Name:         "vision",
			MaxFailures:  3,
			ResetTimeout: 60 * time.Second,
		}),
	}, nil
}

// Describe sends the base64 JPEG to the vision model and returns its
// description.
func (v *OpenAIVision) Describe(ctx context.Context, imageB64 string) (string, error) {
	var description string
	err := v.breaker.Execute(func() error {
		dataURL := "data:image/jpeg;base64," + imageB64
		resp, err := v.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
			Model: shared.ChatModel(v.model),
			Messages: []oai.ChatCompletionMessageParamUnion{
				oai.UserMessage([]oai.ChatCompletionContentPartUnionParam{
					oai.TextContentPart(visionPrompt),
					oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{
						URL: dataURL,
					}),
				}),
			},
			MaxTokens: oai.Int(160),
		})
		if err != nil {
			return fmt.Errorf("aicore: vision completion: %w", err)
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
			return fmt.Errorf("aicore: vision completion returned no content")
		}
		description = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", err
	}
	return description, nil
}
