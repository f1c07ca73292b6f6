package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"labelcheck-assistant/pkg"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

// OpenAIClient answers analysis requests directly through the OpenAI chat
// completion API, for running without the remote analysis service.  It asks
// for the same JSON document the service returns.
type OpenAIClient struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

// NewOpenAIClient constructs a client for the public OpenAI API.
func NewOpenAIClient(apiKey, model string, logger *zap.Logger) *OpenAIClient {
	return NewOpenAIClientWithConfig(openai.DefaultConfig(apiKey), model, logger)
}

// NewOpenAIClientWithConfig constructs a client from an explicit go-openai
// configuration, e.g. to point at a compatible endpoint.
func NewOpenAIClientWithConfig(cfg openai.ClientConfig, model string, logger *zap.Logger) *OpenAIClient {
	if model == "" {
		// default to a modern small model; can be overridden via config
		model = DefaultModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), model: model, logger: logger}
}

// Process sends the question, profile and optional image as one user message
// and decodes the JSON answer.  API failures are reported as *BackendError
// so callers see the same error shape as with the HTTP backend.
func (c *OpenAIClient) Process(ctx context.Context, state pkg.ProcessState, attachment *pkg.Attachment) (*pkg.AgentPayload, error) {
	if c.client == nil {
		return nil, errors.New("openai client not initialized")
	}
	input, err := json.Marshal(struct {
		Query   string      `json:"user_query"`
		Profile pkg.Profile `json:"user_profile"`
	}{state.UserQuery, state.UserProfile})
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}

	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if attachment != nil {
		user.MultiContent = []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: string(input)},
			{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
				URL:    attachment.Preview,
				Detail: openai.ImageURLDetailAuto,
			}},
		}
	} else {
		user.Content = string(input)
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt},
			user,
		},
		Temperature:    0.2,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, &BackendError{Status: apiErr.HTTPStatusCode, Body: apiErr.Message}
		}
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) {
			return nil, &BackendError{Status: reqErr.HTTPStatusCode, Body: reqErr.Error()}
		}
		return nil, fmt.Errorf("openai request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai returned no choices")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	c.logger.Debug("openai responded", zap.String("model", c.model), zap.Int("tokens", resp.Usage.TotalTokens))

	var payload pkg.AgentPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, fmt.Errorf("decode openai answer: %w", err)
	}
	return &payload, nil
}
