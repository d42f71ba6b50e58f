package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/tkhongsap/line-bot-connect/internal/types"
)

// ErrEmptyCompletion is returned when the upstream answers 2xx without any choice
var ErrEmptyCompletion = errors.New("chat completion returned no choices")

// ChatCompletionsProvider serves the Legacy surface (Azure Chat Completions)
type ChatCompletionsProvider struct {
	client *openai.Client
	config *AzureConfig
	logger *logrus.Logger
}

// AzureConfig holds what the Legacy surface needs to reach one deployment
type AzureConfig struct {
	APIKey     string        `yaml:"api_key"`
	Endpoint   string        `yaml:"endpoint"`
	Deployment string        `yaml:"deployment"`
	APIVersion string        `yaml:"api_version"`
	Timeout    time.Duration `yaml:"timeout"`

	// HTTPClient overrides the transport, mainly for tests
	HTTPClient *http.Client `yaml:"-"`
}

// NewChatCompletionsProvider creates a Legacy surface client. Every request is sent to
// the configured deployment regardless of the model name.
func NewChatCompletionsProvider(config *AzureConfig, logger *logrus.Logger) *ChatCompletionsProvider {
	clientConfig := openai.DefaultAzureConfig(config.APIKey, strings.TrimRight(config.Endpoint, "/"))

	if config.APIVersion != "" {
		clientConfig.APIVersion = config.APIVersion
	}
	deployment := config.Deployment
	clientConfig.AzureModelMapperFunc = func(model string) string {
		return deployment
	}

	switch {
	case config.HTTPClient != nil:
		clientConfig.HTTPClient = config.HTTPClient
	case config.Timeout > 0:
		clientConfig.HTTPClient = &http.Client{Timeout: config.Timeout}
	}

	return &ChatCompletionsProvider{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
		logger: logger,
	}
}

func (p *ChatCompletionsProvider) Surface() types.Surface {
	return types.SurfaceLegacy
}

// Complete performs a chat completion request
func (p *ChatCompletionsProvider) Complete(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	openaiReq := p.convertToOpenAIRequest(req)

	resp, err := p.client.CreateChatCompletion(ctx, openaiReq)
	if err != nil {
		p.logger.WithError(err).WithField("deployment", p.config.Deployment).Debug("Chat completions call failed")
		return nil, fmt.Errorf("chat completions call failed: %w", err)
	}

	return p.convertFromOpenAIResponse(&resp)
}

// Probe sends a one-token completion
func (p *ChatCompletionsProvider) Probe(ctx context.Context) error {
	_, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     p.config.Deployment,
		Messages:  []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		return fmt.Errorf("chat completions probe failed: %w", err)
	}
	return nil
}

// convertToOpenAIRequest converts our request to the Chat Completions format.
// Instructions become a leading system message.
func (p *ChatCompletionsProvider) convertToOpenAIRequest(req *types.ChatRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.Instructions != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.Instructions,
		})
	}
	for _, msg := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	openaiReq := openai.ChatCompletionRequest{
		Model:    p.config.Deployment,
		Messages: messages,
		User:     req.UserID,
	}
	if req.Temperature != nil {
		openaiReq.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		openaiReq.MaxTokens = *req.MaxTokens
	}

	return openaiReq
}

func (p *ChatCompletionsProvider) convertFromOpenAIResponse(resp *openai.ChatCompletionResponse) (*types.ChatResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyCompletion
	}

	var usage *types.Usage
	if resp.Usage.TotalTokens > 0 {
		usage = &types.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	return &types.ChatResponse{
		ID:       resp.ID,
		Content:  resp.Choices[0].Message.Content,
		Model:    resp.Model,
		Usage:    usage,
		ServedBy: types.SurfaceLegacy,
	}, nil
}
