// Package responses is a client for the Azure OpenAI Responses API, the Primary surface.
//
// go-openai has no Responses support, so requests are plain JSON over net/http and
// responses are read with gjson because the output shape differs across API versions.
package responses

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/tkhongsap/line-bot-connect/internal/classify"
	"github.com/tkhongsap/line-bot-connect/internal/types"
)

const (
	probeMaxOutputTokens = 16
	maxResponseBytes     = 4 << 20
)

// ErrEmptyOutput is returned when a 2xx response carries no text output
var ErrEmptyOutput = errors.New("responses api returned no text output")

// Config holds what the Primary surface needs to reach one deployment
type Config struct {
	APIKey     string        `yaml:"api_key"`
	Endpoint   string        `yaml:"endpoint"`
	Deployment string        `yaml:"deployment"`
	APIVersion string        `yaml:"api_version"`
	Timeout    time.Duration `yaml:"timeout"`

	HTTPClient *http.Client `yaml:"-"`
}

// Client implements providers.SurfaceClient for the Responses API
type Client struct {
	httpClient *http.Client
	config     *Config
	url        string
	logger     *logrus.Logger
}

type request struct {
	Model           string         `json:"model"`
	Input           []inputMessage `json:"input"`
	Instructions    string         `json:"instructions,omitempty"`
	MaxOutputTokens *int           `json:"max_output_tokens,omitempty"`
	Temperature     *float32       `json:"temperature,omitempty"`
	User            string         `json:"user,omitempty"`
	Store           bool           `json:"store"`
}

type inputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func NewClient(config *Config, logger *logrus.Logger) *Client {
	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	endpoint := strings.TrimRight(config.Endpoint, "/")
	return &Client{
		httpClient: httpClient,
		config:     config,
		url:        endpoint + "/openai/responses?api-version=" + url.QueryEscape(config.APIVersion),
		logger:     logger,
	}
}

func (c *Client) Surface() types.Surface {
	return types.SurfacePrimary
}

// Complete sends the conversation as Responses input items
func (c *Client) Complete(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	body := request{
		Model:           c.config.Deployment,
		Input:           make([]inputMessage, 0, len(req.Messages)),
		Instructions:    req.Instructions,
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		User:            req.UserID,
	}
	for _, msg := range req.Messages {
		body.Input = append(body.Input, inputMessage{Role: msg.Role, Content: msg.Content})
	}

	raw, err := c.post(ctx, body)
	if err != nil {
		c.logger.WithError(err).WithField("deployment", c.config.Deployment).Debug("Responses call failed")
		return nil, fmt.Errorf("responses call failed: %w", err)
	}

	return parseResponse(raw)
}

// Probe sends the smallest request the API accepts and discards the output
func (c *Client) Probe(ctx context.Context) error {
	maxTokens := probeMaxOutputTokens
	_, err := c.post(ctx, request{
		Model:           c.config.Deployment,
		Input:           []inputMessage{{Role: "user", Content: "ping"}},
		MaxOutputTokens: &maxTokens,
	})
	if err != nil {
		return fmt.Errorf("responses probe failed: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, body request) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", c.config.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &classify.StatusError{StatusCode: resp.StatusCode, Body: raw}
	}
	return raw, nil
}

// parseResponse reads the text from output_text when the API version provides the
// convenience field, otherwise from the message items in output[].
func parseResponse(raw []byte) (*types.ChatResponse, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("responses api returned invalid JSON")
	}
	doc := gjson.ParseBytes(raw)

	if doc.Get("status").String() == "failed" {
		return nil, fmt.Errorf("response failed: %s", doc.Get("error.message").String())
	}

	content := doc.Get("output_text").String()
	if content == "" {
		var sb strings.Builder
		doc.Get("output").ForEach(func(_, item gjson.Result) bool {
			if t := item.Get("type").String(); t != "" && t != "message" {
				return true
			}
			item.Get("content").ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "output_text" {
					sb.WriteString(part.Get("text").String())
				}
				return true
			})
			return true
		})
		content = sb.String()
	}
	if content == "" {
		return nil, ErrEmptyOutput
	}

	resp := &types.ChatResponse{
		ID:       doc.Get("id").String(),
		Content:  content,
		Model:    doc.Get("model").String(),
		ServedBy: types.SurfacePrimary,
	}
	if usage := doc.Get("usage"); usage.Exists() {
		resp.Usage = &types.Usage{
			PromptTokens:     int(usage.Get("input_tokens").Int()),
			CompletionTokens: int(usage.Get("output_tokens").Int()),
			TotalTokens:      int(usage.Get("total_tokens").Int()),
		}
	}
	return resp, nil
}
