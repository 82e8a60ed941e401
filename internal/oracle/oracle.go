// Package oracle wraps the vision model behind a single-call extraction
// contract. One call sends one page image plus any prior outputs and
// returns a parsed school document; failures classify as transient
// (retry with backoff) or malformed (retry with context).
package oracle

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spherical-ai/prospectus-engine/internal/schema"
)

const (
	defaultBaseURL   = "https://openrouter.ai/api/v1/chat/completions"
	defaultModel     = "openai/gpt-4o-2024-11-20"
	defaultMaxTokens = 16383
	defaultTimeout   = 2 * time.Minute
)

// Config holds model client settings.
type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// Client handles communication with the OpenRouter API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// Message represents a chat message
type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart represents a part of message content (text or image)
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL represents an image URL in the message
type ImageURL struct {
	URL string `json:"url"`
}

// ResponseFormat constrains the completion to a JSON object.
type ResponseFormat struct {
	Type string `json:"type"`
}

// Request represents the API request structure
type Request struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Stream         bool            `json:"stream"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// Response represents the API response structure
type Response struct {
	ID      string   `json:"id"`
	Choices []Choice `json:"choices"`
}

// Choice represents a single completion choice
type Choice struct {
	Message      ChoiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// ChoiceMessage carries the completion content
type ChoiceMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewClient creates a new oracle client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Extract performs one extraction call for a page image. prior carries the
// raw JSON of earlier attempt outputs for the same page. The returned raw
// message is the completion after code-fence stripping, suitable for
// feeding back on the next attempt.
func (c *Client) Extract(ctx context.Context, imagePath string, prior []json.RawMessage) (*schema.School, json.RawMessage, error) {
	req, err := c.buildRequest(imagePath, prior)
	if err != nil {
		return nil, nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("HTTP-Referer", "https://github.com/spherical-ai/prospectus-engine")
	httpReq.Header.Set("X-Title", "Prospectus Engine")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := fmt.Errorf("oracle API status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		if retryableStatus(resp.StatusCode) {
			return nil, nil, &TransientError{Err: statusErr}
		}
		return nil, nil, statusErr
	}

	var parsed Response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, nil, &MalformedOutputError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return nil, nil, &MalformedOutputError{Err: fmt.Errorf("empty completion")}
	}

	raw := stripCodeFence(parsed.Choices[0].Message.Content)

	var school schema.School
	if err := json.Unmarshal([]byte(raw), &school); err != nil {
		return nil, nil, &MalformedOutputError{Raw: raw, Err: err}
	}

	return &school, json.RawMessage(raw), nil
}

// buildRequest constructs the API request with the image and prompt.
func (c *Client) buildRequest(imagePath string, prior []json.RawMessage) (*Request, error) {
	imageData, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("read page image: %w", err)
	}

	base64Image := base64.StdEncoding.EncodeToString(imageData)
	imageURL := "data:image/jpeg;base64," + base64Image

	msg := Message{
		Role: "user",
		Content: []ContentPart{
			{
				Type: "text",
				Text: BuildPrompt(prior),
			},
			{
				Type: "image_url",
				ImageURL: &ImageURL{
					URL: imageURL,
				},
			},
		},
	}

	return &Request{
		Model:          c.cfg.Model,
		Messages:       []Message{msg},
		Stream:         false,
		MaxTokens:      c.cfg.MaxTokens,
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	}, nil
}

// stripCodeFence removes a Markdown code fence some models wrap around
// their JSON output.
func stripCodeFence(s string) string {
	out := strings.TrimSpace(s)
	if !strings.HasPrefix(out, "```") {
		return out
	}
	out = strings.TrimPrefix(out, "```json")
	out = strings.TrimPrefix(out, "```")
	if i := strings.LastIndex(out, "```"); i >= 0 {
		out = out[:i]
	}
	return strings.TrimSpace(out)
}
