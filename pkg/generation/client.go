package generation

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/medrex/scribe/pkg/logger"
	"github.com/medrex/scribe/pkg/types"
)

const generatePath = "/v1/generate"

// ClientConfig configures the HTTP model client
type ClientConfig struct {
	Endpoint    string
	APIKey      string
	Model       string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
	RetryCount  int
}

type generateRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature"`
	Stream      bool    `json:"stream"`
}

type generateResponse struct {
	Text         string `json:"text"`
	ModelVersion string `json:"model_version,omitempty"`
}

// streamLine is one NDJSON line of a streamed response
type streamLine struct {
	Text  string `json:"text"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HTTPClient calls a text model over HTTP. It serves both whole and
// streamed generation.
type HTTPClient struct {
	httpClient *resty.Client
	config     ClientConfig
	logger     *logger.Logger
}

// NewHTTPClient creates a model client
func NewHTTPClient(cfg ClientConfig, log *logger.Logger) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.Endpoint).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}

	return &HTTPClient{
		httpClient: client,
		config:     cfg,
		logger:     log,
	}
}

// Model returns the configured model identifier
func (c *HTTPClient) Model() string {
	return c.config.Model
}

func (c *HTTPClient) request(prompt string, stream bool) generateRequest {
	return generateRequest{
		Model:       c.config.Model,
		Prompt:      prompt,
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
		Stream:      stream,
	}
}

// Generate returns the complete model output for prompt
func (c *HTTPClient) Generate(ctx context.Context, prompt string) (string, error) {
	var result generateResponse
	var apiErr errorResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(c.request(prompt, false)).
		SetResult(&result).
		SetError(&apiErr).
		Post(generatePath)
	if err != nil {
		if ctx.Err() != nil {
			return "", types.NewGenerationError("generation cancelled", ctx.Err())
		}
		c.logger.WithComponent("generation").WithError(err).Error("Model request failed")
		return "", types.NewGenerationError("model request failed", err)
	}

	if resp.IsError() {
		c.logger.WithComponent("generation").WithFields(map[string]interface{}{
			"status_code": resp.StatusCode(),
			"error":       apiErr.Error,
		}).Error("Model returned error")
		return "", types.NewGenerationError(
			fmt.Sprintf("model returned status %d", resp.StatusCode()),
			fmt.Errorf("%s", apiErr.Error))
	}

	c.logger.WithComponent("generation").WithFields(map[string]interface{}{
		"model":  c.config.Model,
		"bytes":  len(result.Text),
		"millis": resp.Time().Milliseconds(),
	}).Debug("Model response received")

	return result.Text, nil
}

// Stream starts a streamed generation. The response body is read as
// newline-delimited JSON; the returned channel closes after the line
// marked done or when ctx ends.
func (c *HTTPClient) Stream(ctx context.Context, prompt string) (<-chan Chunk, error) {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(c.request(prompt, true)).
		SetDoNotParseResponse(true).
		SetHeader("Accept", "application/x-ndjson").
		Post(generatePath)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewGenerationError("generation cancelled", ctx.Err())
		}
		return nil, types.NewGenerationError("model request failed", err)
	}

	body := resp.RawBody()
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		var apiErr errorResponse
		_ = json.NewDecoder(body).Decode(&apiErr)
		body.Close()
		return nil, types.NewGenerationError(
			fmt.Sprintf("model returned status %d", resp.StatusCode()),
			fmt.Errorf("%s", apiErr.Error))
	}

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		defer body.Close()

		send := func(ch Chunk) bool {
			select {
			case chunks <- ch:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			raw := scanner.Bytes()
			if len(raw) == 0 {
				continue
			}
			var line streamLine
			if err := json.Unmarshal(raw, &line); err != nil {
				send(Chunk{Err: fmt.Errorf("malformed stream line: %w", err)})
				return
			}
			if line.Error != "" {
				send(Chunk{Err: fmt.Errorf("%s", line.Error)})
				return
			}
			if line.Text != "" && !send(Chunk{Text: line.Text}) {
				return
			}
			if line.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			send(Chunk{Err: fmt.Errorf("failed to read stream: %w", err)})
			return
		}
		if ctx.Err() == nil {
			send(Chunk{Err: fmt.Errorf("stream ended without completion marker")})
		}
	}()

	return chunks, nil
}
