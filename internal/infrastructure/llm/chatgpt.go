package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"

	"PenaltyScanner/internal/config"
	"PenaltyScanner/internal/ports"
)

// Error is the typed failure returned by Complete.
type Error = ports.CompletionError

// ChatClient implements ports.Completer against an OpenAI-compatible chat completions endpoint.
type ChatClient struct {
	endpoint     string
	model        string
	apiKey       string
	systemPrompt string
	http         *resty.Client
}

var _ ports.Completer = (*ChatClient)(nil)

// NewChatClient builds a client from configuration. Per-call timeouts come from the request.
func NewChatClient(cfg config.LLMConfig) *ChatClient {
	return &ChatClient{
		endpoint:     cfg.Endpoint,
		model:        cfg.Model,
		apiKey:       cfg.APIKey,
		systemPrompt: cfg.SystemPrompt,
		http: resty.New().
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
	}
}

// HasCredential reports whether an API key is configured.
func (c *ChatClient) HasCredential() bool {
	return c != nil && strings.TrimSpace(c.apiKey) != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete sends one prompt and returns the first choice's content.
func (c *ChatClient) Complete(ctx context.Context, req ports.CompletionRequest) (string, error) {
	if c == nil || c.endpoint == "" {
		return "", &Error{Kind: ports.CompletionBadRequest, Err: fmt.Errorf("chat client misconfigured")}
	}
	if !c.HasCredential() {
		return "", &Error{Kind: ports.CompletionAuth, Err: fmt.Errorf("api key is not set")}
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	system := req.System
	if system == "" {
		system = safePrompt(c.systemPrompt)
	}

	callCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var completion chatResponse
	resp, err := c.http.R().
		SetContext(callCtx).
		SetAuthToken(c.apiKey).
		SetBody(chatRequest{
			Model: model,
			Messages: []chatMessage{
				{Role: "system", Content: system},
				{Role: "user", Content: req.Prompt},
			},
			MaxTokens: req.MaxTokens,
		}).
		SetResult(&completion).
		Post(c.endpoint)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", transportError(err)
	}
	if resp.IsError() {
		return "", statusError(resp.StatusCode(), resp.String())
	}
	if len(completion.Choices) == 0 {
		return "", &Error{Kind: ports.CompletionServer, Status: resp.StatusCode(), Err: fmt.Errorf("response has no choices")}
	}
	return completion.Choices[0].Message.Content, nil
}

func transportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Kind: ports.CompletionTimeout, Err: err}
	}
	return &Error{Kind: ports.CompletionConnection, Err: err}
}

func statusError(status int, body string) error {
	body = strings.TrimSpace(body)
	if len(body) > 512 {
		body = body[:512]
	}
	err := fmt.Errorf("%s: %s", http.StatusText(status), body)
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return &Error{Kind: ports.CompletionAuth, Status: status, Err: err}
	case status == http.StatusTooManyRequests:
		return &Error{Kind: ports.CompletionRateLimit, Status: status, Err: err}
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return &Error{Kind: ports.CompletionTimeout, Status: status, Err: err}
	case status >= 500:
		return &Error{Kind: ports.CompletionServer, Status: status, Err: err}
	default:
		return &Error{Kind: ports.CompletionBadRequest, Status: status, Err: err}
	}
}

func safePrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "You extract structured administrative penalty decisions from regulatory documents."
	}
	return prompt
}
