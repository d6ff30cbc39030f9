package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PenaltyScanner/internal/config"
	"PenaltyScanner/internal/ports"
)

func TestCompleteSendsPromptAndReturnsContent(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var body chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "test-model", body.Model)
		assert.Equal(t, 4000, body.MaxTokens)
		if assert.Len(t, body.Messages, 2) {
			assert.Equal(t, "system", body.Messages[0].Role)
			assert.Equal(t, "extract this", body.Messages[1].Content)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"[{\"entity_name\":\"甲\"}]"}}]}`))
	}))
	defer srv.Close()

	c := NewChatClient(config.LLMConfig{Endpoint: srv.URL, Model: "default-model", APIKey: "secret"})
	out, err := c.Complete(context.Background(), ports.CompletionRequest{
		Prompt:    "extract this",
		Model:     "test-model",
		MaxTokens: 4000,
		Timeout:   5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, `[{"entity_name":"甲"}]`, out)
}

func TestCompleteMapsStatusToKind(t *testing.T) {
	t.Parallel()
	cases := []struct {
		status    int
		kind      ports.CompletionErrorKind
		retryable bool
	}{
		{http.StatusUnauthorized, ports.CompletionAuth, false},
		{http.StatusForbidden, ports.CompletionAuth, false},
		{http.StatusTooManyRequests, ports.CompletionRateLimit, false},
		{http.StatusBadRequest, ports.CompletionBadRequest, false},
		{http.StatusUnprocessableEntity, ports.CompletionBadRequest, false},
		{http.StatusBadGateway, ports.CompletionServer, true},
		{http.StatusGatewayTimeout, ports.CompletionTimeout, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":"nope"}`, tc.status)
			}))
			defer srv.Close()

			c := NewChatClient(config.LLMConfig{Endpoint: srv.URL, Model: "m", APIKey: "k"})
			_, err := c.Complete(context.Background(), ports.CompletionRequest{Prompt: "p"})
			require.Error(t, err)
			var ce *Error
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tc.kind, ce.Kind)
			assert.Equal(t, tc.status, ce.Status)
			assert.Equal(t, tc.retryable, ce.Retryable())
		})
	}
}

func TestCompleteTimeoutAndConnection(t *testing.T) {
	t.Parallel()
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	c := NewChatClient(config.LLMConfig{Endpoint: slow.URL, Model: "m", APIKey: "k"})
	_, err := c.Complete(context.Background(), ports.CompletionRequest{Prompt: "p", Timeout: 50 * time.Millisecond})
	assert.Equal(t, ports.CompletionTimeout, ports.CompletionKindOf(err))

	closed := httptest.NewServer(http.NotFoundHandler())
	addr := closed.URL
	closed.Close()
	c = NewChatClient(config.LLMConfig{Endpoint: addr, Model: "m", APIKey: "k"})
	_, err = c.Complete(context.Background(), ports.CompletionRequest{Prompt: "p"})
	assert.Equal(t, ports.CompletionConnection, ports.CompletionKindOf(err))
}

func TestCompleteWithoutKey(t *testing.T) {
	t.Parallel()
	c := NewChatClient(config.LLMConfig{Endpoint: "http://127.0.0.1:1", Model: "m"})
	assert.False(t, c.HasCredential())
	_, err := c.Complete(context.Background(), ports.CompletionRequest{Prompt: "p"})
	assert.Equal(t, ports.CompletionAuth, ports.CompletionKindOf(err))
}
