package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const completionBody = `{
	"choices": [{"message": {"role": "assistant", "content": "{\"ok\": true}"}}],
	"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
}`

func newTestClient(baseURL string) *Client {
	return NewClient(Config{
		APIKey:      "test-key",
		BaseURL:     baseURL + "/v1",
		Model:       "gpt-4o-mini",
		Timeout:     5 * time.Second,
		MaxAttempts: 1,
		BaseDelay:   time.Millisecond,
	})
}

func TestCompleteReturnsContentAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionBody))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)

	resp, err := client.Complete(context.Background(), CompletionRequest{
		SystemPrompt: "system",
		UserPrompt:   "user",
	})
	require.NoError(t, err)
	assert.Equal(t, `{"ok": true}`, resp.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestCompleteFinishesInFlightCallAfterRunCancel(t *testing.T) {
	reached := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(reached)
		<-release
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionBody))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-reached
		cancel()
		close(release)
	}()

	resp, err := client.Complete(ctx, CompletionRequest{
		SystemPrompt: "system",
		UserPrompt:   "user",
	})
	require.NoError(t, err, "a call already in flight completes despite run cancellation")
	assert.Equal(t, `{"ok": true}`, resp.Content)
}
