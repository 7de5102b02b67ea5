package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/scribe/pkg/logger"
	"github.com/medrex/scribe/pkg/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewHTTPClient(ClientConfig{
		Endpoint:    server.URL,
		APIKey:      "model-key",
		Model:       "scribe-model-1",
		Timeout:     5 * time.Second,
		MaxTokens:   2048,
		Temperature: 0.1,
	}, logger.Discard())
}

func TestHTTPClient_Generate(t *testing.T) {
	var got generateRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, generatePath, r.URL.Path)
		assert.Equal(t, "Bearer model-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"text":"{\"findings\":{\"summary\":\"ok\"}}"}`)
	})

	text, err := client.Generate(context.Background(), "prompt body")
	require.NoError(t, err)

	assert.Equal(t, `{"findings":{"summary":"ok"}}`, text)
	assert.Equal(t, "scribe-model-1", got.Model)
	assert.Equal(t, "prompt body", got.Prompt)
	assert.Equal(t, 2048, got.MaxTokens)
	assert.False(t, got.Stream)
}

func TestHTTPClient_GenerateError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":"overloaded"}`)
	})

	_, err := client.Generate(context.Background(), "prompt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrGenerationFailed))
	assert.Contains(t, err.Error(), "503")
}

func TestHTTPClient_Stream(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		for _, part := range []string{`{\"findings\":`, `{\"summary\":\"ok\"}`, `}`} {
			fmt.Fprintf(w, "{\"text\":\"%s\"}\n", part)
			flusher.Flush()
		}
		fmt.Fprint(w, "\n{\"done\":true}\n")
	})

	chunks, err := client.Stream(context.Background(), "prompt")
	require.NoError(t, err)

	text, err := Collect(context.Background(), chunks, nil)
	require.NoError(t, err)
	assert.Equal(t, `{"findings":{"summary":"ok"}}`, text)
}

func TestHTTPClient_StreamFailures(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "error line", body: "{\"text\":\"abc\"}\n{\"error\":\"model crashed\"}\n"},
		{name: "malformed line", body: "{\"text\":\"abc\"}\nnot json\n"},
		{name: "missing done marker", body: "{\"text\":\"abc\"}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			})

			chunks, err := client.Stream(context.Background(), "prompt")
			require.NoError(t, err)

			text, err := Collect(context.Background(), chunks, nil)
			assert.Empty(t, text)
			assert.True(t, errors.Is(err, types.ErrGenerationFailed))
		})
	}
}

func TestHTTPClient_StreamRejected(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"bad key"}`)
	})

	_, err := client.Stream(context.Background(), "prompt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrGenerationFailed))
	assert.Contains(t, err.Error(), "401")
}

func TestHTTPClient_StreamCancelled(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "{\"text\":\"partial\"}\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	chunks, err := client.Stream(ctx, "prompt")
	require.NoError(t, err)

	first := <-chunks
	assert.Equal(t, "partial", first.Text)
	cancel()

	text, err := Collect(ctx, chunks, nil)
	assert.Empty(t, text)
	assert.True(t, errors.Is(err, context.Canceled))
}
