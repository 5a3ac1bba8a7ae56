package llmprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	response string
	err      error
}

func (s *stubProvider) Complete(ctx context.Context, prompt string, opts CompleteOptions) (string, error) {
	return s.response, s.err
}

func TestParseJSON_StrictObject(t *testing.T) {
	var out struct {
		Name string `json:"name"`
	}
	err := ParseJSON(`{"name": "gatherer"}`, &out)
	require.NoError(t, err)
	assert.Equal(t, "gatherer", out.Name)
}

func TestParseJSON_FencedBlock(t *testing.T) {
	var out struct {
		Steps []string `json:"steps"`
	}
	text := "Here is the decomposition:\n```json\n{\"steps\": [\"a\", \"b\"]}\n```\nLet me know if that works."
	err := ParseJSON(text, &out)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, out.Steps)
}

func TestParseJSON_BalancedBraceScan(t *testing.T) {
	var out struct {
		Answer string `json:"answer"`
	}
	text := `Sure thing, the result is {"answer": "42"} and that's final.`
	err := ParseJSON(text, &out)
	require.NoError(t, err)
	assert.Equal(t, "42", out.Answer)
}

func TestParseJSON_BalancedBraceWithNestedStringBraces(t *testing.T) {
	var out struct {
		Note string `json:"note"`
	}
	text := `{"note": "contains a } brace inside the string"}`
	err := ParseJSON(text, &out)
	require.NoError(t, err)
	assert.Equal(t, "contains a } brace inside the string", out.Note)
}

func TestParseJSON_NoJSONReturnsError(t *testing.T) {
	var out map[string]any
	err := ParseJSON("I'm sorry, I cannot help with that.", &out)
	require.ErrorIs(t, err, ErrNoJSON)
}

func TestJSONComplete_DelegatesToProviderThenParses(t *testing.T) {
	stub := &stubProvider{response: "```json\n{\"ok\": true}\n```"}
	var out struct {
		OK bool `json:"ok"`
	}
	err := JSONComplete(context.Background(), stub, "prompt", CompleteOptions{}, &out)
	require.NoError(t, err)
	assert.True(t, out.OK)
}

func TestOllamaProvider_Complete_PostsExpectedPayload(t *testing.T) {
	var captured generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		require.NoError(t, json.NewEncoder(w).Encode(generateResponse{Response: "hello back", Done: true}))
	}))
	defer srv.Close()

	p := NewOllamaProvider(OllamaConfig{Host: srv.URL, Model: "test-model"})
	out, err := p.Complete(context.Background(), "hello", CompleteOptions{System: "be terse", MaxTokens: 128, Temperature: 0.2})
	require.NoError(t, err)
	assert.Equal(t, "hello back", out)
	assert.Equal(t, "test-model", captured.Model)
	assert.Equal(t, "hello", captured.Prompt)
	assert.Equal(t, "be terse", captured.System)
	assert.False(t, captured.Stream)
	require.NotNil(t, captured.Options)
	assert.Equal(t, 128, captured.Options.NumPredict)
}

func TestOllamaProvider_Complete_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("model not loaded"))
	}))
	defer srv.Close()

	p := NewOllamaProvider(OllamaConfig{Host: srv.URL})
	_, err := p.Complete(context.Background(), "hello", CompleteOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestOllamaProvider_Available(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewOllamaProvider(OllamaConfig{Host: srv.URL})
	assert.True(t, p.Available(context.Background()))
}

func TestDefaultOllamaConfig_FillsZeroValues(t *testing.T) {
	p := NewOllamaProvider(OllamaConfig{})
	assert.Equal(t, DefaultHost, p.config.Host)
	assert.Equal(t, DefaultModel, p.config.Model)
	assert.Equal(t, DefaultTimeout, p.config.Timeout)
}
