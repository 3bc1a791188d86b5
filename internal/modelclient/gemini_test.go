package modelclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/forgeworks-ai/evogate/api/schemas"
	"github.com/forgeworks-ai/evogate/internal/config"
)

func geminiResponse(text string) string {
	payload := map[string]interface{}{
		"candidates": []map[string]interface{}{
			{
				"content": map[string]interface{}{
					"parts": []map[string]string{{"text": text}},
				},
				"finishReason": "STOP",
			},
		},
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

func testCallerConfig(endpoint string) config.ModelConfig {
	return config.ModelConfig{
		Provider:   config.ProviderGemini,
		Model:      "gemini-2.5-pro",
		APIKey:     "test-key",
		Endpoint:   endpoint,
		APITimeout: 5 * time.Second,
	}
}

func dropTableOp() schemas.SchemaOperation {
	return schemas.SchemaOperation{
		Type:   schemas.OpDropTable,
		Schema: map[string]interface{}{"table": "orders"},
		Metadata: schemas.OperationMetadata{
			Requester:   "alice",
			Reason:      "cleanup",
			Environment: schemas.EnvProduction,
		},
	}
}

func TestNewGeminiCaller_RequiresAPIKey(t *testing.T) {
	cfg := testCallerConfig("http://localhost")
	cfg.APIKey = ""
	_, err := NewGeminiCaller(cfg, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestGeminiCaller_Judge(t *testing.T) {
	t.Run("should parse a structured verdict", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
			fmt.Fprint(w, geminiResponse(`{"safe": false, "confidence": 0.93, "reasoning": "drops data", "suggestions": ["archive first"]}`))
		}))
		defer server.Close()

		caller, err := NewGeminiCaller(testCallerConfig(server.URL), zaptest.NewLogger(t))
		require.NoError(t, err)

		judgment, err := caller.Judge(context.Background(), schemas.ModelHandle{Provider: "gemini", Model: "gemini-2.5-pro"}, dropTableOp())
		require.NoError(t, err)
		assert.False(t, judgment.Safe)
		assert.InDelta(t, 0.93, judgment.Confidence, 0.0001)
		assert.Equal(t, "gemini-2.5-pro", judgment.Model)
		assert.Equal(t, []string{"archive first"}, judgment.Suggestions)
	})

	t.Run("should retry transient errors", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			fmt.Fprint(w, geminiResponse(`{"safe": true, "confidence": 0.8, "reasoning": "fine"}`))
		}))
		defer server.Close()

		caller, err := NewGeminiCaller(testCallerConfig(server.URL), zaptest.NewLogger(t))
		require.NoError(t, err)

		judgment, err := caller.Judge(context.Background(), schemas.ModelHandle{Model: "gemini-2.5-pro"}, dropTableOp())
		require.NoError(t, err)
		assert.True(t, judgment.Safe)
		assert.GreaterOrEqual(t, calls.Load(), int32(2))
	})

	t.Run("should not retry permanent errors", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer server.Close()

		caller, err := NewGeminiCaller(testCallerConfig(server.URL), zaptest.NewLogger(t))
		require.NoError(t, err)

		_, err = caller.Judge(context.Background(), schemas.ModelHandle{Model: "gemini-2.5-pro"}, dropTableOp())
		require.Error(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestParseJudgment(t *testing.T) {
	t.Run("plain JSON", func(t *testing.T) {
		j, err := parseJudgment(`{"safe": true, "confidence": 0.9, "reasoning": "ok"}`)
		require.NoError(t, err)
		assert.True(t, j.Safe)
	})

	t.Run("fenced JSON", func(t *testing.T) {
		j, err := parseJudgment("```json\n{\"safe\": false, \"confidence\": 0.7, \"reasoning\": \"risky\"}\n```")
		require.NoError(t, err)
		assert.False(t, j.Safe)
		assert.InDelta(t, 0.7, j.Confidence, 0.0001)
	})

	t.Run("invalid payload", func(t *testing.T) {
		_, err := parseJudgment("the operation looks fine to me")
		require.Error(t, err)
	})

	t.Run("out-of-range confidence", func(t *testing.T) {
		_, err := parseJudgment(`{"safe": true, "confidence": 1.7, "reasoning": "sure"}`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "confidence")
	})
}

func TestStaticSelector(t *testing.T) {
	t.Run("returns nil when no voters configured", func(t *testing.T) {
		selector := NewStaticSelector(config.ModelsConfig{})
		handle, err := selector.Select(context.Background(), schemas.SelectionCriteria{})
		require.NoError(t, err)
		assert.Nil(t, handle)
	})

	t.Run("rotates through configured voters", func(t *testing.T) {
		selector := NewStaticSelector(config.ModelsConfig{
			Voters: []string{"a", "b"},
			Catalog: map[string]config.ModelConfig{
				"a": {Provider: config.ProviderGemini, Model: "model-a"},
				"b": {Provider: config.ProviderGemini, Model: "model-b"},
			},
		})

		first, err := selector.Select(context.Background(), schemas.SelectionCriteria{})
		require.NoError(t, err)
		second, err := selector.Select(context.Background(), schemas.SelectionCriteria{})
		require.NoError(t, err)
		third, err := selector.Select(context.Background(), schemas.SelectionCriteria{})
		require.NoError(t, err)

		assert.Equal(t, "model-a", first.Model)
		assert.Equal(t, "model-b", second.Model)
		assert.Equal(t, "model-a", third.Model)
	})
}

func TestUnavailableCaller(t *testing.T) {
	_, err := UnavailableCaller{}.Judge(context.Background(), schemas.ModelHandle{}, schemas.SchemaOperation{})
	require.Error(t, err)
}
