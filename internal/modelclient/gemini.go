// internal/modelclient/gemini.go
package modelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/forgeworks-ai/evogate/api/schemas"
	"github.com/forgeworks-ai/evogate/internal/config"
)

const judgmentSystemPrompt = `You are a database schema change reviewer.
Evaluate the proposed operation for safety: data loss risk, reversibility,
lock impact, and blast radius. Respond with ONLY a JSON object of the form
{"safe": bool, "confidence": number between 0 and 1, "reasoning": string,
"suggestions": [string]}. No prose outside the JSON object.`

// GeminiCaller implements schemas.ModelCaller against the Gemini REST API.
// Each Judge call is one physical model invocation; the ensemble fan-out
// above issues several of these concurrently, so a per-model rate limiter
// keeps the burst within the provider quota.
type GeminiCaller struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	config     config.ModelConfig
}

// -- Gemini API Request/Response Structures (Internal to this file) --

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiSystemInstruction struct {
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"response_mime_type,omitempty"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequestPayload struct {
	Contents          []geminiContent          `json:"contents"`
	SystemInstruction *geminiSystemInstruction `json:"system_instruction,omitempty"`
	GenerationConfig  geminiGenerationConfig   `json:"generationConfig,omitempty"`
}

type geminiResponsePayload struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// NewGeminiCaller initializes the caller.
func NewGeminiCaller(cfg config.ModelConfig, logger *zap.Logger) (*GeminiCaller, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", cfg.Model)
	}

	limit := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}

	return &GeminiCaller{
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		config:   cfg,
		limiter:  rate.NewLimiter(limit, 1),
		httpClient: &http.Client{
			Timeout: cfg.APITimeout,
		},
		logger: logger.Named("model_client.gemini"),
	}, nil
}

var _ schemas.ModelCaller = (*GeminiCaller)(nil)

// Judge asks the model for a structured safety verdict on the operation,
// retrying transient API failures with exponential backoff.
func (c *GeminiCaller) Judge(ctx context.Context, model schemas.ModelHandle, op schemas.SchemaOperation) (*schemas.ModelJudgment, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait cancelled: %w", err)
	}

	body, err := json.Marshal(c.buildRequestPayload(op))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	b.MaxInterval = 30 * time.Second

	var raw string

	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}

		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", c.apiKey)

		startTime := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		duration := time.Since(startTime)

		if err != nil {
			c.logger.Warn("Network error during model request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return c.handleAPIError(resp.StatusCode, respBody)
		}

		var responsePayload geminiResponsePayload
		if err := json.Unmarshal(respBody, &responsePayload); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}

		if len(responsePayload.Candidates) == 0 {
			return backoff.Permanent(fmt.Errorf("gemini API returned no candidates"))
		}

		candidate := responsePayload.Candidates[0]
		if len(candidate.Content.Parts) == 0 {
			if candidate.FinishReason == "SAFETY" || candidate.FinishReason == "BLOCKLIST" {
				return backoff.Permanent(fmt.Errorf("gemini API blocked the request (Reason: %s)", candidate.FinishReason))
			}
			return fmt.Errorf("gemini API returned empty content parts (Reason: %s)", candidate.FinishReason)
		}

		c.logger.Debug("Model judgment received (Gemini)",
			zap.Duration("duration", duration),
			zap.Int("total_tokens", responsePayload.UsageMetadata.TotalTokenCount),
		)

		raw = candidate.Content.Parts[0].Text
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}

	judgment, err := parseJudgment(raw)
	if err != nil {
		return nil, err
	}
	judgment.Model = model.Model
	return judgment, nil
}

func (c *GeminiCaller) buildRequestPayload(op schemas.SchemaOperation) geminiRequestPayload {
	opJSON, _ := json.MarshalIndent(op, "", "  ")

	prompt := fmt.Sprintf(
		"Proposed schema operation (environment: %s, requested by %s):\n\n%s\n\nReason given: %s",
		op.Metadata.Environment, op.Metadata.Requester, string(opJSON), op.Metadata.Reason,
	)

	return geminiRequestPayload{
		Contents: []geminiContent{
			{
				Role: "user",
				Parts: []geminiPart{
					{Text: prompt},
				},
			},
		},
		SystemInstruction: &geminiSystemInstruction{
			Parts: []geminiPart{
				{Text: judgmentSystemPrompt},
			},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature:      c.config.Temperature,
			ResponseMimeType: "application/json",
			MaxOutputTokens:  c.config.MaxTokens,
		},
	}
}

func (c *GeminiCaller) handleAPIError(statusCode int, body []byte) error {
	c.logger.Error("Gemini API returned error status", zap.Int("status", statusCode), zap.String("response", string(body)))
	err := fmt.Errorf("gemini API error: status %d, body: %s", statusCode, string(body))

	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
		return err // Transient errors, retry.
	default:
		return backoff.Permanent(err) // Permanent errors.
	}
}

// parseJudgment decodes the model's verdict, tolerating markdown code fences
// that models emit despite the JSON-only instruction.
func parseJudgment(raw string) (*schemas.ModelJudgment, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var judgment schemas.ModelJudgment
	if err := json.Unmarshal([]byte(cleaned), &judgment); err != nil {
		return nil, fmt.Errorf("failed to parse model judgment: %w", err)
	}
	if judgment.Confidence < 0 || judgment.Confidence > 1 {
		return nil, fmt.Errorf("model reported out-of-range confidence %g", judgment.Confidence)
	}
	return &judgment, nil
}
