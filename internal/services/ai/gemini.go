package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/portfolio-assistant-go/internal/config"
	"github.com/sirupsen/logrus"
)

const maxResponseBytes = 4 << 20

// Generator produces a free-form answer from the remote generative endpoint.
type Generator interface {
	Generate(ctx context.Context, systemContext, query string) (string, error)
}

// Doer is the outbound HTTP capability. *http.Client satisfies it; tests substitute fakes.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// --- generateContent wire types ---

type generateContentRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
	SafetySettings   []geminiSafetySetting  `json:"safetySettings,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature     float32 `json:"temperature"`
	TopK            int     `json:"topK,omitempty"`
	TopP            float32 `json:"topP,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
			Role  string       `json:"role"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
	Error *geminiAPIError `json:"error,omitempty"`
}

type geminiAPIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// GeminiClient calls the generateContent REST endpoint directly.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	model      string
	generation geminiGenerationConfig
	safety     []geminiSafetySetting
	doer       Doer
	logger     *logrus.Logger
}

// NewGeminiClient creates a REST client. A nil doer gets an *http.Client with cfg.Timeout.
func NewGeminiClient(cfg *config.AssistantConfig, doer Doer, logger *logrus.Logger) *GeminiClient {
	if doer == nil {
		doer = &http.Client{Timeout: cfg.Timeout}
	}

	safety := make([]geminiSafetySetting, 0, len(cfg.Safety.Categories))
	for _, category := range cfg.Safety.Categories {
		safety = append(safety, geminiSafetySetting{
			Category:  category,
			Threshold: cfg.Safety.Threshold,
		})
	}

	logger.WithFields(logrus.Fields{
		"model":   cfg.Model,
		"baseURL": cfg.BaseURL,
	}).Info("Gemini REST client initialized")

	return &GeminiClient{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		model:   cfg.Model,
		generation: geminiGenerationConfig{
			Temperature:     cfg.Generation.Temperature,
			TopK:            cfg.Generation.TopK,
			TopP:            cfg.Generation.TopP,
			MaxOutputTokens: cfg.Generation.MaxOutputTokens,
		},
		safety: safety,
		doer:   doer,
		logger: logger,
	}
}

// BuildPrompt joins the background context and the visitor's question into one prompt.
func BuildPrompt(systemContext, query string) string {
	return fmt.Sprintf("%s\n\nVisitor question: %s", systemContext, query)
}

// Generate performs a single request attempt. There are no retries.
func (c *GeminiClient) Generate(ctx context.Context, systemContext, query string) (string, error) {
	if c.apiKey == "" {
		return "", ErrNotConfigured
	}

	reqBody := generateContentRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: BuildPrompt(systemContext, query)}},
		}},
		GenerationConfig: c.generation,
		SafetySettings:   c.safety,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	c.logger.WithFields(logrus.Fields{
		"model":     c.model,
		"query_len": len(query),
	}).Debug("Sending generateContent request")

	start := time.Now()
	resp, err := c.doer.Do(req)
	if err != nil {
		return "", &RemoteError{Type: ErrTransport, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", &RemoteError{Type: ErrTransport, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &RemoteError{
			Type:       ErrRemoteStatus,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(body),
		}
	}

	text, err := parseGenerateResponse(body)
	if err != nil {
		return "", err
	}

	c.logger.WithField("duration", time.Since(start)).Debug("generateContent succeeded")
	return text, nil
}

// parseGenerateResponse validates the payload shape and returns the first candidate's first
// text part verbatim.
func parseGenerateResponse(body []byte) (string, error) {
	var result generateContentResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", &RemoteError{Type: ErrMalformed, Err: fmt.Errorf("failed to parse response: %w", err)}
	}

	if result.Error != nil && result.Error.Message != "" {
		return "", &RemoteError{Type: ErrRemoteStatus, StatusCode: result.Error.Code, Message: result.Error.Message}
	}

	if len(result.Candidates) == 0 {
		msg := "no candidates"
		if result.PromptFeedback != nil && result.PromptFeedback.BlockReason != "" {
			msg = "prompt blocked: " + result.PromptFeedback.BlockReason
		}
		return "", &RemoteError{Type: ErrMalformed, Message: msg}
	}

	parts := result.Candidates[0].Content.Parts
	if len(parts) == 0 || strings.TrimSpace(parts[0].Text) == "" {
		return "", &RemoteError{
			Type:    ErrMalformed,
			Message: "empty candidate (finish reason " + result.Candidates[0].FinishReason + ")",
		}
	}

	return parts[0].Text, nil
}

func errorMessage(body []byte) string {
	var result struct {
		Error *geminiAPIError `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err == nil && result.Error != nil {
		return result.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	return msg
}
