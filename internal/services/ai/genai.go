package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/portfolio-assistant-go/internal/config"
	"github.com/sirupsen/logrus"
	"google.golang.org/genai"
)

// GenAIClient implements Generator with the official Google GenAI SDK.
type GenAIClient struct {
	client *genai.Client
	model  string
	config *genai.GenerateContentConfig
	logger *logrus.Logger
}

// NewGenAIClient creates an SDK-backed generator. httpClient may be nil.
func NewGenAIClient(ctx context.Context, cfg *config.AssistantConfig, httpClient *http.Client, logger *logrus.Logger) (*GenAIClient, error) {
	if !cfg.Enabled() {
		return nil, ErrNotConfigured
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	baseURL, version := splitBaseURL(cfg.BaseURL)
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    baseURL,
			APIVersion: version,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	safety := make([]*genai.SafetySetting, 0, len(cfg.Safety.Categories))
	for _, category := range cfg.Safety.Categories {
		safety = append(safety, &genai.SafetySetting{
			Category:  genai.HarmCategory(category),
			Threshold: genai.HarmBlockThreshold(cfg.Safety.Threshold),
		})
	}

	logger.WithFields(logrus.Fields{
		"model":   cfg.Model,
		"baseURL": baseURL,
	}).Info("GenAI client initialized")

	return &GenAIClient{
		client: client,
		model:  cfg.Model,
		config: &genai.GenerateContentConfig{
			Temperature:     genai.Ptr(cfg.Generation.Temperature),
			TopK:            genai.Ptr(float32(cfg.Generation.TopK)),
			TopP:            genai.Ptr(cfg.Generation.TopP),
			MaxOutputTokens: int32(cfg.Generation.MaxOutputTokens),
			SafetySettings:  safety,
		},
		logger: logger,
	}, nil
}

// Generate sends one prompt through the SDK and applies the same validation as the REST client.
func (c *GenAIClient) Generate(ctx context.Context, systemContext, query string) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(BuildPrompt(systemContext, query), genai.RoleUser),
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, c.config)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return "", &RemoteError{Type: ErrRemoteStatus, StatusCode: apiErr.Code, Message: apiErr.Message}
		}
		var apiErrPtr *genai.APIError
		if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
			return "", &RemoteError{Type: ErrRemoteStatus, StatusCode: apiErrPtr.Code, Message: apiErrPtr.Message}
		}
		return "", &RemoteError{Type: ErrTransport, Err: err}
	}

	if resp == nil || len(resp.Candidates) == 0 {
		return "", &RemoteError{Type: ErrMalformed, Message: "no candidates"}
	}
	candidate := resp.Candidates[0]
	if candidate == nil || candidate.Content == nil || len(candidate.Content.Parts) == 0 ||
		candidate.Content.Parts[0] == nil || strings.TrimSpace(candidate.Content.Parts[0].Text) == "" {
		return "", &RemoteError{Type: ErrMalformed, Message: "empty candidate"}
	}

	return candidate.Content.Parts[0].Text, nil
}

// splitBaseURL turns ".../v1beta" into the SDK's separate base URL and API version.
func splitBaseURL(raw string) (string, string) {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "/")
	if raw == "" {
		return "", ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	last := segments[len(segments)-1]
	if strings.HasPrefix(last, "v1") {
		u.Path = "/" + strings.Join(segments[:len(segments)-1], "/")
		return strings.TrimSuffix(u.String(), "/") + "/", last
	}
	return raw + "/", ""
}
