package ai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/portfolio-assistant-go/internal/config"
	"github.com/portfolio-assistant-go/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doerFunc func(req *http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func testAssistantConfig() *config.AssistantConfig {
	return &config.AssistantConfig{
		Backend: "rest",
		APIKey:  "test-key",
		BaseURL: "https://example.test/v1beta",
		Model:   "gemini-test",
		Timeout: 5 * time.Second,
		Generation: config.GenerationConfig{
			Temperature:     0.7,
			TopK:            40,
			TopP:            0.95,
			MaxOutputTokens: 1024,
		},
		Safety: config.SafetyConfig{
			Threshold: "BLOCK_MEDIUM_AND_ABOVE",
			Categories: []string{
				"HARM_CATEGORY_HARASSMENT",
				"HARM_CATEGORY_HATE_SPEECH",
				"HARM_CATEGORY_SEXUALLY_EXPLICIT",
				"HARM_CATEGORY_DANGEROUS_CONTENT",
			},
		},
	}
}

const okBody = `{"candidates":[{"content":{"role":"model","parts":[{"text":"Alex builds 3D sites."}]},"finishReason":"STOP"}]}`

func TestGeminiClientRequest(t *testing.T) {
	var captured *http.Request
	var payload generateContentRequest
	doer := doerFunc(func(req *http.Request) (*http.Response, error) {
		captured = req
		require.NoError(t, json.NewDecoder(req.Body).Decode(&payload))
		return jsonResponse(http.StatusOK, okBody), nil
	})

	client := NewGeminiClient(testAssistantConfig(), doer, logger.Discard())
	text, err := client.Generate(context.Background(), "BACKGROUND", "what does alex do?")
	require.NoError(t, err)
	assert.Equal(t, "Alex builds 3D sites.", text)

	require.NotNil(t, captured)
	assert.Equal(t, http.MethodPost, captured.Method)
	assert.Equal(t, "https://example.test/v1beta/models/gemini-test:generateContent", captured.URL.String())
	assert.Equal(t, "test-key", captured.Header.Get("x-goog-api-key"))
	assert.Equal(t, "application/json", captured.Header.Get("Content-Type"))

	require.Len(t, payload.Contents, 1)
	require.Len(t, payload.Contents[0].Parts, 1)
	assert.Equal(t, "BACKGROUND\n\nVisitor question: what does alex do?", payload.Contents[0].Parts[0].Text)
	assert.InDelta(t, 0.7, payload.GenerationConfig.Temperature, 1e-6)
	assert.Equal(t, 40, payload.GenerationConfig.TopK)
	assert.InDelta(t, 0.95, payload.GenerationConfig.TopP, 1e-6)
	assert.Equal(t, 1024, payload.GenerationConfig.MaxOutputTokens)
	require.Len(t, payload.SafetySettings, 4)
	for _, s := range payload.SafetySettings {
		assert.Equal(t, "BLOCK_MEDIUM_AND_ABOVE", s.Threshold)
	}
}

func TestGeminiClientWithoutKey(t *testing.T) {
	cfg := testAssistantConfig()
	cfg.APIKey = ""
	called := false
	doer := doerFunc(func(*http.Request) (*http.Response, error) {
		called = true
		return nil, errors.New("unexpected call")
	})

	_, err := NewGeminiClient(cfg, doer, logger.Discard()).Generate(context.Background(), "bg", "hello")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, ErrConfigAbsent, ClassifyError(err))
	assert.False(t, called)
}

func TestGeminiClientFailures(t *testing.T) {
	tests := []struct {
		name     string
		doer     doerFunc
		wantType ErrorType
	}{
		{
			name: "transport",
			doer: func(*http.Request) (*http.Response, error) {
				return nil, errors.New("dial tcp: connection refused")
			},
			wantType: ErrTransport,
		},
		{
			name: "status 500",
			doer: func(*http.Request) (*http.Response, error) {
				return jsonResponse(http.StatusInternalServerError, `{"error":{"code":500,"message":"internal","status":"INTERNAL"}}`), nil
			},
			wantType: ErrRemoteStatus,
		},
		{
			name: "quota",
			doer: func(*http.Request) (*http.Response, error) {
				return jsonResponse(http.StatusTooManyRequests, `rate limited`), nil
			},
			wantType: ErrRemoteStatus,
		},
		{
			name: "empty candidates",
			doer: func(*http.Request) (*http.Response, error) {
				return jsonResponse(http.StatusOK, `{"candidates":[]}`), nil
			},
			wantType: ErrMalformed,
		},
		{
			name: "not json",
			doer: func(*http.Request) (*http.Response, error) {
				return jsonResponse(http.StatusOK, `<html>oops</html>`), nil
			},
			wantType: ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGeminiClient(testAssistantConfig(), tt.doer, logger.Discard()).
				Generate(context.Background(), "bg", "hello")
			require.Error(t, err)
			assert.Equal(t, tt.wantType, ClassifyError(err))
		})
	}
}

func TestGeminiClientStatusMessage(t *testing.T) {
	doer := doerFunc(func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusForbidden, `{"error":{"code":403,"message":"API key not valid","status":"PERMISSION_DENIED"}}`), nil
	})

	_, err := NewGeminiClient(testAssistantConfig(), doer, logger.Discard()).Generate(context.Background(), "bg", "q")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusForbidden, remote.StatusCode)
	assert.Equal(t, "API key not valid", remote.Message)
}

func TestParseGenerateResponse(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		want     string
		wantType ErrorType
	}{
		{name: "ok", body: okBody, want: "Alex builds 3D sites."},
		{name: "blocked prompt", body: `{"promptFeedback":{"blockReason":"SAFETY"}}`, wantType: ErrMalformed},
		{name: "no parts", body: `{"candidates":[{"content":{"parts":[]},"finishReason":"SAFETY"}]}`, wantType: ErrMalformed},
		{name: "blank text", body: `{"candidates":[{"content":{"parts":[{"text":"   "}]}}]}`, wantType: ErrMalformed},
		{name: "embedded error", body: `{"error":{"code":400,"message":"bad request"}}`, wantType: ErrRemoteStatus},
		{name: "wrong shape", body: `{"candidates":"nope"}`, wantType: ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseGenerateResponse([]byte(tt.body))
			if tt.wantType == "" {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
				return
			}
			assert.Equal(t, tt.wantType, ClassifyError(err))
		})
	}
}

func TestGeminiClientAgainstServer(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		assert.Equal(t, "/v1beta/models/gemini-test:generateContent", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"code":500,"message":"backend unavailable"}}`))
	}))
	defer server.Close()

	cfg := testAssistantConfig()
	cfg.BaseURL = server.URL + "/v1beta"

	client := NewGeminiClient(cfg, server.Client(), logger.Discard())
	a := NewAssistant(client, defaultProfile(t), nil, nil, logger.Discard())

	reply := a.Reply(context.Background(), "tell me about the 3d project")
	assert.Equal(t, SourceFallback, reply.Source)
	assert.Equal(t, fallbackOnly(t).Answer(context.Background(), "tell me about the 3d project"), reply.Text)
	assert.Equal(t, 1, hits, "no retries")
}

func TestGeminiClientTimeoutFallsBack(t *testing.T) {
	doer := doerFunc(func(req *http.Request) (*http.Response, error) {
		<-req.Context().Done()
		return nil, req.Context().Err()
	})
	a := NewAssistant(NewGeminiClient(testAssistantConfig(), doer, logger.Discard()), defaultProfile(t), nil, nil, logger.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	reply := a.Reply(ctx, "hello")
	assert.Equal(t, SourceFallback, reply.Source)
	assert.Equal(t, "greeting", reply.Rule)
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, ErrorType(""), ClassifyError(nil))
	assert.Equal(t, ErrConfigAbsent, ClassifyError(ErrNotConfigured))
	assert.Equal(t, ErrTransport, ClassifyError(context.DeadlineExceeded))
	assert.Equal(t, ErrMalformed, ClassifyError(&RemoteError{Type: ErrMalformed}))
	assert.Equal(t, ErrUnknown, ClassifyError(errors.New("something else")))
}
