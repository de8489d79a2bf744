package providers

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"github.com/mercury-rss/agentcore/internal/config"
)

// OpenAIProvider implements Provider over OpenAI's chat-completions API via
// eino's OpenAI ChatModel. Mistral rides on the identical client with a
// swapped BaseURL; see NewMistralProvider.
type OpenAIProvider struct {
	cm model.ToolCallingChatModel
}

// NewOpenAIProvider builds an OpenAI driver bound to a single API key/model
// profile.
func NewOpenAIProvider(ctx context.Context, apiKey string, profile config.ProviderConfig) (*OpenAIProvider, error) {
	cfg := &einoopenai.ChatModelConfig{
		APIKey: apiKey,
		Model:  profile.Model,
	}
	if profile.BaseURL != "" {
		cfg.BaseURL = profile.BaseURL
	}
	if profile.MaxTokens > 0 {
		maxTokens := profile.MaxTokens
		cfg.MaxCompletionTokens = &maxTokens
	}
	if profile.Timeout.Duration() > 0 {
		cfg.Timeout = profile.Timeout.Duration()
	} else {
		cfg.Timeout = 60 * time.Second
	}
	if t, ok := profile.Options["temperature"].(float64); ok {
		temp := float32(t)
		cfg.Temperature = &temp
	}
	cfg.HTTPClient = withDroppedV1Retry(cfg.Timeout)

	cm, err := einoopenai.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &OpenAIProvider{cm: cm}, nil
}

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (Response, error) {
	return generateEinoChat(ctx, p.cm, req)
}

func (p *OpenAIProvider) Stream(ctx context.Context, req Request, onToken OnToken) (Response, error) {
	return streamEinoChat(ctx, p.cm, req, onToken)
}

const (
	defaultMistralBaseURL = "https://api.mistral.ai/v1"
	defaultMistralModel   = "mistral-small-latest"
)

// MistralProvider implements Provider against Mistral's OpenAI-compatible
// endpoint, reusing the same eino OpenAI ChatModel as OpenAIProvider with a
// Mistral-flavored BaseURL and defaults.
type MistralProvider struct {
	cm model.ToolCallingChatModel
}

// NewMistralProvider builds a Mistral driver on top of the OpenAI-compatible
// ChatModel client.
func NewMistralProvider(ctx context.Context, apiKey string, profile config.ProviderConfig) (*MistralProvider, error) {
	modelName := profile.Model
	if modelName == "" {
		modelName = defaultMistralModel
	}
	baseURL := profile.BaseURL
	if baseURL == "" {
		baseURL = defaultMistralBaseURL
	}

	cfg := &einoopenai.ChatModelConfig{
		APIKey:  apiKey,
		Model:   modelName,
		BaseURL: baseURL,
	}
	if profile.MaxTokens > 0 {
		maxTokens := profile.MaxTokens
		cfg.MaxCompletionTokens = &maxTokens
	}
	if profile.Timeout.Duration() > 0 {
		cfg.Timeout = profile.Timeout.Duration()
	} else {
		cfg.Timeout = 5 * time.Minute
	}
	if t, ok := profile.Options["temperature"].(float64); ok {
		temp := float32(t)
		cfg.Temperature = &temp
	}
	if p, ok := profile.Options["top_p"].(float64); ok {
		topP := float32(p)
		cfg.TopP = &topP
	}
	cfg.HTTPClient = withDroppedV1Retry(cfg.Timeout)

	cm, err := einoopenai.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &MistralProvider{cm: cm}, nil
}

func (p *MistralProvider) Complete(ctx context.Context, req Request) (Response, error) {
	return generateEinoChat(ctx, p.cm, req)
}

func (p *MistralProvider) Stream(ctx context.Context, req Request, onToken OnToken) (Response, error) {
	return streamEinoChat(ctx, p.cm, req, onToken)
}

func withDroppedV1Retry(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &retryDroppedV1Transport{inner: http.DefaultTransport},
	}
}

// retryDroppedV1Transport maps a 404 on the canonical chat endpoint into a
// single retry with the `/v1` path segment dropped, for gateways that expose
// `/chat/completions` without the version prefix. Any remaining non-2xx
// status surfaces as an *HTTPError so runtime.Classify can map it without
// this package's callers unwrapping eino's own error types.
type retryDroppedV1Transport struct {
	inner http.RoundTripper
}

func (t *retryDroppedV1Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.roundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound && strings.Contains(req.URL.Path, "/v1/") {
		resp.Body.Close()
		retryReq := req.Clone(req.Context())
		retryReq.URL.Path = strings.Replace(req.URL.Path, "/v1/", "/", 1)
		if req.GetBody != nil {
			body, berr := req.GetBody()
			if berr != nil {
				return nil, berr
			}
			retryReq.Body = body
		}
		resp, err = t.roundTrip(retryReq)
		if err != nil {
			return nil, err
		}
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp, nil
}

func (t *retryDroppedV1Transport) roundTrip(req *http.Request) (*http.Response, error) {
	inner := t.inner
	if inner == nil {
		inner = http.DefaultTransport
	}
	return inner.RoundTrip(req)
}
