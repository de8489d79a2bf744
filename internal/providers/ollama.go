package providers

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	einoollama "github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino/components/model"

	"github.com/mercury-rss/agentcore/internal/config"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// OllamaProvider implements Provider over a local or self-hosted Ollama
// server via eino's Ollama ChatModel.
type OllamaProvider struct {
	cm model.ToolCallingChatModel
}

// NewOllamaProvider builds an Ollama driver for a single model profile.
// Ollama requires no API key, so unlike the OpenAI/Mistral drivers this
// constructor takes no credential.
func NewOllamaProvider(ctx context.Context, profile config.ProviderConfig) (*OllamaProvider, error) {
	baseURL := profile.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}

	cfg := &einoollama.ChatModelConfig{
		BaseURL: baseURL,
		Model:   profile.Model,
	}
	if profile.Timeout.Duration() > 0 {
		cfg.Timeout = profile.Timeout.Duration()
	} else {
		cfg.Timeout = 300 * time.Second
	}

	opts := &einoollama.Options{}
	if profile.MaxTokens > 0 {
		opts.NumPredict = profile.MaxTokens
	}
	if t, ok := profile.Options["temperature"].(float64); ok {
		opts.Temperature = float32(t)
	}
	if n, ok := profile.Options["num_ctx"].(float64); ok {
		opts.NumCtx = int(n)
	}
	if n, ok := profile.Options["num_predict"].(float64); ok {
		opts.NumPredict = int(n)
	}
	if p, ok := profile.Options["top_p"].(float64); ok {
		opts.TopP = float32(p)
	}
	if k, ok := profile.Options["top_k"].(float64); ok {
		opts.TopK = int(k)
	}
	cfg.Options = opts

	cfg.HTTPClient = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: &ollamaValidatingTransport{inner: http.DefaultTransport},
	}

	cm, err := einoollama.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &OllamaProvider{cm: cm}, nil
}

func (p *OllamaProvider) Complete(ctx context.Context, req Request) (Response, error) {
	return generateEinoChat(ctx, p.cm, req)
}

func (p *OllamaProvider) Stream(ctx context.Context, req Request, onToken OnToken) (Response, error) {
	return streamEinoChat(ctx, p.cm, req, onToken)
}

// ollamaValidatingTransport catches the two ways a reverse proxy or stopped
// daemon in front of Ollama fails silently: non-2xx statuses, and bodies
// that carry neither application/json nor application/x-ndjson (Ollama's
// streaming content type), which plain-text gateway error pages satisfy
// neither of. Both are raised as *HTTPError for runtime.Classify.
type ollamaValidatingTransport struct {
	inner http.RoundTripper
}

func (t *ollamaValidatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	inner := t.inner
	if inner == nil {
		inner = http.DefaultTransport
	}
	resp, err := inner.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.Contains(ct, "json") && !strings.Contains(ct, "ndjson") {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	return resp, nil
}
