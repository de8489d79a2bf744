package providers

import (
	"context"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicProvider implements Provider over Anthropic's native Messages API.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider builds a client bound to a single API key/base URL,
// matching the Request-scoped credentials the registry resolves per route.
func NewAnthropicProvider(apiKey, baseURL string, timeout time.Duration) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	opts = append(opts, option.WithRequestTimeout(timeout))
	return &AnthropicProvider{client: anthropic.NewClient(opts...)}
}

func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (Response, error) {
	params := buildAnthropicParams(req)
	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, classifyAnthropicErr(err)
	}
	return anthropicResponse(resp), nil
}

func (p *AnthropicProvider) Stream(ctx context.Context, req Request, onToken OnToken) (Response, error) {
	params := buildAnthropicParams(req)
	stream := p.client.Messages.NewStreaming(ctx, params)

	var content strings.Builder
	var promptTokens, completionTokens int

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			promptTokens = int(event.Message.Usage.InputTokens)
		case "content_block_delta":
			if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				content.WriteString(event.Delta.Text)
				if onToken != nil {
					onToken(event.Delta.Text)
				}
			}
		case "message_delta":
			completionTokens = int(event.Usage.OutputTokens)
		}
	}
	if err := stream.Err(); err != nil {
		return Response{}, classifyAnthropicErr(err)
	}

	return Response{
		Text:                  content.String(),
		UsagePromptTokens:     &promptTokens,
		UsageCompletionTokens: &completionTokens,
	}, nil
}

func buildAnthropicParams(req Request) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case "assistant":
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	return params
}

func anthropicResponse(resp *anthropic.Message) Response {
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	prompt := int(resp.Usage.InputTokens)
	completion := int(resp.Usage.OutputTokens)
	return Response{
		Text:                  text.String(),
		UsagePromptTokens:     &prompt,
		UsageCompletionTokens: &completion,
	}
}

// classifyAnthropicErr wraps the SDK's error in an HTTPError when it carries
// a status code, so the runtime classifier (internal/runtime.Classify) can
// map it without depending on this package.
func classifyAnthropicErr(err error) error {
	var apiErr *anthropic.Error
	if ok := asAnthropicError(err, &apiErr); ok {
		return &HTTPError{StatusCode: apiErr.StatusCode, Body: apiErr.RawJSON(), Cause: err}
	}
	return err
}

func asAnthropicError(err error, target **anthropic.Error) bool {
	ae, ok := err.(*anthropic.Error)
	if !ok {
		return false
	}
	*target = ae
	return true
}
