package providers

import (
	"context"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// toSchemaMessages adapts the provider-agnostic Request messages into eino's
// chat schema, which every ChatModel implementation (OpenAI, Mistral,
// Ollama) consumes identically.
func toSchemaMessages(req Request) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := schema.User
		switch m.Role {
		case "system":
			role = schema.System
		case "assistant":
			role = schema.Assistant
		}
		msgs = append(msgs, &schema.Message{Role: role, Content: m.Content})
	}
	return msgs
}

func einoUsage(resp Response, msg *schema.Message) Response {
	if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
		prompt := msg.ResponseMeta.Usage.PromptTokens
		completion := msg.ResponseMeta.Usage.CompletionTokens
		resp.UsagePromptTokens = &prompt
		resp.UsageCompletionTokens = &completion
	}
	return resp
}

// generateEinoChat runs a single non-streaming turn against a ToolCallingChatModel.
func generateEinoChat(ctx context.Context, cm model.ToolCallingChatModel, req Request) (Response, error) {
	msg, err := cm.Generate(ctx, toSchemaMessages(req))
	if err != nil {
		return Response{}, err
	}
	return einoUsage(Response{Text: msg.Content}, msg), nil
}

// streamEinoChat drains a ToolCallingChatModel's stream reader into a single
// Response, forwarding each chunk's content to onToken as it arrives.
func streamEinoChat(ctx context.Context, cm model.ToolCallingChatModel, req Request, onToken OnToken) (Response, error) {
	sr, err := cm.Stream(ctx, toSchemaMessages(req))
	if err != nil {
		return Response{}, err
	}
	defer sr.Close()

	var text strings.Builder
	var promptTokens, completionTokens int
	for {
		chunk, err := sr.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Response{}, err
		}
		if chunk.Content != "" {
			text.WriteString(chunk.Content)
			if onToken != nil {
				onToken(chunk.Content)
			}
		}
		if chunk.ResponseMeta != nil && chunk.ResponseMeta.Usage != nil {
			promptTokens = chunk.ResponseMeta.Usage.PromptTokens
			completionTokens = chunk.ResponseMeta.Usage.CompletionTokens
		}
	}
	return Response{
		Text:                  text.String(),
		UsagePromptTokens:     &promptTokens,
		UsageCompletionTokens: &completionTokens,
	}, nil
}
