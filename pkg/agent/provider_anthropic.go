package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/harun/aide/pkg/session"
	"github.com/harun/aide/pkg/tools"
)

const defaultMaxTokens = 4096

// AnthropicProvider implements Provider for the Anthropic Messages API.
type AnthropicProvider struct {
	name   string
	client anthropic.Client
}

// NewAnthropicProvider builds a client with SDK retries disabled.
func NewAnthropicProvider(cfg ProviderConfig) *AnthropicProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	name := cfg.Name
	if name == "" {
		name = "anthropic"
	}
	return &AnthropicProvider{
		name:   name,
		client: anthropic.NewClient(opts...),
	}
}

// Name returns the configured provider name.
func (p *AnthropicProvider) Name() string {
	return p.name
}

// FormatTools converts tool descriptors into tool params.
func (p *AnthropicProvider) FormatTools(descs []tools.Descriptor) []anthropic.ToolUnionParam {
	if len(descs) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(descs))
	for _, d := range descs {
		tool := anthropic.ToolParam{
			Name:        d.Name,
			Description: anthropic.String(d.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: d.Schema["properties"],
			},
		}
		if required, ok := d.Schema["required"].([]string); ok {
			tool.InputSchema.Required = required
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

// FormatContext renders the system prompt and context blocks as system text
// blocks. The last cacheable block carries the cache breakpoint so the stable
// prefix is reused across calls.
func (p *AnthropicProvider) FormatContext(system string, blocks []ContextBlock) []anthropic.TextBlockParam {
	var out []anthropic.TextBlockParam
	if system != "" {
		out = append(out, anthropic.TextBlockParam{Text: system})
	}
	lastCacheable := -1
	for _, b := range blocks {
		if strings.TrimSpace(b.Text) == "" {
			continue
		}
		out = append(out, anthropic.TextBlockParam{Text: "# " + b.Name + "\n\n" + b.Text})
		if b.Cacheable {
			lastCacheable = len(out) - 1
		}
	}
	if lastCacheable >= 0 {
		out[lastCacheable].CacheControl = anthropic.NewCacheControlEphemeralParam()
	}
	return out
}

// FormatMessages converts session entries into message params. Images become
// base64 image blocks; system notes and the warning become user text.
func (p *AnthropicProvider) FormatMessages(entries []session.Entry, warning string) []anthropic.MessageParam {
	var out []anthropic.MessageParam

	for _, e := range normalizeEntries(entries) {
		switch e.Role {
		case session.RoleUser:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(e.Images)+1)
			for _, img := range e.Images {
				blocks = append(blocks, anthropic.NewImageBlockBase64(img.MediaType, base64.StdEncoding.EncodeToString(img.Data)))
			}
			if e.Text != "" || len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(nonEmpty(e.Text)))
			}
			out = append(out, anthropic.NewUserMessage(blocks...))

		case session.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if e.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(e.Text))
			}
			for _, c := range e.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(c.ID, rawArgs(c.Arguments), c.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(nonEmpty("")))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))

		case session.RoleToolResults:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(e.ToolResults))
			for _, r := range e.ToolResults {
				blocks = append(blocks, anthropic.NewToolResultBlock(r.CallID, nonEmpty(r.Output), r.IsError))
			}
			out = append(out, anthropic.NewUserMessage(blocks...))

		case session.RoleSystemNote:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(noteText(e))))
		}
	}

	if warning != "" {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(warning)))
	}
	return out
}

// Complete makes one Messages API call.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  p.FormatMessages(req.Messages, req.Warning),
		MaxTokens: int64(maxTokens),
		System:    p.FormatContext(req.System, req.Context),
		Tools:     p.FormatTools(req.Tools),
	}
	if req.TextOnly && len(params.Tools) > 0 {
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.classify(err)
	}

	out := &Completion{
		StopReason: anthropicStopReason(resp.StopReason),
		Usage: session.Usage{
			InputTokens:      int(resp.Usage.InputTokens),
			OutputTokens:     int(resp.Usage.OutputTokens),
			CacheReadTokens:  int(resp.Usage.CacheReadInputTokens),
			CacheWriteTokens: int(resp.Usage.CacheCreationInputTokens),
		},
	}
	var text, reasoning strings.Builder
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
		case anthropic.ThinkingBlock:
			reasoning.WriteString(b.Thinking)
		case anthropic.ToolUseBlock:
			args := json.RawMessage(b.Input)
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			out.ToolCalls = append(out.ToolCalls, session.ToolCall{ID: b.ID, Name: b.Name, Arguments: args})
		}
	}
	out.Text = text.String()
	out.Reasoning = reasoning.String()
	if len(out.ToolCalls) > 0 {
		out.StopReason = FinishToolUse
	}
	return out, nil
}

func (p *AnthropicProvider) classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return classifyError(p.name, apiErr.StatusCode, err)
	}
	return classifyError(p.name, 0, err)
}

func anthropicStopReason(r anthropic.StopReason) string {
	switch r {
	case anthropic.StopReasonToolUse:
		return FinishToolUse
	case anthropic.StopReasonMaxTokens:
		return FinishMaxTokens
	default:
		return FinishEnd
	}
}

// rawArgs returns arguments suitable for a tool_use input.
func rawArgs(args json.RawMessage) json.RawMessage {
	if len(args) == 0 || string(args) == "null" {
		return json.RawMessage(`{}`)
	}
	return args
}

// nonEmpty substitutes a placeholder because backends reject empty text.
func nonEmpty(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(empty)"
	}
	return s
}
