package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/aide/pkg/session"
	"github.com/harun/aide/pkg/tools"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider implements Provider for OpenAI chat completions and any
// compatible endpoint reached through BaseURL.
type OpenAIProvider struct {
	name   string
	client openai.Client
}

// NewOpenAIProvider builds a client with SDK retries disabled.
func NewOpenAIProvider(cfg ProviderConfig) *OpenAIProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	return &OpenAIProvider{
		name:   name,
		client: openai.NewClient(opts...),
	}
}

// Name returns the configured provider name.
func (p *OpenAIProvider) Name() string {
	return p.name
}

// FormatTools converts tool descriptors into function tools.
func (p *OpenAIProvider) FormatTools(descs []tools.Descriptor) []openai.ChatCompletionToolParam {
	if len(descs) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolParam, 0, len(descs))
	for _, d := range descs {
		out = append(out, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        d.Name,
				Description: openai.String(d.Description),
				Parameters:  openai.FunctionParameters(d.Schema),
			},
		})
	}
	return out
}

// FormatContext folds the system prompt and context blocks into one system
// message. Chat completions cache prefixes automatically, so cache-eligible
// blocks only need to come first.
func (p *OpenAIProvider) FormatContext(system string, blocks []ContextBlock) string {
	parts := make([]string, 0, len(blocks)+1)
	if system != "" {
		parts = append(parts, system)
	}
	for _, b := range blocks {
		if strings.TrimSpace(b.Text) == "" {
			continue
		}
		parts = append(parts, "# "+b.Name+"\n\n"+b.Text)
	}
	return strings.Join(parts, "\n\n")
}

// FormatMessages converts session entries. Images become data URLs.
func (p *OpenAIProvider) FormatMessages(system string, blocks []ContextBlock, entries []session.Entry, warning string) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	if sys := p.FormatContext(system, blocks); sys != "" {
		out = append(out, openai.SystemMessage(sys))
	}

	for _, e := range normalizeEntries(entries) {
		switch e.Role {
		case session.RoleUser:
			if len(e.Images) == 0 {
				out = append(out, openai.UserMessage(nonEmpty(e.Text)))
				continue
			}
			parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(e.Images)+1)
			if e.Text != "" {
				parts = append(parts, openai.TextContentPart(e.Text))
			}
			for _, img := range e.Images {
				url := fmt.Sprintf("data:%s;base64,%s", img.MediaType, base64.StdEncoding.EncodeToString(img.Data))
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url}))
			}
			out = append(out, openai.UserMessage(parts))

		case session.RoleAssistant:
			if len(e.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(nonEmpty(e.Text)))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(e.ToolCalls))
			for _, c := range e.ToolCalls {
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID: c.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      c.Name,
						Arguments: string(rawArgs(c.Arguments)),
					},
				})
			}
			asst := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if e.Text != "" {
				asst.Content.OfString = openai.String(e.Text)
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})

		case session.RoleToolResults:
			for _, r := range e.ToolResults {
				out = append(out, openai.ToolMessage(nonEmpty(r.Output), r.CallID))
			}

		case session.RoleSystemNote:
			out = append(out, openai.UserMessage(noteText(e)))
		}
	}

	if warning != "" {
		out = append(out, openai.SystemMessage(warning))
	}
	return out
}

// Complete makes one chat completion call.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: p.FormatMessages(req.System, req.Context, req.Messages, req.Warning),
		Tools:    p.FormatTools(req.Tools),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.TextOnly && len(params.Tools) > 0 {
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
			OfAuto: openai.String(string(openai.ChatCompletionToolChoiceOptionAutoNone)),
		}
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: p.name, Transient: true, Err: fmt.Errorf("no response choices returned")}
	}
	choice := resp.Choices[0]

	cached := int(resp.Usage.PromptTokensDetails.CachedTokens)
	out := &Completion{
		Text:       choice.Message.Content,
		StopReason: openaiStopReason(choice.FinishReason),
		Usage: session.Usage{
			InputTokens:     int(resp.Usage.PromptTokens) - cached,
			OutputTokens:    int(resp.Usage.CompletionTokens),
			CacheReadTokens: cached,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			// Passed through so the registry reports the bad arguments to the model.
			args, _ = json.Marshal(tc.Function.Arguments)
		}
		out.ToolCalls = append(out.ToolCalls, session.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	if len(out.ToolCalls) > 0 {
		out.StopReason = FinishToolUse
	}
	return out, nil
}

func (p *OpenAIProvider) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return classifyError(p.name, apiErr.StatusCode, err)
	}
	return classifyError(p.name, 0, err)
}

func openaiStopReason(r string) string {
	switch r {
	case "tool_calls", "function_call":
		return FinishToolUse
	case "length":
		return FinishMaxTokens
	default:
		return FinishEnd
	}
}
