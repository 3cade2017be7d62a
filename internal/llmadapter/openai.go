package llmadapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// OpenAIProvider adapts an OpenAI-compatible chat-completions endpoint to
// the Provider interface. It demonstrates how a concrete pool member is
// wired; per spec §1, concrete LLM providers are an out-of-scope external
// collaborator, so this adapter only does message/tool conversion and
// stream translation — no retry logic of its own, since that lives in Pool.
//
// Grounded on the teacher's internal/agent/providers/openai.go, narrowed to
// the single streaming path this module needs (one Provider.Stream method
// instead of doGenerate+doStream).
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider builds a provider bound to the given API key and
// default model. A baseURL override (e.g. for an Azure or local-compatible
// endpoint) can be supplied; an empty string uses the public API.
func NewOpenAIProvider(apiKey, baseURL, model string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Stream issues a streaming chat-completion call and translates its chunks
// into llmadapter.Chunk values. Network/5xx/empty-stream failures surface
// classified as ErrorNetwork/ErrorServer/ErrorEmptyStream so Pool knows to
// retry; auth failures (401/403) classify as ErrorAuth so Pool does not.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	model := p.model
	if model == "" {
		model = openai.GPT4o
	}

	messages, err := convertMessages(req.Messages, req.System)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Kind: ErrorParse, Err: err}
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}
	if req.MaxOutputTokens > 0 {
		chatReq.MaxTokens = req.MaxOutputTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		chatReq.TopP = float32(*req.TopP)
	}
	if len(req.StopSequences) > 0 {
		chatReq.Stop = req.StopSequences
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}
	if req.ToolChoice != nil {
		chatReq.ToolChoice = openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: req.ToolChoice.Name},
		}
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Kind: classifyOpenAIErr(err), Err: err}
	}

	out := make(chan Chunk)
	go p.pump(ctx, stream, out)
	return out, nil
}

func (p *OpenAIProvider) pump(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- Chunk) {
	defer close(out)
	defer stream.Close()

	pending := map[int]*models.ToolCall{}
	sawAnyChunk := false

	flush := func(finish FinishReason) {
		for _, tc := range pending {
			if tc.ID != "" && tc.Name != "" {
				out <- Chunk{ToolCall: tc}
			}
		}
		out <- Chunk{Done: true, FinishReason: finish}
	}

	for {
		select {
		case <-ctx.Done():
			out <- Chunk{Err: ctx.Err(), Done: true}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !sawAnyChunk {
					out <- Chunk{Err: &ProviderError{Provider: p.Name(), Kind: ErrorEmptyStream, Err: errors.New("empty stream")}, Done: true}
					return
				}
				flush(FinishStop)
				return
			}
			out <- Chunk{Err: &ProviderError{Provider: p.Name(), Kind: classifyOpenAIErr(err), Err: err}, Done: true}
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		sawAnyChunk = true
		choice := resp.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			out <- Chunk{Text: delta.Content}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if pending[idx] == nil {
				pending[idx] = &models.ToolCall{}
			}
			if tc.ID != "" {
				pending[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				pending[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				pending[idx].Input = append(pending[idx].Input, []byte(tc.Function.Arguments)...)
				out <- Chunk{ToolCallDelta: &ToolCallDelta{
					ID:           pending[idx].ID,
					Name:         pending[idx].Name,
					ArgsFragment: tc.Function.Arguments,
				}}
			}
		}

		switch choice.FinishReason {
		case openai.FinishReasonToolCalls:
			flush(FinishToolCalls)
			return
		case openai.FinishReasonContentFilter:
			out <- Chunk{Err: &ProviderError{Provider: p.Name(), Kind: ErrorContentFilter, Err: errors.New("content filtered")}, Done: true, FinishReason: FinishContentFilter}
			return
		case openai.FinishReasonLength:
			flush(FinishLength)
			return
		}
	}
}

func convertMessages(messages []Message, system string) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range messages {
		switch m.Role {
		case "tool":
			for _, tr := range m.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Text(),
					ToolCallID: tr.ToolCallID,
				})
			}
		case "assistant":
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			for _, tc := range m.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:       tc.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: tc.Name, Arguments: string(tc.Input)},
				})
			}
			out = append(out, oaiMsg)
		default:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		}
	}
	return out, nil
}

func convertTools(tools []ToolSpec) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var params any
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &params)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func classifyOpenAIErr(err error) ErrorKind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "invalid api key") || strings.Contains(msg, "unauthorized"):
		return ErrorAuth
	case strings.Contains(msg, "429") || strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "504"):
		return ErrorServer
	case strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") || strings.Contains(msg, "eof"):
		return ErrorNetwork
	default:
		return ErrorNetwork
	}
}
