package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/drostlabs/drost/internal/events"
)

const (
	openaiAPIBase     = "https://api.openai.com/v1"
	defaultGPTModel   = "gpt-4o"
	openaiMaxHops     = 8
	openaiDoneMessage = "[DONE]"
)

// OpenAIAdapter speaks the OpenAI Chat Completions streaming API.
type OpenAIAdapter struct {
	client *http.Client
}

func NewOpenAIAdapter() *OpenAIAdapter {
	return &OpenAIAdapter{client: &http.Client{Timeout: 120 * time.Second}}
}

func (a *OpenAIAdapter) ID() string { return "openai" }

func (a *OpenAIAdapter) Probe(ctx context.Context, req ProbeRequest) ProbeResult {
	token, err := req.ResolveBearerToken(ctx, req.Profile.AuthProfileID)
	if err != nil || token == "" {
		return ProbeResult{Code: CodeMissingAuth, Message: "no bearer token for profile"}
	}
	body := map[string]interface{}{
		"model":      modelOrDefault(req.Profile.Model, defaultGPTModel),
		"max_tokens": 1,
		"messages": []map[string]interface{}{
			{"role": "user", "content": "ping"},
		},
	}
	resp, err := a.doRequest(ctx, req.Profile.BaseURL, token, body, false)
	if err != nil {
		pe, ok := err.(*Error)
		if !ok {
			return ProbeResult{Code: CodeProviderError, Message: err.Error()}
		}
		return ProbeResult{Code: pe.Code, Message: pe.Message}
	}
	resp.Close()
	return ProbeResult{OK: true, Code: CodeOK}
}

func (a *OpenAIAdapter) RunTurn(ctx context.Context, req TurnRequest) error {
	token, err := req.ResolveBearerToken(ctx, req.Profile.AuthProfileID)
	if err != nil || token == "" {
		return &Error{Code: CodeMissingAuth, Message: fmt.Sprintf("auth profile %q has no bearer token", req.Profile.AuthProfileID)}
	}

	messages := a.buildMessages(ctx, req)
	usage := events.UsagePayload{}
	var text strings.Builder

	for hop := 0; hop < openaiMaxHops; hop++ {
		body := a.buildRequestBody(req, messages)
		respBody, err := a.doRequest(ctx, req.Profile.BaseURL, token, body, true)
		if err != nil {
			return err
		}

		turn, err := a.consumeStream(ctx, req, respBody, &usage, &text)
		respBody.Close()
		if err != nil {
			return err
		}

		if len(turn.toolCalls) == 0 {
			req.Emit(events.New(events.ResponseCompleted, req.SessionID, req.ProviderID, events.CompletedPayload{
				Text:       text.String(),
				StopReason: turn.finishReason,
			}))
			return nil
		}

		assistant := map[string]interface{}{"role": "assistant", "tool_calls": turn.wireToolCalls()}
		if turn.text != "" {
			assistant["content"] = turn.text
		}
		messages = append(messages, assistant)
		for _, call := range turn.toolCalls {
			outcome := req.RunTool(ctx, call)
			messages = append(messages, map[string]interface{}{
				"role":         "tool",
				"tool_call_id": call.ID,
				"content":      outcome.Content,
			})
		}
	}

	req.Emit(events.New(events.ResponseCompleted, req.SessionID, req.ProviderID, events.CompletedPayload{
		Text:       text.String(),
		StopReason: "tool_hop_limit",
	}))
	return nil
}

type openaiTurn struct {
	text         string
	finishReason string
	toolCalls    []ToolCall
	// accumulation by stream index; tool call arguments arrive fragmented
	byIndex map[int]*openaiToolAccum
}

type openaiToolAccum struct {
	id   string
	name string
	args strings.Builder
}

func (t *openaiTurn) wireToolCalls() []map[string]interface{} {
	var out []map[string]interface{}
	for _, tc := range t.toolCalls {
		out = append(out, map[string]interface{}{
			"id":   tc.ID,
			"type": "function",
			"function": map[string]interface{}{
				"name":      tc.Name,
				"arguments": string(tc.Input),
			},
		})
	}
	return out
}

func (a *OpenAIAdapter) consumeStream(ctx context.Context, req TurnRequest, body io.Reader, usage *events.UsagePayload, text *strings.Builder) (*openaiTurn, error) {
	turn := &openaiTurn{finishReason: "stop", byIndex: map[int]*openaiToolAccum{}}

	err := scanSSE(ctx, body, func(_, data string) error {
		if data == openaiDoneMessage {
			return nil
		}
		var chunk openaiStreamChunk
		if json.Unmarshal([]byte(data), &chunk) != nil {
			return nil
		}
		if chunk.Error != nil {
			req.Emit(events.New(events.ProviderError, req.SessionID, req.ProviderID, events.ErrorPayload{
				Code:    CodeProviderError,
				Message: chunk.Error.Message,
			}))
			return &Error{Code: CodeProviderError, Message: chunk.Error.Message}
		}
		if chunk.Usage != nil {
			usage.PromptTokens = chunk.Usage.PromptTokens
			usage.CompletionTokens = chunk.Usage.CompletionTokens
			usage.TotalTokens = chunk.Usage.TotalTokens
			req.Emit(events.New(events.UsageUpdated, req.SessionID, req.ProviderID, *usage))
		}
		for _, choice := range chunk.Choices {
			if choice.FinishReason != "" {
				turn.finishReason = choice.FinishReason
			}
			if choice.Delta.Content != "" {
				turn.text += choice.Delta.Content
				text.WriteString(choice.Delta.Content)
				req.Emit(events.New(events.ResponseDelta, req.SessionID, req.ProviderID, events.DeltaPayload{Text: choice.Delta.Content}))
			}
			for _, tc := range choice.Delta.ToolCalls {
				acc, ok := turn.byIndex[tc.Index]
				if !ok {
					acc = &openaiToolAccum{}
					turn.byIndex[tc.Index] = acc
				}
				if tc.ID != "" {
					acc.id = tc.ID
				}
				if tc.Function.Name != "" {
					acc.name = tc.Function.Name
				}
				acc.args.WriteString(tc.Function.Arguments)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	indexes := make([]int, 0, len(turn.byIndex))
	for i := range turn.byIndex {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		acc := turn.byIndex[i]
		if acc.name == "" {
			continue
		}
		input := acc.args.String()
		if input == "" {
			input = "{}"
		}
		turn.toolCalls = append(turn.toolCalls, ToolCall{ID: acc.id, Name: acc.name, Input: json.RawMessage(input)})
	}
	return turn, nil
}

func (a *OpenAIAdapter) buildMessages(ctx context.Context, req TurnRequest) []map[string]interface{} {
	var messages []map[string]interface{}

	lastUser := -1
	for i, msg := range req.Messages {
		if msg.Role == "user" {
			lastUser = i
		}
	}

	for i, msg := range req.Messages {
		switch msg.Role {
		case "system":
			messages = append(messages, map[string]interface{}{"role": "system", "content": msg.Content})
		case "assistant":
			if msg.Content != "" {
				messages = append(messages, map[string]interface{}{"role": "assistant", "content": msg.Content})
			}
		case "user":
			images := msg.Images
			if i == lastUser {
				if resolved, err := resolveImageRefs(ctx, req); err == nil {
					images = append(images, resolved...)
				}
			}
			if len(images) == 0 {
				messages = append(messages, map[string]interface{}{"role": "user", "content": msg.Content})
				continue
			}
			var parts []map[string]interface{}
			if msg.Content != "" {
				parts = append(parts, map[string]interface{}{"type": "text", "text": msg.Content})
			}
			for _, img := range images {
				parts = append(parts, map[string]interface{}{
					"type": "image_url",
					"image_url": map[string]interface{}{
						"url": fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.DataBase64),
					},
				})
			}
			messages = append(messages, map[string]interface{}{"role": "user", "content": parts})
		}
	}
	return messages
}

func (a *OpenAIAdapter) buildRequestBody(req TurnRequest, messages []map[string]interface{}) map[string]interface{} {
	body := map[string]interface{}{
		"model":          modelOrDefault(req.Profile.Model, defaultGPTModel),
		"messages":       messages,
		"stream":         true,
		"stream_options": map[string]interface{}{"include_usage": true},
	}
	if len(req.AvailableTools) > 0 {
		var tools []map[string]interface{}
		for _, t := range req.AvailableTools {
			schema := t.Parameters
			if schema == nil {
				schema = map[string]interface{}{"type": "object"}
			}
			tools = append(tools, map[string]interface{}{
				"type": "function",
				"function": map[string]interface{}{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  schema,
				},
			})
		}
		body["tools"] = tools
	}
	return body
}

func (a *OpenAIAdapter) doRequest(ctx context.Context, baseURL, token string, body interface{}, stream bool) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	base := openaiAPIBase
	if baseURL != "" {
		base = strings.TrimRight(baseURL, "/")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Code: CodeUnreachable, Message: err.Error()}
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return nil, &Error{Code: CodeMissingAuth, Message: fmt.Sprintf("openai: status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &Error{Code: CodeProviderError, Message: fmt.Sprintf("openai: status %d: %s", resp.StatusCode, string(respBody))}
	}
	if stream && !strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		resp.Body.Close()
		return nil, &Error{Code: CodeIncompatibleTransport, Message: "openai: expected text/event-stream, got " + resp.Header.Get("Content-Type")}
	}
	return resp.Body, nil
}

// --- Streaming chunk types ---

type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content,omitempty"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id,omitempty"`
				Function struct {
					Name      string `json:"name,omitempty"`
					Arguments string `json:"arguments,omitempty"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type,omitempty"`
	} `json:"error,omitempty"`
}
