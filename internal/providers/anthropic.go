package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/drostlabs/drost/internal/events"
)

const (
	anthropicAPIBase     = "https://api.anthropic.com/v1"
	anthropicAPIVersion  = "2023-06-01"
	defaultClaudeModel   = "claude-sonnet-4-5"
	anthropicMaxHops     = 8
	anthropicMaxTokens   = 4096
	anthropicProbeTokens = 1
)

// AnthropicAdapter speaks the Anthropic Messages API over SSE.
type AnthropicAdapter struct {
	client *http.Client
}

func NewAnthropicAdapter() *AnthropicAdapter {
	return &AnthropicAdapter{client: &http.Client{Timeout: 120 * time.Second}}
}

func (a *AnthropicAdapter) ID() string { return "anthropic" }

func (a *AnthropicAdapter) Probe(ctx context.Context, req ProbeRequest) ProbeResult {
	token, err := req.ResolveBearerToken(ctx, req.Profile.AuthProfileID)
	if err != nil || token == "" {
		return ProbeResult{Code: CodeMissingAuth, Message: "no bearer token for profile"}
	}
	body := map[string]interface{}{
		"model":      modelOrDefault(req.Profile.Model, defaultClaudeModel),
		"max_tokens": anthropicProbeTokens,
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

// RunTurn drives the request/tool loop: stream one message, execute any
// tool_use blocks through req.RunTool, feed results back, repeat until the
// model stops. Only normalized events leave the adapter.
func (a *AnthropicAdapter) RunTurn(ctx context.Context, req TurnRequest) error {
	token, err := req.ResolveBearerToken(ctx, req.Profile.AuthProfileID)
	if err != nil || token == "" {
		return &Error{Code: CodeMissingAuth, Message: fmt.Sprintf("auth profile %q has no bearer token", req.Profile.AuthProfileID)}
	}

	system, messages, err := a.buildMessages(ctx, req)
	if err != nil {
		return err
	}

	usage := events.UsagePayload{}
	var text strings.Builder

	for hop := 0; hop < anthropicMaxHops; hop++ {
		body := a.buildRequestBody(req, system, messages)
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
				StopReason: turn.stopReason,
			}))
			return nil
		}

		// Feed tool outcomes back and continue the loop.
		messages = append(messages, map[string]interface{}{
			"role":    "assistant",
			"content": turn.assistantBlocks(),
		})
		var results []map[string]interface{}
		for _, call := range turn.toolCalls {
			outcome := req.RunTool(ctx, call)
			results = append(results, map[string]interface{}{
				"type":        "tool_result",
				"tool_use_id": call.ID,
				"content":     outcome.Content,
				"is_error":    outcome.IsError,
			})
		}
		messages = append(messages, map[string]interface{}{
			"role":    "user",
			"content": results,
		})
	}

	req.Emit(events.New(events.ResponseCompleted, req.SessionID, req.ProviderID, events.CompletedPayload{
		Text:       text.String(),
		StopReason: "tool_hop_limit",
	}))
	return nil
}

// anthropicTurn is the parse state of one streamed message.
type anthropicTurn struct {
	text       string
	toolCalls  []ToolCall
	toolJSON   map[int]string
	stopReason string
}

func (t *anthropicTurn) assistantBlocks() []map[string]interface{} {
	var blocks []map[string]interface{}
	if t.text != "" {
		blocks = append(blocks, map[string]interface{}{"type": "text", "text": t.text})
	}
	for _, tc := range t.toolCalls {
		var input interface{} = map[string]interface{}{}
		if len(tc.Input) > 0 {
			input = json.RawMessage(tc.Input)
		}
		blocks = append(blocks, map[string]interface{}{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Name,
			"input": input,
		})
	}
	return blocks
}

func (a *AnthropicAdapter) consumeStream(ctx context.Context, req TurnRequest, body io.Reader, usage *events.UsagePayload, text *strings.Builder) (*anthropicTurn, error) {
	turn := &anthropicTurn{toolJSON: map[int]string{}, stopReason: "stop"}

	err := scanSSE(ctx, body, func(event, data string) error {
		switch event {
		case "message_start":
			var ev anthropicMessageStartEvent
			if json.Unmarshal([]byte(data), &ev) == nil && ev.Message.Usage.InputTokens > 0 {
				usage.PromptTokens = ev.Message.Usage.InputTokens
				usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
				req.Emit(events.New(events.UsageUpdated, req.SessionID, req.ProviderID, *usage))
			}

		case "content_block_start":
			var ev anthropicContentBlockStartEvent
			if json.Unmarshal([]byte(data), &ev) == nil && ev.ContentBlock.Type == "tool_use" {
				turn.toolCalls = append(turn.toolCalls, ToolCall{
					ID:   ev.ContentBlock.ID,
					Name: strings.TrimSpace(ev.ContentBlock.Name),
				})
			}

		case "content_block_delta":
			var ev anthropicContentBlockDeltaEvent
			if json.Unmarshal([]byte(data), &ev) != nil {
				return nil
			}
			switch ev.Delta.Type {
			case "text_delta":
				turn.text += ev.Delta.Text
				text.WriteString(ev.Delta.Text)
				req.Emit(events.New(events.ResponseDelta, req.SessionID, req.ProviderID, events.DeltaPayload{Text: ev.Delta.Text}))
			case "input_json_delta":
				if n := len(turn.toolCalls); n > 0 {
					turn.toolJSON[n-1] += ev.Delta.PartialJSON
				}
			}

		case "message_delta":
			var ev anthropicMessageDeltaEvent
			if json.Unmarshal([]byte(data), &ev) != nil {
				return nil
			}
			if ev.Delta.StopReason != "" {
				turn.stopReason = ev.Delta.StopReason
			}
			if ev.Usage.OutputTokens > 0 {
				usage.CompletionTokens += ev.Usage.OutputTokens
				usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
				req.Emit(events.New(events.UsageUpdated, req.SessionID, req.ProviderID, *usage))
			}

		case "error":
			var ev anthropicErrorEvent
			if json.Unmarshal([]byte(data), &ev) == nil {
				req.Emit(events.New(events.ProviderError, req.SessionID, req.ProviderID, events.ErrorPayload{
					Code:    CodeProviderError,
					Message: fmt.Sprintf("%s: %s", ev.Error.Type, ev.Error.Message),
				}))
				return &Error{Code: CodeProviderError, Message: ev.Error.Message}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, raw := range turn.toolJSON {
		if raw != "" && i < len(turn.toolCalls) {
			turn.toolCalls[i].Input = json.RawMessage(raw)
		}
	}
	return turn, nil
}

func (a *AnthropicAdapter) buildMessages(ctx context.Context, req TurnRequest) ([]map[string]interface{}, []map[string]interface{}, error) {
	var system []map[string]interface{}
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
			system = append(system, map[string]interface{}{"type": "text", "text": msg.Content})

		case "user":
			images := msg.Images
			if i == lastUser {
				resolved, err := resolveImageRefs(ctx, req)
				if err == nil {
					images = append(images, resolved...)
				}
			}
			if len(images) == 0 {
				messages = append(messages, map[string]interface{}{"role": "user", "content": msg.Content})
				continue
			}
			var blocks []map[string]interface{}
			for _, img := range images {
				blocks = append(blocks, map[string]interface{}{
					"type": "image",
					"source": map[string]interface{}{
						"type":       "base64",
						"media_type": img.MimeType,
						"data":       img.DataBase64,
					},
				})
			}
			if msg.Content != "" {
				blocks = append(blocks, map[string]interface{}{"type": "text", "text": msg.Content})
			}
			messages = append(messages, map[string]interface{}{"role": "user", "content": blocks})

		case "assistant":
			if msg.Content != "" {
				messages = append(messages, map[string]interface{}{"role": "assistant", "content": msg.Content})
			}
		}
	}
	return system, messages, nil
}

func (a *AnthropicAdapter) buildRequestBody(req TurnRequest, system, messages []map[string]interface{}) map[string]interface{} {
	body := map[string]interface{}{
		"model":      modelOrDefault(req.Profile.Model, defaultClaudeModel),
		"max_tokens": anthropicMaxTokens,
		"messages":   messages,
		"stream":     true,
	}
	if len(system) > 0 {
		body["system"] = system
	}
	if len(req.AvailableTools) > 0 {
		var tools []map[string]interface{}
		for _, t := range req.AvailableTools {
			schema := t.Parameters
			if schema == nil {
				schema = map[string]interface{}{"type": "object"}
			}
			tools = append(tools, map[string]interface{}{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": schema,
			})
		}
		body["tools"] = tools
	}
	return body
}

func (a *AnthropicAdapter) doRequest(ctx context.Context, baseURL, token string, body interface{}, stream bool) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	base := anthropicAPIBase
	if baseURL != "" {
		base = strings.TrimRight(baseURL, "/")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", token)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Code: CodeUnreachable, Message: err.Error()}
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return nil, &Error{Code: CodeMissingAuth, Message: fmt.Sprintf("anthropic: status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &Error{Code: CodeProviderError, Message: fmt.Sprintf("anthropic: status %d: %s", resp.StatusCode, string(respBody))}
	}
	if stream && !strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		resp.Body.Close()
		return nil, &Error{Code: CodeIncompatibleTransport, Message: "anthropic: expected text/event-stream, got " + resp.Header.Get("Content-Type")}
	}
	return resp.Body, nil
}

func resolveImageRefs(ctx context.Context, req TurnRequest) ([]ImageContent, error) {
	if len(req.InputImages) == 0 || req.ResolveInputImageRef == nil {
		return nil, nil
	}
	var out []ImageContent
	for _, ref := range req.InputImages {
		img, err := req.ResolveInputImageRef(ctx, ref)
		if err != nil {
			continue // unresolvable refs never fail the turn
		}
		out = append(out, img)
	}
	return out, nil
}

func modelOrDefault(model, fallback string) string {
	if model != "" {
		return model
	}
	return fallback
}

// --- Streaming event types ---

type anthropicMessageStartEvent struct {
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
}

type anthropicContentBlockStartEvent struct {
	Index        int `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"content_block"`
}

type anthropicContentBlockDeltaEvent struct {
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
}

type anthropicMessageDeltaEvent struct {
	Delta struct {
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
