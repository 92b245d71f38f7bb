// Copyright AI Scope Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package aiparse classifies proxied requests as AI traffic and extracts
// conversation turns, tool calls and token usage from request and response
// payloads. Parsing is a tolerant walk over untyped JSON: unrecognized shapes
// never fail, they just leave fields null.
package aiparse

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/aiscope/aiscope/internal/apischema/anthropic"
	"github.com/aiscope/aiscope/internal/apischema/openai"
	"github.com/aiscope/aiscope/internal/store"
)

// aiEndpointSuffixes are the path suffixes recognized as AI endpoints.
var aiEndpointSuffixes = []string{
	"/v1/chat/completions",
	"/v1/completions",
	"/v1/embeddings",
	"/v1/images/generations",
	"/v1/audio/transcriptions",
	"/v1/audio/speech",
	"/v1/moderations",
	"/v1/messages",
	"/chat/completions",
	"/completions",
	"/embeddings",
	"/messages",
}

// IsAIEndpoint reports whether the request path looks like an AI API endpoint.
func IsAIEndpoint(path string) bool {
	for _, s := range aiEndpointSuffixes {
		if strings.HasSuffix(path, s) {
			return true
		}
	}
	return false
}

// ProviderHeader is the request header that may name the provider explicitly
// when the target host gives no hint.
const ProviderHeader = "x-ai-provider"

// DetectProvider infers the provider from the target host, then from the
// x-ai-provider header, defaulting to custom.
func DetectProvider(targetURL string, headers http.Header) store.Provider {
	host := targetURL
	if u, err := url.Parse(targetURL); err == nil && u.Host != "" {
		host = u.Host
	}
	switch {
	case strings.Contains(host, "openrouter.ai"):
		return store.ProviderOpenRouter
	case strings.Contains(host, "api.openai.com"):
		return store.ProviderOpenAI
	case strings.Contains(host, "openai.azure.com"):
		return store.ProviderAzure
	case strings.Contains(host, "api.anthropic.com"):
		return store.ProviderAnthropic
	}
	switch store.Provider(strings.ToLower(headers.Get(ProviderHeader))) {
	case store.ProviderOpenAI:
		return store.ProviderOpenAI
	case store.ProviderAnthropic:
		return store.ProviderAnthropic
	case store.ProviderAzure:
		return store.ProviderAzure
	case store.ProviderOpenRouter:
		return store.ProviderOpenRouter
	}
	return store.ProviderCustom
}

// ToolCall is one tool invocation requested by the assistant.
type ToolCall struct {
	ID            string `json:"id"`
	FunctionName  string `json:"functionName"`
	ArgumentsJSON string `json:"argumentsJson"`
}

// ConversationMessage is one turn of the recorded conversation.
type ConversationMessage struct {
	Role       string     `json:"role"`
	Content    *string    `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	ToolName   string     `json:"toolName,omitempty"`
	HasImages  bool       `json:"hasImages,omitempty"`
	ImageCount int64      `json:"imageCount,omitempty"`
}

// Request is the parsed view of an AI request body.
type Request struct {
	Provider      store.Provider
	Endpoint      string
	Model         *string
	Streaming     bool
	SystemPrompt  *string
	Messages      []ConversationMessage
	UserMessages  []string
	HasToolCalls  bool
	ToolCallCount int64
	ToolNames     []string
	// FullRequest is the parsed JSON re-encoded for verbatim storage.
	FullRequest string
}

// ParseRequest parses body as an AI request. ok is false when the body is not
// a JSON object; the caller downgrades the exchange to non-AI in that case.
func ParseRequest(body []byte, path, targetURL string, headers http.Header) (req *Request, ok bool) {
	if !gjson.ValidBytes(body) {
		return nil, false
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, false
	}

	req = &Request{
		Provider:  DetectProvider(targetURL, headers),
		Endpoint:  path,
		Streaming: root.Get("stream").Type == gjson.True,
	}
	if m := root.Get("model"); m.Type == gjson.String {
		model := m.String()
		req.Model = &model
	}

	toolNames := map[string]bool{}

	// Anthropic puts the system prompt beside the messages, as a string or as
	// a block list.
	if sys := root.Get("system"); sys.Exists() {
		var prompt string
		if sys.Type == gjson.String {
			prompt = sys.String()
		} else {
			prompt = sys.Raw
		}
		req.SystemPrompt = &prompt
	}

	root.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		req.walkMessage(msg, toolNames)
		return true
	})

	// Prepend the out-of-band system prompt if the walk did not emit one.
	if req.SystemPrompt != nil && (len(req.Messages) == 0 || req.Messages[0].Role != "system") {
		prompt := *req.SystemPrompt
		req.Messages = append([]ConversationMessage{{Role: "system", Content: &prompt}}, req.Messages...)
	}

	for name := range toolNames {
		req.ToolNames = append(req.ToolNames, name)
	}
	sort.Strings(req.ToolNames)
	req.HasToolCalls = req.ToolCallCount > 0

	// Re-encode the parsed value rather than storing raw client bytes, so the
	// stored request is always well-formed JSON.
	var parsed any
	if err := json.Unmarshal(body, &parsed); err == nil {
		if enc, err := json.Marshal(parsed); err == nil {
			req.FullRequest = string(enc)
		}
	}
	return req, true
}

func (r *Request) walkMessage(msg gjson.Result, toolNames map[string]bool) {
	role := msg.Get("role").String()
	switch role {
	case "system":
		content, _, _ := extractContent(msg.Get("content"))
		if content != nil {
			r.SystemPrompt = content
		}
		r.Messages = append(r.Messages, ConversationMessage{Role: "system", Content: content})

	case "user":
		content, hasImages, imageCount := extractContent(msg.Get("content"))
		r.Messages = append(r.Messages, ConversationMessage{
			Role: "user", Content: content, HasImages: hasImages, ImageCount: imageCount,
		})
		if content != nil {
			r.UserMessages = append(r.UserMessages, *content)
		}

	case "assistant":
		content, _, _ := extractContent(msg.Get("content"))
		out := ConversationMessage{Role: "assistant", Content: content}
		msg.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
			call := ToolCall{
				ID:            tc.Get("id").String(),
				FunctionName:  tc.Get("function.name").String(),
				ArgumentsJSON: tc.Get("function.arguments").String(),
			}
			out.ToolCalls = append(out.ToolCalls, call)
			if call.FunctionName != "" {
				toolNames[call.FunctionName] = true
			}
			return true
		})
		// Legacy single function_call shape.
		if fc := msg.Get("function_call"); fc.IsObject() {
			call := ToolCall{
				ID:            "legacy",
				FunctionName:  fc.Get("name").String(),
				ArgumentsJSON: fc.Get("arguments").String(),
			}
			out.ToolCalls = append(out.ToolCalls, call)
			if call.FunctionName != "" {
				toolNames[call.FunctionName] = true
			}
		}
		// Anthropic tool_use content blocks.
		msg.Get("content").ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() != "tool_use" {
				return true
			}
			call := ToolCall{
				ID:            block.Get("id").String(),
				FunctionName:  block.Get("name").String(),
				ArgumentsJSON: block.Get("input").Raw,
			}
			out.ToolCalls = append(out.ToolCalls, call)
			if call.FunctionName != "" {
				toolNames[call.FunctionName] = true
			}
			return true
		})
		r.ToolCallCount += int64(len(out.ToolCalls))
		r.Messages = append(r.Messages, out)

	case "tool", "function":
		// Legacy "function" role is normalized to tool.
		raw := msg.Get("content")
		var content *string
		if raw.Exists() {
			v := raw.String()
			if raw.Type != gjson.String {
				v = raw.Raw
			}
			content = &v
		}
		r.Messages = append(r.Messages, ConversationMessage{
			Role:       "tool",
			Content:    content,
			ToolCallID: msg.Get("tool_call_id").String(),
			ToolName:   msg.Get("name").String(),
		})
	}
}

// extractContent reduces a message content value to text. String content
// passes through; array content keeps text parts joined by newlines, counting
// image parts along the way.
func extractContent(content gjson.Result) (text *string, hasImages bool, imageCount int64) {
	switch {
	case content.Type == gjson.String:
		v := content.String()
		return &v, false, 0
	case content.IsArray():
		var parts []string
		content.ForEach(func(_, part gjson.Result) bool {
			switch part.Get("type").String() {
			case "text":
				parts = append(parts, part.Get("text").String())
			case "image_url", "image", "input_image":
				imageCount++
			}
			return true
		})
		hasImages = imageCount > 0
		if len(parts) == 0 {
			return nil, hasImages, imageCount
		}
		v := strings.Join(parts, "\n")
		return &v, hasImages, imageCount
	default:
		return nil, false, 0
	}
}

// Response is the parsed view of a non-streamed AI response body.
type Response struct {
	AssistantResponse *string
	Model             *string
	PromptTokens      *int64
	CompletionTokens  *int64
	TotalTokens       *int64
}

// ParseResponse extracts the assistant text and token usage from a
// non-streamed response. Both the OpenAI and the Anthropic shapes are
// attempted; unrecognized bodies yield an empty result, never an error.
func ParseResponse(body []byte) *Response {
	res := &Response{}

	var oai openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &oai); err == nil {
		if oai.Model != "" {
			res.Model = &oai.Model
		}
		if len(oai.Choices) > 0 {
			c := oai.Choices[0]
			if c.Message != nil && c.Message.Content != nil {
				res.AssistantResponse = c.Message.Content
			} else if c.Text != "" {
				res.AssistantResponse = &c.Text
			}
		}
		if oai.Usage != nil && (oai.Usage.PromptTokens != 0 || oai.Usage.CompletionTokens != 0 || oai.Usage.TotalTokens != 0) {
			res.PromptTokens = &oai.Usage.PromptTokens
			res.CompletionTokens = &oai.Usage.CompletionTokens
			if oai.Usage.TotalTokens != 0 {
				res.TotalTokens = &oai.Usage.TotalTokens
			}
		}
	}

	if res.AssistantResponse == nil {
		var ant anthropic.MessagesResponse
		if err := json.Unmarshal(body, &ant); err == nil && len(ant.Content) > 0 {
			var parts []string
			for _, block := range ant.Content {
				if block.Type == "text" {
					parts = append(parts, block.Text)
				}
			}
			if len(parts) > 0 {
				v := strings.Join(parts, "\n")
				res.AssistantResponse = &v
			}
			if res.Model == nil && ant.Model != "" {
				res.Model = &ant.Model
			}
			if ant.Usage != nil {
				res.PromptTokens = &ant.Usage.InputTokens
				res.CompletionTokens = &ant.Usage.OutputTokens
			}
		}
	}

	fillTotal(res)
	return res
}

// fillTotal defaults total to prompt+completion when both are present and the
// upstream supplied no total of its own.
func fillTotal(res *Response) {
	if res.TotalTokens == nil && res.PromptTokens != nil && res.CompletionTokens != nil {
		total := *res.PromptTokens + *res.CompletionTokens
		res.TotalTokens = &total
	}
}

// StreamedResponse is the merged view of a streamed AI response.
type StreamedResponse struct {
	Response
	// Frames are the decodable SSE payloads in arrival order; this is what is
	// stored as the verbatim response.
	Frames []json.RawMessage
}

// ParseStreamed merges the data payloads of an SSE stream. Empty chunks and
// the [DONE] sentinel are ignored; undecodable frames are skipped.
func ParseStreamed(chunks []string) *StreamedResponse {
	res := &StreamedResponse{}
	var assistant strings.Builder
	var sawContent bool

	for _, chunk := range chunks {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" || chunk == "[DONE]" {
			continue
		}
		frame := gjson.Parse(chunk)
		if !frame.IsObject() {
			continue
		}
		res.Frames = append(res.Frames, json.RawMessage(chunk))

		if res.Model == nil {
			if m := frame.Get("model"); m.Type == gjson.String && m.String() != "" {
				model := m.String()
				res.Model = &model
			}
		}

		if delta := frame.Get("choices.0.delta.content"); delta.Type == gjson.String {
			assistant.WriteString(delta.String())
			sawContent = true
		}
		if delta := frame.Get("delta.text"); delta.Type == gjson.String {
			assistant.WriteString(delta.String())
			sawContent = true
		}

		if usage := frame.Get("usage"); usage.IsObject() {
			if v := usage.Get("prompt_tokens"); v.Exists() {
				n := v.Int()
				res.PromptTokens = &n
			}
			if v := usage.Get("completion_tokens"); v.Exists() {
				n := v.Int()
				res.CompletionTokens = &n
			}
			if v := usage.Get("total_tokens"); v.Exists() {
				n := v.Int()
				res.TotalTokens = &n
			}
			if v := usage.Get("input_tokens"); v.Exists() {
				n := v.Int()
				res.PromptTokens = &n
			}
			if v := usage.Get("output_tokens"); v.Exists() {
				n := v.Int()
				res.CompletionTokens = &n
			}
		}
		switch frame.Get("type").String() {
		case "message_start":
			if v := frame.Get("message.usage.input_tokens"); v.Exists() {
				n := v.Int()
				res.PromptTokens = &n
			}
		case "message_delta":
			if v := frame.Get("usage.output_tokens"); v.Exists() {
				n := v.Int()
				res.CompletionTokens = &n
			}
		}
	}

	if sawContent {
		v := assistant.String()
		res.AssistantResponse = &v
	}
	fillTotal(&res.Response)
	return res
}

// ExtractGenerationID returns the OpenRouter generation id of a non-streamed
// response body, or "" when absent.
func ExtractGenerationID(body []byte) string {
	if id := gjson.GetBytes(body, "id"); id.Type == gjson.String {
		return id.String()
	}
	return ""
}

// ExtractGenerationIDFromChunks returns the first generation id seen across
// streamed frames, or "".
func ExtractGenerationIDFromChunks(chunks []string) string {
	for _, chunk := range chunks {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" || chunk == "[DONE]" {
			continue
		}
		if id := gjson.Get(chunk, "id"); id.Type == gjson.String && id.String() != "" {
			return id.String()
		}
		// Anthropic-style streams nest the id under message_start.
		if id := gjson.Get(chunk, "message.id"); id.Type == gjson.String && id.String() != "" {
			return id.String()
		}
	}
	return ""
}
