// Copyright AI Scope Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package openai holds the OpenAI response shapes the proxy decodes.
//
// The proxy never rewrites payloads, so these structs only carry the fields
// needed for observation on a best-effort basis. Round trip idempotency is
// not a goal.
package openai

// ChatCompletionResponse is a non-streamed response of the Chat Completions
// API (also covers the legacy Completions text shape via Choice.Text).
// https://platform.openai.com/docs/api-reference/chat/object
type ChatCompletionResponse struct {
	ID      string   `json:"id,omitempty"`
	Model   string   `json:"model,omitempty"`
	Choices []Choice `json:"choices,omitempty"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice is one completion choice.
type Choice struct {
	Message *ChoiceMessage `json:"message,omitempty"`
	// Text is set by the legacy /v1/completions endpoint.
	Text         string  `json:"text,omitempty"`
	FinishReason *string `json:"finish_reason,omitempty"`
}

// ChoiceMessage is the assistant message of a choice.
type ChoiceMessage struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

// Usage is the OpenAI token usage block.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}
