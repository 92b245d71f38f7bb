// Copyright AI Scope Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package anthropic holds the Anthropic Messages API response shapes the
// proxy decodes, on the same best-effort observability basis as the openai
// schema package.
package anthropic

// MessagesResponse is a non-streamed response of the Messages API.
// https://docs.claude.com/en/api/messages
type MessagesResponse struct {
	ID      string         `json:"id,omitempty"`
	Model   string         `json:"model,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// ContentBlock is one response content block. Only text blocks contribute to
// the recorded assistant response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Usage is the Anthropic token usage block.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}
