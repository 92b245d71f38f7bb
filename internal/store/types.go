// Copyright AI Scope Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package store persists request records, AI records, routing rules, pricing
// entries and the singleton proxy config in a sqlite database.
package store

// RouteSource identifies which step of the target resolution chain produced
// the target for a request.
type RouteSource string

const (
	RouteSourceQueryParam RouteSource = "query_param"
	RouteSourceHeader     RouteSource = "header"
	RouteSourceConfigRule RouteSource = "config_rule"
	RouteSourceDefault    RouteSource = "default"
)

// MatchType is the predicate kind of a routing rule.
type MatchType string

const (
	MatchTypePathPrefix  MatchType = "path_prefix"
	MatchTypePathRegex   MatchType = "path_regex"
	MatchTypeHeaderRegex MatchType = "header_regex"
)

// Provider is the inferred AI provider of a request.
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderAzure      Provider = "azure"
	ProviderOpenRouter Provider = "openrouter"
	ProviderCustom     Provider = "custom"
)

// RequestRecord is one observed proxy exchange. Timestamps are unix
// milliseconds; JSON-valued columns hold serialized maps.
type RequestRecord struct {
	ID     string `db:"id"`
	Method string `db:"method"`
	// URL is the original URL string as received from the client.
	URL  string `db:"url"`
	Path string `db:"path"`
	// Query is the canonicalized query serialized as JSON, with the reserved
	// routing key removed.
	Query string `db:"query"`
	// Headers is the request header map serialized as JSON, case preserved.
	Headers       string `db:"headers"`
	Body          string `db:"body"`
	BodyTruncated bool   `db:"body_truncated"`
	BodySize      int64  `db:"body_size"`

	TargetURL     string      `db:"target_url"`
	RouteSource   RouteSource `db:"route_source"`
	MatchedRuleID *string     `db:"matched_rule_id"`

	StatusCode        *int64  `db:"status_code"`
	ResponseHeaders   *string `db:"response_headers"`
	ResponseBody      *string `db:"response_body"`
	ResponseTruncated bool    `db:"response_truncated"`
	ResponseSize      *int64  `db:"response_size"`
	DurationMS        *int64  `db:"duration_ms"`

	IsAIRequest bool    `db:"is_ai_request"`
	AIRequestID *string `db:"ai_request_id"`
	Error       *string `db:"error"`
	CreatedAt   int64   `db:"created_at"`
}

// RequestRecordUpdate is the partial update applied when a request reaches a
// terminal state. Nil fields are left untouched.
type RequestRecordUpdate struct {
	StatusCode        *int64
	ResponseHeaders   *string
	ResponseBody      *string
	ResponseTruncated *bool
	ResponseSize      *int64
	DurationMS        *int64
	Error             *string
}

// AIRecord carries the parsed AI conversation of a request. At most one per
// RequestRecord; the request record owns the link.
type AIRecord struct {
	ID        string   `db:"id"`
	Provider  Provider `db:"provider"`
	Endpoint  string   `db:"endpoint"`
	Model     *string  `db:"model"`
	Streaming bool     `db:"streaming"`

	// Messages is the ordered conversation serialized as JSON. The scalar
	// mirrors below are kept for backward compatibility with older readers.
	Messages          string  `db:"messages"`
	SystemPrompt      *string `db:"system_prompt"`
	UserMessages      string  `db:"user_messages"`
	AssistantResponse *string `db:"assistant_response"`

	HasToolCalls  bool   `db:"has_tool_calls"`
	ToolCallCount int64  `db:"tool_call_count"`
	ToolNames     string `db:"tool_names"`

	FullRequest  *string `db:"full_request"`
	FullResponse *string `db:"full_response"`

	PromptTokens     *int64 `db:"prompt_tokens"`
	CompletionTokens *int64 `db:"completion_tokens"`
	TotalTokens      *int64 `db:"total_tokens"`

	// Costs are integer micro-dollars.
	InputCostMicros  int64 `db:"input_cost_micros"`
	OutputCostMicros int64 `db:"output_cost_micros"`
	TotalCostMicros  int64 `db:"total_cost_micros"`

	TimeToFirstTokenMS *int64 `db:"time_to_first_token_ms"`
	TotalDurationMS    *int64 `db:"total_duration_ms"`

	// OpenRouter enrichment, populated out of band.
	GenerationID               *string  `db:"generation_id"`
	Enriched                   bool     `db:"enriched"`
	EnrichedAt                 *int64   `db:"enriched_at"`
	OpenRouterProviderName     *string  `db:"openrouter_provider_name"`
	OpenRouterUpstreamID       *string  `db:"openrouter_upstream_id"`
	OpenRouterTotalCost        *float64 `db:"openrouter_total_cost"`
	OpenRouterCacheDiscount    *float64 `db:"openrouter_cache_discount"`
	OpenRouterLatencyMS        *int64   `db:"openrouter_latency_ms"`
	OpenRouterGenerationTimeMS *int64   `db:"openrouter_generation_time_ms"`
	OpenRouterModerationMS     *int64   `db:"openrouter_moderation_ms"`
	NativeTokensPrompt         *int64   `db:"native_tokens_prompt"`
	NativeTokensCompletion     *int64   `db:"native_tokens_completion"`
	NativeTokensReasoning      *int64   `db:"native_tokens_reasoning"`
	NativeTokensCached         *int64   `db:"native_tokens_cached"`
	FinishReason               *string  `db:"finish_reason"`
	IsBYOK                     *bool    `db:"is_byok"`
	RawGeneration              *string  `db:"raw_generation"`

	CreatedAt int64 `db:"created_at"`
}

// EnrichmentUpdate is the OpenRouter telemetry applied to an AIRecord by the
// enricher. Token fields overwrite the parsed counts when non-nil.
type EnrichmentUpdate struct {
	ProviderName     *string
	UpstreamID       *string
	TotalCost        *float64
	CacheDiscount    *float64
	LatencyMS        *int64
	GenerationTimeMS *int64
	ModerationMS     *int64
	TokensPrompt     *int64
	TokensCompletion *int64
	TokensReasoning  *int64
	TokensCached     *int64
	FinishReason     *string
	IsBYOK           *bool
	Raw              string
	TotalCostMicros  int64
	EnrichedAt       int64
}

// RoutingRule routes matching requests to a fixed target. Higher priority wins.
type RoutingRule struct {
	ID           string    `db:"id"`
	Name         string    `db:"name"`
	Priority     int64     `db:"priority"`
	Enabled      bool      `db:"enabled"`
	MatchType    MatchType `db:"match_type"`
	MatchPattern string    `db:"match_pattern"`
	// MatchHeader names the header inspected by header_regex rules.
	MatchHeader string `db:"match_header"`
	TargetURL   string `db:"target_url"`
	CreatedAt   int64  `db:"created_at"`
}

// Config is the singleton proxy configuration.
type Config struct {
	DefaultTargetURL   string `db:"default_target_url"`
	LogEnabled         bool   `db:"log_enabled"`
	MaxBodySize        int64  `db:"max_body_size"`
	AIDetectionEnabled bool   `db:"ai_detection_enabled"`
	UpdatedAt          int64  `db:"updated_at"`
}

// DefaultMaxBodySize bounds stored bodies when the config has no explicit value.
const DefaultMaxBodySize = 1 << 20 // 1 MiB

// DefaultConfig is what LoadConfig returns before any config row exists.
func DefaultConfig() Config {
	return Config{
		LogEnabled:         true,
		MaxBodySize:        DefaultMaxBodySize,
		AIDetectionEnabled: true,
	}
}

// PricingEntry prices one provider/model-pattern pair in micro-dollars per
// million tokens. Entries are scanned in insertion order.
type PricingEntry struct {
	ID                    int64    `db:"id" goqu:"skipinsert"`
	Provider              Provider `db:"provider"`
	ModelPattern          string   `db:"model_pattern"`
	InputPricePerMillion  int64    `db:"input_price_per_million"`
	OutputPricePerMillion int64    `db:"output_price_per_million"`
}
