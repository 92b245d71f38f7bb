// Copyright AI Scope Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package store

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strPtr(s string) *string { return &s }
func i64Ptr(v int64) *int64   { return &v }

func TestRequestRecordLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	rec := &RequestRecord{
		Method:      "POST",
		URL:         "/v1/chat/completions?__target=https://api.openai.com",
		Path:        "/v1/chat/completions",
		Query:       "{}",
		Headers:     `{"Content-Type":"application/json"}`,
		Body:        `{"model":"gpt-4o-mini"}`,
		BodySize:    23,
		TargetURL:   "https://api.openai.com",
		RouteSource: RouteSourceQueryParam,
	}
	require.NoError(t, s.InsertRequestRecord(ctx, rec))
	require.NotEmpty(t, rec.ID)
	require.NotZero(t, rec.CreatedAt)

	loaded, err := s.GetRequestRecord(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Nil(t, loaded.StatusCode)
	require.False(t, loaded.IsAIRequest)

	require.NoError(t, s.UpdateRequestRecord(ctx, rec.ID, RequestRecordUpdate{
		StatusCode: i64Ptr(200),
		DurationMS: i64Ptr(42),
	}))
	loaded, err = s.GetRequestRecord(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.StatusCode)
	require.Equal(t, int64(200), *loaded.StatusCode)
	require.Equal(t, int64(42), *loaded.DurationMS)
}

func TestCompleteWithAIRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	rec := &RequestRecord{Method: "POST", URL: "/v1/chat/completions", Path: "/v1/chat/completions"}
	require.NoError(t, s.InsertRequestRecord(ctx, rec))

	ai := &AIRecord{
		Provider:     ProviderOpenAI,
		Endpoint:     "/v1/chat/completions",
		Model:        strPtr("gpt-4o-mini"),
		Messages:     "[]",
		UserMessages: "[]",
		ToolNames:    "[]",
		PromptTokens: i64Ptr(10),
	}
	require.NoError(t, s.CompleteWithAIRecord(ctx, rec.ID, RequestRecordUpdate{StatusCode: i64Ptr(200)}, ai))
	require.NotEmpty(t, ai.ID)

	loaded, err := s.GetRequestRecord(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, loaded.IsAIRequest)
	require.NotNil(t, loaded.AIRequestID)
	require.Equal(t, ai.ID, *loaded.AIRequestID)

	aiLoaded, err := s.GetAIRecord(ctx, ai.ID)
	require.NoError(t, err)
	require.NotNil(t, aiLoaded)
	require.Equal(t, ProviderOpenAI, aiLoaded.Provider)
	require.Equal(t, int64(10), *aiLoaded.PromptTokens)
}

func TestMarkEnrichedIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	rec := &RequestRecord{Method: "POST", URL: "/v1/chat/completions", Path: "/v1/chat/completions"}
	require.NoError(t, s.InsertRequestRecord(ctx, rec))
	ai := &AIRecord{Provider: ProviderOpenRouter, Endpoint: "/v1/chat/completions", Messages: "[]", UserMessages: "[]", ToolNames: "[]"}
	require.NoError(t, s.CompleteWithAIRecord(ctx, rec.ID, RequestRecordUpdate{}, ai))

	cost := 0.00042
	upd := EnrichmentUpdate{
		ProviderName:    strPtr("Fireworks"),
		TotalCost:       &cost,
		TokensPrompt:    i64Ptr(123),
		TokensCompletion: i64Ptr(7),
		Raw:             `{"total_cost":0.00042}`,
		TotalCostMicros: 420,
		EnrichedAt:      time.Now().UnixMilli(),
	}
	applied, err := s.MarkEnriched(ctx, ai.ID, upd)
	require.NoError(t, err)
	require.True(t, applied)

	loaded, err := s.GetAIRecord(ctx, ai.ID)
	require.NoError(t, err)
	require.True(t, loaded.Enriched)
	require.Equal(t, "Fireworks", *loaded.OpenRouterProviderName)
	require.Equal(t, int64(420), loaded.TotalCostMicros)
	require.Equal(t, int64(123), *loaded.PromptTokens)
	require.Equal(t, int64(130), *loaded.TotalTokens)

	// Second application is a no-op.
	applied, err = s.MarkEnriched(ctx, ai.ID, upd)
	require.NoError(t, err)
	require.False(t, applied)
}

func TestListEnabledRulesOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	low := &RoutingRule{Name: "low", Priority: 10, Enabled: true, MatchType: MatchTypePathPrefix, MatchPattern: "/v1/", TargetURL: "https://api.openai.com"}
	high := &RoutingRule{Name: "high", Priority: 20, Enabled: true, MatchType: MatchTypePathRegex, MatchPattern: "^/v1/messages$", TargetURL: "https://api.anthropic.com"}
	off := &RoutingRule{Name: "off", Priority: 99, Enabled: false, MatchType: MatchTypePathPrefix, MatchPattern: "/", TargetURL: "https://example.com"}
	for _, r := range []*RoutingRule{low, high, off} {
		require.NoError(t, s.UpsertRule(ctx, r))
	}

	rules, err := s.ListEnabledRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	require.Equal(t, "high", rules[0].Name)
	require.Equal(t, "low", rules[1].Name)

	require.NoError(t, s.DeleteRule(ctx, high.ID))
	rules, err = s.ListEnabledRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
}

func TestConfigDefaultsAndSeed(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	cfg, err := s.LoadConfig(ctx)
	require.NoError(t, err)
	require.True(t, cfg.LogEnabled)
	require.True(t, cfg.AIDetectionEnabled)
	require.Equal(t, int64(DefaultMaxBodySize), cfg.MaxBodySize)
	require.Empty(t, cfg.DefaultTargetURL)

	require.NoError(t, s.SeedDefaultTarget(ctx, "https://api.openai.com"))
	cfg, err = s.LoadConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, "https://api.openai.com", cfg.DefaultTargetURL)

	// Seeding again must not overwrite operator changes.
	cfg.DefaultTargetURL = "https://api.anthropic.com"
	require.NoError(t, s.SetConfig(ctx, cfg))
	require.NoError(t, s.SeedDefaultTarget(ctx, "https://api.openai.com"))
	cfg, err = s.LoadConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, "https://api.anthropic.com", cfg.DefaultTargetURL)
}

func TestPricingInsertionOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	first := &PricingEntry{Provider: ProviderOpenAI, ModelPattern: "gpt-4o.*", InputPricePerMillion: 2500000, OutputPricePerMillion: 10000000}
	second := &PricingEntry{Provider: ProviderOpenAI, ModelPattern: "gpt-4o-mini.*", InputPricePerMillion: 150000, OutputPricePerMillion: 600000}
	require.NoError(t, s.InsertPricing(ctx, first))
	require.NoError(t, s.InsertPricing(ctx, second))

	entries, err := s.ListPricing(ctx, ProviderOpenAI)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "gpt-4o.*", entries[0].ModelPattern)

	entries, err = s.ListPricing(ctx, ProviderAnthropic)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestDeleteRecordsOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	old := &RequestRecord{Method: "GET", URL: "/old", Path: "/old", CreatedAt: time.Now().Add(-31 * 24 * time.Hour).UnixMilli()}
	require.NoError(t, s.InsertRequestRecord(ctx, old))
	ai := &AIRecord{Provider: ProviderOpenAI, Endpoint: "/old", Messages: "[]", UserMessages: "[]", ToolNames: "[]"}
	require.NoError(t, s.CompleteWithAIRecord(ctx, old.ID, RequestRecordUpdate{}, ai))

	fresh := &RequestRecord{Method: "GET", URL: "/fresh", Path: "/fresh"}
	require.NoError(t, s.InsertRequestRecord(ctx, fresh))

	cutoff := time.Now().Add(-30 * 24 * time.Hour).UnixMilli()
	deleted, err := s.DeleteRecordsOlderThan(ctx, cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	gone, err := s.GetRequestRecord(ctx, old.ID)
	require.NoError(t, err)
	require.Nil(t, gone)
	goneAI, err := s.GetAIRecord(ctx, ai.ID)
	require.NoError(t, err)
	require.Nil(t, goneAI)

	kept, err := s.GetRequestRecord(ctx, fresh.ID)
	require.NoError(t, err)
	require.NotNil(t, kept)
}

func TestHeaderRedactionHelpers(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	rec := &RequestRecord{
		Method:    "GET",
		URL:       "/x",
		Path:      "/x",
		Headers:   `{"Authorization":"Bearer sk-secret"}`,
		CreatedAt: time.Now().Add(-4 * 24 * time.Hour).UnixMilli(),
	}
	require.NoError(t, s.InsertRequestRecord(ctx, rec))

	ids, headers, err := s.ListHeadersOlderThan(ctx, time.Now().Add(-3*24*time.Hour).UnixMilli())
	require.NoError(t, err)
	require.Equal(t, []string{rec.ID}, ids)
	require.Equal(t, []string{`{"Authorization":"Bearer sk-secret"}`}, headers)

	require.NoError(t, s.UpdateHeaders(ctx, rec.ID, `{"Authorization":"[REDACTED]"}`))
	loaded, err := s.GetRequestRecord(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, `{"Authorization":"[REDACTED]"}`, loaded.Headers)
}

func TestNewIDSortable(t *testing.T) {
	a := NewID()
	time.Sleep(2 * time.Millisecond)
	b := NewID()
	require.Less(t, a, b)
}
