// Copyright AI Scope Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package pricing

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aiscope/aiscope/internal/store"
)

type fakeSource struct {
	entries []store.PricingEntry
	err     error
}

func (f *fakeSource) ListPricing(context.Context, store.Provider) ([]store.PricingEntry, error) {
	return f.entries, f.err
}

func newEstimator(entries ...store.PricingEntry) *Estimator {
	return NewEstimator(&fakeSource{entries: entries}, slog.Default())
}

func strPtr(s string) *string { return &s }
func i64Ptr(v int64) *int64   { return &v }

func TestEstimateCostZeroCases(t *testing.T) {
	e := newEstimator()
	ctx := t.Context()
	require.Zero(t, e.EstimateCost(ctx, nil, i64Ptr(10), i64Ptr(5), store.ProviderOpenAI))
	require.Zero(t, e.EstimateCost(ctx, strPtr(""), i64Ptr(10), i64Ptr(5), store.ProviderOpenAI))
	require.Zero(t, e.EstimateCost(ctx, strPtr("gpt-4o"), nil, nil, store.ProviderOpenAI))
	require.Zero(t, e.EstimateCost(ctx, strPtr("gpt-4o"), i64Ptr(0), i64Ptr(0), store.ProviderOpenAI))
	require.Zero(t, e.EstimateCost(ctx, strPtr("totally-unknown-model"), i64Ptr(10), i64Ptr(5), store.ProviderCustom))
}

func TestEstimateCostBuiltinDefaults(t *testing.T) {
	e := newEstimator()
	// gpt-4o-mini: 150000/600000 micro-dollars per million tokens.
	// round(10/1e6*150000)=2, round(2/1e6*600000)=1.
	cost := e.EstimateCost(t.Context(), strPtr("gpt-4o-mini"), i64Ptr(10), i64Ptr(2), store.ProviderOpenAI)
	require.Equal(t, Cost{InputMicros: 2, OutputMicros: 1, TotalMicros: 3}, cost)
}

func TestEstimateCostMiniNotSwallowedByGpt4o(t *testing.T) {
	e := newEstimator()
	mini := e.EstimateCost(t.Context(), strPtr("gpt-4o-mini-2024-07-18"), i64Ptr(1_000_000), i64Ptr(0), store.ProviderOpenAI)
	require.Equal(t, int64(150_000), mini.InputMicros)
	full := e.EstimateCost(t.Context(), strPtr("gpt-4o-2024-08-06"), i64Ptr(1_000_000), i64Ptr(0), store.ProviderOpenAI)
	require.Equal(t, int64(2_500_000), full.InputMicros)
}

func TestEstimateCostStoredEntriesWin(t *testing.T) {
	e := newEstimator(
		store.PricingEntry{Provider: store.ProviderOpenAI, ModelPattern: "GPT-4O.*", InputPricePerMillion: 1_000_000, OutputPricePerMillion: 2_000_000},
	)
	cost := e.EstimateCost(t.Context(), strPtr("gpt-4o-mini"), i64Ptr(1_000_000), i64Ptr(500_000), store.ProviderOpenAI)
	require.Equal(t, int64(1_000_000), cost.InputMicros)
	require.Equal(t, int64(1_000_000), cost.OutputMicros)
	require.Equal(t, int64(2_000_000), cost.TotalMicros)
}

func TestEstimateCostFirstMatchingEntryWins(t *testing.T) {
	e := newEstimator(
		store.PricingEntry{Provider: store.ProviderOpenAI, ModelPattern: "gpt-.*", InputPricePerMillion: 10, OutputPricePerMillion: 10},
		store.PricingEntry{Provider: store.ProviderOpenAI, ModelPattern: "gpt-4o.*", InputPricePerMillion: 99, OutputPricePerMillion: 99},
	)
	cost := e.EstimateCost(t.Context(), strPtr("gpt-4o"), i64Ptr(1_000_000), nil, store.ProviderOpenAI)
	require.Equal(t, int64(10), cost.InputMicros)
}

func TestEstimateCostInvalidRegexSkipped(t *testing.T) {
	e := newEstimator(
		store.PricingEntry{Provider: store.ProviderOpenAI, ModelPattern: "(", InputPricePerMillion: 99, OutputPricePerMillion: 99},
		store.PricingEntry{Provider: store.ProviderOpenAI, ModelPattern: "gpt-4o.*", InputPricePerMillion: 7, OutputPricePerMillion: 7},
	)
	cost := e.EstimateCost(t.Context(), strPtr("gpt-4o"), i64Ptr(1_000_000), nil, store.ProviderOpenAI)
	require.Equal(t, int64(7), cost.InputMicros)
}

func TestEstimateCostLinearity(t *testing.T) {
	e := newEstimator()
	base := e.EstimateCost(t.Context(), strPtr("claude-3-haiku"), i64Ptr(1_000_000), i64Ptr(1_000_000), store.ProviderAnthropic)
	doubled := e.EstimateCost(t.Context(), strPtr("claude-3-haiku"), i64Ptr(2_000_000), i64Ptr(2_000_000), store.ProviderAnthropic)
	require.Equal(t, base.InputMicros*2, doubled.InputMicros)
	require.Equal(t, base.OutputMicros*2, doubled.OutputMicros)
}
