// Copyright AI Scope Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package pricing estimates request cost in integer micro-dollars from token
// counts, using the stored pricing table with built-in defaults as fallback.
package pricing

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"strings"

	"github.com/aiscope/aiscope/internal/store"
)

// Source lists pricing entries for a provider, in stored order.
type Source interface {
	ListPricing(ctx context.Context, provider store.Provider) ([]store.PricingEntry, error)
}

// Cost is an estimate in integer micro-dollars.
type Cost struct {
	InputMicros  int64
	OutputMicros int64
	TotalMicros  int64
}

// defaultPrice is a built-in per-million price pair in micro-dollars.
type defaultPrice struct {
	substring string
	input     int64
	output    int64
}

// defaultPrices backs lookups when no stored entry matches. Ordered: more
// specific substrings first so gpt-4o-mini is not swallowed by gpt-4o.
var defaultPrices = []defaultPrice{
	{"gpt-4o-mini", 150_000, 600_000},
	{"gpt-4o", 2_500_000, 10_000_000},
	{"gpt-4-turbo", 10_000_000, 30_000_000},
	{"gpt-4", 30_000_000, 60_000_000},
	{"gpt-3.5-turbo", 500_000, 1_500_000},
	{"claude-3.5-sonnet", 3_000_000, 15_000_000},
	{"claude-3-opus", 15_000_000, 75_000_000},
	{"claude-3-sonnet", 3_000_000, 15_000_000},
	{"claude-3-haiku", 250_000, 1_250_000},
}

// Estimator resolves per-model prices and computes costs.
type Estimator struct {
	source Source
	logger *slog.Logger
}

// NewEstimator returns an Estimator reading the pricing table from source.
func NewEstimator(source Source, logger *slog.Logger) *Estimator {
	return &Estimator{source: source, logger: logger.With("component", "pricing")}
}

// EstimateCost prices a request. A nil model or absent token counts yield a
// zero cost. Stored entries are scanned in order; the first pattern that
// compiles (case-insensitively) and matches the model supplies the prices.
// Invalid patterns are skipped. On miss the built-in defaults apply.
func (e *Estimator) EstimateCost(ctx context.Context, model *string, promptTokens, completionTokens *int64, provider store.Provider) Cost {
	if model == nil || *model == "" {
		return Cost{}
	}
	prompt := int64(0)
	if promptTokens != nil {
		prompt = *promptTokens
	}
	completion := int64(0)
	if completionTokens != nil {
		completion = *completionTokens
	}
	if prompt == 0 && completion == 0 {
		return Cost{}
	}

	inputPer, outputPer, ok := e.lookup(ctx, *model, provider)
	if !ok {
		return Cost{}
	}
	in := costFor(prompt, inputPer)
	out := costFor(completion, outputPer)
	return Cost{InputMicros: in, OutputMicros: out, TotalMicros: in + out}
}

func (e *Estimator) lookup(ctx context.Context, model string, provider store.Provider) (inputPer, outputPer int64, ok bool) {
	entries, err := e.source.ListPricing(ctx, provider)
	if err != nil {
		e.logger.Error("failed to read pricing table, falling back to defaults", "error", err)
	}
	for i := range entries {
		entry := &entries[i]
		re, err := regexp.Compile("(?i)" + entry.ModelPattern)
		if err != nil {
			continue
		}
		if re.MatchString(model) {
			return entry.InputPricePerMillion, entry.OutputPricePerMillion, true
		}
	}
	lower := strings.ToLower(model)
	for _, d := range defaultPrices {
		if strings.Contains(lower, d.substring) {
			return d.input, d.output, true
		}
	}
	return 0, 0, false
}

// costFor is round(tokens/1e6 × pricePerMillion) in micro-dollars.
func costFor(tokens, pricePerMillion int64) int64 {
	return int64(math.Round(float64(tokens) / 1_000_000 * float64(pricePerMillion)))
}
