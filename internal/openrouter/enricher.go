// Copyright AI Scope Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package openrouter enriches recorded AI exchanges with the authoritative
// accounting OpenRouter exposes on its generation endpoint: actual cost,
// upstream provider, native token counts and latencies. Enrichment runs out
// of band, is best-effort, and is never retried.
package openrouter

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/aiscope/aiscope/internal/eventbus"
	"github.com/aiscope/aiscope/internal/store"
)

const (
	defaultGenerationURL = "https://openrouter.ai/api/v1/generation"
	// defaultDelay gives OpenRouter time to settle accounting for the
	// generation before we ask for it.
	defaultDelay   = time.Second
	requestTimeout = 10 * time.Second
)

// Enricher schedules generation lookups against the OpenRouter API.
type Enricher struct {
	store  *store.Store
	bus    *eventbus.Bus
	logger *slog.Logger
	client *http.Client

	generationURL string
	delay         time.Duration
	wg            sync.WaitGroup
}

// New returns an enricher writing through st and announcing results on bus.
func New(st *store.Store, bus *eventbus.Bus, logger *slog.Logger) *Enricher {
	return &Enricher{
		store:         st,
		bus:           bus,
		logger:        logger.With("component", "openrouter"),
		client:        &http.Client{Timeout: requestTimeout},
		generationURL: defaultGenerationURL,
		delay:         defaultDelay,
	}
}

// Schedule queues one enrichment attempt for the AI record aiID. generationID
// is the upstream generation id extracted from the response; authorization is
// the caller's original Authorization header, passed through verbatim.
// Returns immediately.
func (e *Enricher) Schedule(aiID, generationID, authorization string) {
	if aiID == "" || generationID == "" || authorization == "" {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		time.Sleep(e.delay)
		if err := e.enrich(aiID, generationID, authorization); err != nil {
			e.logger.Error("enrichment failed", "aiRequestId", aiID, "generationId", generationID, "error", err)
		}
	}()
}

// Wait blocks until all scheduled enrichments have finished.
func (e *Enricher) Wait() {
	e.wg.Wait()
}

func (e *Enricher) enrich(aiID, generationID, authorization string) error {
	req, err := http.NewRequest(http.MethodGet, e.generationURL+"?id="+url.QueryEscape(generationID), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", authorization)
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("generation lookup: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	data := gjson.GetBytes(body, "data")
	if !data.Exists() {
		return fmt.Errorf("generation lookup: missing data object")
	}

	upd := store.EnrichmentUpdate{
		Raw:        data.Raw,
		EnrichedAt: time.Now().UnixMilli(),
	}
	if v := data.Get("provider_name"); v.Exists() {
		s := v.String()
		upd.ProviderName = &s
	}
	if v := data.Get("id"); v.Exists() {
		s := v.String()
		upd.UpstreamID = &s
	}
	if v := data.Get("total_cost"); v.Exists() {
		f := v.Float()
		upd.TotalCost = &f
		upd.TotalCostMicros = int64(math.Round(f * 1_000_000))
	}
	if v := data.Get("cache_discount"); v.Exists() {
		f := v.Float()
		upd.CacheDiscount = &f
	}
	setInt := func(dst **int64, key string) {
		if v := data.Get(key); v.Exists() {
			n := v.Int()
			*dst = &n
		}
	}
	setInt(&upd.LatencyMS, "latency")
	setInt(&upd.GenerationTimeMS, "generation_time")
	setInt(&upd.ModerationMS, "moderation_latency")
	setInt(&upd.TokensPrompt, "native_tokens_prompt")
	setInt(&upd.TokensCompletion, "native_tokens_completion")
	setInt(&upd.TokensReasoning, "native_tokens_reasoning")
	setInt(&upd.TokensCached, "native_tokens_cached")
	if v := data.Get("finish_reason"); v.Exists() {
		s := v.String()
		upd.FinishReason = &s
	}
	if v := data.Get("is_byok"); v.Exists() {
		b := v.Bool()
		upd.IsBYOK = &b
	}

	updated, err := e.store.MarkEnriched(req.Context(), aiID, upd)
	if err != nil {
		return fmt.Errorf("store enrichment: %w", err)
	}
	if !updated {
		// Already enriched; a second success is a no-op.
		return nil
	}
	e.bus.Publish(eventbus.Event{Kind: eventbus.KindEnriched, Payload: eventbus.Enriched{
		AIRequestID:   aiID,
		ProviderName:  upd.ProviderName,
		TotalCost:     upd.TotalCost,
		CacheDiscount: upd.CacheDiscount,
	}})
	e.logger.Info("enriched generation", "aiRequestId", aiID, "generationId", generationID)
	return nil
}
