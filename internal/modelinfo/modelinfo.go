// Copyright AI Scope Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package modelinfo caches model metadata (context window, list pricing) for
// display purposes. It probes the upstream origin's model listing first and
// falls back to the OpenRouter catalogue. Everything here is best-effort
// observability: a miss returns nil and never blocks or fails a proxied
// request.
package modelinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// originTTL is how long a successful origin probe stays fresh.
	originTTL = time.Hour
	// failedTTL is how long a failed origin is left alone before re-probing.
	failedTTL = 5 * time.Minute
	// catalogueTTL is how long the OpenRouter catalogue stays fresh.
	catalogueTTL = time.Hour
	// probeTimeout bounds each outbound listing request.
	probeTimeout = 5 * time.Second

	defaultCatalogueURL = "https://openrouter.ai/api/v1/models"
)

// vendorPrefixes are tried against the catalogue when a bare model name
// misses, e.g. "gpt-4o" -> "openai/gpt-4o".
var vendorPrefixes = []string{"openai/", "anthropic/", "google/", "mistralai/", "meta-llama/", "deepseek/"}

// Info is the metadata surfaced for a model.
type Info struct {
	ID              string   `json:"id"`
	ContextLength   *int64   `json:"contextLength"`
	PromptPrice     *float64 `json:"promptPrice,omitempty"`
	CompletionPrice *float64 `json:"completionPrice,omitempty"`
}

type originEntry struct {
	models    map[string]Info
	fetchedAt time.Time
}

// Cache is the process-wide model metadata cache. All methods are safe for
// concurrent use.
type Cache struct {
	client       *http.Client
	logger       *slog.Logger
	catalogueURL string
	now          func() time.Time

	mu        sync.Mutex
	origins   map[string]originEntry
	failed    map[string]time.Time
	catalogue map[string]Info
	catAt     time.Time
}

// New returns an empty cache.
func New(logger *slog.Logger) *Cache {
	return &Cache{
		client:       &http.Client{Timeout: probeTimeout},
		logger:       logger.With("component", "modelinfo"),
		catalogueURL: defaultCatalogueURL,
		now:          time.Now,
		origins:      map[string]originEntry{},
		failed:       map[string]time.Time{},
	}
}

// Lookup returns metadata for model as served by origin, or nil when nothing
// is known. origin is a scheme://host[:port] string; model may be empty.
func (c *Cache) Lookup(ctx context.Context, origin, model string) *Info {
	if model == "" {
		return nil
	}
	if origin != "" {
		if info := c.fromOrigin(ctx, origin, model); info != nil {
			return info
		}
	}
	return c.fromCatalogue(ctx, model)
}

func (c *Cache) fromOrigin(ctx context.Context, origin, model string) *Info {
	c.mu.Lock()
	entry, ok := c.origins[origin]
	fresh := ok && c.now().Sub(entry.fetchedAt) < originTTL
	failedAt, wasFailed := c.failed[origin]
	recentlyFailed := wasFailed && c.now().Sub(failedAt) < failedTTL
	c.mu.Unlock()

	if !fresh {
		if recentlyFailed {
			return nil
		}
		models, err := c.probe(ctx, origin)
		if err != nil {
			c.logger.Debug("model listing probe failed", "origin", origin, "error", err)
			c.mu.Lock()
			c.failed[origin] = c.now()
			c.mu.Unlock()
			return nil
		}
		c.mu.Lock()
		c.origins[origin] = originEntry{models: models, fetchedAt: c.now()}
		delete(c.failed, origin)
		entry = c.origins[origin]
		c.mu.Unlock()
	}
	if info, ok := entry.models[model]; ok {
		return &info
	}
	return nil
}

// probe fetches ${origin}/v1/models, then ${origin}/models.
func (c *Cache) probe(ctx context.Context, origin string) (map[string]Info, error) {
	base := strings.TrimRight(origin, "/")
	var lastErr error
	for _, path := range []string{"/v1/models", "/models"} {
		models, err := c.fetchListing(ctx, base+path)
		if err == nil {
			return models, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Cache) fromCatalogue(ctx context.Context, model string) *Info {
	c.mu.Lock()
	stale := c.catalogue == nil || c.now().Sub(c.catAt) >= catalogueTTL
	c.mu.Unlock()

	if stale {
		models, err := c.fetchListing(ctx, c.catalogueURL)
		if err != nil {
			c.logger.Debug("catalogue fetch failed", "error", err)
			return nil
		}
		c.mu.Lock()
		c.catalogue = models
		c.catAt = c.now()
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if info, ok := c.catalogue[model]; ok {
		return &info
	}
	for _, prefix := range vendorPrefixes {
		if info, ok := c.catalogue[prefix+model]; ok {
			return &info
		}
	}
	return nil
}

// fetchListing GETs url and decodes any of the accepted listing shapes:
// {"data":[...]}, {"models":[...]}, or a bare top-level array. Elements are
// keyed by "id", falling back to "name".
func (c *Cache) fetchListing(ctx context.Context, url string) (map[string]Info, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("listing %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}

	root := gjson.ParseBytes(body)
	list := root.Get("data")
	if !list.IsArray() {
		list = root.Get("models")
	}
	if !list.IsArray() && root.IsArray() {
		list = root
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("listing %s: unrecognized shape", url)
	}

	models := map[string]Info{}
	list.ForEach(func(_, el gjson.Result) bool {
		id := el.Get("id").String()
		if id == "" {
			id = el.Get("name").String()
		}
		if id == "" {
			return true
		}
		info := Info{ID: id}
		for _, key := range []string{"context_length", "context_window", "max_tokens"} {
			if v := el.Get(key); v.Exists() {
				n := v.Int()
				info.ContextLength = &n
				break
			}
		}
		if v := el.Get("pricing.prompt"); v.Exists() {
			f := v.Float()
			info.PromptPrice = &f
		}
		if v := el.Get("pricing.completion"); v.Exists() {
			f := v.Float()
			info.CompletionPrice = &f
		}
		models[id] = info
		return true
	})
	if len(models) == 0 {
		return nil, fmt.Errorf("listing %s: no models", url)
	}
	return models, nil
}

// Handler serves lookups for the admin UI: GET ?origin=...&model=... returns
// the Info as JSON, or null on a miss.
func (c *Cache) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		info := c.Lookup(r.Context(), q.Get("origin"), q.Get("model"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(info)
	})
}
