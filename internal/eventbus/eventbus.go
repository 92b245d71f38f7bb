// Copyright AI Scope Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package eventbus broadcasts request lifecycle events to live observers.
// Delivery is best-effort: events are not persisted, late subscribers see
// nothing from the past, and a slow subscriber drops events rather than
// stalling the proxy.
package eventbus

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// Kind names a lifecycle event.
type Kind string

const (
	KindRequestStart    Kind = "request:start"
	KindRequestComplete Kind = "request:complete"
	KindEnriched        Kind = "openrouter:enriched"
)

// RequestStart is emitted when a request record is first inserted.
type RequestStart struct {
	ID          string `json:"id"`
	Method      string `json:"method"`
	URL         string `json:"url"`
	Path        string `json:"path"`
	TargetURL   string `json:"targetUrl"`
	RouteSource string `json:"routeSource"`
	IsAIRequest bool   `json:"isAiRequest"`
	CreatedAt   int64  `json:"createdAt"`
}

// RequestComplete is emitted when a request record reaches a terminal state.
type RequestComplete struct {
	ID              string  `json:"id"`
	StatusCode      *int64  `json:"statusCode"`
	ResponseTimeMS  *int64  `json:"responseTime"`
	ResponseSize    *int64  `json:"responseSize"`
	Error           *string `json:"error"`
	AIRequestID     *string `json:"aiRequestId,omitempty"`
	Model           *string `json:"model,omitempty"`
	TotalTokens     *int64  `json:"totalTokens,omitempty"`
	TotalCostMicros *int64  `json:"totalCostMicros,omitempty"`
}

// Enriched is emitted when the OpenRouter enricher updates an AI record.
type Enriched struct {
	AIRequestID   string   `json:"aiRequestId"`
	ProviderName  *string  `json:"providerName"`
	TotalCost     *float64 `json:"totalCost"`
	CacheDiscount *float64 `json:"cacheDiscount"`
}

// Event pairs a kind with its payload.
type Event struct {
	Kind    Kind `json:"type"`
	Payload any  `json:"payload"`
}

// subscriberBuffer bounds each subscriber channel. A full buffer drops.
const subscriberBuffer = 64

// Bus fans events out to the current subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]chan Event
	logger *slog.Logger
}

// New returns an empty bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{subs: map[uuid.UUID]chan Event{}, logger: logger.With("component", "eventbus")}
}

// Subscribe registers a new observer and returns its id and channel. The
// channel is closed by Unsubscribe.
func (b *Bus) Subscribe() (uuid.UUID, <-chan Event) {
	ch := make(chan Event, subscriberBuffer)
	id := uuid.New()
	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes an observer and closes its channel.
func (b *Bus) Unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish broadcasts ev without blocking. Subscribers with a full buffer miss
// this event.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropping event for slow subscriber", "subscriber", id, "kind", ev.Kind)
		}
	}
}

// SubscriberCount returns the number of live observers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Handler serves the bus over SSE for the admin UI. Each event becomes one
// SSE event whose name is the kind and whose data is the JSON payload.
func (b *Bus) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		id, ch := b.Subscribe()
		defer b.Unsubscribe(id)

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(ev.Payload)
				if err != nil {
					continue
				}
				if _, err := w.Write([]byte("event: " + string(ev.Kind) + "\ndata: " + string(data) + "\n\n")); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})
}
