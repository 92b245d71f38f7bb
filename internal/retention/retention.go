// Copyright AI Scope Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package retention ages out recorded traffic: requests older than the
// retention window are deleted, and sensitive request headers on anything
// older than the redaction window are overwritten in place.
package retention

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/aiscope/aiscope/internal/store"
)

const (
	// DeleteAfter is the hard retention window for request records.
	DeleteAfter = 30 * 24 * time.Hour
	// RedactAfter is the age at which sensitive headers are scrubbed.
	RedactAfter = 3 * 24 * time.Hour
	// Interval is the sweep cadence after the startup run.
	Interval = time.Hour

	redactedValue = "[REDACTED]"
)

// sensitiveHeaders are matched case-insensitively against stored header keys.
var sensitiveHeaders = []string{"authorization", "x-api-key", "api-key", "x-auth-token", "cookie", "set-cookie"}

// Worker owns the periodic sweep.
type Worker struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewWorker returns a worker sweeping st.
func NewWorker(st *store.Store, logger *slog.Logger) *Worker {
	return &Worker{store: st, logger: logger.With("component", "retention"), now: time.Now}
}

// Run sweeps once immediately, then every Interval until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	w.Sweep(ctx)
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep performs one delete-and-redact pass. Errors are logged and do not
// stop the rest of the pass.
func (w *Worker) Sweep(ctx context.Context) {
	now := w.now()

	deleted, err := w.store.DeleteRecordsOlderThan(ctx, now.Add(-DeleteAfter).UnixMilli())
	if err != nil {
		w.logger.Error("retention delete failed", "error", err)
	} else if deleted > 0 {
		w.logger.Info("deleted expired request records", "count", deleted)
	}

	ids, headers, err := w.store.ListHeadersOlderThan(ctx, now.Add(-RedactAfter).UnixMilli())
	if err != nil {
		w.logger.Error("retention header listing failed", "error", err)
		return
	}
	redacted := 0
	for i, id := range ids {
		scrubbed, changed := RedactHeaders(headers[i])
		if !changed {
			continue
		}
		if err := w.store.UpdateHeaders(ctx, id, scrubbed); err != nil {
			w.logger.Error("header redaction failed", "id", id, "error", err)
			continue
		}
		redacted++
	}
	if redacted > 0 {
		w.logger.Info("redacted sensitive headers", "count", redacted)
	}
}

// RedactHeaders replaces the values of sensitive keys in a JSON header map
// with the redaction marker. Returns the possibly-rewritten JSON and whether
// anything changed. Invalid JSON is returned untouched.
func RedactHeaders(raw string) (string, bool) {
	parsed := gjson.Parse(raw)
	if !parsed.IsObject() {
		return raw, false
	}
	out := raw
	changed := false
	parsed.ForEach(func(key, value gjson.Result) bool {
		if !isSensitive(key.String()) || value.String() == redactedValue {
			return true
		}
		// Keys may contain dots; escape them for the sjson path.
		path := strings.ReplaceAll(key.String(), ".", `\.`)
		rewritten, err := sjson.Set(out, path, redactedValue)
		if err != nil {
			return true
		}
		out = rewritten
		changed = true
		return true
	})
	return out, changed
}

func isSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveHeaders {
		if lower == s {
			return true
		}
	}
	return false
}
