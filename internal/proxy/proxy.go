// Copyright AI Scope Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package proxy implements the forwarding handler: every request is resolved
// to a target, forwarded byte-for-byte, and observed on the side. Observation
// is strictly best-effort; no store or parse failure may alter what the
// client receives.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aiscope/aiscope/internal/aiparse"
	"github.com/aiscope/aiscope/internal/bodyutil"
	"github.com/aiscope/aiscope/internal/eventbus"
	"github.com/aiscope/aiscope/internal/metrics"
	"github.com/aiscope/aiscope/internal/pricing"
	"github.com/aiscope/aiscope/internal/router"
	"github.com/aiscope/aiscope/internal/sse"
	"github.com/aiscope/aiscope/internal/store"
)

const (
	// maxFrameBytes is the absolute request/response capture ceiling. Bodies
	// beyond it are rejected (requests) or stop being captured (responses).
	maxFrameBytes = 50 << 20

	streamingBodyPlaceholder = "[Streaming response - see AI request details]"
)

// blockedUserAgentFragments filters AI crawlers and the major search bots.
// Matched case-insensitively as substrings of the User-Agent header.
var blockedUserAgentFragments = []string{
	"gptbot", "chatgpt-user", "oai-searchbot", "claudebot", "claude-web",
	"anthropic-ai", "perplexitybot", "google-extended", "ccbot", "bytespider",
	"googlebot", "bingbot", "duckduckbot", "baiduspider", "yandexbot", "slurp",
}

// staticAssetExtensions are skipped by the request log.
var staticAssetExtensions = []string{
	".js", ".mjs", ".cjs", ".css", ".map",
	".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".webp", ".avif",
	".woff", ".woff2", ".ttf", ".otf", ".eot",
}

// EnrichScheduler queues out-of-band enrichment for an AI record.
type EnrichScheduler interface {
	Schedule(aiID, generationID, authorization string)
}

// Handler is the forwarding handler. One instance serves all requests.
type Handler struct {
	store    *store.Store
	bus      *eventbus.Bus
	pricing  *pricing.Estimator
	enricher EnrichScheduler
	observer *metrics.Observer
	logger   *slog.Logger
	client   *http.Client
}

// New wires a handler. observer may be nil when metrics are disabled.
func New(st *store.Store, bus *eventbus.Bus, est *pricing.Estimator, enricher EnrichScheduler, observer *metrics.Observer, logger *slog.Logger) *Handler {
	return &Handler{
		store:    st,
		bus:      bus,
		pricing:  est,
		enricher: enricher,
		observer: observer,
		logger:   logger.With("component", "proxy"),
		// No client timeout: streamed completions can run for minutes.
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
}

// exchange carries the per-request observation state through the pipeline.
type exchange struct {
	id       string
	ctx      context.Context
	start    time.Time
	cfg      store.Config
	target   router.Target
	aiReq    *aiparse.Request
	loggable bool
	auth     string
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	headersSent := false
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("panic in proxy handler", "panic", rec, "path", r.URL.Path)
			if !headersSent {
				writeJSONError(w, http.StatusInternalServerError, "Internal proxy error", "unexpected error")
			}
		}
	}()

	ex := &exchange{ctx: r.Context(), start: time.Now(), auth: r.Header.Get("Authorization")}

	cfg, err := h.store.LoadConfig(r.Context())
	if err != nil {
		h.logger.Error("config load failed, using defaults", "error", err)
		cfg = store.DefaultConfig()
	}
	ex.cfg = cfg

	if isBlockedUserAgent(r.UserAgent()) {
		writeJSONError(w, http.StatusForbidden, "Forbidden", "blocked user agent")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "Payload too large", err.Error())
			return
		}
		writeJSONError(w, http.StatusBadRequest, "Bad request", "failed to read request body")
		return
	}

	rules, err := h.store.ListEnabledRules(r.Context())
	if err != nil {
		h.logger.Error("rule listing failed", "error", err)
	}

	ex.loggable = cfg.LogEnabled && !isStaticAsset(r.URL.Path)

	target, err := router.Resolve(r, rules, cfg)
	if err != nil {
		h.respondRoutingError(w, r, ex, body, err)
		return
	}
	ex.target = target

	cleanQuery := router.CleanQuery(r.URL.Query())
	fullTarget, err := router.BuildTargetURL(target.URL, r.URL.Path, cleanQuery)
	if err != nil {
		h.respondRoutingError(w, r, ex, body, &router.InvalidURLError{Raw: target.URL})
		return
	}

	if cfg.AIDetectionEnabled && aiparse.IsAIEndpoint(r.URL.Path) {
		parsed, ok := aiparse.ParseRequest(body, r.URL.Path, target.URL, r.Header)
		if ok {
			ex.aiReq = parsed
		} else {
			// Non-JSON body on an AI endpoint: treated as a plain request.
			h.logger.Debug("ai endpoint body did not parse, treating as non-ai", "path", r.URL.Path)
		}
	}

	if ex.loggable {
		ex.id = store.NewID()
		h.insertRecord(r, ex, body, cleanQuery)
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, fullTarget, bytes.NewReader(body))
	if err != nil {
		h.completeWithError(w, ex, r, http.StatusBadGateway, "Proxy error", err, &headersSent)
		return
	}
	copyOutboundHeaders(outReq, r)
	if len(body) > 0 {
		outReq.ContentLength = int64(len(body))
	}

	resp, err := h.client.Do(outReq)
	if err != nil {
		h.completeWithError(w, ex, r, http.StatusBadGateway, "Proxy error", err, &headersSent)
		return
	}
	defer resp.Body.Close()

	// Only a request that asked for a stream takes the streaming path; an SSE
	// content type alone is not enough, those responses stay on the buffered
	// path and keep their body in the record.
	upstream := io.Reader(resp.Body)
	streaming := false
	if ex.aiReq != nil && ex.aiReq.Streaming {
		contentType := resp.Header.Get("Content-Type")
		streaming = sse.IsEventStream(contentType)
		if !streaming && contentType == "" {
			// Chunked upstreams sometimes omit the content type; sniff it.
			prefix := make([]byte, 16)
			n, _ := io.ReadFull(resp.Body, prefix)
			upstream = io.MultiReader(bytes.NewReader(prefix[:n]), resp.Body)
			streaming = sse.LooksLikeEventStream(prefix[:n])
		}
	}

	if streaming {
		h.serveStreaming(w, ex, resp, upstream, &headersSent)
	} else {
		h.serveBuffered(w, ex, resp, upstream, &headersSent)
	}
}

// respondRoutingError answers 400 for NO_TARGET / INVALID_URL and records the
// failure without contacting any upstream.
func (h *Handler) respondRoutingError(w http.ResponseWriter, r *http.Request, ex *exchange, body []byte, err error) {
	code := "NO_TARGET"
	var invalid *router.InvalidURLError
	if errors.As(err, &invalid) {
		code = "INVALID_URL"
	}
	msg := err.Error()

	if ex.loggable {
		ex.id = store.NewID()
		h.insertRecord(r, ex, body, router.CleanQuery(r.URL.Query()))
		status := int64(http.StatusBadRequest)
		duration := time.Since(ex.start).Milliseconds()
		if uerr := h.store.UpdateRequestRecord(r.Context(), ex.id, store.RequestRecordUpdate{
			StatusCode: &status,
			DurationMS: &duration,
			Error:      &msg,
		}); uerr != nil {
			h.logger.Error("routing error record update failed", "id", ex.id, "error", uerr)
		}
		h.bus.Publish(eventbus.Event{Kind: eventbus.KindRequestComplete, Payload: eventbus.RequestComplete{
			ID:             ex.id,
			StatusCode:     &status,
			ResponseTimeMS: &duration,
			Error:          &msg,
		}})
	}
	if h.observer != nil {
		h.observer.RecordProxyRequest(r.Context(), string(ex.target.Source), http.StatusBadRequest)
	}
	writeJSONError(w, http.StatusBadRequest, code, msg)
}

// insertRecord writes the initial RequestRecord and emits request:start.
func (h *Handler) insertRecord(r *http.Request, ex *exchange, body []byte, cleanQuery url.Values) {
	proc := bodyutil.ProcessBody(body, ex.cfg.MaxBodySize)
	rec := &store.RequestRecord{
		ID:            ex.id,
		Method:        r.Method,
		URL:           r.URL.String(),
		Path:          r.URL.Path,
		Query:         bodyutil.SafeMarshal(flattenValues(cleanQuery)),
		Headers:       bodyutil.SafeMarshal(flattenHeader(r.Header)),
		Body:          proc.Body,
		BodyTruncated: proc.Truncated,
		BodySize:      proc.Size,
		TargetURL:     ex.target.URL,
		RouteSource:   ex.target.Source,
		IsAIRequest:   ex.aiReq != nil,
		CreatedAt:     ex.start.UnixMilli(),
	}
	if ex.target.RuleID != "" {
		rec.MatchedRuleID = &ex.target.RuleID
	}
	if rec.RouteSource == "" {
		rec.RouteSource = store.RouteSourceDefault
	}
	if err := h.store.InsertRequestRecord(context.WithoutCancel(r.Context()), rec); err != nil {
		h.logger.Error("request record insert failed", "id", ex.id, "error", err)
	}
	h.bus.Publish(eventbus.Event{Kind: eventbus.KindRequestStart, Payload: eventbus.RequestStart{
		ID:          ex.id,
		Method:      rec.Method,
		URL:         rec.URL,
		Path:        rec.Path,
		TargetURL:   rec.TargetURL,
		RouteSource: string(rec.RouteSource),
		IsAIRequest: rec.IsAIRequest,
		CreatedAt:   rec.CreatedAt,
	}})
}

// completeWithError finishes a request whose upstream call failed before any
// response bytes reached the client.
func (h *Handler) completeWithError(w http.ResponseWriter, ex *exchange, r *http.Request, status int, code string, cause error, headersSent *bool) {
	msg := cause.Error()
	h.logger.Error("upstream call failed", "id", ex.id, "target", ex.target.URL, "error", cause)
	if ex.loggable && ex.id != "" {
		st := int64(status)
		duration := time.Since(ex.start).Milliseconds()
		if err := h.store.UpdateRequestRecord(context.WithoutCancel(r.Context()), ex.id, store.RequestRecordUpdate{
			StatusCode: &st,
			DurationMS: &duration,
			Error:      &msg,
		}); err != nil {
			h.logger.Error("error record update failed", "id", ex.id, "error", err)
		}
		h.bus.Publish(eventbus.Event{Kind: eventbus.KindRequestComplete, Payload: eventbus.RequestComplete{
			ID:             ex.id,
			StatusCode:     &st,
			ResponseTimeMS: &duration,
			Error:          &msg,
		}})
	}
	if h.observer != nil {
		h.observer.RecordProxyRequest(r.Context(), string(ex.target.Source), status)
	}
	if !*headersSent {
		*headersSent = true
		writeJSONError(w, status, code, msg)
	}
}

func isBlockedUserAgent(ua string) bool {
	lower := strings.ToLower(ua)
	for _, frag := range blockedUserAgentFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

func isStaticAsset(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range staticAssetExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// copyOutboundHeaders copies the inbound headers onto the upstream request,
// dropping hop-by-hop framing and the reserved routing header. The Host
// header follows the target.
func copyOutboundHeaders(out *http.Request, in *http.Request) {
	// Go canonicalizes "X-Target-URL" to "X-Target-Url", so the reserved
	// header constant must be canonicalized too before comparing.
	targetHeader := http.CanonicalHeaderKey(router.TargetHeader)
	for k, vs := range in.Header {
		switch http.CanonicalHeaderKey(k) {
		case "Connection", "Content-Length", targetHeader:
			continue
		}
		for _, v := range vs {
			out.Header.Add(k, v)
		}
	}
	out.Host = out.URL.Host
}

// flattenValues keeps the first value per key, the shape stored and shown for
// query strings.
func flattenValues(vs url.Values) map[string]string {
	m := make(map[string]string, len(vs))
	for k, v := range vs {
		if len(v) > 0 {
			m[k] = v[0]
		} else {
			m[k] = ""
		}
	}
	return m
}

// flattenHeader keeps header name case as received, joining repeats.
func flattenHeader(h http.Header) map[string]string {
	m := make(map[string]string, len(h))
	for k, vs := range h {
		m[k] = strings.Join(vs, ", ")
	}
	return m
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(bodyutil.SafeMarshal(map[string]string{
		"error":   code,
		"message": message,
	})))
}
