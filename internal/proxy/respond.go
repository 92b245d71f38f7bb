// Copyright AI Scope Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aiscope/aiscope/internal/aiparse"
	"github.com/aiscope/aiscope/internal/bodyutil"
	"github.com/aiscope/aiscope/internal/eventbus"
	"github.com/aiscope/aiscope/internal/sse"
	"github.com/aiscope/aiscope/internal/store"
)

// serveStreaming forwards an SSE response through the collector tee and
// observes the merged stream afterwards.
func (h *Handler) serveStreaming(w http.ResponseWriter, ex *exchange, resp *http.Response, upstream io.Reader, headersSent *bool) {
	copyResponseHeaders(w, resp.Header)
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/event-stream")
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	*headersSent = true
	w.WriteHeader(resp.StatusCode)

	collector := sse.NewCollector(w, ex.start)
	_, copyErr := io.Copy(collector, upstream)
	res := collector.Finish()

	duration := time.Since(ex.start).Milliseconds()
	var size int64
	for _, c := range res.Chunks {
		size += int64(len(c))
	}

	var parsed *aiparse.Response
	var fullResponse string
	genID := ""
	if ex.aiReq != nil {
		streamed := aiparse.ParseStreamed(res.Chunks)
		parsed = &streamed.Response
		fullResponse = bodyutil.SafeMarshal(streamed.Frames)
		genID = aiparse.ExtractGenerationIDFromChunks(res.Chunks)
	}

	h.observe(ex, observation{
		statusCode:      resp.StatusCode,
		responseHeaders: resp.Header,
		responseBody:    streamingBodyPlaceholder,
		responseSize:    size,
		durationMS:      duration,
		upstreamErr:     copyErr,
		streaming:       true,
		ttftMS:          res.TimeToFirstTokenMS,
		parsed:          parsed,
		fullResponse:    fullResponse,
		generationID:    genID,
	})
}

// serveBuffered forwards a non-SSE response unbuffered while teeing the bytes
// for the log, then observes once the upstream ends.
func (h *Handler) serveBuffered(w http.ResponseWriter, ex *exchange, resp *http.Response, upstream io.Reader, headersSent *bool) {
	copyResponseHeaders(w, resp.Header)
	*headersSent = true
	w.WriteHeader(resp.StatusCode)

	cw := newCaptureWriter(w, maxFrameBytes)
	_, copyErr := io.Copy(cw, upstream)

	duration := time.Since(ex.start).Milliseconds()

	var proc bodyutil.ProcessResult
	var parsed *aiparse.Response
	var fullResponse string
	genID := ""
	if ct := resp.Header.Get("Content-Type"); bodyutil.IsBinaryContentType(ct) {
		// Opaque payloads keep their size but are never decoded or parsed.
		proc = bodyutil.ProcessResult{
			Body: fmt.Sprintf("[Binary %s response: %d bytes]", ct, cw.total),
			Size: cw.total,
		}
	} else {
		decompressed := bodyutil.Decompress(cw.captured(), resp.Header.Get("Content-Encoding"))
		proc = bodyutil.ProcessBody(decompressed, ex.cfg.MaxBodySize)
		if ex.aiReq != nil {
			parsed = aiparse.ParseResponse(decompressed)
			fullResponse = proc.Body
			genID = aiparse.ExtractGenerationID(decompressed)
		}
	}

	h.observe(ex, observation{
		statusCode:        resp.StatusCode,
		responseHeaders:   resp.Header,
		responseBody:      proc.Body,
		responseTruncated: proc.Truncated,
		responseSize:      cw.total,
		durationMS:        duration,
		upstreamErr:       copyErr,
		parsed:            parsed,
		fullResponse:      fullResponse,
		generationID:      genID,
	})
}

// observation is everything the completion step needs to record one exchange.
type observation struct {
	statusCode        int
	responseHeaders   http.Header
	responseBody      string
	responseTruncated bool
	responseSize      int64
	durationMS        int64
	upstreamErr       error
	streaming         bool
	ttftMS            *int64
	parsed            *aiparse.Response
	fullResponse      string
	generationID      string
}

// observe finishes the record, emits request:complete, schedules enrichment
// and updates the instruments. Runs after the client response is done; its
// failures are logged and swallowed.
func (h *Handler) observe(ex *exchange, obs observation) {
	// The client may already be gone; observation writes still must land.
	ctx := context.WithoutCancel(ex.ctx)

	complete := eventbus.RequestComplete{ID: ex.id}
	status := int64(obs.statusCode)
	complete.StatusCode = &status
	complete.ResponseTimeMS = &obs.durationMS
	complete.ResponseSize = &obs.responseSize
	var errMsg *string
	if obs.upstreamErr != nil {
		msg := obs.upstreamErr.Error()
		errMsg = &msg
		complete.Error = &msg
	}

	if ex.loggable && ex.id != "" {
		upd := store.RequestRecordUpdate{
			StatusCode:        &status,
			ResponseHeaders:   ptr(bodyutil.SafeMarshal(flattenHeader(obs.responseHeaders))),
			ResponseBody:      &obs.responseBody,
			ResponseTruncated: &obs.responseTruncated,
			ResponseSize:      &obs.responseSize,
			DurationMS:        &obs.durationMS,
			Error:             errMsg,
		}
		if ex.aiReq != nil {
			ai := h.buildAIRecord(ctx, ex, obs)
			complete.AIRequestID = &ai.ID
			complete.Model = ai.Model
			complete.TotalTokens = ai.TotalTokens
			complete.TotalCostMicros = &ai.TotalCostMicros
			if err := h.store.CompleteWithAIRecord(ctx, ex.id, upd, ai); err != nil {
				h.logger.Error("ai record completion failed", "id", ex.id, "error", err)
				// Fallback: keep the core response fields on the record.
				note := "ai record write failed: " + err.Error()
				upd.Error = &note
				if uerr := h.store.UpdateRequestRecord(ctx, ex.id, upd); uerr != nil {
					h.logger.Error("fallback record update failed", "id", ex.id, "error", uerr)
				}
			} else if obs.generationID != "" && ex.auth != "" && h.enricher != nil {
				h.enricher.Schedule(ai.ID, obs.generationID, ex.auth)
			}
		} else {
			if err := h.store.UpdateRequestRecord(ctx, ex.id, upd); err != nil {
				h.logger.Error("record update failed", "id", ex.id, "error", err)
			}
		}
		h.bus.Publish(eventbus.Event{Kind: eventbus.KindRequestComplete, Payload: complete})
	}

	h.recordMetrics(ctx, ex, obs, complete)
}

// buildAIRecord merges the parsed request and response into one AIRecord and
// prices it.
func (h *Handler) buildAIRecord(ctx context.Context, ex *exchange, obs observation) *store.AIRecord {
	req := ex.aiReq
	model := req.Model
	var prompt, completion, total *int64
	var assistant *string
	if obs.parsed != nil {
		if obs.parsed.Model != nil {
			model = obs.parsed.Model
		}
		prompt = obs.parsed.PromptTokens
		completion = obs.parsed.CompletionTokens
		total = obs.parsed.TotalTokens
		assistant = obs.parsed.AssistantResponse
	}
	cost := h.pricing.EstimateCost(ctx, model, prompt, completion, req.Provider)

	ai := &store.AIRecord{
		ID:                 store.NewID(),
		Provider:           req.Provider,
		Endpoint:           req.Endpoint,
		Model:              model,
		Streaming:          obs.streaming,
		Messages:           bodyutil.SafeMarshal(req.Messages),
		SystemPrompt:       req.SystemPrompt,
		UserMessages:       bodyutil.SafeMarshal(req.UserMessages),
		AssistantResponse:  assistant,
		HasToolCalls:       req.HasToolCalls,
		ToolCallCount:      req.ToolCallCount,
		ToolNames:          bodyutil.SafeMarshal(req.ToolNames),
		FullRequest:        &req.FullRequest,
		PromptTokens:       prompt,
		CompletionTokens:   completion,
		TotalTokens:        total,
		InputCostMicros:    cost.InputMicros,
		OutputCostMicros:   cost.OutputMicros,
		TotalCostMicros:    cost.TotalMicros,
		TimeToFirstTokenMS: obs.ttftMS,
		TotalDurationMS:    &obs.durationMS,
		CreatedAt:          ex.start.UnixMilli(),
	}
	if obs.fullResponse != "" {
		ai.FullResponse = &obs.fullResponse
	}
	if obs.generationID != "" {
		ai.GenerationID = &obs.generationID
	}
	return ai
}

func (h *Handler) recordMetrics(ctx context.Context, ex *exchange, obs observation, complete eventbus.RequestComplete) {
	if h.observer == nil {
		return
	}
	h.observer.RecordProxyRequest(ctx, string(ex.target.Source), obs.statusCode)
	if ex.aiReq == nil {
		return
	}
	provider := string(ex.aiReq.Provider)
	model := ""
	if complete.Model != nil {
		model = *complete.Model
	}
	var errType *string
	if obs.upstreamErr != nil {
		msg := obs.upstreamErr.Error()
		errType = &msg
	}
	h.observer.RecordRequestCompletion(ctx, provider, model, obs.streaming, time.Duration(obs.durationMS)*time.Millisecond, errType)
	if obs.parsed != nil && obs.parsed.PromptTokens != nil && obs.parsed.CompletionTokens != nil && obs.parsed.TotalTokens != nil {
		h.observer.RecordTokenUsage(ctx, provider, model, *obs.parsed.PromptTokens, *obs.parsed.CompletionTokens, *obs.parsed.TotalTokens)
	}
	if obs.ttftMS != nil {
		h.observer.RecordTimeToFirstToken(ctx, provider, model, time.Duration(*obs.ttftMS)*time.Millisecond)
	}
}

// copyResponseHeaders forwards upstream headers minus the framing the Go
// server manages itself.
func copyResponseHeaders(w http.ResponseWriter, src http.Header) {
	for k, vs := range src {
		if http.CanonicalHeaderKey(k) == "Transfer-Encoding" {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
}

// captureWriter forwards to the client and keeps a bounded copy on the side.
// A client write failure stops forwarding but never capture.
type captureWriter struct {
	dst     io.Writer
	flusher http.Flusher
	buf     []byte
	limit   int64
	total   int64
	wErr    error
}

func newCaptureWriter(dst io.Writer, limit int64) *captureWriter {
	cw := &captureWriter{dst: dst, limit: limit}
	if f, ok := dst.(http.Flusher); ok {
		cw.flusher = f
	}
	return cw
}

func (c *captureWriter) Write(p []byte) (int, error) {
	n := len(p)
	c.total += int64(n)
	if c.wErr == nil {
		if _, err := c.dst.Write(p); err != nil {
			c.wErr = err
		} else if c.flusher != nil {
			c.flusher.Flush()
		}
	}
	if int64(len(c.buf)) < c.limit {
		room := c.limit - int64(len(c.buf))
		if int64(len(p)) > room {
			p = p[:room]
		}
		c.buf = append(c.buf, p...)
	}
	return n, nil
}

func (c *captureWriter) captured() []byte { return c.buf }

func ptr[T any](v T) *T { return &v }
