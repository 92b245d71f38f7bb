// Copyright AI Scope Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package sse implements the pass-through stream collector: a tee that
// forwards upstream bytes to the client untouched while extracting SSE data
// payloads and the time to first token.
package sse

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
)

// IsEventStream reports whether a Content-Type value names an SSE stream,
// ignoring parameters.
func IsEventStream(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.HasPrefix(strings.ToLower(contentType), "text/event-stream")
	}
	return mt == "text/event-stream"
}

// LooksLikeEventStream sniffs the first bytes of a body for an SSE signature.
// Used when the upstream streams chunked without declaring the content type.
func LooksLikeEventStream(prefix []byte) bool {
	trimmed := bytes.TrimLeft(prefix, "\r\n")
	return bytes.HasPrefix(trimmed, []byte("data:")) || bytes.HasPrefix(trimmed, []byte("event:")) || bytes.HasPrefix(trimmed, []byte(":"))
}

// Result is what the collector yields once the upstream ends.
type Result struct {
	// Chunks are the per-event data payloads in arrival order, including the
	// [DONE] sentinel if one was seen.
	Chunks []string
	// TimeToFirstTokenMS is set when any non-empty content payload arrived.
	TimeToFirstTokenMS *int64
	// Bytes is the total number of upstream bytes observed.
	Bytes int64
	// ClientErr is the first downstream write error, if any. Collection
	// continues past it so the record stays useful.
	ClientErr error
}

// Collector is an io.Writer tee: every byte written is forwarded to the
// downstream writer in order, while SSE events are decoded from a small line
// window on the side.
type Collector struct {
	dst          io.Writer
	flusher      http.Flusher
	requestStart time.Time

	window  []byte
	event   []string
	chunks  []string
	ttftMS  *int64
	done    bool
	bytes   int64
	wErr    error
}

// NewCollector wraps dst. requestStart anchors the time-to-first-token clock.
// When dst also implements http.Flusher each write is flushed through so the
// client sees frames as they arrive.
func NewCollector(dst io.Writer, requestStart time.Time) *Collector {
	c := &Collector{dst: dst, requestStart: requestStart}
	if f, ok := dst.(http.Flusher); ok {
		c.flusher = f
	}
	return c
}

// Write implements io.Writer. The downstream write happens first; a failing
// client never stops collection, so Write always reports p as consumed.
func (c *Collector) Write(p []byte) (int, error) {
	c.bytes += int64(len(p))
	if c.wErr == nil {
		if _, err := c.dst.Write(p); err != nil {
			c.wErr = err
		} else if c.flusher != nil {
			c.flusher.Flush()
		}
	}
	c.scan(p)
	return len(p), nil
}

// scan feeds bytes into the line window and decodes complete SSE lines.
func (c *Collector) scan(p []byte) {
	if c.done {
		return
	}
	c.window = append(c.window, p...)
	for {
		i := bytes.IndexByte(c.window, '\n')
		if i == -1 {
			return
		}
		line := c.window[:i]
		c.window = c.window[i+1:]
		c.handleLine(bytes.TrimSuffix(line, []byte("\r")))
		if c.done {
			c.window = nil
			return
		}
	}
}

func (c *Collector) handleLine(line []byte) {
	switch {
	case len(line) == 0:
		// Blank line ends the event.
		if len(c.event) == 0 {
			return
		}
		payload := strings.Join(c.event, "\n")
		c.event = nil
		c.emit(payload)
	case line[0] == ':':
		// Comment.
	case bytes.HasPrefix(line, []byte("data:")):
		v := bytes.TrimPrefix(line, []byte("data:"))
		if len(v) > 0 && v[0] == ' ' {
			v = v[1:]
		}
		c.event = append(c.event, string(v))
	default:
		// Other fields (event:, id:, retry:) do not carry payload.
	}
}

func (c *Collector) emit(payload string) {
	c.chunks = append(c.chunks, payload)
	if payload == "[DONE]" {
		// Content tracking stops here; forwarding continues to EOF.
		c.done = true
		return
	}
	if c.ttftMS == nil && strings.TrimSpace(payload) != "" {
		ms := time.Since(c.requestStart).Milliseconds()
		c.ttftMS = &ms
	}
}

// Finish flushes any trailing event that was not terminated by a blank line
// and returns the collected result. Call it after upstream EOF, successful or
// not.
func (c *Collector) Finish() Result {
	if !c.done {
		if len(c.window) > 0 {
			c.handleLine(bytes.TrimSuffix(c.window, []byte("\r")))
			c.window = nil
		}
		if len(c.event) > 0 && !c.done {
			c.emit(strings.Join(c.event, "\n"))
			c.event = nil
		}
	}
	return Result{Chunks: c.chunks, TimeToFirstTokenMS: c.ttftMS, Bytes: c.bytes, ClientErr: c.wErr}
}
