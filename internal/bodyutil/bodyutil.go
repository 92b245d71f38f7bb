// Copyright AI Scope Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package bodyutil contains the body capture and content decoding helpers shared
// by the forwarder and the retention worker.
package bodyutil

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// ProcessResult is the outcome of bounding a captured body for storage.
type ProcessResult struct {
	// Body is the UTF-8 text stored for the record. When the raw payload exceeded
	// the limit this is the truncation sentinel, not the payload.
	Body string
	// Truncated is true when Body is the sentinel.
	Truncated bool
	// Size is the byte length of the raw payload regardless of truncation.
	Size int64
}

// ProcessBody bounds raw for storage. Payloads larger than maxSize are replaced
// by a sentinel so the record still carries the true size.
func ProcessBody(raw []byte, maxSize int64) ProcessResult {
	size := int64(len(raw))
	if maxSize > 0 && size > maxSize {
		return ProcessResult{
			Body:      fmt.Sprintf("[Body truncated: %d exceeds limit of %d]", size, maxSize),
			Truncated: true,
			Size:      size,
		}
	}
	// Non-decodable bytes are stored best-effort; the replacement runes are fine
	// for display and the raw size is preserved above.
	return ProcessResult{Body: string(raw), Size: size}
}

// Decompress decodes body according to the Content-Encoding header value.
// Supports gzip, br, deflate (zlib-wrapped or raw) and identity. Any decoder
// error returns the input unchanged: the client already received these bytes
// verbatim, so decoding is strictly best-effort for observation.
func Decompress(body []byte, contentEncoding string) []byte {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "gzip", "x-gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return body
		}
		return readAllOr(body, r)
	case "br":
		return readAllOr(body, brotli.NewReader(bytes.NewReader(body)))
	case "deflate":
		// Most servers send zlib-wrapped deflate, some send raw flate.
		if r, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
			if out, err := io.ReadAll(r); err == nil {
				return out
			}
		}
		return readAllOr(body, flate.NewReader(bytes.NewReader(body)))
	default:
		return body
	}
}

func readAllOr(fallback []byte, r io.Reader) []byte {
	out, err := io.ReadAll(r)
	if err != nil {
		return fallback
	}
	return out
}

// SafeMarshal encodes v as JSON, returning "{}" on failure.
func SafeMarshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// binaryContentTypePrefixes lists media types that are never parsed for AI content.
var binaryContentTypePrefixes = []string{
	"image/",
	"video/",
	"audio/",
	"application/octet-stream",
	"application/pdf",
	"application/zip",
	"application/gzip",
	"application/x-tar",
}

// IsBinaryContentType reports whether the Content-Type value names a payload
// that should be treated as opaque bytes.
func IsBinaryContentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	for _, p := range binaryContentTypePrefixes {
		if strings.HasPrefix(ct, p) {
			return true
		}
	}
	return false
}
