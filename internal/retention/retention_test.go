// Copyright AI Scope Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package retention

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aiscope/aiscope/internal/store"
)

func TestRedactHeaders(t *testing.T) {
	tests := []struct {
		name        string
		in          string
		want        string
		wantChanged bool
	}{
		{
			name:        "authorization scrubbed, others kept",
			in:          `{"Authorization":"Bearer sk-123","Content-Type":"application/json"}`,
			want:        `{"Authorization":"[REDACTED]","Content-Type":"application/json"}`,
			wantChanged: true,
		},
		{
			name:        "case insensitive match",
			in:          `{"X-API-KEY":"secret","cookie":"session=1"}`,
			want:        `{"X-API-KEY":"[REDACTED]","cookie":"[REDACTED]"}`,
			wantChanged: true,
		},
		{
			name:        "already redacted untouched",
			in:          `{"Authorization":"[REDACTED]"}`,
			want:        `{"Authorization":"[REDACTED]"}`,
			wantChanged: false,
		},
		{
			name:        "nothing sensitive",
			in:          `{"Accept":"*/*"}`,
			want:        `{"Accept":"*/*"}`,
			wantChanged: false,
		},
		{
			name:        "invalid json skipped",
			in:          `not json`,
			want:        `not json`,
			wantChanged: false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, changed := RedactHeaders(tc.in)
			require.Equal(t, tc.wantChanged, changed)
			require.Equal(t, tc.want, got)
		})
	}
}

func insertAged(t *testing.T, st *store.Store, age time.Duration, headers string) string {
	t.Helper()
	id := store.NewID()
	err := st.InsertRequestRecord(t.Context(), &store.RequestRecord{
		ID:        id,
		Method:    "GET",
		URL:       "/x",
		Path:      "/x",
		Query:     "{}",
		Headers:   headers,
		TargetURL: "https://example.com",
		CreatedAt: time.Now().Add(-age).UnixMilli(),
	})
	require.NoError(t, err)
	return id
}

func TestSweepDeletesAndRedacts(t *testing.T) {
	st, err := store.Open(":memory:", slog.Default())
	require.NoError(t, err)
	defer st.Close()

	ancient := insertAged(t, st, DeleteAfter+time.Hour, `{"Authorization":"Bearer old"}`)
	aged := insertAged(t, st, RedactAfter+time.Hour, `{"Authorization":"Bearer sk-1","Accept":"*/*"}`)
	fresh := insertAged(t, st, time.Minute, `{"Authorization":"Bearer sk-2"}`)

	w := NewWorker(st, slog.Default())
	w.Sweep(t.Context())

	rec, err := st.GetRequestRecord(t.Context(), ancient)
	require.NoError(t, err)
	require.Nil(t, rec)

	rec, err = st.GetRequestRecord(t.Context(), aged)
	require.NoError(t, err)
	require.JSONEq(t, `{"Authorization":"[REDACTED]","Accept":"*/*"}`, rec.Headers)

	rec, err = st.GetRequestRecord(t.Context(), fresh)
	require.NoError(t, err)
	require.JSONEq(t, `{"Authorization":"Bearer sk-2"}`, rec.Headers)
}

func TestSweepIsIdempotent(t *testing.T) {
	st, err := store.Open(":memory:", slog.Default())
	require.NoError(t, err)
	defer st.Close()

	aged := insertAged(t, st, RedactAfter+time.Hour, `{"Cookie":"a=b"}`)
	w := NewWorker(st, slog.Default())
	w.Sweep(t.Context())
	w.Sweep(t.Context())

	rec, err := st.GetRequestRecord(t.Context(), aged)
	require.NoError(t, err)
	require.JSONEq(t, `{"Cookie":"[REDACTED]"}`, rec.Headers)
}
