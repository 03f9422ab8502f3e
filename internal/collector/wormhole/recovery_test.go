package wormhole

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitterBytesFor_LeftPads20ByteAddress(t *testing.T) {
	var addr [20]byte
	addr[19] = 0xAB
	got := emitterBytesFor(addr)
	require.Len(t, got, 32)
	assert.Equal(t, byte(0xAB), got[31])
	for _, b := range got[:11] {
		assert.Equal(t, byte(0), b)
	}
}

func TestParseVAATimestamp(t *testing.T) {
	ts, err := parseVAATimestamp("2026-01-02T15:04:05Z")
	require.NoError(t, err)
	assert.Equal(t, 2026, ts.Year())

	_, err = parseVAATimestamp("not-a-timestamp")
	assert.Error(t, err)
}

func TestRecoveryClient_FetchSince_StopsAtOlderPage(t *testing.T) {
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	newTS := now.Format(time.RFC3339)
	oldTS := now.Add(-48 * time.Hour).Format(time.RFC3339)

	pages := map[int]wormholescanPage{
		0: {Data: []wormholescanVAA{
			{EmitterChain: 2, Sequence: "3", VAA: "01", VAATimestamp: newTS},
		}},
		1: {Data: []wormholescanVAA{
			{EmitterChain: 2, Sequence: "1", VAA: "02", VAATimestamp: oldTS},
		}},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := 0
		if p := r.URL.Query().Get("page"); p == "1" {
			page = 1
		}
		_ = json.NewEncoder(w).Encode(pages[page])
	}))
	defer srv.Close()

	c := newRecoveryClient(srv.URL)
	startingTimestamp := now.Add(-24 * time.Hour)
	entries, err := c.fetchSince(context.Background(), 2, "aa", startingTimestamp)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "3", entries[0].Sequence)
}

func TestRecoveryClient_FetchSince_SortsOldestFirst(t *testing.T) {
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	ts := now.Format(time.RFC3339)

	page0 := wormholescanPage{Data: []wormholescanVAA{
		{EmitterChain: 2, Sequence: "5", VAA: "01", VAATimestamp: ts},
		{EmitterChain: 2, Sequence: "3", VAA: "02", VAATimestamp: ts},
	}}
	empty := wormholescanPage{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			_ = json.NewEncoder(w).Encode(empty)
			return
		}
		_ = json.NewEncoder(w).Encode(page0)
	}))
	defer srv.Close()

	c := newRecoveryClient(srv.URL)
	entries, err := c.fetchSince(context.Background(), 2, "aa", now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "3", entries[0].Sequence)
	assert.Equal(t, "5", entries[1].Sequence)
}

func TestRecoveryClient_FetchPage_PropagatesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := newRecoveryClient(srv.URL)
	_, err := c.fetchPage(context.Background(), 2, "aa", 0)
	assert.ErrorContains(t, err, "returned 500")
}
