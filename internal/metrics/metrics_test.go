package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProm_RecordRPCCall_ExposedViaHandler(t *testing.T) {
	p := NewProm()
	p.RecordRPCCall("1", "eth_getBlockNumber", 10*time.Millisecond, nil)
	p.RecordRPCCall("1", "eth_getBlockNumber", 10*time.Millisecond, assert.AnError)

	body := scrape(t, p)
	assert.Contains(t, body, "relayer_rpc_calls_total")
	assert.Contains(t, body, `outcome="ok"`)
	assert.Contains(t, body, `outcome="error"`)
}

func TestProm_RecordSubmitAndConfirm(t *testing.T) {
	p := NewProm()
	p.RecordSubmit("1", nil)
	p.RecordConfirm("1", 1, assert.AnError)

	body := scrape(t, p)
	assert.Contains(t, body, "relayer_wallet_submits_total")
	assert.Contains(t, body, "relayer_wallet_confirms_total")
}

func TestProm_RecordScannerWindow_IgnoresNonPositive(t *testing.T) {
	p := NewProm()
	p.RecordScannerWindow("1", "layer-zero", 0)
	p.RecordScannerWindow("1", "layer-zero", -5)
	p.RecordScannerWindow("1", "layer-zero", 10)

	body := scrape(t, p)
	assert.Contains(t, body, "relayer_collector_blocks_scanned_total{amb=\"layer-zero\",chain_id=\"1\"} 10")
}

func TestProm_RecordWorkerCrash(t *testing.T) {
	p := NewProm()
	p.RecordWorkerCrash("137")
	body := scrape(t, p)
	assert.Contains(t, body, "relayer_wallet_worker_crashes_total")
}

func TestNoOp_ImplementsMetricsWithoutPanicking(t *testing.T) {
	var m Metrics = NoOp{}
	m.RecordRPCCall("1", "x", time.Millisecond, nil)
	m.RecordSubmit("1", nil)
	m.RecordConfirm("1", 1, nil)
	m.RecordScannerWindow("1", "wormhole", 1)
	m.RecordWorkerCrash("1")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)
	assert.Equal(t, 204, rec.Code)
}

func scrape(t *testing.T, p *Prom) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	p.Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}
