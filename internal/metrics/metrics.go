// Package metrics exposes the counters, gauges, and histograms the wallet
// pipeline and collector scanners record against. The call-site contract
// (Metrics) is shaped after the teacher's ChainMetrics interface
// (src/chainadapter/metrics/metrics.go); the implementation backing it uses a
// real Prometheus registry instead of the teacher's hand-rolled text
// exporter, grounded on degeri-dcrlnd's and certenIO-certen-validator's
// direct dependence on github.com/prometheus/client_golang.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the call-site surface every component records against.
type Metrics interface {
	RecordRPCCall(chainId, method string, duration time.Duration, err error)
	RecordSubmit(chainId string, err error)
	RecordConfirm(chainId string, attempt int, err error)
	RecordScannerWindow(chainId, amb string, blocks int64)
	RecordWorkerCrash(chainId string)
	Handler() http.Handler
}

// Prom is the production Metrics implementation, backed by a dedicated
// prometheus.Registry (never the global default registry, so tests can
// construct independent instances without collector-already-registered
// panics).
type Prom struct {
	registry *prometheus.Registry

	rpcCalls       *prometheus.CounterVec
	rpcDuration    *prometheus.HistogramVec
	submits        *prometheus.CounterVec
	confirms       *prometheus.CounterVec
	scannerBlocks  *prometheus.CounterVec
	workerCrashes  *prometheus.CounterVec
}

var _ Metrics = (*Prom)(nil)

// NewProm builds a Prom metrics instance with all series pre-registered.
func NewProm() *Prom {
	reg := prometheus.NewRegistry()

	p := &Prom{
		registry: reg,
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayer",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Total RPC calls made per chain and method, labeled by outcome.",
		}, []string{"chain_id", "method", "outcome"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relayer",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "RPC call latency per chain and method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"chain_id", "method"}),
		submits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayer",
			Subsystem: "wallet",
			Name:      "submits_total",
			Help:      "Submit-queue attempts per chain, labeled by outcome.",
		}, []string{"chain_id", "outcome"}),
		confirms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayer",
			Subsystem: "wallet",
			Name:      "confirms_total",
			Help:      "Confirm-queue attempts per chain, labeled by outcome.",
		}, []string{"chain_id", "outcome"}),
		scannerBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayer",
			Subsystem: "collector",
			Name:      "blocks_scanned_total",
			Help:      "Blocks scanned per chain and bridge.",
		}, []string{"chain_id", "amb"}),
		workerCrashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayer",
			Subsystem: "wallet",
			Name:      "worker_crashes_total",
			Help:      "Wallet-worker crashes per chain.",
		}, []string{"chain_id"}),
	}

	reg.MustRegister(p.rpcCalls, p.rpcDuration, p.submits, p.confirms, p.scannerBlocks, p.workerCrashes)
	return p
}

func (p *Prom) RecordRPCCall(chainId, method string, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.rpcCalls.WithLabelValues(chainId, method, outcome).Inc()
	p.rpcDuration.WithLabelValues(chainId, method).Observe(duration.Seconds())
}

func (p *Prom) RecordSubmit(chainId string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.submits.WithLabelValues(chainId, outcome).Inc()
}

func (p *Prom) RecordConfirm(chainId string, attempt int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.confirms.WithLabelValues(chainId, outcome).Inc()
}

func (p *Prom) RecordScannerWindow(chainId, amb string, blocks int64) {
	if blocks <= 0 {
		return
	}
	p.scannerBlocks.WithLabelValues(chainId, amb).Add(float64(blocks))
}

func (p *Prom) RecordWorkerCrash(chainId string) {
	p.workerCrashes.WithLabelValues(chainId).Inc()
}

func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// NoOp discards every recorded measurement. Used in tests that don't care
// about observability, following the teacher's NoOpMetrics pattern.
type NoOp struct{}

var _ Metrics = NoOp{}

func (NoOp) RecordRPCCall(string, string, time.Duration, error) {}
func (NoOp) RecordSubmit(string, error)                         {}
func (NoOp) RecordConfirm(string, int, error)                   {}
func (NoOp) RecordScannerWindow(string, string, int64)          {}
func (NoOp) RecordWorkerCrash(string)                           {}
func (NoOp) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}
