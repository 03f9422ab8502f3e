// Package monitor publishes a per-chain "latest observed block" stream
// (SPEC_FULL.md §4.3) to which collector scanners subscribe. Grounded on
// the teacher's ethereum.Adapter.SubscribeStatus polling-goroutine pattern
// (ticker-driven; a failed poll is logged and retried on the next tick, with
// no backoff), generalized from transaction
// status polling to block-number polling with a channel-based subscriber
// table in place of the teacher's single-subscriber channel.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/yourusername/crossrelay/internal/model"
	"github.com/yourusername/crossrelay/internal/rpcprovider"
	"go.uber.org/zap"
)

// Options tunes one chain's monitor loop.
type Options struct {
	Interval                     time.Duration
	BlockDelay                   uint64
	NoBlockUpdateWarningInterval time.Duration
}

// DefaultOptions returns conservative polling defaults.
func DefaultOptions() Options {
	return Options{
		Interval:                     5 * time.Second,
		BlockDelay:                   0,
		NoBlockUpdateWarningInterval: 2 * time.Minute,
	}
}

// Monitor polls one chain's RPC endpoint and fans out MonitorStatus updates
// to every attached subscriber.
type Monitor struct {
	chainId model.ChainId
	helper  *rpcprovider.EVMHelper
	opts    Options
	log     *zap.SugaredLogger

	mu          sync.Mutex
	subscribers map[int]chan model.MonitorStatus
	nextSubID   int
	latest      uint64
	latestSet   bool
}

// New constructs a Monitor for chainId over helper.
func New(chainId model.ChainId, helper *rpcprovider.EVMHelper, opts Options, log *zap.SugaredLogger) *Monitor {
	return &Monitor{
		chainId:     chainId,
		helper:      helper,
		opts:        opts,
		log:         log,
		subscribers: make(map[int]chan model.MonitorStatus),
	}
}

// Subscribe attaches a new one-way subscriber port. Delivery is best-effort:
// a slow subscriber only ever sees the most recent status (capacity-1
// channel, refilled by draining then sending), matching the "single-value
// overwrite is acceptable" contract of §4.3.
func (m *Monitor) Subscribe() (<-chan model.MonitorStatus, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan model.MonitorStatus, 1)
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = ch

	if m.latestSet {
		ch <- model.MonitorStatus{ObservedBlockNumber: m.latest}
	}

	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
	return ch, unsubscribe
}

func (m *Monitor) broadcast(status model.MonitorStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest = status.ObservedBlockNumber
	m.latestSet = true
	for _, ch := range m.subscribers {
		select {
		case ch <- status:
		default:
			// Overwrite: drain the stale value, then deliver the fresh one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- status:
			default:
			}
		}
	}
}

// Latest returns the most recently broadcast block number, if any.
func (m *Monitor) Latest() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest, m.latestSet
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	opts := m.opts
	if opts.Interval <= 0 {
		opts.Interval = DefaultOptions().Interval
	}
	if opts.NoBlockUpdateWarningInterval <= 0 {
		opts.NoBlockUpdateWarningInterval = DefaultOptions().NoBlockUpdateWarningInterval
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	lastProgress := time.Now()
	warningDeadline := lastProgress.Add(opts.NoBlockUpdateWarningInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			latest, err := m.helper.GetBlockNumber(ctx)
			if err != nil {
				if m.log != nil {
					m.log.Warnw("monitor: block number query failed", "chainId", m.chainId, "error", err)
				}
				continue
			}
			if latest < opts.BlockDelay {
				continue
			}
			target := latest - opts.BlockDelay

			m.mu.Lock()
			progressed := !m.latestSet || target > m.latest
			m.mu.Unlock()

			if progressed {
				m.broadcast(model.MonitorStatus{ObservedBlockNumber: target, Timestamp: now})
				lastProgress = now
				warningDeadline = now.Add(opts.NoBlockUpdateWarningInterval)
				continue
			}

			if now.After(warningDeadline) {
				if m.log != nil {
					m.log.Warnw("monitor: no block progress", "chainId", m.chainId, "since", lastProgress)
				}
				warningDeadline = now.Add(opts.NoBlockUpdateWarningInterval)
			}
		}
	}
}
