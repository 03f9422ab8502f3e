// Package walletservice is the routing layer in front of per-chain wallet
// workers (SPEC_FULL.md §4.9): it spawns one worker per configured chain,
// maintains a portId→(chainId, port) table for bidirectional routing,
// respawns a crashed worker and replays requests queued during the outage,
// and fans worker results back out by portId. Grounded on the cache/fallback
// bookkeeping shape of the teacher's provider.ProviderRegistry
// (src/chainadapter/provider/registry.go), adapted from provider caching to
// worker lifecycle management.
package walletservice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yourusername/crossrelay/internal/chainerr"
	"github.com/yourusername/crossrelay/internal/model"
	"github.com/yourusername/crossrelay/internal/walletworker"
	"go.uber.org/zap"
)

// workerRespawnBackoff is the pause between respawn attempts when the
// worker factory itself fails (e.g. the chain's RPC is unreachable at
// startup), to avoid a tight crash loop.
const workerRespawnBackoff = 2 * time.Second

// WorkerFactory builds a fresh Worker for chainId. The service calls this
// once at startup and again every time a worker's Run goroutine exits.
type WorkerFactory func(chainId model.ChainId) (*walletworker.Worker, error)

type portBinding struct {
	chainId model.ChainId
}

// Service routes WalletTransactionRequests to the worker for their target
// chain, and publishes a merged stream of per-port Results.
type Service struct {
	factory WorkerFactory
	log     *zap.SugaredLogger

	mu       sync.Mutex
	ports    map[string]portBinding
	workers  map[model.ChainId]*walletworker.Worker
	pending  map[model.ChainId][]model.WalletTransactionRequest // queued while a worker is absent
	nextPort int

	results chan walletworker.Result
}

// New constructs an empty Service. Call AttachToWallet to register the
// chains it should route to, then Run to start spawning workers.
func New(factory WorkerFactory, log *zap.SugaredLogger) *Service {
	return &Service{
		factory: factory,
		log:     log,
		ports:   make(map[string]portBinding),
		workers: make(map[model.ChainId]*walletworker.Worker),
		pending: make(map[model.ChainId][]model.WalletTransactionRequest),
		results: make(chan walletworker.Result, 256),
	}
}

// AttachToWallet returns a new opaque portId bound to chainId. Requests
// submitted via Submit(portId, ...) are routed to chainId's worker.
func (s *Service) AttachToWallet(chainId model.ChainId) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPort++
	portId := fmt.Sprintf("port-%d", s.nextPort)
	s.ports[portId] = portBinding{chainId: chainId}
	if _, ok := s.workers[chainId]; !ok {
		s.workers[chainId] = nil // chain known, worker not yet spawned
	}
	return portId
}

// Submit routes req to the worker bound to req.PortId's chain, queuing it if
// that worker is mid-respawn.
func (s *Service) Submit(req model.WalletTransactionRequest) error {
	s.mu.Lock()
	binding, ok := s.ports[req.PortId]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("walletservice: unknown portId %q", req.PortId)
	}
	worker := s.workers[binding.chainId]
	if worker == nil {
		s.pending[binding.chainId] = append(s.pending[binding.chainId], req)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	worker.Submit(req)
	return nil
}

// Results returns the merged stream of per-port outcomes across every
// chain's worker.
func (s *Service) Results() <-chan walletworker.Result {
	return s.results
}

// Run spawns a worker for every chain a port has been attached to, and
// supervises each one: on exit, broadcast a wallet-crashed sentinel to every
// attached port for that chain, respawn, and replay queued requests. Blocks
// until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	s.mu.Lock()
	chains := make([]model.ChainId, 0, len(s.workers))
	for chainId := range s.workers {
		chains = append(chains, chainId)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, chainId := range chains {
		wg.Add(1)
		go func(chainId model.ChainId) {
			defer wg.Done()
			s.superviseChain(ctx, chainId)
		}(chainId)
	}
	wg.Wait()
}

func (s *Service) superviseChain(ctx context.Context, chainId model.ChainId) {
	for {
		worker, err := s.factory(chainId)
		if err != nil {
			if s.log != nil {
				s.log.Errorw("wallet service: failed to spawn worker", "chainId", chainId, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(workerRespawnBackoff):
				continue
			}
		}

		s.mu.Lock()
		s.workers[chainId] = worker
		queued := s.pending[chainId]
		s.pending[chainId] = nil
		s.mu.Unlock()

		for _, req := range queued {
			worker.Submit(req)
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			for result := range worker.Results() {
				select {
				case s.results <- result:
				case <-ctx.Done():
					return
				}
			}
		}()

		runCtx, cancel := context.WithCancel(ctx)
		s.runWorker(runCtx, worker, chainId)
		cancel()
		<-done

		s.mu.Lock()
		s.workers[chainId] = nil
		s.mu.Unlock()

		if ctx.Err() != nil {
			// The service itself is shutting down; the worker's exit is
			// expected, not a crash, so no wallet-crashed sentinel here.
			return
		}

		if s.log != nil {
			s.log.Errorw("wallet service: worker exited, broadcasting wallet-crashed sentinel", "chainId", chainId)
		}
		s.broadcastCrash(chainId)
	}
}

// runWorker runs worker.Run to completion, recovering from any panic so
// that one chain's crash respawns that chain's worker instead of taking
// down the whole process. worker.Run already contains panics from its own
// dispatch loop; this is a second line of containment around the call site.
func (s *Service) runWorker(ctx context.Context, worker *walletworker.Worker, chainId model.ChainId) {
	defer func() {
		if r := recover(); r != nil {
			if s.log != nil {
				s.log.Errorw("wallet service: recovered from worker panic", "chainId", chainId, "panic", r)
			}
		}
	}()
	worker.Run(ctx)
}

// broadcastCrash delivers a wallet-crashed result to every port bound to
// chainId, so callers waiting on a response are not left hanging across the
// respawn.
func (s *Service) broadcastCrash(chainId model.ChainId) {
	s.mu.Lock()
	var ports []string
	for portId, binding := range s.ports {
		if binding.chainId == chainId {
			ports = append(ports, portId)
		}
	}
	s.mu.Unlock()

	crashErr := chainerr.New(chainerr.KindWorkerCrash, chainerr.CodeWalletCrashed, "wallet-crashed", nil)
	for _, portId := range ports {
		select {
		case s.results <- walletworker.Result{
			PortId: portId,
			TransactionResult: model.TransactionResult{
				SubmissionError: crashErr,
			},
		}:
		default:
		}
	}
}
