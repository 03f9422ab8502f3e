package wormhole

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/yourusername/crossrelay/internal/config"
	"github.com/yourusername/crossrelay/internal/model"
	"github.com/yourusername/crossrelay/internal/monitor"
	"github.com/yourusername/crossrelay/internal/resolver"
	"github.com/yourusername/crossrelay/internal/rpcprovider"
	"github.com/yourusername/crossrelay/internal/store"
	"go.uber.org/zap"
)

var logMessagePublishedTopic0 = crypto.Keccak256Hash([]byte("LogMessagePublished(address,uint64,uint32,bytes,uint8)"))

// Options tunes the source-side window scan, the proof-side spy consumer,
// and the recovery worker's cadence.
type Options struct {
	StartingBlock      uint64
	StoppingBlock      *uint64
	ProcessingInterval time.Duration
	RetryInterval      time.Duration
	WindowSize         uint64

	RecoveryPollInterval time.Duration
	RecoveryLookback     time.Duration
}

// Scanner implements bridgeregistry.Scanner for the Wormhole AMB: a
// source-side LogMessagePublished window scan, a proof-side spy-client
// consumer, and a Wormholescan recovery worker, all sharing one Store.
type Scanner struct {
	chainId  model.ChainId
	amb      config.AMBConfig
	chainCfg config.ChainConfig
	evm      *rpcprovider.EVMHelper
	mon      *monitor.Monitor
	resolve  resolver.Resolver
	st       store.Store
	opts     Options
	log      *zap.SugaredLogger

	bridgeAddress          common.Address
	chainIdByWormholeId    map[uint16]model.ChainId
	wormholeIdByChainId    map[model.ChainId]uint16
	incentivesByWormholeId map[uint16]common.Address

	spy      SpyClient
	seeder   SequenceSeeder
	recovery *recoveryClient
}

// New constructs a Wormhole Scanner. amb.WormholeChainIds maps a Wormhole
// chain id (decimal string) to this system's ChainId (decimal string); spy
// is the proof-side feed (nil disables the proof-side consumer, e.g. in
// tests); seeder defaults to an in-process MemorySequenceSeeder when nil.
func New(chainId model.ChainId, amb config.AMBConfig, chainCfg config.ChainConfig, evm *rpcprovider.EVMHelper, mon *monitor.Monitor, resolve resolver.Resolver, st store.Store, opts Options, incentivesByChain map[model.ChainId]common.Address, spy SpyClient, seeder SequenceSeeder, log *zap.SugaredLogger) (*Scanner, error) {
	if opts.ProcessingInterval <= 0 {
		opts.ProcessingInterval = 5 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 10 * time.Second
	}
	if opts.WindowSize == 0 {
		opts.WindowSize = 1000
	}
	if opts.RecoveryPollInterval <= 0 {
		opts.RecoveryPollInterval = 30 * time.Second
	}
	if opts.RecoveryLookback <= 0 {
		opts.RecoveryLookback = 24 * time.Hour
	}
	if amb.BridgeAddress == "" {
		return nil, fmt.Errorf("wormhole: bridgeAddress is required")
	}
	if seeder == nil {
		seeder = NewMemorySequenceSeeder()
	}

	chainIdByWormholeId := make(map[uint16]model.ChainId, len(amb.WormholeChainIds))
	wormholeIdByChainId := make(map[model.ChainId]uint16, len(amb.WormholeChainIds))
	incentivesByWormholeId := make(map[uint16]common.Address, len(amb.WormholeChainIds))
	for wcidStr, chainIdStr := range amb.WormholeChainIds {
		wcid64, err := strconv.ParseUint(wcidStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("wormhole: invalid wormholeChainId %q: %w", wcidStr, err)
		}
		wcid := uint16(wcid64)
		cid := model.ChainId(chainIdStr)
		chainIdByWormholeId[wcid] = cid
		wormholeIdByChainId[cid] = wcid
		if addr, ok := incentivesByChain[cid]; ok {
			incentivesByWormholeId[wcid] = addr
		}
	}

	var recovery *recoveryClient
	if amb.WormholescanURL != "" {
		recovery = newRecoveryClient(amb.WormholescanURL)
	}

	return &Scanner{
		chainId:                chainId,
		amb:                    amb,
		chainCfg:               chainCfg,
		evm:                    evm,
		mon:                    mon,
		resolve:                resolve,
		st:                     st,
		opts:                   opts,
		log:                    log,
		bridgeAddress:          common.HexToAddress(amb.BridgeAddress),
		chainIdByWormholeId:    chainIdByWormholeId,
		wormholeIdByChainId:    wormholeIdByChainId,
		incentivesByWormholeId: incentivesByWormholeId,
		spy:                    spy,
		seeder:                 seeder,
		recovery:               recovery,
	}, nil
}

// Run starts the source-side scan, the proof-side spy consumer (if a
// SpyClient was configured), and the recovery worker (if a Wormholescan URL
// was configured), and blocks until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runSourceScan(ctx)
	}()

	if s.spy != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runProofConsumer(ctx)
		}()
	}

	if s.recovery != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runRecovery(ctx)
		}()
	}

	wg.Wait()
}

func (s *Scanner) runSourceScan(ctx context.Context) {
	fromBlock := s.opts.StartingBlock
	sub, unsubscribe := s.mon.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case status := <-sub:
			for {
				if s.opts.StoppingBlock != nil && fromBlock >= *s.opts.StoppingBlock {
					return
				}
				toBlock := status.ObservedBlockNumber
				if toBlock > fromBlock+s.opts.WindowSize {
					toBlock = fromBlock + s.opts.WindowSize
				}
				if toBlock < fromBlock {
					break
				}

				if err := s.scanWindow(ctx, fromBlock, toBlock); err != nil {
					if s.log != nil {
						s.log.Warnw("wormhole scanner: window failed, retrying", "chainId", s.chainId, "from", fromBlock, "to", toBlock, "error", err)
					}
					select {
					case <-ctx.Done():
						return
					case <-time.After(s.opts.RetryInterval):
					}
					continue
				}
				fromBlock = toBlock + 1
				break
			}
		}
	}
}

func (s *Scanner) scanWindow(ctx context.Context, fromBlock, toBlock uint64) error {
	logs, err := s.evm.GetLogs(ctx, rpcprovider.LogFilter{
		FromBlock: fromBlock,
		ToBlock:   toBlock,
		Address:   s.bridgeAddress,
		Topics:    [][]common.Hash{{logMessagePublishedTopic0}},
	})
	if err != nil {
		return err
	}
	for _, l := range logs {
		s.handleLogMessagePublished(ctx, l)
	}
	return nil
}

func (s *Scanner) handleLogMessagePublished(ctx context.Context, l rpcprovider.Log) {
	event, err := decodeLogMessagePublished(l.Topics, l.Data)
	if err != nil {
		s.logDecodeError("LogMessagePublished", err)
		return
	}

	wcid, ok := s.wormholeIdByChainId[s.chainId]
	if !ok {
		s.logDecodeError("LogMessagePublished", fmt.Errorf("no wormholeChainId configured for chain %s", s.chainId))
		return
	}
	incentives, ok := s.incentivesByWormholeId[wcid]
	if !ok || event.sender != incentives {
		return
	}

	decoded, err := decodeWormholeMessage(event.payload)
	if err != nil {
		s.logDecodeError("LogMessagePublished", err)
		return
	}
	dstWcid := wormholeChainIdUint32(decoded.dstWormholeChainId)
	dstChain, ok := s.chainIdByWormholeId[uint16(dstWcid)]
	if !ok {
		s.logDecodeError("LogMessagePublished", fmt.Errorf("unknown destination wormholeChainId %d", dstWcid))
		return
	}

	txBlockNumber, err := s.resolve.TransactionBlockNumber(ctx, l.BlockNumber)
	if err != nil {
		if s.log != nil {
			s.log.Warnw("wormhole scanner: resolving transaction block number", "chainId", s.chainId, "error", err)
		}
		txBlockNumber = l.BlockNumber
	}

	msg := model.Message{
		MessageIdentifier:      decoded.messageIdentifier,
		AMB:                    model.AMBWormhole,
		FromChainId:            s.chainId,
		ToChainId:              dstChain,
		FromIncentivesAddress:  event.sender,
		IncentivesPayload:      decoded.innerPayload,
		BlockNumber:            l.BlockNumber,
		BlockHash:              l.BlockHash,
		TransactionHash:        l.TxHash,
		TransactionBlockNumber: txBlockNumber,
	}
	if err := s.st.SetMessage(s.chainId, msg); err != nil && s.log != nil {
		s.log.Errorw("wormhole scanner: SetMessage failed", "chainId", s.chainId, "error", err)
	}
}

// runProofConsumer streams VAA observations from the configured spy and
// records a Proof for each one whose emitter matches a configured source
// chain's incentives address.
func (s *Scanner) runProofConsumer(ctx context.Context) {
	stream, err := s.spy.Stream(ctx)
	if err != nil {
		if s.log != nil {
			s.log.Errorw("wormhole scanner: spy stream failed to start", "chainId", s.chainId, "error", err)
		}
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case obs, ok := <-stream:
			if !ok {
				return
			}
			s.handleVAAObservation(obs)
		}
	}
}

func (s *Scanner) handleVAAObservation(obs VAAObservation) {
	srcChain, ok := s.chainIdByWormholeId[obs.EmitterChain]
	if !ok {
		return
	}
	incentives, ok := s.incentivesByWormholeId[obs.EmitterChain]
	if !ok || !emitterMatchesAddress(obs.EmitterAddr, incentives) {
		return
	}
	if starting, ok := s.seeder.StartingSequence(obs.EmitterChain, obs.EmitterAddr); ok && obs.Sequence < starting {
		return
	}
	s.seeder.RecordSequence(obs.EmitterChain, obs.EmitterAddr, obs.Sequence)
	s.applyVAA(srcChain, obs)
}

func (s *Scanner) applyVAA(srcChain model.ChainId, obs VAAObservation) {
	vaa, err := decodeVAA(obs.VAABytes)
	if err != nil {
		s.logDecodeError("VAA", err)
		return
	}
	decoded, err := decodeWormholeMessage(vaa.payload)
	if err != nil {
		s.logDecodeError("VAA", err)
		return
	}
	dstWcid := wormholeChainIdUint32(decoded.dstWormholeChainId)
	dstChain, ok := s.chainIdByWormholeId[uint16(dstWcid)]
	if !ok {
		s.logDecodeError("VAA", fmt.Errorf("unknown destination wormholeChainId %d", dstWcid))
		return
	}

	proof := model.Proof{
		MessageIdentifier: decoded.messageIdentifier,
		AMB:               model.AMBWormhole,
		FromChainId:       srcChain,
		ToChainId:         dstChain,
		Message:           obs.VAABytes,
		MessageCtx:        []byte{},
	}
	if err := s.st.SetProof(dstChain, proof); err != nil && s.log != nil {
		s.log.Errorw("wormhole scanner: SetProof failed", "chainId", s.chainId, "error", err)
	}
}

func emitterMatchesAddress(emitter [32]byte, addr common.Address) bool {
	var padded [32]byte
	copy(padded[12:], addr[:])
	return emitter == padded
}

func (s *Scanner) logDecodeError(event string, err error) {
	if s.log != nil {
		s.log.Warnw("wormhole scanner: decode error, skipping event", "chainId", s.chainId, "event", event, "error", err)
	}
}
