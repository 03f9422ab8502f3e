package wormhole

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"
)

// recoveryClient is a plain REST GET client against the Wormholescan API,
// generalized from the round-robin/failover shape of
// rpcprovider.HTTPClient (here there is exactly one base URL, so the
// generalization drops the endpoint list and keeps a single-purpose
// http.Client with a fixed timeout). A failed request is not retried; the
// error is returned to the caller.
type recoveryClient struct {
	baseURL string
	http    *http.Client
}

func newRecoveryClient(baseURL string) *recoveryClient {
	return &recoveryClient{baseURL: baseURL, http: &http.Client{Timeout: 15 * time.Second}}
}

type wormholescanVAA struct {
	EmitterChain  uint16 `json:"emitterChain"`
	EmitterAddr   string `json:"emitterAddr"`
	Sequence      string `json:"sequence"`
	VAA           string `json:"vaa"`
	VAATimestamp  string `json:"timestamp"`
}

type wormholescanPage struct {
	Data []wormholescanVAA `json:"data"`
}

// fetchPage returns one page of VAAs for (chainId, emitter), newest first,
// per the Wormholescan `/api/v1/vaas/{chainId}/{emitter}?page=N` contract.
func (c *recoveryClient) fetchPage(ctx context.Context, chainId uint16, emitter string, page int) ([]wormholescanVAA, error) {
	url := fmt.Sprintf("%s/api/v1/vaas/%d/%s?page=%d", c.baseURL, chainId, emitter, page)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wormholescan: building request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wormholescan: requesting %s: %w", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("wormholescan: reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("wormholescan: %s returned %d: %s", url, resp.StatusCode, body)
	}
	var parsed wormholescanPage
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("wormholescan: decoding response: %w", err)
	}
	return parsed.Data, nil
}

// fetchSince pages backward (newest first) from page 0 until it sees an
// entry older than startingTimestamp or an empty page, then returns every
// entry newer than startingTimestamp in oldest-first order for replay.
func (c *recoveryClient) fetchSince(ctx context.Context, chainId uint16, emitter string, startingTimestamp time.Time) ([]wormholescanVAA, error) {
	var collected []wormholescanVAA
	for page := 0; ; page++ {
		entries, err := c.fetchPage(ctx, chainId, emitter, page)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			break
		}
		done := false
		for _, e := range entries {
			ts, err := parseVAATimestamp(e.VAATimestamp)
			if err != nil || ts.Before(startingTimestamp) {
				done = true
				continue
			}
			collected = append(collected, e)
		}
		if done {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
	sort.Slice(collected, func(i, j int) bool {
		si, _ := parseSequence(collected[i].Sequence)
		sj, _ := parseSequence(collected[j].Sequence)
		return si < sj
	})
	return collected, nil
}

func parseVAATimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// runRecovery replays historical VAAs for every configured source chain
// whose incentives address is known, oldest first, into the store — so a
// relayer that was offline when a proof was first attested still observes
// it. Polls on RecoveryPollInterval rather than running once, since a VAA
// can appear on Wormholescan after the spy has already moved past it.
func (s *Scanner) runRecovery(ctx context.Context) {
	ticker := time.NewTicker(s.opts.RecoveryPollInterval)
	defer ticker.Stop()

	startingTimestamp := time.Now().Add(-s.opts.RecoveryLookback)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for wcid, incentives := range s.incentivesByWormholeId {
				srcChain, ok := s.chainIdByWormholeId[wcid]
				if !ok || srcChain == s.chainId {
					continue
				}
				emitterHex := hex.EncodeToString(emitterBytesFor(incentives))
				entries, err := s.recovery.fetchSince(ctx, wcid, emitterHex, startingTimestamp)
				if err != nil {
					if s.log != nil {
						s.log.Warnw("wormhole recovery: fetch failed", "chainId", s.chainId, "wormholeChainId", wcid, "error", err)
					}
					continue
				}
				for _, e := range entries {
					s.replayRecoveredVAA(wcid, e)
				}
			}
		}
	}
}

func (s *Scanner) replayRecoveredVAA(wcid uint16, e wormholescanVAA) {
	vaaBytes, err := base64.StdEncoding.DecodeString(e.VAA)
	if err != nil {
		s.logDecodeError("recovered VAA", err)
		return
	}
	seqN, err := parseSequence(e.Sequence)
	if err != nil {
		s.logDecodeError("recovered VAA", err)
		return
	}
	var emitter [32]byte
	if addrBytes, err := hex.DecodeString(e.EmitterAddr); err == nil && len(addrBytes) == 32 {
		copy(emitter[:], addrBytes)
	}
	obs := VAAObservation{EmitterChain: wcid, EmitterAddr: emitter, Sequence: seqN, VAABytes: vaaBytes}
	s.handleVAAObservation(obs)
}

func emitterBytesFor(addr [20]byte) []byte {
	var padded [32]byte
	copy(padded[12:], addr[:])
	return padded[:]
}
