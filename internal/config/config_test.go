package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
global:
  privateKey: "0x4c0883a69102937d6231471b5dbb1522d741beb41cdbd3d8a78f8e9e74d62aa"
  logLevel: info
  wallet:
    priorityAdjustmentFactor: 1.5
chains:
  - chainId: "1"
    name: ethereum
    rpc: ["https://eth.example/rpc"]
    resolver: default
  - chainId: "137"
    name: polygon
    rpc: ["https://polygon.example/rpc"]
    resolver: default
    wallet:
      maxTries: 7
ambs:
  - name: layer-zero
    enabled: true
    bridgeAddress: "0x0000000000000000000000000000000000aaaa"
    receiverAddress: "0x0000000000000000000000000000000000bbbb"
    incentivesAddress: "0x0000000000000000000000000000000000cccc"
    layerZeroChainIds:
      "101": "1"
      "109": "137"
`

func TestParse_ValidDocument(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)
	require.Len(t, cfg.Chains, 2)
	assert.Equal(t, "1", cfg.Chains[0].ChainId)
	assert.Equal(t, "info", cfg.Global.LogLevel)
	require.Len(t, cfg.AMBs, 1)
	assert.Equal(t, "layer-zero", cfg.AMBs[0].Name)
}

func TestParse_RejectsUnknownTopLevelKey(t *testing.T) {
	_, err := Parse([]byte("globalx:\n  logLevel: info\n"))
	assert.ErrorContains(t, err, "unknown top-level")
}

func TestParse_RejectsEmptyDocument(t *testing.T) {
	_, err := Parse([]byte(""))
	assert.Error(t, err)
}

func TestParse_RejectsNonMappingRoot(t *testing.T) {
	_, err := Parse([]byte("- 1\n- 2\n"))
	assert.ErrorContains(t, err, "must be a mapping")
}

func TestValidate_RejectsMissingChainId(t *testing.T) {
	_, err := Parse([]byte(`
chains:
  - name: ethereum
    rpc: ["https://eth.example/rpc"]
`))
	assert.ErrorContains(t, err, "chainId is required")
}

func TestValidate_RejectsDuplicateChainId(t *testing.T) {
	_, err := Parse([]byte(`
chains:
  - chainId: "1"
    rpc: ["https://a/rpc"]
  - chainId: "1"
    rpc: ["https://b/rpc"]
`))
	assert.ErrorContains(t, err, "duplicate chainId")
}

func TestValidate_RejectsMissingRPC(t *testing.T) {
	_, err := Parse([]byte(`
chains:
  - chainId: "1"
`))
	assert.ErrorContains(t, err, "rpc endpoint is required")
}

func TestValidate_RejectsOutOfRangeFactor(t *testing.T) {
	_, err := Parse([]byte(`
global:
  wallet:
    priorityAdjustmentFactor: 7
chains:
  - chainId: "1"
    rpc: ["https://a/rpc"]
`))
	assert.ErrorContains(t, err, "out of range")
}

func TestValidate_RejectsMissingAMBName(t *testing.T) {
	_, err := Parse([]byte(`
chains:
  - chainId: "1"
    rpc: ["https://a/rpc"]
ambs:
  - enabled: true
`))
	assert.ErrorContains(t, err, "name is required")
}

func TestWalletOptionsFor_FallsBackToGlobal(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	opts := cfg.WalletOptionsFor("1")
	assert.Equal(t, 1.5, opts.PriorityAdjustmentFactor)

	opts = cfg.WalletOptionsFor("137")
	assert.Equal(t, 7, opts.MaxTries)

	opts = cfg.WalletOptionsFor("unknown-chain")
	assert.Equal(t, 1.5, opts.PriorityAdjustmentFactor)
}

func TestDefaultWalletOptions_AppliedWhenZero(t *testing.T) {
	cfg, err := Parse([]byte(`
chains:
  - chainId: "1"
    rpc: ["https://a/rpc"]
`))
	require.NoError(t, err)
	opts := cfg.WalletOptionsFor("1")
	assert.Equal(t, DefaultWalletOptions().MaxTries, opts.MaxTries)
	assert.Equal(t, DefaultWalletOptions().PriorityAdjustmentFactor, opts.PriorityAdjustmentFactor)
}

func TestPrivateKeyConfig_UnmarshalYAML_ScalarForm(t *testing.T) {
	cfg, err := Parse([]byte(`
global:
  privateKey: "0xabc123"
chains:
  - chainId: "1"
    rpc: ["https://a/rpc"]
`))
	require.NoError(t, err)
	assert.Equal(t, "0xabc123", cfg.Global.PrivateKey.Literal)
}

func TestPrivateKeyConfig_UnmarshalYAML_LoaderForm(t *testing.T) {
	cfg, err := Parse([]byte(`
global:
  privateKey:
    loader: env
chains:
  - chainId: "1"
    rpc: ["https://a/rpc"]
`))
	require.NoError(t, err)
	assert.Equal(t, "env", cfg.Global.PrivateKey.Loader)
}

func TestPrivateKeyConfig_UnmarshalYAML_LoaderFormRequiresLoaderKey(t *testing.T) {
	_, err := Parse([]byte(`
global:
  privateKey:
    path: /dev/null
chains:
  - chainId: "1"
    rpc: ["https://a/rpc"]
`))
	assert.ErrorContains(t, err, "requires a \"loader\" key")
}
