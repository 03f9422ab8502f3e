// Package config loads and validates the single YAML configuration file
// described in SPEC_FULL.md §6.1: a global section, a list of configured
// AMBs, and a list of configured chains. Strict decoding rejects any
// top-level key outside this schema.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// WalletOptions holds the per-chain wallet-worker tuning knobs, all optional.
// Zero values are replaced by DefaultWalletOptions during Validate.
type WalletOptions struct {
	RetryInterval               int     `yaml:"retryInterval"`
	ProcessingInterval          int     `yaml:"processingInterval"`
	MaxTries                    int     `yaml:"maxTries"`
	MaxPendingTransactions      int     `yaml:"maxPendingTransactions"`
	Confirmations               int     `yaml:"confirmations"`
	ConfirmationTimeout         int     `yaml:"confirmationTimeout"`
	LowGasBalanceWarning        string  `yaml:"lowGasBalanceWarning"`
	GasBalanceUpdateInterval    int     `yaml:"gasBalanceUpdateInterval"`
	MaxFeePerGas                string  `yaml:"maxFeePerGas"`
	MaxAllowedPriorityFeePerGas string  `yaml:"maxAllowedPriorityFeePerGas"`
	MaxPriorityFeeAdjustmentFactor float64 `yaml:"maxPriorityFeeAdjustmentFactor"`
	MaxAllowedGasPrice          string  `yaml:"maxAllowedGasPrice"`
	GasPriceAdjustmentFactor    float64 `yaml:"gasPriceAdjustmentFactor"`
	PriorityAdjustmentFactor    float64 `yaml:"priorityAdjustmentFactor"`
}

// DefaultWalletOptions returns the defaults named in SPEC_FULL.md §6.1.
func DefaultWalletOptions() WalletOptions {
	return WalletOptions{
		RetryInterval:                  30000,
		ProcessingInterval:             100,
		MaxTries:                       3,
		MaxPendingTransactions:         50,
		Confirmations:                  1,
		ConfirmationTimeout:            60000,
		GasBalanceUpdateInterval:       50,
		MaxPriorityFeeAdjustmentFactor: 1.0,
		GasPriceAdjustmentFactor:       1.0,
		PriorityAdjustmentFactor:       1.10,
	}
}

func (w *WalletOptions) applyDefaults() {
	d := DefaultWalletOptions()
	if w.RetryInterval == 0 {
		w.RetryInterval = d.RetryInterval
	}
	if w.ProcessingInterval == 0 {
		w.ProcessingInterval = d.ProcessingInterval
	}
	if w.MaxTries == 0 {
		w.MaxTries = d.MaxTries
	}
	if w.MaxPendingTransactions == 0 {
		w.MaxPendingTransactions = d.MaxPendingTransactions
	}
	if w.Confirmations == 0 {
		w.Confirmations = d.Confirmations
	}
	if w.ConfirmationTimeout == 0 {
		w.ConfirmationTimeout = d.ConfirmationTimeout
	}
	if w.GasBalanceUpdateInterval == 0 {
		w.GasBalanceUpdateInterval = d.GasBalanceUpdateInterval
	}
	if w.MaxPriorityFeeAdjustmentFactor == 0 {
		w.MaxPriorityFeeAdjustmentFactor = d.MaxPriorityFeeAdjustmentFactor
	}
	if w.GasPriceAdjustmentFactor == 0 {
		w.GasPriceAdjustmentFactor = d.GasPriceAdjustmentFactor
	}
	if w.PriorityAdjustmentFactor == 0 {
		w.PriorityAdjustmentFactor = d.PriorityAdjustmentFactor
	}
}

func (w WalletOptions) validateFactors() error {
	factors := map[string]float64{
		"maxPriorityFeeAdjustmentFactor": w.MaxPriorityFeeAdjustmentFactor,
		"gasPriceAdjustmentFactor":       w.GasPriceAdjustmentFactor,
		"priorityAdjustmentFactor":       w.PriorityAdjustmentFactor,
	}
	for name, f := range factors {
		if f < 1 || f > 5 {
			return fmt.Errorf("wallet option %s = %v is out of range [1, 5]", name, f)
		}
	}
	return nil
}

// MonitorOptions tunes the per-chain block monitor (SPEC_FULL.md §4.3).
type MonitorOptions struct {
	Interval                    int `yaml:"interval"`
	BlockDelay                  int `yaml:"blockDelay"`
	NoBlockUpdateWarningInterval int `yaml:"noBlockUpdateWarningInterval"`
}

// PrivateKeyConfig either carries a literal 32-byte hex key or names a
// pluggable loader (built-in: "env", "file").
type PrivateKeyConfig struct {
	Literal string
	Loader  string
	Params  map[string]string
}

func (p *PrivateKeyConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&p.Literal)
	}
	var m map[string]string
	if err := value.Decode(&m); err != nil {
		return fmt.Errorf("privateKey: expected scalar or mapping: %w", err)
	}
	loader, ok := m["loader"]
	if !ok {
		return fmt.Errorf("privateKey: mapping form requires a \"loader\" key")
	}
	p.Loader = loader
	p.Params = m
	return nil
}

// GlobalConfig is the `global` top-level section.
type GlobalConfig struct {
	PrivateKey PrivateKeyConfig `yaml:"privateKey"`
	LogLevel   string           `yaml:"logLevel"`
	Monitor    MonitorOptions   `yaml:"monitor"`
	Wallet     WalletOptions    `yaml:"wallet"`
}

// AMBConfig is one entry of the `ambs` list.
type AMBConfig struct {
	Name              string `yaml:"name"`
	Enabled           bool   `yaml:"enabled"`
	IncentivesAddress string `yaml:"incentivesAddress"`
	PacketCost        string `yaml:"packetCost"`

	// LayerZero-specific
	BridgeAddress   string            `yaml:"bridgeAddress"`
	ReceiverAddress string            `yaml:"receiverAddress"`
	LayerZeroChainIds map[string]string `yaml:"layerZeroChainIds"`

	// Wormhole-specific
	SpyURL           string            `yaml:"spyURL"`
	WormholescanURL  string            `yaml:"wormholescanURL"`
	WormholeChainIds map[string]string `yaml:"wormholeChainIds"`
}

// ChainConfig is one entry of the `chains` list.
type ChainConfig struct {
	ChainId       string         `yaml:"chainId"`
	Name          string         `yaml:"name"`
	RPC           []string       `yaml:"rpc"`
	Resolver      string         `yaml:"resolver"`
	StartingBlock *int64         `yaml:"startingBlock"`
	StoppingBlock *int64         `yaml:"stoppingBlock"`
	Monitor       *MonitorOptions `yaml:"monitor"`
	Wallet        *WalletOptions `yaml:"wallet"`
}

// Config is the full, validated configuration document.
type Config struct {
	Global GlobalConfig  `yaml:"global"`
	AMBs   []AMBConfig   `yaml:"ambs"`
	Chains []ChainConfig `yaml:"chains"`
}

// rawConfig is not used by Parse; unknown top-level keys are caught by
// walking the root yaml.Node against knownTopLevel.
type rawConfig struct {
	Global map[string]yaml.Node `yaml:"global"`
	AMBs   yaml.Node            `yaml:"ambs"`
	Chains yaml.Node            `yaml:"chains"`
}

var knownTopLevel = map[string]bool{"global": true, "ambs": true, "chains": true}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates and decodes raw YAML bytes into a Config.
func Parse(data []byte) (*Config, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("empty configuration document")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("configuration root must be a mapping")
	}
	for i := 0; i < len(root.Content); i += 2 {
		key := root.Content[i].Value
		if !knownTopLevel[key] {
			return nil, fmt.Errorf("unknown top-level configuration key %q", key)
		}
	}

	var cfg Config
	if err := doc.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies wallet defaults and checks adjustment-factor ranges, that
// every chain has a unique chainId and at least one rpc endpoint, and that
// every AMB has a name. Resolver tags are not checked here.
func (c *Config) Validate() error {
	c.Global.Wallet.applyDefaults()
	if err := c.Global.Wallet.validateFactors(); err != nil {
		return fmt.Errorf("global.wallet: %w", err)
	}

	seen := map[string]bool{}
	for i := range c.Chains {
		ch := &c.Chains[i]
		if ch.ChainId == "" {
			return fmt.Errorf("chains[%d]: chainId is required", i)
		}
		if seen[ch.ChainId] {
			return fmt.Errorf("chains[%d]: duplicate chainId %q", i, ch.ChainId)
		}
		seen[ch.ChainId] = true
		if len(ch.RPC) == 0 {
			return fmt.Errorf("chains[%d] (%s): at least one rpc endpoint is required", i, ch.ChainId)
		}
		if ch.Wallet != nil {
			ch.Wallet.applyDefaults()
			if err := ch.Wallet.validateFactors(); err != nil {
				return fmt.Errorf("chains[%d] (%s).wallet: %w", i, ch.ChainId, err)
			}
		}
	}

	for i := range c.AMBs {
		if c.AMBs[i].Name == "" {
			return fmt.Errorf("ambs[%d]: name is required", i)
		}
	}

	return nil
}

// WalletOptionsFor resolves the effective wallet options for a chain,
// falling back to the global defaults when the chain has none of its own.
func (c *Config) WalletOptionsFor(chainId string) WalletOptions {
	for _, ch := range c.Chains {
		if ch.ChainId == chainId && ch.Wallet != nil {
			return *ch.Wallet
		}
	}
	return c.Global.Wallet
}
