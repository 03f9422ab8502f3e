package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
)

// KeyLoader resolves a PrivateKeyConfig's mapping form into 32 raw key bytes.
type KeyLoader func(params map[string]string) ([]byte, error)

var (
	keyLoaderMu sync.RWMutex
	keyLoaders  = map[string]KeyLoader{
		"env":  loadFromEnv,
		"file": loadFromFile,
	}
)

// RegisterKeyLoader adds or replaces a named private-key loader. Call before
// ResolvePrivateKey at startup; the registry is read-only once the relayer
// is running.
func RegisterKeyLoader(name string, loader KeyLoader) {
	keyLoaderMu.Lock()
	defer keyLoaderMu.Unlock()
	keyLoaders[name] = loader
}

// ResolvePrivateKey returns the raw 32-byte private key named by cfg, either
// decoding a literal hex value or invoking the named loader.
func ResolvePrivateKey(cfg PrivateKeyConfig) ([]byte, error) {
	if cfg.Literal != "" {
		return decodeHexKey(cfg.Literal)
	}
	if cfg.Loader == "" {
		return nil, fmt.Errorf("privateKey: neither a literal value nor a loader was configured")
	}
	keyLoaderMu.RLock()
	loader, ok := keyLoaders[cfg.Loader]
	keyLoaderMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("privateKey: unregistered loader %q", cfg.Loader)
	}
	return loader(cfg.Params)
}

func decodeHexKey(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("privateKey: invalid hex literal: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("privateKey: expected 32 bytes, got %d", len(b))
	}
	return b, nil
}

func loadFromEnv(_ map[string]string) ([]byte, error) {
	v := os.Getenv("RELAYER_PRIVATE_KEY")
	if v == "" {
		return nil, fmt.Errorf("privateKey: env loader requires RELAYER_PRIVATE_KEY to be set")
	}
	return decodeHexKey(v)
}

func loadFromFile(params map[string]string) ([]byte, error) {
	path := params["path"]
	if path == "" {
		return nil, fmt.Errorf("privateKey: file loader requires a \"path\" parameter")
	}
	// Reading a private key from a plaintext file is discouraged; callers
	// should prefer the env loader or a secrets manager wired in through
	// RegisterKeyLoader. We still support it, with a warning surfaced by the
	// caller that checked cfg.Loader == "file".
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("privateKey: reading file %s: %w", path, err)
	}
	return decodeHexKey(strings.TrimSpace(string(data)))
}
