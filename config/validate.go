package config

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"strings"
)

const maxFeeBps = 10_000

// Validate checks that the configuration is internally consistent.
func (cfg *Config) Validate() error {
	if cfg.DisputePeriodSeconds <= 0 {
		return fmt.Errorf("config: DisputePeriodSeconds must be positive")
	}
	if cfg.PlatformFeeBps > maxFeeBps {
		return fmt.Errorf("config: PlatformFeeBps %d exceeds %d", cfg.PlatformFeeBps, maxFeeBps)
	}
	if cfg.PlatformFeeBps > 0 {
		if _, err := ParseAddress(cfg.FeeTreasury); err != nil {
			return fmt.Errorf("config: FeeTreasury required when PlatformFeeBps is set: %w", err)
		}
	} else if strings.TrimSpace(cfg.FeeTreasury) != "" {
		if _, err := ParseAddress(cfg.FeeTreasury); err != nil {
			return fmt.Errorf("config: FeeTreasury: %w", err)
		}
	}
	for i, unit := range cfg.AllowedUnits {
		if strings.TrimSpace(unit) == "" {
			return fmt.Errorf("config: AllowedUnits[%d] is empty", i)
		}
	}
	for i, acct := range cfg.GenesisAccounts {
		if _, err := ParseAddress(acct.Address); err != nil {
			return fmt.Errorf("config: GenesisAccounts[%d].Address: %w", i, err)
		}
		if strings.TrimSpace(acct.Unit) == "" {
			return fmt.Errorf("config: GenesisAccounts[%d].Unit is empty", i)
		}
		balance, ok := new(big.Int).SetString(strings.TrimSpace(acct.Balance), 10)
		if !ok || balance.Sign() < 0 {
			return fmt.Errorf("config: GenesisAccounts[%d].Balance %q is not a non-negative integer", i, acct.Balance)
		}
	}
	return nil
}

// RPCToken resolves the bearer token from the configured environment
// variable. An empty token disables mutating RPC methods.
func (cfg *Config) RPCToken() string {
	return strings.TrimSpace(os.Getenv(cfg.RPCTokenEnv))
}

// ParseAddress decodes a 20-byte hex address with an optional 0x prefix.
func ParseAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("invalid address %q: %w", raw, err)
	}
	if len(decoded) != len(addr) {
		return addr, fmt.Errorf("invalid address %q: expected %d bytes, got %d", raw, len(addr), len(decoded))
	}
	copy(addr[:], decoded)
	return addr, nil
}
