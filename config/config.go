package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// GenesisAccount seeds a custody ledger balance at startup.
type GenesisAccount struct {
	Address string `toml:"Address"`
	Unit    string `toml:"Unit"`
	Balance string `toml:"Balance"`
}

type Config struct {
	RPCAddress           string           `toml:"RPCAddress"`
	DataDir              string           `toml:"DataDir"`
	Environment          string           `toml:"Environment"`
	RPCTokenEnv          string           `toml:"RPCTokenEnv"`
	DisputePeriodSeconds int64            `toml:"DisputePeriodSeconds"`
	PlatformFeeBps       uint32           `toml:"PlatformFeeBps"`
	FeeTreasury          string           `toml:"FeeTreasury"`
	AllowedUnits         []string         `toml:"AllowedUnits"`
	GenesisAccounts      []GenesisAccount `toml:"GenesisAccounts,omitempty"`
}

// Load reads the configuration at path, creating a default file when none
// exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8545"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./escrowd-data"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "local"
	}
	if strings.TrimSpace(cfg.RPCTokenEnv) == "" {
		cfg.RPCTokenEnv = "ESCROWD_RPC_TOKEN"
	}
	if cfg.DisputePeriodSeconds == 0 {
		cfg.DisputePeriodSeconds = 7 * 24 * 60 * 60
	}
	if cfg.AllowedUnits == nil {
		cfg.AllowedUnits = []string{}
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
