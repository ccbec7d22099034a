// Package config loads the pool daemon's TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/holiman/uint256"

	"tranchex/crypto"
	"tranchex/native/coordinator"
	"tranchex/native/fixedmath"
)

// Duration wraps time.Duration so TOML files can spell timers as "23h50m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Weights mirror coordinator.Weights in the config file.
type Weights struct {
	SeniorRedeem uint64 `toml:"SeniorRedeem"`
	JuniorRedeem uint64 `toml:"JuniorRedeem"`
	JuniorSupply uint64 `toml:"JuniorSupply"`
	SeniorSupply uint64 `toml:"SeniorSupply"`
}

type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	PoolName      string `toml:"PoolName"`
	Env           string `toml:"Env"`

	LogFile       string `toml:"LogFile"`
	LogMaxSizeMB  int    `toml:"LogMaxSizeMB"`
	LogMaxBackups int    `toml:"LogMaxBackups"`

	// AdminAddress is the bech32 account granted the admin role.
	AdminAddress string `toml:"AdminAddress"`
	// AdminToken guards the administrative HTTP endpoints.
	AdminToken string `toml:"AdminToken"`

	MinimumEpochTime Duration `toml:"MinimumEpochTime"`
	ChallengeTime    Duration `toml:"ChallengeTime"`
	Weights          Weights  `toml:"Weights"`

	// MinSeniorRatio and MaxSeniorRatio are decimal fractions, e.g. "0.75".
	MinSeniorRatio string `toml:"MinSeniorRatio"`
	MaxSeniorRatio string `toml:"MaxSeniorRatio"`
	// MaxReserve is a whole currency amount.
	MaxReserve string `toml:"MaxReserve"`

	// SubmitRatePerMinute limits solution submissions per client.
	SubmitRatePerMinute int `toml:"SubmitRatePerMinute"`
}

// Default returns the configuration a fresh pool starts from.
func Default() *Config {
	epoch := coordinator.DefaultConfig()
	return &Config{
		ListenAddress:       "0.0.0.0:8645",
		DataDir:             "./pooldata",
		PoolName:            "pool-local",
		Env:                 "dev",
		MinimumEpochTime:    Duration{epoch.MinimumEpochTime},
		ChallengeTime:       Duration{epoch.ChallengeTime},
		Weights:             Weights(epoch.Weights),
		MinSeniorRatio:      "0",
		MaxSeniorRatio:      "1",
		MaxReserve:          "1000000000000000000000000",
		SubmitRatePerMinute: 30,
	}
}

// Load loads the configuration from the given path, creating a default file
// if none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("config file %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func createDefault(path string) (*Config, error) {
	cfg := Default()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields that cannot be defaulted away.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("ListenAddress must not be empty")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DataDir must not be empty")
	}
	if err := c.EpochConfig().Validate(); err != nil {
		return err
	}
	minRatio, maxRatio, err := c.RatioBounds()
	if err != nil {
		return err
	}
	if minRatio.Gt(maxRatio) {
		return fmt.Errorf("MinSeniorRatio %s above MaxSeniorRatio %s", c.MinSeniorRatio, c.MaxSeniorRatio)
	}
	if _, err := c.MaxReserveAmount(); err != nil {
		return err
	}
	if c.AdminAddress != "" {
		if _, err := crypto.DecodeAddress(c.AdminAddress); err != nil {
			return fmt.Errorf("AdminAddress: %w", err)
		}
	}
	if c.SubmitRatePerMinute < 0 {
		return fmt.Errorf("SubmitRatePerMinute must not be negative")
	}
	return nil
}

// EpochConfig converts the timer and weight settings for the coordinator.
func (c *Config) EpochConfig() coordinator.Config {
	return coordinator.Config{
		MinimumEpochTime: c.MinimumEpochTime.Duration,
		ChallengeTime:    c.ChallengeTime.Duration,
		Weights:          coordinator.Weights(c.Weights),
	}
}

// RatioBounds parses the senior ratio window into ray fractions.
func (c *Config) RatioBounds() (minRatio, maxRatio *uint256.Int, err error) {
	minRatio, err = fixedmath.FromDecimal(c.MinSeniorRatio)
	if err != nil {
		return nil, nil, fmt.Errorf("MinSeniorRatio: %w", err)
	}
	maxRatio, err = fixedmath.FromDecimal(c.MaxSeniorRatio)
	if err != nil {
		return nil, nil, fmt.Errorf("MaxSeniorRatio: %w", err)
	}
	return minRatio, maxRatio, nil
}

// MaxReserveAmount parses the reserve ceiling as a whole currency amount.
func (c *Config) MaxReserveAmount() (*uint256.Int, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(c.MaxReserve))
	if err != nil {
		return nil, fmt.Errorf("MaxReserve: %w", err)
	}
	return v, nil
}

// AdminAddr decodes the configured admin account, if any.
func (c *Config) AdminAddr() (crypto.Address, bool, error) {
	if strings.TrimSpace(c.AdminAddress) == "" {
		return crypto.Address{}, false, nil
	}
	addr, err := crypto.DecodeAddress(c.AdminAddress)
	if err != nil {
		return crypto.Address{}, false, err
	}
	return addr, true, nil
}
