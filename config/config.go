package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"storefront/pricing"
)

// Config captures runtime configuration for the storefront daemon.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`
	LogFile       string `toml:"LogFile,omitempty"`

	ChainRPCURL    string `toml:"ChainRPCURL,omitempty"`
	ChainID        int64  `toml:"ChainID,omitempty"`
	MarketContract string `toml:"MarketContract,omitempty"`
	TokenContract  string `toml:"TokenContract,omitempty"`

	DataPath     string `toml:"DataPath"`
	SalesLogPath string `toml:"SalesLogPath"`

	MetadataPrimaryURL string `toml:"MetadataPrimaryURL,omitempty"`
	MetadataMirrorURL  string `toml:"MetadataMirrorURL,omitempty"`

	EventWindowBlocks uint64 `toml:"EventWindowBlocks,omitempty"`
	ConfirmTimeout    string `toml:"ConfirmTimeout,omitempty"`

	Coupons []CouponConfig `toml:"Coupon,omitempty"`
}

// CouponConfig is an externally authored coupon fixture loaded at boot.
type CouponConfig struct {
	Code            string   `toml:"Code"`
	DiscountPercent uint32   `toml:"DiscountPercent"`
	AppliesToAll    bool     `toml:"AppliesToAll,omitempty"`
	ProductIDs      []uint64 `toml:"ProductIDs,omitempty"`
	ExpiresAt       string   `toml:"ExpiresAt,omitempty"`
	MaxUses         uint32   `toml:"MaxUses,omitempty"`
}

// Load loads the configuration from the given path, writing a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	for _, undecoded := range meta.Undecoded() {
		return nil, fmt.Errorf("config: unknown key %q in %s", undecoded.String(), path)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8080"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "dev"
	}
	if strings.TrimSpace(cfg.DataPath) == "" {
		cfg.DataPath = "storefront.db"
	}
	if strings.TrimSpace(cfg.SalesLogPath) == "" {
		cfg.SalesLogPath = "affiliate-sales.db"
	}
	if cfg.EventWindowBlocks == 0 {
		cfg.EventWindowBlocks = 50_000
	}
	if strings.TrimSpace(cfg.ConfirmTimeout) == "" {
		cfg.ConfirmTimeout = "2m"
	}
}

// Validate checks the configuration for internally consistent values.
func (c *Config) Validate() error {
	if _, err := c.ConfirmTimeoutDuration(); err != nil {
		return err
	}
	if strings.TrimSpace(c.ChainRPCURL) != "" {
		if !common.IsHexAddress(c.MarketContract) {
			return fmt.Errorf("config: MarketContract %q is not a hex address", c.MarketContract)
		}
		if !common.IsHexAddress(c.TokenContract) {
			return fmt.Errorf("config: TokenContract %q is not a hex address", c.TokenContract)
		}
		if c.ChainID <= 0 {
			return fmt.Errorf("config: ChainID required when ChainRPCURL is set")
		}
	}
	for _, coupon := range c.Coupons {
		if strings.TrimSpace(coupon.Code) == "" {
			return fmt.Errorf("config: coupon with empty code")
		}
		if coupon.DiscountPercent > 100 {
			return fmt.Errorf("config: coupon %q discount %d exceeds 100", coupon.Code, coupon.DiscountPercent)
		}
		if coupon.ExpiresAt != "" {
			if _, err := time.Parse(time.RFC3339, coupon.ExpiresAt); err != nil {
				return fmt.Errorf("config: coupon %q ExpiresAt: %w", coupon.Code, err)
			}
		}
	}
	return nil
}

// ConfirmTimeoutDuration parses the confirmation deadline.
func (c *Config) ConfirmTimeoutDuration() (time.Duration, error) {
	dur, err := time.ParseDuration(c.ConfirmTimeout)
	if err != nil {
		return 0, fmt.Errorf("config: ConfirmTimeout: %w", err)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("config: ConfirmTimeout must be positive")
	}
	return dur, nil
}

// CouponFixtures converts the configured coupons into store records.
func (c *Config) CouponFixtures() []*pricing.Coupon {
	coupons := make([]*pricing.Coupon, 0, len(c.Coupons))
	for _, entry := range c.Coupons {
		coupon := &pricing.Coupon{
			Code:            entry.Code,
			DiscountPercent: entry.DiscountPercent,
			AppliesToAll:    entry.AppliesToAll,
			ProductIDs:      append([]uint64(nil), entry.ProductIDs...),
			MaxUses:         entry.MaxUses,
		}
		if entry.ExpiresAt != "" {
			if expires, err := time.Parse(time.RFC3339, entry.ExpiresAt); err == nil {
				coupon.ExpiresAt = expires.Unix()
			}
		}
		coupons = append(coupons, coupon)
	}
	return coupons
}
