package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "storefront.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddress)
	require.Equal(t, "storefront.db", cfg.DataPath)
	require.EqualValues(t, 50_000, cfg.EventWindowBlocks)

	timeout, err := cfg.ConfirmTimeoutDuration()
	require.NoError(t, err)
	require.Equal(t, 2*time.Minute, timeout)
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh", "storefront.toml")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddress)

	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "Bogus = true\n"))
	require.Error(t, err)
}

func TestLoadValidatesChainSettings(t *testing.T) {
	_, err := Load(writeConfig(t, `
ChainRPCURL = "http://127.0.0.1:8545"
MarketContract = "not-an-address"
`))
	require.Error(t, err)

	cfg, err := Load(writeConfig(t, `
ChainRPCURL = "http://127.0.0.1:8545"
ChainID = 1337
MarketContract = "0x1111111111111111111111111111111111111111"
TokenContract = "0x2222222222222222222222222222222222222222"
`))
	require.NoError(t, err)
	require.EqualValues(t, 1337, cfg.ChainID)
}

func TestCouponFixtures(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[[Coupon]]
Code = "LAUNCH20"
DiscountPercent = 20
AppliesToAll = true
MaxUses = 100
ExpiresAt = "2027-01-01T00:00:00Z"

[[Coupon]]
Code = "VIP"
DiscountPercent = 50
ProductIDs = [7, 8]
`))
	require.NoError(t, err)

	fixtures := cfg.CouponFixtures()
	require.Len(t, fixtures, 2)
	require.Equal(t, "LAUNCH20", fixtures[0].Code)
	require.True(t, fixtures[0].AppliesToAll)
	require.NotZero(t, fixtures[0].ExpiresAt)
	require.Equal(t, []uint64{7, 8}, fixtures[1].ProductIDs)
}

func TestLoadRejectsOversizedDiscount(t *testing.T) {
	_, err := Load(writeConfig(t, `
[[Coupon]]
Code = "TOOMUCH"
DiscountPercent = 120
`))
	require.Error(t, err)
}
