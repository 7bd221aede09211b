package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"BucketLender/internal/lender"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadLender_File(t *testing.T) {
	cfg, err := LoadLender(filepath.Join("testdata", "lender.yaml"))
	require.NoError(t, err)

	assert.Equal(t, common.HexToAddress("0xb0c1"), cfg.Config.Self)
	assert.Equal(t, common.HexToAddress("0xfa17"), cfg.Vault)
	assert.Equal(t, uint32(86400), cfg.Config.BucketTime)
	assert.Equal(t, uint32(5_000_000), cfg.Config.InterestRate)
	assert.Equal(t, uint64(3), cfg.Config.MinHeldNumerator)
	assert.Equal(t, uint64(2), cfg.Config.MinHeldDenominator)
	require.Len(t, cfg.Config.TrustedMarginCallers, 1)
	assert.Equal(t, common.HexToAddress("0xca"), cfg.Config.TrustedMarginCallers[0])
	require.Len(t, cfg.Config.TrustedWithdrawers, 1)
}

func TestLoadLender_EnvOverrides(t *testing.T) {
	t.Setenv("LENDER_BUCKET_TIME", "3600")
	t.Setenv("LENDER_TRUSTED_WITHDRAWERS", "0x00000000000000000000000000000000000000d1, 0x00000000000000000000000000000000000000d2")

	cfg, err := LoadLender(filepath.Join("testdata", "lender.yaml"))
	require.NoError(t, err)
	assert.Equal(t, uint32(3600), cfg.Config.BucketTime)
	assert.Equal(t, []common.Address{common.HexToAddress("0xd1"), common.HexToAddress("0xd2")}, cfg.Config.TrustedWithdrawers)
}

func TestLoadLender_BadEnvNumber(t *testing.T) {
	t.Setenv("LENDER_MAX_DURATION", "forever")
	_, err := LoadLender(filepath.Join("testdata", "lender.yaml"))
	require.Error(t, err)
}

func TestParseLender_Defaults(t *testing.T) {
	cfg, err := ParseLender([]byte(`
self: "0x000000000000000000000000000000000000b0c1"
vault: "0x000000000000000000000000000000000000fa17"
position_id: "0x0000000000000000000000000000000000000000000000000000000000000001"
owed_token: "0x00000000000000000000000000000000000000a1"
held_token: "0x00000000000000000000000000000000000000b2"
`))
	require.NoError(t, err)
	assert.Equal(t, uint32(86400), cfg.Config.BucketTime)
	assert.Equal(t, uint32(3600), cfg.Config.InterestPeriod)
	assert.Equal(t, uint64(1), cfg.Config.MinHeldDenominator)
	assert.Empty(t, cfg.Config.TrustedMarginCallers)
}

func TestParseLender_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad address", `
self: "bob"
vault: "0x000000000000000000000000000000000000fa17"
position_id: "0x0000000000000000000000000000000000000000000000000000000000000001"
owed_token: "0x00000000000000000000000000000000000000a1"
held_token: "0x00000000000000000000000000000000000000b2"
`},
		{"short position id", `
self: "0x000000000000000000000000000000000000b0c1"
vault: "0x000000000000000000000000000000000000fa17"
position_id: "0x01"
owed_token: "0x00000000000000000000000000000000000000a1"
held_token: "0x00000000000000000000000000000000000000b2"
`},
		{"vault is self", `
self: "0x000000000000000000000000000000000000b0c1"
vault: "0x000000000000000000000000000000000000b0c1"
position_id: "0x0000000000000000000000000000000000000000000000000000000000000001"
owed_token: "0x00000000000000000000000000000000000000a1"
held_token: "0x00000000000000000000000000000000000000b2"
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseLender([]byte(tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestParseLender_SameTokensIsConfigurationError(t *testing.T) {
	_, err := ParseLender([]byte(`
self: "0x000000000000000000000000000000000000b0c1"
vault: "0x000000000000000000000000000000000000fa17"
position_id: "0x0000000000000000000000000000000000000000000000000000000000000001"
owed_token: "0x00000000000000000000000000000000000000a1"
held_token: "0x00000000000000000000000000000000000000a1"
`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, lender.ErrConfiguration))
}

func TestLoadProcess(t *testing.T) {
	t.Setenv("SNAPSHOT_INTERVAL", "30s")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("RATE_LIMIT_RPS", "not-a-number")

	p := LoadProcess()
	assert.Equal(t, 30*time.Second, p.SnapshotInterval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, p.CORSOrigins)
	assert.Equal(t, float64(50), p.RateLimitRPS)
	assert.Equal(t, "@every 1h", p.RebalanceSchedule)
}

func TestLoadLender_MissingFileUsesEnv(t *testing.T) {
	t.Setenv("LENDER_SELF", "0x000000000000000000000000000000000000b0c1")
	t.Setenv("LENDER_VAULT", "0x000000000000000000000000000000000000fa17")
	t.Setenv("LENDER_POSITION_ID", "0x0000000000000000000000000000000000000000000000000000000000000001")
	t.Setenv("LENDER_OWED_TOKEN", "0x00000000000000000000000000000000000000a1")
	t.Setenv("LENDER_HELD_TOKEN", "0x00000000000000000000000000000000000000b2")

	path := filepath.Join(t.TempDir(), "absent.yaml")
	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))

	cfg, err := LoadLender(path)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xa1"), cfg.Config.OwedToken)
}
