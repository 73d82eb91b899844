package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cipherrelay/gateway/internal/accountant"
)

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	require.Equal(t, ":8443", cfg.Server.Address)
	require.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	require.Len(t, cfg.ParameterSets, 1)
	require.Equal(t, "default", cfg.ParameterSets[0].Name)
	require.Equal(t, 2, cfg.EnginePool.LowWaterMark)
	require.Equal(t, 16, cfg.EnginePool.HighWaterMark)
	require.Equal(t, 10.0, cfg.Privacy.DefaultTotalEpsilon)
	require.Equal(t, 5, cfg.Ciphertext.ConcatCost)
	require.Equal(t, 120, cfg.Ciphertext.RefreshRestoreTo)
}

func TestApplyDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := Config{
		Server: Server{Address: ":9000"},
		EnginePool: EnginePool{
			LowWaterMark:  1,
			HighWaterMark: 1,
		},
	}
	cfg.ApplyDefaults()
	require.Equal(t, ":9000", cfg.Server.Address)
	require.Equal(t, 1, cfg.EnginePool.LowWaterMark)
	require.Equal(t, 1, cfg.EnginePool.HighWaterMark)
}

func TestLoadParsesYAMLAndAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  address: ":9443"
parameter_sets:
  - name: small
    degree: 8192
    coeff_modulus_bits: [60, 40, 40, 60]
    scale_bits: 40
    security_level_bits: 128
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9443", cfg.Server.Address)
	require.Len(t, cfg.ParameterSets, 1)
	require.Equal(t, "small", cfg.ParameterSets[0].Name)
	require.Equal(t, 2, cfg.EnginePool.LowWaterMark, "unset fields still receive defaults")
}

func TestLoadMissingFileIsError(t *testing.T) {
	_, err := Load("/nonexistent/gateway.yaml")
	require.Error(t, err)
}

func TestAccountantCostTableConvertsStringKeys(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	ct := cfg.AccountantCostTable()
	require.Equal(t, 0.1, ct[accountant.OpEncrypt])
	require.Equal(t, 0.25, ct[accountant.OpUpstream])
}

func TestDenylistBytesConvertsStrings(t *testing.T) {
	cfg := Config{Validation: Validation{Denylist: []string{"a", "bb"}}}
	out := cfg.DenylistBytes()
	require.Equal(t, [][]byte{[]byte("a"), []byte("bb")}, out)
}

func TestParameterSetToLiteral(t *testing.T) {
	ps := ParameterSet{
		Degree:        8192,
		CoeffModBits:  []int{60, 40, 40, 60},
		ScaleBits:     40,
		SecurityLevel: 128,
	}
	lit := ps.ToLiteral()
	require.Equal(t, uint32(8192), lit.Degree)
	require.Equal(t, []int{60, 40, 40, 60}, lit.CoeffModBits)
}
