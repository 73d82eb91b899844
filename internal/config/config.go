// Package config loads the gateway's process-start configuration from a
// YAML file via gopkg.in/yaml.v3, covering every surface named in §6:
// server, parameter sets, engine pool, cache, privacy accountant, upstream
// provider, and key lifecycle. Every field has a default applied by
// ApplyDefaults so a minimal or absent file still produces a runnable
// configuration, mirroring the teacher's own "reasonable defaults, explicit
// override" posture for its coordinator/participant startup flags.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cipherrelay/gateway/internal/accountant"
	"github.com/cipherrelay/gateway/internal/gatewayerr"
	"github.com/cipherrelay/gateway/internal/params"
)

// Server carries HTTP listener settings.
type Server struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ParameterSet mirrors params.Literal so an operator can name one or more
// sets the gateway serves.
type ParameterSet struct {
	Name          string `yaml:"name"`
	Degree        uint32 `yaml:"degree"`
	CoeffModBits  []int  `yaml:"coeff_modulus_bits"`
	ScaleBits     int    `yaml:"scale_bits"`
	SecurityLevel int    `yaml:"security_level_bits"`
}

// ToLiteral converts a config ParameterSet into params.Literal.
func (p ParameterSet) ToLiteral() params.Literal {
	return params.Literal{
		Degree:        p.Degree,
		CoeffModBits:  p.CoeffModBits,
		ScaleBits:     p.ScaleBits,
		SecurityLevel: params.SecurityLevel(p.SecurityLevel),
	}
}

// EnginePool carries the Engine Pool's sizing knobs.
type EnginePool struct {
	LowWaterMark   int           `yaml:"low_water_mark"`
	HighWaterMark  int           `yaml:"high_water_mark"`
	CheckoutTimeout time.Duration `yaml:"checkout_timeout"`
	IdleTTL        time.Duration `yaml:"idle_ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// Cache carries the Ciphertext Cache's sizing knobs.
type Cache struct {
	Shards          int `yaml:"shards"`
	HotCountBound   int `yaml:"hot_count_bound"`
	WarmByteBound   int `yaml:"warm_byte_bound"`
}

// Privacy carries the Privacy Accountant's budget and cost-table knobs.
type Privacy struct {
	DefaultTotalEpsilon float64            `yaml:"default_total_epsilon"`
	FreeFailureKinds    []string           `yaml:"free_failure_kinds"`
	CostTable           map[string]float64 `yaml:"cost_table"`
}

// Upstream carries the Upstream Adapter's provider endpoint settings.
type Upstream struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	ProviderTag  string        `yaml:"provider_tag"`
	Timeout      time.Duration `yaml:"timeout"`
	RetryBudget  int           `yaml:"retry_budget"`
}

// KeyLifecycle carries the Key Store's TTL and rotation-grace knobs.
type KeyLifecycle struct {
	KeyTTL        time.Duration `yaml:"key_ttl"`
	RotationGrace time.Duration `yaml:"rotation_grace"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Batch carries the Batch Coalescer's sizing knobs.
type Batch struct {
	SizeThreshold int           `yaml:"size_threshold"`
	WaitThreshold time.Duration `yaml:"wait_threshold"`
}

// Validation carries the Validator's bounds and denylist.
type Validation struct {
	MaxPlaintextBytes  int      `yaml:"max_plaintext_bytes"`
	MaxCiphertextBytes int      `yaml:"max_ciphertext_bytes"`
	Denylist           []string `yaml:"denylist"`
}

// Ciphertext carries the Ciphertext Store's noise and TTL knobs.
type Ciphertext struct {
	TTL              time.Duration `yaml:"ttl"`
	ConcatCost       int           `yaml:"concat_cost"`
	RefreshRestoreTo int           `yaml:"refresh_restore_to"`
	UpstreamInitialNoise int       `yaml:"upstream_initial_noise"`
}

// Config is the full process-start configuration, per §6.
type Config struct {
	Server        Server         `yaml:"server"`
	ParameterSets []ParameterSet `yaml:"parameter_sets"`
	EnginePool    EnginePool     `yaml:"engine_pool"`
	Cache         Cache          `yaml:"cache"`
	Privacy       Privacy        `yaml:"privacy"`
	Upstream      Upstream       `yaml:"upstream"`
	KeyLifecycle  KeyLifecycle   `yaml:"key_lifecycle"`
	Batch         Batch          `yaml:"batch"`
	Validation    Validation     `yaml:"validation"`
	Ciphertext    Ciphertext     `yaml:"ciphertext"`
}

// Load reads and parses a YAML config file at path, applying defaults to
// any field the file leaves at its zero value.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, gatewayerr.Newf(gatewayerr.CodeInternal, "reading config %q: %v", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, gatewayerr.Newf(gatewayerr.CodeInternal, "parsing config %q: %v", path, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills every zero-valued field with the gateway's documented
// default, so a partially specified (or absent) file is still runnable.
func (c *Config) ApplyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8443"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if len(c.ParameterSets) == 0 {
		c.ParameterSets = []ParameterSet{{
			Name:          "default",
			Degree:        8192,
			CoeffModBits:  []int{60, 40, 40, 60},
			ScaleBits:     40,
			SecurityLevel: 128,
		}}
	}

	if c.EnginePool.LowWaterMark == 0 {
		c.EnginePool.LowWaterMark = 2
	}
	if c.EnginePool.HighWaterMark == 0 {
		c.EnginePool.HighWaterMark = 16
	}
	if c.EnginePool.CheckoutTimeout == 0 {
		c.EnginePool.CheckoutTimeout = 5 * time.Second
	}
	if c.EnginePool.IdleTTL == 0 {
		c.EnginePool.IdleTTL = 5 * time.Minute
	}
	if c.EnginePool.SweepInterval == 0 {
		c.EnginePool.SweepInterval = time.Minute
	}

	if c.Cache.Shards == 0 {
		c.Cache.Shards = 16
	}
	if c.Cache.HotCountBound == 0 {
		c.Cache.HotCountBound = 4096
	}
	if c.Cache.WarmByteBound == 0 {
		c.Cache.WarmByteBound = 64 << 20
	}

	if c.Privacy.DefaultTotalEpsilon == 0 {
		c.Privacy.DefaultTotalEpsilon = 10.0
	}
	if c.Privacy.CostTable == nil {
		c.Privacy.CostTable = map[string]float64{
			string(accountant.OpEncrypt):  0.1,
			string(accountant.OpDecrypt):  0.1,
			string(accountant.OpConcat):   0.15,
			string(accountant.OpRefresh):  0.2,
			string(accountant.OpUpstream): 0.25,
		}
	}

	if c.Upstream.ProviderTag == "" {
		c.Upstream.ProviderTag = "default"
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 30 * time.Second
	}

	if c.KeyLifecycle.KeyTTL == 0 {
		c.KeyLifecycle.KeyTTL = 24 * time.Hour
	}
	if c.KeyLifecycle.RotationGrace == 0 {
		c.KeyLifecycle.RotationGrace = 10 * time.Minute
	}
	if c.KeyLifecycle.SweepInterval == 0 {
		c.KeyLifecycle.SweepInterval = time.Minute
	}

	if c.Batch.SizeThreshold == 0 {
		c.Batch.SizeThreshold = 8
	}
	if c.Batch.WaitThreshold == 0 {
		c.Batch.WaitThreshold = 25 * time.Millisecond
	}

	if c.Validation.MaxPlaintextBytes == 0 {
		c.Validation.MaxPlaintextBytes = 1 << 20
	}
	if c.Validation.MaxCiphertextBytes == 0 {
		c.Validation.MaxCiphertextBytes = 8 << 20
	}

	if c.Ciphertext.TTL == 0 {
		c.Ciphertext.TTL = time.Hour
	}
	if c.Ciphertext.ConcatCost == 0 {
		c.Ciphertext.ConcatCost = 5
	}
	if c.Ciphertext.RefreshRestoreTo == 0 {
		c.Ciphertext.RefreshRestoreTo = 120
	}
	if c.Ciphertext.UpstreamInitialNoise == 0 {
		c.Ciphertext.UpstreamInitialNoise = 100
	}
}

// AccountantCostTable converts the string-keyed YAML cost table into
// accountant.CostTable.
func (c *Config) AccountantCostTable() accountant.CostTable {
	ct := make(accountant.CostTable, len(c.Privacy.CostTable))
	for k, v := range c.Privacy.CostTable {
		ct[accountant.OpKind(k)] = v
	}
	return ct
}

// DenylistBytes converts the string denylist into raw byte patterns for
// validate.Validator.
func (c *Config) DenylistBytes() [][]byte {
	out := make([][]byte, len(c.Validation.Denylist))
	for i, s := range c.Validation.Denylist {
		out[i] = []byte(s)
	}
	return out
}
