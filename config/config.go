// Package config loads blkd settings from flags, environment and defaults.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/tcfw/kernel/services/go/storage/drivers/virtio"
	"github.com/tcfw/kernel/services/go/storage/partition"
)

// EnvPrefix prefixes every environment override, e.g. BLKD_RETRY_POLICY.
const EnvPrefix = "BLKD"

const (
	KeyRetryPolicy      = "retry.policy"
	KeyRetryInitial     = "retry.initial"
	KeyRetryMax         = "retry.max"
	KeyMaxEBRChain      = "partition.max-ebr-chain"
	KeyMetricsAddress   = "metrics.address"
	KeyEmulatorImages   = "emulator.images"
	KeyEmulatorSize     = "emulator.size"
	KeyEmulatorFlush    = "emulator.flush"
	KeyEmulatorQueues   = "emulator.queues"
	KeyEmulatorReadOnly = "emulator.read-only"
	KeyUeventDepth      = "uevent.depth"

	PolicySpin    = "spin"
	PolicyBackoff = "backoff"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

type Retry struct {
	Policy  string
	Initial time.Duration
	Max     time.Duration
}

type Partition struct {
	MaxEBRChain int
}

type Metrics struct {
	// Address serves /metrics when set.
	Address string
}

// Emulator describes the software disks blkd attaches.
type Emulator struct {
	// Images are disk image files. With none, one blank in-memory disk of
	// Size bytes is used.
	Images   []string
	Size     int64
	Flush    bool
	Queues   int
	ReadOnly bool
}

type Config struct {
	Retry       Retry
	Partition   Partition
	Metrics     Metrics
	Emulator    Emulator
	UeventDepth uint64
}

// SetDefaults installs the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyRetryPolicy, PolicySpin)
	v.SetDefault(KeyRetryInitial, 50*time.Microsecond)
	v.SetDefault(KeyRetryMax, 10*time.Millisecond)
	v.SetDefault(KeyMaxEBRChain, partition.DefaultMaxEBRChain)
	v.SetDefault(KeyMetricsAddress, "")
	v.SetDefault(KeyEmulatorImages, []string{})
	v.SetDefault(KeyEmulatorSize, int64(64<<20))
	v.SetDefault(KeyEmulatorFlush, true)
	v.SetDefault(KeyEmulatorQueues, 1)
	v.SetDefault(KeyEmulatorReadOnly, false)
	v.SetDefault(KeyUeventDepth, 256)
}

// New returns a viper instance with defaults and BLKD_ environment
// overrides wired up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Default is the configuration with nothing overridden.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)

	cfg, err := Load(v)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Retry: Retry{
			Policy:  strings.ToLower(v.GetString(KeyRetryPolicy)),
			Initial: v.GetDuration(KeyRetryInitial),
			Max:     v.GetDuration(KeyRetryMax),
		},
		Partition: Partition{
			MaxEBRChain: v.GetInt(KeyMaxEBRChain),
		},
		Metrics: Metrics{
			Address: v.GetString(KeyMetricsAddress),
		},
		Emulator: Emulator{
			Images:   v.GetStringSlice(KeyEmulatorImages),
			Size:     v.GetInt64(KeyEmulatorSize),
			Flush:    v.GetBool(KeyEmulatorFlush),
			Queues:   v.GetInt(KeyEmulatorQueues),
			ReadOnly: v.GetBool(KeyEmulatorReadOnly),
		},
		UeventDepth: v.GetUint64(KeyUeventDepth),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Retry.Policy {
	case PolicySpin:
	case PolicyBackoff:
		if c.Retry.Initial <= 0 || c.Retry.Max < c.Retry.Initial {
			return errors.Wrapf(ErrInvalidConfig, "backoff %s..%s", c.Retry.Initial, c.Retry.Max)
		}
	default:
		return errors.Wrapf(ErrInvalidConfig, "%s %q", KeyRetryPolicy, c.Retry.Policy)
	}

	if c.Partition.MaxEBRChain <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "%s %d", KeyMaxEBRChain, c.Partition.MaxEBRChain)
	}
	if c.Emulator.Queues < 1 || c.Emulator.Queues > 0xffff {
		return errors.Wrapf(ErrInvalidConfig, "%s %d", KeyEmulatorQueues, c.Emulator.Queues)
	}
	if len(c.Emulator.Images) == 0 && (c.Emulator.Size <= 0 || c.Emulator.Size%512 != 0) {
		return errors.Wrapf(ErrInvalidConfig, "%s %d is not a positive multiple of 512", KeyEmulatorSize, c.Emulator.Size)
	}
	if c.UeventDepth == 0 {
		return errors.Wrapf(ErrInvalidConfig, "%s must be positive", KeyUeventDepth)
	}
	return nil
}

// RetryPolicy builds the driver's queue-full policy.
func (c *Config) RetryPolicy() virtio.RetryPolicy {
	if c.Retry.Policy == PolicyBackoff {
		return virtio.BackoffRetry{Initial: c.Retry.Initial, Max: c.Retry.Max}
	}
	return virtio.SpinRetry{}
}
