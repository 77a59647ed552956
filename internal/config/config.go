// Package config loads runtime settings: environment variables prefixed
// WALKAI_ layered over an optional YAML file, with documented defaults for
// every timing knob the reconciliation core exposes.
package config

import (
	"strings"
	"time"

	goerrors "github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/walkai-org/walkai-api/internal/constants"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"
)

type Config struct {
	ListenPort int
	AuthToken  string

	// Namespace is where workload pods carrying partition bindings live.
	Namespace string

	StateBackend string
	RedisURL     string
	DynamoTable  string
	AWSRegion    string

	ReconcileInterval  time.Duration
	ConfirmationWindow time.Duration
	LeaseTTL           time.Duration
	RetentionWindow    time.Duration
	ExternalTimeout    time.Duration

	AllocateRetries   int
	PartitionsPerNode int

	// StartupProbeAttempts bounds the escalating-backoff dependency probes
	// before the process gives up at boot.
	StartupProbeAttempts int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_port", 8080)
	v.SetDefault("auth_token", "")
	v.SetDefault("namespace", "walkai")
	v.SetDefault("state_backend", BackendMemory)
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("dynamo_table", "walkai-leases")
	v.SetDefault("aws_region", "")
	v.SetDefault("reconcile_interval", constants.DefaultReconcileInterval)
	v.SetDefault("confirmation_window", constants.DefaultConfirmationWindow)
	v.SetDefault("lease_ttl", constants.DefaultLeaseTTL)
	v.SetDefault("retention_window", constants.DefaultRetentionWindow)
	v.SetDefault("external_timeout", constants.DefaultExternalTimeout)
	v.SetDefault("allocate_retries", constants.DefaultAllocateRetries)
	v.SetDefault("partitions_per_node", constants.DefaultPartitionsPerNode)
	v.SetDefault("startup_probe_attempts", 5)
}

// Load reads the optional config file at path (empty path skips the file)
// and applies WALKAI_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("WALKAI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, goerrors.Wrapf(err, "read config file %s", path)
		}
	}

	cfg := &Config{
		ListenPort:           v.GetInt("listen_port"),
		AuthToken:            v.GetString("auth_token"),
		Namespace:            v.GetString("namespace"),
		StateBackend:         v.GetString("state_backend"),
		RedisURL:             v.GetString("redis_url"),
		DynamoTable:          v.GetString("dynamo_table"),
		AWSRegion:            v.GetString("aws_region"),
		ReconcileInterval:    v.GetDuration("reconcile_interval"),
		ConfirmationWindow:   v.GetDuration("confirmation_window"),
		LeaseTTL:             v.GetDuration("lease_ttl"),
		RetentionWindow:      v.GetDuration("retention_window"),
		ExternalTimeout:      v.GetDuration("external_timeout"),
		AllocateRetries:      v.GetInt("allocate_retries"),
		PartitionsPerNode:    v.GetInt("partitions_per_node"),
		StartupProbeAttempts: v.GetInt("startup_probe_attempts"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StateBackend {
	case BackendMemory, BackendRedis, BackendDynamoDB:
	default:
		return goerrors.Errorf("unknown state backend %q", c.StateBackend)
	}
	if c.ReconcileInterval <= 0 || c.ConfirmationWindow <= 0 || c.LeaseTTL <= 0 {
		return goerrors.New("reconcile interval, confirmation window and lease ttl must be positive")
	}
	if c.PartitionsPerNode <= 0 {
		return goerrors.New("partitions per node must be positive")
	}
	return nil
}

// RecordTTL is the safety-net expiry stamped on every store record, well
// beyond anything the reconciler's own GC should leave behind.
func (c *Config) RecordTTL() time.Duration {
	return c.LeaseTTL + c.RetentionWindow + time.Hour
}
