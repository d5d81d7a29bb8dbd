package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the orchestrator service.
type Config struct {
	LogLevel     string
	KafkaBrokers string
	RedisAddr    string
	PostgresDSN  string
	MetricsAddr  string
	OTelEndpoint string

	ProvisionerURL   string
	ProvisionerToken string
	CallbackBaseURL  string
	CallbackSecret   string

	ProbeInterval       time.Duration
	ProbeDeadline       time.Duration
	StepTimeout         time.Duration
	CallbackGrace       time.Duration
	DepsRecheckInterval time.Duration
	FollowupTimeout     time.Duration

	NodeWarmTimeout time.Duration
	NodeMaxLifetime time.Duration
	RetryAttempts   int
	RetryBaseDelay  time.Duration

	MaxWorkspacesPerNode int
	MaxNodesPerUser      int
	NodeMaxCPUPercent    float64
	NodeMaxMemoryPercent float64
	MinHealthScore       int
	SelectorCPUWeight    float64
	SelectorMemoryWeight float64
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		ProvisionerURL:   v.GetString("provisioner_url"),
		ProvisionerToken: v.GetString("provisioner_token"),
		CallbackBaseURL:  v.GetString("callback_base_url"),
		CallbackSecret:   v.GetString("callback_secret"),

		ProbeInterval:       v.GetDuration("probe_interval"),
		ProbeDeadline:       v.GetDuration("probe_deadline"),
		StepTimeout:         v.GetDuration("step_timeout"),
		CallbackGrace:       v.GetDuration("callback_grace"),
		DepsRecheckInterval: v.GetDuration("deps_recheck_interval"),
		FollowupTimeout:     v.GetDuration("followup_timeout"),

		NodeWarmTimeout: v.GetDuration("node_warm_timeout"),
		NodeMaxLifetime: v.GetDuration("node_max_lifetime"),
		RetryAttempts:   v.GetInt("remote_retry_attempts"),
		RetryBaseDelay:  v.GetDuration("remote_retry_base_delay"),

		MaxWorkspacesPerNode: v.GetInt("max_workspaces_per_node"),
		MaxNodesPerUser:      v.GetInt("max_nodes_per_user"),
		NodeMaxCPUPercent:    v.GetFloat64("node_max_cpu_percent"),
		NodeMaxMemoryPercent: v.GetFloat64("node_max_memory_percent"),
		MinHealthScore:       v.GetInt("min_health_score"),
		SelectorCPUWeight:    v.GetFloat64("selector_cpu_weight"),
		SelectorMemoryWeight: v.GetFloat64("selector_memory_weight"),
	}
}
