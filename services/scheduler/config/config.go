package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the scheduler service.
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

	TimerPollInterval time.Duration
	TimerBatch        int
	SweepSchedule     string

	StuckQueuedThreshold     time.Duration
	StuckDelegatedThreshold  time.Duration
	StuckInProgressThreshold time.Duration
	NodeWarmTimeout          time.Duration
	NodeMaxLifetime          time.Duration
	RetryAttempts            int
	RetryBaseDelay           time.Duration
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

		TimerPollInterval: v.GetDuration("timer_poll_interval"),
		TimerBatch:        v.GetInt("timer_batch"),
		SweepSchedule:     v.GetString("sweep_schedule"),

		StuckQueuedThreshold:     v.GetDuration("stuck_queued_threshold"),
		StuckDelegatedThreshold:  v.GetDuration("stuck_delegated_threshold"),
		StuckInProgressThreshold: v.GetDuration("stuck_in_progress_threshold"),
		NodeWarmTimeout:          v.GetDuration("node_warm_timeout"),
		NodeMaxLifetime:          v.GetDuration("node_max_lifetime"),
		RetryAttempts:            v.GetInt("remote_retry_attempts"),
		RetryBaseDelay:           v.GetDuration("remote_retry_base_delay"),
	}
}
