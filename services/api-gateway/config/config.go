package config

import "github.com/spf13/viper"

// Config holds typed configuration for the api-gateway service.
type Config struct {
	LogLevel        string
	HTTPPort        string
	MetricsAddr     string
	KafkaBrokers    string
	RedisAddr       string
	PostgresDSN     string
	CallbackSecret  string
	OTelEndpoint    string
	MaxNodesPerUser int
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:        v.GetString("log_level"),
		HTTPPort:        v.GetString("http_port"),
		MetricsAddr:     v.GetString("metrics_addr"),
		KafkaBrokers:    v.GetString("kafka_brokers"),
		RedisAddr:       v.GetString("redis_addr"),
		PostgresDSN:     v.GetString("postgres_dsn"),
		CallbackSecret:  v.GetString("callback_secret"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
		MaxNodesPerUser: v.GetInt("max_nodes_per_user"),
	}
}
