package main

import (
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/getsentry/traceprof/internal/symbolsource"
)

type ServiceConfig struct {
	Environment string `yaml:"environment" env:"SENTRY_ENVIRONMENT" env-default:"development"`
	SentryDSN   string `yaml:"sentry_dsn" env:"SENTRY_DSN"`
	Port        string `yaml:"port" env:"PORT" env-default:"8080"`
	LogLevel    string `yaml:"log_level" env:"TRACEPROF_LOG_LEVEL" env-default:"info"`

	BucketURL string `yaml:"bucket_url" env:"TRACEPROF_BUCKET_URL" env-default:"file:///var/lib/traceprof"`

	KafkaBrokers        []string `yaml:"kafka_brokers" env:"TRACEPROF_KAFKA_BROKERS" env-separator:","`
	FunctionsKafkaTopic string   `yaml:"functions_kafka_topic" env:"TRACEPROF_FUNCTIONS_KAFKA_TOPIC" env-default:"trace-functions"`

	Symbols symbolsource.SearchSettings `yaml:"symbols"`

	Concurrency    int           `yaml:"concurrency" env:"TRACEPROF_CONCURRENCY"`
	TopFunctions   uint          `yaml:"top_functions" env:"TRACEPROF_TOP_FUNCTIONS" env-default:"100"`
	ProcessTimeout time.Duration `yaml:"process_timeout" env:"TRACEPROF_PROCESS_TIMEOUT" env-default:"5m"`
	MinNodeWeight  time.Duration `yaml:"min_node_weight" env:"TRACEPROF_MIN_NODE_WEIGHT" env-default:"1ms"`
}

// loadConfig reads the configuration from path when set, environment
// variables taking precedence, or from the environment alone.
func loadConfig(path string) (ServiceConfig, error) {
	var cfg ServiceConfig
	if path != "" {
		return cfg, cleanenv.ReadConfig(path, &cfg)
	}
	return cfg, cleanenv.ReadEnv(&cfg)
}
