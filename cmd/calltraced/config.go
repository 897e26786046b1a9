package main

type (
	// ServiceConfig holds the settings of an environment. Values set in the
	// process environment override the defaults below.
	ServiceConfig struct {
		Environment string

		Port      string `env:"PORT"`
		SentryDSN string `env:"SENTRY_DSN"`
		LogLevel  string `env:"CALLTRACE_LOG_LEVEL"`

		GraphsBucketURL    string   `env:"CALLTRACE_GRAPHS_BUCKET_URL"`
		GraphsKafkaBrokers []string `env:"CALLTRACE_GRAPHS_KAFKA_BROKERS" env-separator:","`
		GraphsKafkaTopic   string   `env:"CALLTRACE_GRAPHS_KAFKA_TOPIC"`
		RetentionDays      int      `env:"CALLTRACE_RETENTION_DAYS"`
	}
)

var (
	serviceConfigs = map[string]ServiceConfig{
		"production": {
			Port:               "8080",
			LogLevel:           "info",
			GraphsBucketURL:    "gs://sentry-call-graphs",
			GraphsKafkaBrokers: []string{"calltrace-kafka.service.us-central1.consul:9092"},
			GraphsKafkaTopic:   "processed-call-graphs",
			RetentionDays:      90,
		},
		"development": {
			Port:               "8080",
			LogLevel:           "debug",
			GraphsBucketURL:    "mem://",
			GraphsKafkaBrokers: []string{"localhost:9092"},
			GraphsKafkaTopic:   "processed-call-graphs",
			RetentionDays:      30,
		},
	}
)
