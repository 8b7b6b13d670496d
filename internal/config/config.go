// Package config provides configuration parsing and validation for edgesync.
package config

import (
	"fmt"
	"time"
)

// Event store backends.
const (
	EventStoreKafka    = "kafka"
	EventStorePostgres = "postgres"
)

// Config holds all configuration parameters for edgesync.
type Config struct {
	KafkaBrokers         string
	EntityChangedTopic   string
	EntityChangedGroupID string
	EventStore           string
	EdgeTopicPartitions  int
	EdgeTopicReplication int

	PostgresDSN string
	RedisAddr   string

	RelatedEdgesPageSize int
	RelatedEdgesCacheTTL time.Duration
	FanoutConcurrency    int
	OutboxPollInterval   time.Duration
	OutboxBatchSize      int

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	HTTPAddr   string
	AckTimeout time.Duration
	MaxRetries int

	StatsEnabled              bool
	StatsTTLDays              int
	StatsReportIntervalMillis int
	StatsSaveTimeout          time.Duration

	LogLevel string
}

// StatsReportInterval returns the stats interval as a duration.
func (c *Config) StatsReportInterval() time.Duration {
	return time.Duration(c.StatsReportIntervalMillis) * time.Millisecond
}

// InfluxEnabled reports whether stats go to InfluxDB instead of Postgres.
func (c *Config) InfluxEnabled() bool {
	return c.InfluxURL != ""
}

// Validate checks that all required configuration fields are set and have valid values.
// Returns an error if validation fails, nil otherwise.
func (c *Config) Validate() error {
	if c.KafkaBrokers == "" {
		return fmt.Errorf("kafka-brokers cannot be empty")
	}
	if c.EntityChangedTopic == "" {
		return fmt.Errorf("entity-changed-topic cannot be empty")
	}
	if c.EntityChangedGroupID == "" {
		return fmt.Errorf("entity-changed-group-id cannot be empty")
	}
	if c.EventStore != EventStoreKafka && c.EventStore != EventStorePostgres {
		return fmt.Errorf("event-store must be %q or %q, got %q", EventStoreKafka, EventStorePostgres, c.EventStore)
	}
	if c.PostgresDSN == "" {
		return fmt.Errorf("postgres-dsn cannot be empty")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("redis-addr cannot be empty")
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("http-addr cannot be empty")
	}
	if c.RelatedEdgesPageSize <= 0 {
		return fmt.Errorf("related-edges-page-size must be positive")
	}
	if c.FanoutConcurrency <= 0 {
		return fmt.Errorf("fanout-concurrency must be positive")
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("ack-timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max-retries cannot be negative")
	}
	if c.EventStore == EventStorePostgres && c.OutboxPollInterval <= 0 {
		return fmt.Errorf("outbox-poll-interval must be positive")
	}
	if c.EventStore == EventStorePostgres && c.OutboxBatchSize <= 0 {
		return fmt.Errorf("outbox-batch-size must be positive")
	}
	if c.InfluxEnabled() && (c.InfluxOrg == "" || c.InfluxBucket == "") {
		return fmt.Errorf("influx-org and influx-bucket cannot be empty when influx-url is set")
	}
	if c.StatsEnabled {
		if c.StatsTTLDays <= 0 {
			return fmt.Errorf("stats-ttl-days must be positive")
		}
		if c.StatsReportIntervalMillis <= 0 {
			return fmt.Errorf("stats-report-interval-millis must be positive")
		}
	}
	return nil
}
