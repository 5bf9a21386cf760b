// Package kafka carries scan jobs and progress events over Kafka topics.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"

	"github.com/ahrav/scan-armada/pkg/common/logger"
)

// Config contains the settings shared by the job queue and the progress
// stream.
type Config struct {
	Brokers []string
	// ClientID identifies this process to the cluster.
	ClientID string
	// GroupID is the consumer group of the worker pool.
	GroupID string

	JobTopic      string
	ProgressTopic string
}

// NewClient creates a sarama client configured for both producing and
// consuming. Offsets are committed explicitly after a job is acknowledged.
func NewClient(cfg *Config) (sarama.Client, error) {
	return sarama.NewClient(cfg.Brokers, newConfig(cfg))
}

// NewRelayClient creates a client for a progress relay. Relays start at the
// newest offset and commit automatically; events published while a replica
// was down have no subscribers on it to receive them.
func NewRelayClient(cfg *Config) (sarama.Client, error) {
	return sarama.NewClient(cfg.Brokers, newRelayConfig(cfg))
}

func newRelayConfig(cfg *Config) *sarama.Config {
	config := newConfig(cfg)
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Offsets.AutoCommit.Enable = true
	return config
}

func newConfig(cfg *Config) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID

	config.Consumer.Return.Errors = true
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Session.Timeout = 20 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	config.Consumer.Offsets.AutoCommit.Enable = false
	// A scan can hold a delivery for the whole of its time limit.
	config.Consumer.MaxProcessingTime = time.Hour

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner

	config.Version = sarama.V3_6_0_0

	return config
}

// Connect creates a client, retrying with exponential backoff while the
// brokers are unreachable.
func Connect(ctx context.Context, cfg *Config, log *logger.Logger) (sarama.Client, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	var client sarama.Client
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		var err error
		client, err = NewClient(cfg)
		if err != nil {
			log.Warn(ctx, "kafka not reachable, retrying", "brokers", cfg.Brokers, "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("connecting to kafka after retries: %w", err)
	}
	return client, nil
}
