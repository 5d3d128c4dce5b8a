package broker

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/vincentbai/sessiontrace/internal/config"
)

// EnsureTopics creates the main and dead-letter topics when missing.
func EnsureTopics(ctx context.Context, cfg *config.Collector, logger *log.Logger) error {
	if !cfg.KafkaEnabled() {
		return fmt.Errorf("kafka is not configured")
	}
	bootstrap := cfg.KafkaBrokers[0]
	logger.Printf("kafka: ensuring topics on %s", bootstrap)

	conn, err := kafka.DialContext(ctx, "tcp", bootstrap)
	if err != nil {
		return fmt.Errorf("failed to dial kafka: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to find kafka controller: %w", err)
	}
	ctrlConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("failed to dial kafka controller: %w", err)
	}
	defer ctrlConn.Close()

	for _, topic := range topicConfigs(cfg) {
		if parts, err := conn.ReadPartitions(topic.Topic); err == nil && len(parts) > 0 {
			logger.Printf("kafka: topic %s exists", topic.Topic)
			continue
		}
		logger.Printf("kafka: creating topic %s (partitions=%d rf=%d)", topic.Topic, topic.NumPartitions, topic.ReplicationFactor)
		if err := ctrlConn.CreateTopics(topic); err != nil {
			return fmt.Errorf("failed to create topic %s: %w", topic.Topic, err)
		}
	}
	return nil
}

func topicConfigs(cfg *config.Collector) []kafka.TopicConfig {
	compression := cfg.KafkaCompression
	if compression == "none" || compression == "" {
		compression = "producer"
	}
	entries := []kafka.ConfigEntry{{ConfigName: "compression.type", ConfigValue: compression}}
	return []kafka.TopicConfig{
		{
			Topic:             cfg.KafkaTopic,
			NumPartitions:     cfg.KafkaTopicPartitions,
			ReplicationFactor: cfg.KafkaReplicationFactor,
			ConfigEntries:     entries,
		},
		{
			Topic:             cfg.KafkaDLQTopic,
			NumPartitions:     cfg.KafkaDLQPartitions,
			ReplicationFactor: cfg.KafkaReplicationFactor,
			ConfigEntries:     entries,
		},
	}
}
