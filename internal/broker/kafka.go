// Package broker forwards decoded session events to Kafka. Producer wraps
// two writers: one for the main topic and one for the dead-letter topic that
// receives decode failures.
package broker

import (
	"context"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/vincentbai/sessiontrace/internal/config"
)

// Producer writes the main topic asynchronously; its delivery failures are
// logged and counted from the writer's completion callback. The dead-letter
// writer is synchronous so SendDLQ reports failures to the caller.
type Producer struct {
	main   *kafka.Writer
	dlq    *kafka.Writer
	logger *log.Logger
	failed atomic.Int64
}

func NewProducer(cfg *config.Collector) *Producer {
	p := &Producer{logger: cfg.Logger}
	if p.logger == nil {
		p.logger = log.Default()
	}
	p.main = newWriter(cfg, cfg.KafkaTopic, 1000, 1<<20, 5*time.Millisecond)
	p.main.Async = true
	p.main.Completion = p.completed
	p.dlq = newWriter(cfg, cfg.KafkaDLQTopic, 200, 512<<10, 10*time.Millisecond)
	return p
}

// completed runs after each async batch write to the main topic.
func (p *Producer) completed(messages []kafka.Message, err error) {
	if err == nil {
		return
	}
	p.failed.Add(int64(len(messages)))
	p.logger.Printf("Kafka async write error (main): %d messages lost: %v", len(messages), err)
}

// Failed is the number of main-topic messages whose async write failed.
func (p *Producer) Failed() int64 { return p.failed.Load() }

func newWriter(cfg *config.Collector, topic string, batchSize int, batchBytes int64, batchTimeout time.Duration) *kafka.Writer {
	return &kafka.Writer{
		Addr:     kafka.TCP(cfg.KafkaBrokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{}, // session id keys keep a session on one partition

		BatchSize:    batchSize,
		BatchBytes:   batchBytes,
		BatchTimeout: batchTimeout,

		RequiredAcks: kafka.RequireOne,
		Compression:  parseCompression(cfg.KafkaCompression),
	}
}

func (p *Producer) Close() error {
	errMain := p.main.Close()
	errDLQ := p.dlq.Close()
	if errMain != nil {
		return errMain
	}
	return errDLQ
}

func (p *Producer) Send(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	return p.main.WriteMessages(ctx, kafka.Message{
		Key:     key,
		Value:   value,
		Headers: headers,
	})
}

func (p *Producer) SendDLQ(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	return p.dlq.WriteMessages(ctx, kafka.Message{
		Key:     key,
		Value:   value,
		Headers: headers,
	})
}

func parseCompression(s string) kafka.Compression {
	switch strings.ToLower(s) {
	case "", "none":
		return kafka.Compression(0)
	case "gzip":
		return kafka.Gzip
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Snappy
	}
}
