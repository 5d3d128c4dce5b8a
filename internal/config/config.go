// Package config loads the collector's environment configuration and the
// capture engine's YAML configuration.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

type Collector struct {
	Address         string
	DatabasePath    string
	MaxBodyBytes    int64
	AllowedOrigins  []string
	ShutdownTimeout time.Duration

	// Kafka forwarding is off when KafkaBrokers is empty.
	KafkaBrokers           []string
	KafkaTopic             string
	KafkaDLQTopic          string
	KafkaTopicPartitions   int
	KafkaDLQPartitions     int
	KafkaReplicationFactor int
	KafkaCompression       string
	KafkaEnsureTopics      bool

	// Quarantine archiving is off when MinIOEndpoint is empty.
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOUseTLS    bool
	MinIOBucket    string

	Logger *log.Logger
}

func (c *Collector) KafkaEnabled() bool { return len(c.KafkaBrokers) > 0 }

func (c *Collector) MinIOEnabled() bool { return c.MinIOEndpoint != "" }

func (c *Collector) String() string {
	kafka := "disabled"
	if c.KafkaEnabled() {
		kafka = fmt.Sprintf("%v topic=%s dlq=%s", c.KafkaBrokers, c.KafkaTopic, c.KafkaDLQTopic)
	}
	minio := "disabled"
	if c.MinIOEnabled() {
		minio = fmt.Sprintf("%s bucket=%s tls=%v", c.MinIOEndpoint, c.MinIOBucket, c.MinIOUseTLS)
	}
	return fmt.Sprintf("address=%s db=%s max_body=%s origins=%v kafka=[%s] minio=[%s]",
		c.Address, c.DatabasePath, humanize.IBytes(uint64(c.MaxBodyBytes)), c.AllowedOrigins, kafka, minio)
}

type errList []string

func (e *errList) addf(format string, a ...any) {
	*e = append(*e, fmt.Sprintf(format, a...))
}
func (e *errList) has() bool { return len(*e) > 0 }

func (e errList) Error() string {
	return "invalid configuration: " + strings.Join(e, "; ")
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int, errs *errList) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		errs.addf("%s is not an integer: %q", key, v)
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool, errs *errList) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		errs.addf("%s is not a boolean: %q", key, v)
		return fallback
	}
	return b
}

// getenvBytes accepts plain byte counts and humanized sizes such as 10MiB.
func getenvBytes(key string, fallback int64, errs *errList) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		errs.addf("%s is not a byte size: %q", key, v)
		return fallback
	}
	return int64(n)
}

func getenvDuration(key string, fallback time.Duration, errs *errList) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		errs.addf("%s is not a duration: %q", key, v)
		return fallback
	}
	return d
}

func splitList(list string) []string {
	var out []string
	for _, item := range strings.Split(list, ",") {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func ensureOneOf(key, val string, allowed []string, errs *errList) {
	for _, a := range allowed {
		if val == a {
			return
		}
	}
	errs.addf("%s must be one of %s: %q", key, strings.Join(allowed, ", "), val)
}

// DefaultDataDir is the platform application directory for the collector.
func DefaultDataDir() (string, error) {
	homeDirectory, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDirectory, "Library", "Application Support", "SessionTrace"), nil
	case "windows":
		return filepath.Join(homeDirectory, "AppData", "Roaming", "SessionTrace"), nil
	default: // linux and others
		return filepath.Join(homeDirectory, ".local", "share", "SessionTrace"), nil
	}
}

// Load reads the collector configuration from the environment. Every
// invalid value is reported in a single error.
func Load() (*Collector, error) {
	var errs errList

	dbPath := os.Getenv("SESSIONTRACE_DB")
	if dbPath == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return nil, err
		}
		dbPath = filepath.Join(dir, "sessiontrace.db")
	}

	cfg := &Collector{
		Address:         getenv("SESSIONTRACE_ADDRESS", "127.0.0.1:8123"),
		DatabasePath:    dbPath,
		MaxBodyBytes:    getenvBytes("SESSIONTRACE_MAX_BODY_BYTES", 10<<20, &errs),
		AllowedOrigins:  splitList(getenv("SESSIONTRACE_ALLOWED_ORIGINS", "*")),
		ShutdownTimeout: getenvDuration("SESSIONTRACE_SHUTDOWN_TIMEOUT", 30*time.Second, &errs),

		KafkaBrokers:           splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:             getenv("KAFKA_TOPIC", "session-events"),
		KafkaDLQTopic:          getenv("KAFKA_DLQ_TOPIC", "session-events-dlq"),
		KafkaTopicPartitions:   getenvInt("KAFKA_TOPIC_PARTITIONS", 3, &errs),
		KafkaDLQPartitions:     getenvInt("KAFKA_DLQ_PARTITIONS", 1, &errs),
		KafkaReplicationFactor: getenvInt("KAFKA_REPLICATION_FACTOR", 1, &errs),
		KafkaCompression:       getenv("KAFKA_COMPRESSION", "snappy"),
		KafkaEnsureTopics:      getenvBool("KAFKA_ENSURE_TOPICS", true, &errs),

		MinIOEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinIOAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinIOSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinIOUseTLS:    getenvBool("MINIO_USE_TLS", false, &errs),
		MinIOBucket:    getenv("MINIO_BUCKET", "sessiontrace-quarantine"),

		Logger: log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds),
	}

	if cfg.MaxBodyBytes <= 0 {
		errs.addf("SESSIONTRACE_MAX_BODY_BYTES must be > 0")
	}
	if cfg.KafkaEnabled() {
		ensureOneOf("KAFKA_COMPRESSION", cfg.KafkaCompression, []string{"none", "gzip", "snappy", "lz4", "zstd"}, &errs)
		if cfg.KafkaTopicPartitions <= 0 {
			errs.addf("KAFKA_TOPIC_PARTITIONS must be > 0")
		}
		if cfg.KafkaDLQPartitions <= 0 {
			errs.addf("KAFKA_DLQ_PARTITIONS must be > 0")
		}
		if cfg.KafkaReplicationFactor <= 0 {
			errs.addf("KAFKA_REPLICATION_FACTOR must be > 0")
		}
	}
	if cfg.MinIOEnabled() && (cfg.MinIOAccessKey == "" || cfg.MinIOSecretKey == "") {
		errs.addf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required with MINIO_ENDPOINT")
	}

	if errs.has() {
		return nil, errs
	}
	return cfg, nil
}
