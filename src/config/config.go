package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

func GetDSN() string {
	DATABASE_HOST := os.Getenv("DATABASE_HOST")
	DATABASE_PORT := os.Getenv("DATABASE_PORT")
	DATABASE_SSLMODE := os.Getenv("DATABASE_SSLMODE")
	DATABASE_TIMEZONE := os.Getenv("DATABASE_TIMEZONE")
	DATABASE_USER := os.Getenv("DATABASE_USER")
	DATABASE_PASSWORD := os.Getenv("DATABASE_PASSWORD")
	DATABASE_NAME := os.Getenv("DATABASE_NAME")
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s", DATABASE_HOST, DATABASE_USER, DATABASE_PASSWORD, DATABASE_NAME, DATABASE_PORT, DATABASE_SSLMODE, DATABASE_TIMEZONE)
	return dsn
}

const TIME_PARSE_FORMAT = "2006-01-02 15:04:05 -07:00"

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// Hold/engine tuning. HOLD_DURATION is the default window for new holds;
// HOLD_RETRY_MAX bounds the batch compare-and-swap attempts.
func HoldDuration() time.Duration { return envDuration("HOLD_DURATION", 20*time.Minute) }
func HoldRetryMax() int           { return envInt("HOLD_RETRY_MAX", 5) }

func SweepInterval() time.Duration { return envDuration("SWEEP_INTERVAL", 5*time.Second) }
func SweepBatchSize() int          { return envInt("SWEEP_BATCH_SIZE", 500) }

// Audit pipeline tuning.
func AuditStreamPrefix() string { return envDefault("AUDIT_STREAM_PREFIX", "audit") }
func AuditGroup() string        { return envDefault("AUDIT_GROUP", "audit-workers") }
func AuditPartitions() int      { return envInt("AUDIT_PARTITIONS", 8) }
func AuditBatchSize() int       { return envInt("AUDIT_BATCH", 100) }
func AuditMaxDeliveries() int   { return envInt("AUDIT_MAX_DELIVERIES", 5) }
func AuditBlock() time.Duration { return envDuration("AUDIT_BLOCK", 5*time.Second) }
func AuditDLQMaxLen() int64     { return int64(envInt("AUDIT_DLQ_MAXLEN", 10000)) }

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
