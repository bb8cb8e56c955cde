package config

import (
	"testing"
	"time"
)

func TestLoadGRPC(t *testing.T) {
	t.Setenv("GRPC_ADDR", ":50055")
	t.Setenv("GRPC_RATE_LIMIT_INTERVAL", "5ms")
	t.Setenv("GRPC_RATE_LIMIT_BURST", "10")

	cfg, err := LoadGRPC()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != ":50055" {
		t.Fatalf("unexpected grpc addr: %s", cfg.Addr)
	}
	if cfg.RateLimitInterval != 5*time.Millisecond || cfg.RateLimitBurst != 10 {
		t.Fatalf("unexpected grpc cfg: %+v", cfg)
	}
}

func TestLoadGRPC_DefaultAddr(t *testing.T) {
	t.Setenv("GRPC_ADDR", "")
	t.Setenv("GRPC_RATE_LIMIT_INTERVAL", "5ms")
	t.Setenv("GRPC_RATE_LIMIT_BURST", "10")

	cfg, err := LoadGRPC()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != ":50051" {
		t.Fatalf("unexpected default addr: %s", cfg.Addr)
	}
}

func TestLoadGRPCMissingEnv(t *testing.T) {
	t.Setenv("GRPC_RATE_LIMIT_INTERVAL", "")
	if _, err := LoadGRPC(); err == nil {
		t.Fatalf("expected error for missing interval")
	}
}

func TestLoadObservability(t *testing.T) {
	t.Setenv("OBS_ADDR", ":9999")

	cfg, err := LoadObservability()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != ":9999" {
		t.Fatalf("unexpected observability addr: %+v", cfg)
	}
}

func TestLoadRedis(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("REDIS_OUTBOUND_STREAM", "order.events")
	t.Setenv("REDIS_INBOUND_STREAM", "inventory.events")
	t.Setenv("REDIS_HEALTHCHECK_TIMEOUT", "2s")
	t.Setenv("REDIS_STREAM_MAXLEN", "1000")

	cfg, err := LoadRedis()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.URL != "redis://localhost:6379/0" {
		t.Fatalf("unexpected redis url: %s", cfg.URL)
	}
	if cfg.OutboundStream != "order.events" || cfg.InboundStream != "inventory.events" {
		t.Fatalf("unexpected streams: %+v", cfg)
	}
	if cfg.HealthcheckTimeout != 2*time.Second {
		t.Fatalf("unexpected healthcheck timeout: %v", cfg.HealthcheckTimeout)
	}
	if cfg.StreamMaxLen != 1000 {
		t.Fatalf("unexpected stream maxlen: %d", cfg.StreamMaxLen)
	}
}

func TestLoadRedis_WithOptionalFields(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("REDIS_HEALTHCHECK_TIMEOUT", "1s")
	t.Setenv("REDIS_STREAM_MAXLEN", "10")
	t.Setenv("REDIS_DIAL_TIMEOUT", "3s")
	t.Setenv("REDIS_READ_TIMEOUT", "4s")
	t.Setenv("REDIS_WRITE_TIMEOUT", "5s")
	t.Setenv("REDIS_POOL_SIZE", "9")
	t.Setenv("REDIS_MIN_IDLE_CONNS", "2")
	t.Setenv("REDIS_MAX_RETRIES", "3")
	t.Setenv("REDIS_OTEL", "true")

	cfg, err := LoadRedis()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DialTimeout == nil || *cfg.DialTimeout != 3*time.Second {
		t.Fatalf("unexpected dial timeout: %v", cfg.DialTimeout)
	}
	if cfg.PoolSize == nil || *cfg.PoolSize != 9 {
		t.Fatalf("unexpected pool size: %v", cfg.PoolSize)
	}
	if cfg.MinIdleConns == nil || *cfg.MinIdleConns != 2 {
		t.Fatalf("unexpected min idle: %v", cfg.MinIdleConns)
	}
	if cfg.MaxRetries == nil || *cfg.MaxRetries != 3 {
		t.Fatalf("unexpected max retries: %v", cfg.MaxRetries)
	}
	if !cfg.EnableOTel {
		t.Fatalf("expected otel enabled")
	}
}

func TestLoadRedisMissingURL(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	if _, err := LoadRedis(); err == nil {
		t.Fatalf("expected error for missing url")
	}
}

func TestLoadSaga_Disabled(t *testing.T) {
	t.Setenv("SAGA_STEP_TIMEOUT", "")
	t.Setenv("SAGA_JOURNAL_PATH", "")

	cfg, err := LoadSaga()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StepTimeout != 0 || cfg.WatchdogInterval != 0 {
		t.Fatalf("watchdog enabled without env: %+v", cfg)
	}
}

func TestLoadSaga_WatchdogDefaults(t *testing.T) {
	t.Setenv("SAGA_STEP_TIMEOUT", "30s")
	t.Setenv("SAGA_WATCHDOG_INTERVAL", "")
	t.Setenv("SAGA_JOURNAL_PATH", "/var/log/convoy/saga.journal")

	cfg, err := LoadSaga()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StepTimeout != 30*time.Second {
		t.Fatalf("unexpected step timeout: %v", cfg.StepTimeout)
	}
	if cfg.WatchdogInterval != 15*time.Second {
		t.Fatalf("unexpected watchdog interval: %v", cfg.WatchdogInterval)
	}
	if cfg.JournalPath != "/var/log/convoy/saga.journal" {
		t.Fatalf("unexpected journal path: %s", cfg.JournalPath)
	}
}

func TestLoadSaga_ExplicitInterval(t *testing.T) {
	t.Setenv("SAGA_STEP_TIMEOUT", "30s")
	t.Setenv("SAGA_WATCHDOG_INTERVAL", "5s")

	cfg, err := LoadSaga()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WatchdogInterval != 5*time.Second {
		t.Fatalf("unexpected watchdog interval: %v", cfg.WatchdogInterval)
	}
}

func TestLoadOutbox(t *testing.T) {
	t.Setenv("OUTBOX_RELAY_INTERVAL", "250ms")
	t.Setenv("OUTBOX_RELAY_BATCH_SIZE", "64")

	cfg, err := LoadOutbox()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Interval != 250*time.Millisecond {
		t.Fatalf("unexpected interval: %v", cfg.Interval)
	}
	if cfg.BatchSize == nil || *cfg.BatchSize != 64 {
		t.Fatalf("unexpected batch size: %v", cfg.BatchSize)
	}
}

func TestLoadOutboxMissingInterval(t *testing.T) {
	t.Setenv("OUTBOX_RELAY_INTERVAL", "")
	if _, err := LoadOutbox(); err == nil {
		t.Fatalf("expected error for missing interval")
	}
}

func TestLoadRedisTLS(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("REDIS_HEALTHCHECK_TIMEOUT", "1s")
	t.Setenv("REDIS_STREAM_MAXLEN", "10")
	t.Setenv("REDIS_TLS_SERVER_NAME", "redis.internal")
	t.Setenv("REDIS_TLS_INSECURE_SKIP_VERIFY", "true")

	cfg, err := LoadRedis()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TLSConfig == nil {
		t.Fatalf("expected tls config")
	}
	if cfg.TLSConfig.ServerName != "redis.internal" || !cfg.TLSConfig.InsecureSkipVerify {
		t.Fatalf("unexpected tls config: %+v", cfg.TLSConfig)
	}
}

func TestLoadRedisTLS_CertWithoutKey(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("REDIS_HEALTHCHECK_TIMEOUT", "1s")
	t.Setenv("REDIS_STREAM_MAXLEN", "10")
	t.Setenv("REDIS_TLS_CERT_FILE", "/tmp/cert.pem")
	t.Setenv("REDIS_TLS_KEY_FILE", "")

	if _, err := LoadRedis(); err == nil {
		t.Fatalf("expected error for cert without key")
	}
}
