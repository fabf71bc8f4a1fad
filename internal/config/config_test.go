package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testYAML = `
app:
  name: "chat-core-test"
  node_id: 7
  log_level: "debug"

nats:
  url: "nats://localhost:14222"
  max_reconnects: -1
  reconnect_wait: 2s
  reconnect_jitter: 500ms

database:
  host: "db.internal"
  port: 15432
  name: "chatcore"
  user: "chat"
  password: "secret"
  max_open_conns: 30
  max_idle_conns: 6
  conn_max_lifetime: 1h

redis:
  host: "cache.internal"
  port: 16379
  password: ""
  db: 3
  pool_size: 12

router:
  max_payload_bytes: 32768
  seq_retry_budget: 4
  storage_retry_budget: 2
  retry_backoff: 50ms
  resync_batch: 200

session:
  queue_capacity: 128
  resync_timeout: 30s
  resync_retry_delay: 2s
  idle_timeout: 90s
  sweep_interval: 30s
  worker_count: 32
  worker_queue_size: 512

ingress:
  request_timeout: 5s
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(testYAML), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.App.Name != "chat-core-test" {
		t.Errorf("Expected app name chat-core-test, got %s", cfg.App.Name)
	}
	if cfg.App.NodeID != 7 {
		t.Errorf("Expected node id 7, got %d", cfg.App.NodeID)
	}
	if cfg.App.LogLevel != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.App.LogLevel)
	}

	if cfg.NATS.URL != "nats://localhost:14222" {
		t.Errorf("Expected nats url, got %s", cfg.NATS.URL)
	}
	if cfg.NATS.MaxReconnects != -1 {
		t.Errorf("Expected max reconnects -1, got %d", cfg.NATS.MaxReconnects)
	}
	if cfg.NATS.ReconnectWait != 2*time.Second {
		t.Errorf("Expected reconnect wait 2s, got %v", cfg.NATS.ReconnectWait)
	}
	if cfg.NATS.ReconnectJitter != 500*time.Millisecond {
		t.Errorf("Expected reconnect jitter 500ms, got %v", cfg.NATS.ReconnectJitter)
	}

	if cfg.Database.Host != "db.internal" || cfg.Database.Port != 15432 {
		t.Errorf("Expected database db.internal:15432, got %s:%d", cfg.Database.Host, cfg.Database.Port)
	}
	if cfg.Database.MaxOpenConns != 30 || cfg.Database.MaxIdleConns != 6 {
		t.Errorf("Expected pool 30/6, got %d/%d", cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime != time.Hour {
		t.Errorf("Expected conn lifetime 1h, got %v", cfg.Database.ConnMaxLifetime)
	}

	if cfg.Redis.DB != 3 || cfg.Redis.PoolSize != 12 {
		t.Errorf("Expected redis db 3 pool 12, got %d/%d", cfg.Redis.DB, cfg.Redis.PoolSize)
	}

	if cfg.Router.MaxPayloadBytes != 32768 {
		t.Errorf("Expected max payload 32768, got %d", cfg.Router.MaxPayloadBytes)
	}
	if cfg.Router.SeqRetryBudget != 4 || cfg.Router.StorageRetryBudget != 2 {
		t.Errorf("Expected retry budgets 4/2, got %d/%d", cfg.Router.SeqRetryBudget, cfg.Router.StorageRetryBudget)
	}
	if cfg.Router.RetryBackoff != 50*time.Millisecond {
		t.Errorf("Expected retry backoff 50ms, got %v", cfg.Router.RetryBackoff)
	}
	if cfg.Router.ResyncBatch != 200 {
		t.Errorf("Expected resync batch 200, got %d", cfg.Router.ResyncBatch)
	}

	if cfg.Session.QueueCapacity != 128 {
		t.Errorf("Expected queue capacity 128, got %d", cfg.Session.QueueCapacity)
	}
	if cfg.Session.ResyncTimeout != 30*time.Second || cfg.Session.ResyncRetryDelay != 2*time.Second {
		t.Errorf("Expected resync timing 30s/2s, got %v/%v", cfg.Session.ResyncTimeout, cfg.Session.ResyncRetryDelay)
	}
	if cfg.Session.IdleTimeout != 90*time.Second || cfg.Session.SweepInterval != 30*time.Second {
		t.Errorf("Expected idle timing 90s/30s, got %v/%v", cfg.Session.IdleTimeout, cfg.Session.SweepInterval)
	}
	if cfg.Session.WorkerCount != 32 || cfg.Session.WorkerQueueSize != 512 {
		t.Errorf("Expected workers 32/512, got %d/%d", cfg.Session.WorkerCount, cfg.Session.WorkerQueueSize)
	}

	if cfg.Ingress.RequestTimeout != 5*time.Second {
		t.Errorf("Expected request timeout 5s, got %v", cfg.Ingress.RequestTimeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}
