package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idolly.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("写入配置文件失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("默认监听地址错误: %s", cfg.Server.Address)
	}
	if cfg.Storage.Driver != "memory" || cfg.Idempotency.Driver != "memory" || cfg.Queue.Driver != "memory" {
		t.Fatalf("默认后端应为 memory: %+v", cfg)
	}
	if cfg.Engine.MaxAttempts != 5 || cfg.Engine.StepTimeoutSecs != 30 || cfg.Engine.MaxConcurrent != 16 {
		t.Fatalf("引擎默认参数错误: %+v", cfg.Engine)
	}
	if cfg.Scheduler.ContentInterval() != 2*time.Hour {
		t.Fatalf("默认创作间隔错误: %v", cfg.Scheduler.ContentInterval())
	}
	if cfg.Scheduler.MaintenanceInterval() != 24*time.Hour {
		t.Fatalf("默认维护间隔错误: %v", cfg.Scheduler.MaintenanceInterval())
	}
	if cfg.Market.Threshold != 0.7 || cfg.Market.MaxResults != 3 {
		t.Fatalf("市场默认参数错误: %+v", cfg.Market)
	}
}

func TestLoadResolvesRelativeCatalogPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idolly.json")
	payload := `{"market": {"catalog_path": "market.yaml"}}`
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("写入配置文件失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Market.CatalogPath != filepath.Join(dir, "market.yaml") {
		t.Fatalf("相对路径未按配置目录解析: %s", cfg.Market.CatalogPath)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idolly.json")
	payload := `{
  "server": {"address": ":9000"},
  "storage": {"driver": "mysql", "dsn": "root:root@tcp(127.0.0.1:3306)/idolly"},
  "queue": {"driver": "rabbitmq", "rabbitmq": {"url": "amqp://127.0.0.1:5672"}},
  "engine": {"max_attempts": 3, "worker_count": 8}
}`
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("写入配置文件失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Server.Address != ":9000" {
		t.Fatalf("监听地址未覆盖: %s", cfg.Server.Address)
	}
	if cfg.Storage.Driver != "mysql" || cfg.Queue.Driver != "rabbitmq" {
		t.Fatalf("后端驱动未覆盖: %+v", cfg)
	}
	if cfg.Engine.MaxAttempts != 3 || cfg.Engine.WorkerCount != 8 {
		t.Fatalf("引擎参数未覆盖: %+v", cfg.Engine)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("空路径应报错")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("文件不存在应报错")
	}
}
