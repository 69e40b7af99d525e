package app

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/thecoderpanda/ard-server/internal/config"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

func testConfig(t *testing.T) config.Config {
	return config.Config{
		AppEnv:          "dev",
		LogLevel:        slog.LevelInfo,
		HTTPAddr:        freeAddr(t),
		StaticDir:       filepath.Join(t.TempDir(), "static"),
		DashboardWindow: 24 * time.Hour,
		Driver:          "sqlite3",
		Path:            filepath.Join(t.TempDir(), "sensor_data.db"),
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		MQTTClientID:    "ard-test",
		MQTTTopic:       "aqi/lora/data",
	}
}

func TestRun_servesAndShutsDown(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg, slog.Default()) }()

	base := "http://" + cfg.HTTPAddr
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not become healthy: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	resp, err := http.Post(base+"/api/lora/data", "application/json", strings.NewReader(`{"value": 12}`))
	if err != nil {
		t.Fatalf("POST lora: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("POST lora status = %d; want 201", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID missing")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v; want context.Canceled", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_failsOnUnrecognisedStore(t *testing.T) {
	cfg := testConfig(t)

	raw, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := raw.Exec(`CREATE TABLE readings (id INTEGER PRIMARY KEY, payload BLOB)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = raw.Close()

	err = Run(context.Background(), cfg, slog.Default())
	if err == nil {
		t.Fatal("Run() = nil; want schema error")
	}
	if strings.Contains(err.Error(), "listen") {
		t.Errorf("Run() reached the listener: %v", err)
	}
}
