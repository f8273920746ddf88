package app_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/voxfarm/voxfarm/internal/app"
	"github.com/voxfarm/voxfarm/internal/config"
)

// testConfig builds a config pointing at the integration Redis and Mongo
// instances, skipping the test when either is absent.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	redisURL := os.Getenv("VOXFARM_TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("VOXFARM_TEST_REDIS_URL not set — skipping app integration tests")
	}
	mongoHost := os.Getenv("VOXFARM_TEST_MONGO_HOST")
	if mongoHost == "" {
		t.Skip("VOXFARM_TEST_MONGO_HOST not set — skipping app integration tests")
	}
	mongoPort := os.Getenv("VOXFARM_TEST_MONGO_PORT")
	if mongoPort == "" {
		mongoPort = "27017"
	}

	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Service.Name = "apptest"
	cfg.Service.LogDir = t.TempDir()
	cfg.Broker.URL = redisURL
	cfg.Mongo.Host = mongoHost
	cfg.Mongo.Port = mongoPort
	cfg.Mongo.Database = "voxfarm_apptest"
	cfg.Audio.Dir = t.TempDir()
	return &cfg
}

func TestNew_WiresFullSurface(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := app.New(ctx, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(ctx)

	h := a.Handler()

	for _, path := range []string{"/healthcheck", "/healthz", "/readyz", "/metrics"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want %d", path, rec.Code, http.StatusOK)
		}
	}

	req := httptest.NewRequest("GET", "/healthcheck", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if body, _ := io.ReadAll(rec.Body); string(body) != "1" {
		t.Errorf("healthcheck body = %q, want %q", body, "1")
	}
}

func TestRun_StopsCleanlyOnCancel(t *testing.T) {
	cfg := testConfig(t)

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Give the worker pool and heartbeat a moment to start, then cancel.
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil on cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := app.New(ctx, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}
