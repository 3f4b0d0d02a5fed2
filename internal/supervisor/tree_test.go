package supervisor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"sentinel-siem/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewTree_Defaults(t *testing.T) {
	tree := NewTree(testLogger(), TreeConfig{})

	if tree.Root() == nil {
		t.Fatal("root supervisor should not be nil")
	}
	def := DefaultTreeConfig()
	if tree.config != def {
		t.Errorf("config = %+v, want %+v", tree.config, def)
	}
}

func TestTreeConfigFrom(t *testing.T) {
	cfg := TreeConfigFrom(config.DefaultConfig().Supervisor)
	if cfg.FailureThreshold != 5 || cfg.FailureBackoff != 15*time.Second {
		t.Errorf("TreeConfigFrom() = %+v", cfg)
	}
}

func TestTree_Lifecycle(t *testing.T) {
	tree := NewTree(testLogger(), TreeConfig{
		FailureThreshold: 5,
		FailureBackoff:   100 * time.Millisecond,
		ShutdownTimeout:  time.Second,
	})

	data := &mockService{name: "data"}
	detection := &mockService{name: "detection"}
	api := &mockService{name: "api"}
	tree.AddDataService(data)
	tree.AddDetectionService(detection)
	tree.AddAPIService(api)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if data.starts.Load() > 0 && detection.starts.Load() > 0 && api.starts.Load() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	for _, m := range []*mockService{data, detection, api} {
		if m.starts.Load() != 1 {
			t.Errorf("%s starts = %d, want 1", m.name, m.starts.Load())
		}
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop")
	}

	for _, m := range []*mockService{data, detection, api} {
		if m.stops.Load() != 1 {
			t.Errorf("%s stops = %d, want 1", m.name, m.stops.Load())
		}
	}
	if report, err := tree.UnstoppedServiceReport(); err != nil || len(report) != 0 {
		t.Errorf("UnstoppedServiceReport() = %v, %v", report, err)
	}
}

func TestTree_RestartsFailedService(t *testing.T) {
	tree := NewTree(testLogger(), TreeConfig{
		FailureThreshold: 10,
		FailureBackoff:   50 * time.Millisecond,
		ShutdownTimeout:  time.Second,
	})

	flaky := &mockService{name: "flaky", failures: 2}
	tree.AddAPIService(flaky)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)
	defer func() {
		cancel()
		<-errCh
	}()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && flaky.starts.Load() < 3 {
		time.Sleep(10 * time.Millisecond)
	}
	if flaky.starts.Load() < 3 {
		t.Errorf("starts = %d, want at least 3", flaky.starts.Load())
	}
}
