package replperf

import (
	"context"
	"testing"
	"time"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.IODepth = 4
	cfg.IOSizeBytes = 512
	cfg.Pattern = PatternRandWrite
	cfg.RunTime = 50 * time.Millisecond
	cfg.ReplicaNum = 1
	cfg.HostCSVPath = ""
	cfg.Transports = []TransportSpec{{Kind: "loopback"}}
	return cfg
}

func TestNewEngineRejectsEmptyTransports(t *testing.T) {
	cfg := DefaultConfig()
	if _, err := NewEngine(cfg, nil); err == nil {
		t.Fatal("expected error for config with no transports")
	}
}

func TestNewEngineRejectsNonPositiveIOSize(t *testing.T) {
	cfg := testConfig()
	cfg.IOSizeBytes = 0
	if _, err := NewEngine(cfg, nil); err == nil {
		t.Fatal("expected error for non-positive io-size")
	}
}

func TestEngineRunSingleWorkerSingleNamespaceCompletes(t *testing.T) {
	cfg := testConfig()

	e, err := NewEngine(cfg, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if len(e.workers) != 1 {
		t.Fatalf("got %d workers, want 1", len(e.workers))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	report, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if report.Aggregate.IOCompleted == 0 {
		t.Error("expected at least one completed IO")
	}
	if report.Aggregate.IOSubmitted < report.Aggregate.IOCompleted {
		t.Errorf("submitted=%d < completed=%d", report.Aggregate.IOSubmitted, report.Aggregate.IOCompleted)
	}
}

func TestEngineRunReplicatesAcrossMultipleNamespaces(t *testing.T) {
	cfg := testConfig()
	cfg.ReplicaNum = 3
	cfg.Transports = []TransportSpec{{Kind: "loopback"}, {Kind: "loopback"}, {Kind: "loopback"}}

	e, err := NewEngine(cfg, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if len(e.Registry.All()) != 3 {
		t.Fatalf("got %d namespaces, want 3", len(e.Registry.All()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	report, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(report.Namespaces) != 3 {
		t.Fatalf("got %d namespace reports, want 3", len(report.Namespaces))
	}
	for _, ns := range report.Namespaces {
		if ns.IOCompleted == 0 {
			t.Errorf("ns=%d got 0 completions", ns.NSID)
		}
	}
}

func TestEngineRequestStopEndsRunEarly(t *testing.T) {
	cfg := testConfig()
	cfg.RunTime = 10 * time.Second

	e, err := NewEngine(cfg, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	e.RequestStop()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not return after RequestStop()")
	}
}
