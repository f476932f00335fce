package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestSnapshotCapturesCallbackAndDispatchMetrics(t *testing.T) {
	ResetForTests()

	RecordCallback("Prod")
	RecordCallback("prod")
	RecordHandshake("prod")
	RecordAuthFailure("prod")
	RecordRecall("prod")
	RecordClearCommand("prod")
	RecordDispatched("prod")
	RecordOverloaded("prod")
	RecordAgentResult("prod", true, 250*time.Millisecond)
	RecordAgentResult("prod", false, 50*time.Millisecond)
	RecordDeliveryFailure("prod")
	RecordPanic("prod")
	RecordRejected("prod")

	snapshot := SnapshotNow()
	prod, ok := snapshot.Deployments["prod"]
	if !ok {
		t.Fatalf("expected prod metrics")
	}
	if prod.CallbacksTotal != 2 {
		t.Fatalf("expected callbacks_total=2, got %d", prod.CallbacksTotal)
	}
	if prod.HandshakesTotal != 1 || prod.AuthFailuresTotal != 1 || prod.RejectedTotal != 1 {
		t.Fatalf("unexpected callback counters: %+v", prod)
	}
	if prod.RecallsTotal != 1 || prod.ClearCommandsTotal != 1 {
		t.Fatalf("unexpected event counters: %+v", prod)
	}
	if prod.DispatchedTotal != 1 || prod.OverloadedTotal != 1 {
		t.Fatalf("unexpected dispatch counters: %+v", prod)
	}
	if prod.AgentSuccessTotal != 1 || prod.AgentFailureTotal != 1 {
		t.Fatalf("unexpected agent counters: %+v", prod)
	}
	if prod.TotalLatencyMillis != 300 {
		t.Fatalf("expected latency=300ms, got %d", prod.TotalLatencyMillis)
	}
	if prod.DeliveryFailedTotal != 1 || prod.PanicsTotal != 1 {
		t.Fatalf("unexpected failure counters: %+v", prod)
	}
	if snapshot.Pool != nil {
		t.Fatalf("expected no pool metrics before registration")
	}
	if snapshot.GeneratedAt.IsZero() {
		t.Fatalf("expected generated_at to be set")
	}
}

func TestSnapshotIncludesRegisteredPool(t *testing.T) {
	ResetForTests()
	RegisterPool(func() PoolMetrics { return PoolMetrics{Capacity: 8, Running: 3, Free: 5} })

	snapshot := SnapshotNow()
	if snapshot.Pool == nil {
		t.Fatalf("expected pool metrics")
	}
	if snapshot.Pool.Capacity != 8 || snapshot.Pool.Running != 3 || snapshot.Pool.Free != 5 {
		t.Fatalf("unexpected pool metrics: %+v", *snapshot.Pool)
	}
}

func TestBlankDeploymentIsUnknown(t *testing.T) {
	ResetForTests()
	RecordCallback("  ")

	if _, ok := SnapshotNow().Deployments["unknown"]; !ok {
		t.Fatalf("expected blank deployment to be recorded as unknown")
	}
}

func TestConcurrentRecording(t *testing.T) {
	ResetForTests()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				RecordDispatched("prod")
			}
		}()
	}
	wg.Wait()

	if got := SnapshotNow().Deployments["prod"].DispatchedTotal; got != 1000 {
		t.Fatalf("expected dispatched_total=1000, got %d", got)
	}
}
