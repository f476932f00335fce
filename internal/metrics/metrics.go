// Package metrics keeps in-process counters for callback handling and
// background dispatch, served as JSON on /metrics.
package metrics

import (
	"strings"
	"sync"
	"time"
)

type DeploymentMetrics struct {
	CallbacksTotal      int64 `json:"callbacks_total"`
	HandshakesTotal     int64 `json:"handshakes_total"`
	AuthFailuresTotal   int64 `json:"auth_failures_total"`
	RejectedTotal       int64 `json:"rejected_total"`
	RecallsTotal        int64 `json:"recalls_total"`
	ClearCommandsTotal  int64 `json:"clear_commands_total"`
	DispatchedTotal     int64 `json:"dispatched_total"`
	OverloadedTotal     int64 `json:"overloaded_total"`
	AgentSuccessTotal   int64 `json:"agent_success_total"`
	AgentFailureTotal   int64 `json:"agent_failure_total"`
	DeliveryFailedTotal int64 `json:"delivery_failed_total"`
	PanicsTotal         int64 `json:"panics_total"`
	TotalLatencyMillis  int64 `json:"total_latency_millis"`
}

// PoolMetrics describes the dispatch worker pool at snapshot time.
type PoolMetrics struct {
	Capacity int `json:"capacity"`
	Running  int `json:"running"`
	Free     int `json:"free"`
}

type Snapshot struct {
	Deployments map[string]DeploymentMetrics `json:"deployments"`
	Pool        *PoolMetrics                 `json:"pool,omitempty"`
	GeneratedAt time.Time                    `json:"generated_at"`
}

type registry struct {
	mu          sync.RWMutex
	deployments map[string]*DeploymentMetrics
	pool        func() PoolMetrics
}

var globalRegistry = newRegistry()

func newRegistry() *registry {
	return &registry{deployments: make(map[string]*DeploymentMetrics)}
}

func ResetForTests() {
	globalRegistry = newRegistry()
}

// RegisterPool installs the function that reports pool occupancy.
func RegisterPool(fn func() PoolMetrics) {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	globalRegistry.pool = fn
}

func RecordCallback(deployment string) {
	globalRegistry.update(deployment, func(m *DeploymentMetrics) { m.CallbacksTotal++ })
}

func RecordHandshake(deployment string) {
	globalRegistry.update(deployment, func(m *DeploymentMetrics) { m.HandshakesTotal++ })
}

func RecordAuthFailure(deployment string) {
	globalRegistry.update(deployment, func(m *DeploymentMetrics) { m.AuthFailuresTotal++ })
}

// RecordRejected counts callbacks that failed after authentication.
func RecordRejected(deployment string) {
	globalRegistry.update(deployment, func(m *DeploymentMetrics) { m.RejectedTotal++ })
}

func RecordRecall(deployment string) {
	globalRegistry.update(deployment, func(m *DeploymentMetrics) { m.RecallsTotal++ })
}

func RecordClearCommand(deployment string) {
	globalRegistry.update(deployment, func(m *DeploymentMetrics) { m.ClearCommandsTotal++ })
}

func RecordDispatched(deployment string) {
	globalRegistry.update(deployment, func(m *DeploymentMetrics) { m.DispatchedTotal++ })
}

func RecordOverloaded(deployment string) {
	globalRegistry.update(deployment, func(m *DeploymentMetrics) { m.OverloadedTotal++ })
}

// RecordAgentResult counts one finished unit of work and its latency.
func RecordAgentResult(deployment string, ok bool, latency time.Duration) {
	globalRegistry.update(deployment, func(m *DeploymentMetrics) {
		if ok {
			m.AgentSuccessTotal++
		} else {
			m.AgentFailureTotal++
		}
		if latency > 0 {
			m.TotalLatencyMillis += latency.Milliseconds()
		}
	})
}

func RecordDeliveryFailure(deployment string) {
	globalRegistry.update(deployment, func(m *DeploymentMetrics) { m.DeliveryFailedTotal++ })
}

func RecordPanic(deployment string) {
	globalRegistry.update(deployment, func(m *DeploymentMetrics) { m.PanicsTotal++ })
}

func SnapshotNow() Snapshot {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	snapshot := Snapshot{
		Deployments: make(map[string]DeploymentMetrics, len(globalRegistry.deployments)),
		GeneratedAt: time.Now().UTC(),
	}
	for key, metrics := range globalRegistry.deployments {
		snapshot.Deployments[key] = *metrics
	}
	if globalRegistry.pool != nil {
		pool := globalRegistry.pool()
		snapshot.Pool = &pool
	}
	return snapshot
}

func (r *registry) update(deployment string, fn func(*DeploymentMetrics)) {
	key := normalizeKey(deployment)
	if key == "" {
		key = "unknown"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	metrics, ok := r.deployments[key]
	if !ok {
		metrics = &DeploymentMetrics{}
		r.deployments[key] = metrics
	}
	fn(metrics)
}

func normalizeKey(raw string) string {
	return strings.TrimSpace(strings.ToLower(raw))
}
