package e2e

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ── Health endpoint ──────────────────────────────────────────────────────────

func TestE2E_Healthy_AllBackendsUp(t *testing.T) {
	b1 := newEchoBackend(t, "b1")
	b2 := newEchoBackend(t, "b2")
	lb := startLB(t, lbOpts{backends: []string{b1.URL, b2.URL}})

	status, body := doGet(t, "http://"+lb.addr+"/health")
	assert.Equal(t, 200, status)
	assert.Contains(t, body, `"status":"ok"`)
	assert.Contains(t, body, `"healthy_backends":2`)
}

// ── Basic proxy ──────────────────────────────────────────────────────────────

func TestE2E_BasicProxy_ForwardsRequest(t *testing.T) {
	backend := newEchoBackend(t, "hello-world")
	lb := startLB(t, lbOpts{backends: []string{backend.URL}})

	status, body := doGet(t, "http://"+lb.addr+"/v1/completions")
	assert.Equal(t, 200, status)
	assert.Equal(t, "hello-world", body)
}

// ── JSQ-of-2 distribution ────────────────────────────────────────────────────

func TestE2E_Distribution_ReachesAllBackends(t *testing.T) {
	b1 := newEchoBackend(t, "backend-1")
	b2 := newEchoBackend(t, "backend-2")
	lb := startLB(t, lbOpts{backends: []string{b1.URL, b2.URL}})

	seen := map[string]int{}
	for i := 0; i < 20; i++ {
		_, body := doGet(t, "http://"+lb.addr+"/v1/completions")
		seen[strings.TrimSpace(body)]++
	}

	assert.Greater(t, seen["backend-1"], 0, "backend-1 should receive some traffic")
	assert.Greater(t, seen["backend-2"], 0, "backend-2 should receive some traffic")
}

// ── Slow backend still succeeds (TestSlow) ──────────────────────────────────

func TestE2E_Slow_StillSucceedsWithinTimeout(t *testing.T) {
	slow := newSlowBackend(t, "slow-ok", 300*time.Millisecond)
	lb := startLB(t, lbOpts{backends: []string{slow.URL}, timeout: 5 * time.Second})

	status, body := doGet(t, "http://"+lb.addr+"/v1/completions")
	assert.Equal(t, 200, status)
	assert.Equal(t, "slow-ok", body)
}

// ── Failing backend (TestFailing / immediate unhealthy) ─────────────────────

func TestE2E_Failing_Returns502OnDeadBackend(t *testing.T) {
	// The backend must pass the lb's startup probe round, or it is ejected
	// before any request reaches it; it starts dropping every connection
	// once the lb is up (the next probe is 30s away).
	var up atomic.Bool
	up.Store(true)
	dead := newConditionalBackend(t, &up, "unreachable")

	live := newEchoBackend(t, "live")
	lb := startLB(t, lbOpts{backends: []string{dead.URL, live.URL}})
	up.Store(false)

	got502 := false
	for i := 0; i < 6; i++ {
		status, _ := doGet(t, "http://"+lb.addr+"/v1/completions")
		if status == 502 {
			got502 = true
			break
		}
	}
	assert.True(t, got502, "at least one request routed to the dead backend must return 502")
}

// ── Flaky backend ejected then recovered (TestFlaky / TestHealthRecovery) ───

func TestE2E_Flaky_EjectedThenRecovers(t *testing.T) {
	var up atomic.Bool
	up.Store(false)

	var flaky = newConditionalBackend(t, &up, "recovered")
	lb := startLB(t, lbOpts{
		backends:            []string{flaky.URL},
		healthCheckInterval: 200 * time.Millisecond,
	})

	// While down, the active prober should eject it from /health's healthy count.
	require.Eventually(t, func() bool {
		status, body := doGet(t, "http://"+lb.addr+"/health")
		return status == 503 && strings.Contains(body, `"healthy_backends":0`)
	}, 3*time.Second, 100*time.Millisecond)

	// Bring it back; the next probe round should mark it healthy again.
	up.Store(true)
	require.Eventually(t, func() bool {
		status, _ := doGet(t, "http://"+lb.addr+"/health")
		return status == 200
	}, 3*time.Second, 100*time.Millisecond)

	status, body := doGet(t, "http://"+lb.addr+"/v1/completions")
	assert.Equal(t, 200, status)
	assert.Equal(t, "recovered", body)
}

// ── Timeout (TestTimeout) ────────────────────────────────────────────────────

func TestE2E_Timeout_DoesNotHangAndEjectsBackend(t *testing.T) {
	slow := newSlowBackend(t, "too-slow", 2*time.Second)
	lb := startLB(t, lbOpts{backends: []string{slow.URL}, timeout: 300 * time.Millisecond})

	start := time.Now()
	status, _ := doGet(t, "http://"+lb.addr+"/v1/completions")
	elapsed := time.Since(start)

	assert.Equal(t, 502, status)
	assert.Less(t, elapsed, 1500*time.Millisecond, "request must not hang past the configured timeout")

	// The startup probe of this backend is still waiting on its 2s reply, so
	// only passive ejection can have marked it unhealthy by now.
	health, _ := doGet(t, "http://"+lb.addr+"/health")
	assert.Equal(t, 503, health, "the timed-out backend must be passively ejected")
}

// ── Immediate unhealthy (TestImmediateUnhealthy) ─────────────────────────────

func TestE2E_ImmediateUnhealthy_FirstProbeEjectsDeadBackend(t *testing.T) {
	dead := newEchoBackend(t, "dead")
	deadURL := dead.URL
	dead.Close()

	live := newEchoBackend(t, "live")
	lb := startLB(t, lbOpts{
		backends:            []string{deadURL, live.URL},
		healthCheckInterval: 200 * time.Millisecond,
	})

	require.Eventually(t, func() bool {
		status, body := doGet(t, "http://"+lb.addr+"/health")
		return status == 200 && strings.Contains(body, `"healthy_backends":1`)
	}, 3*time.Second, 100*time.Millisecond)
}

// ── All backends degraded (TestLBHealthDegraded) ─────────────────────────────

func TestE2E_AllBackendsDead_HealthReportsDegraded(t *testing.T) {
	dead1 := newEchoBackend(t, "dead1")
	dead2 := newEchoBackend(t, "dead2")
	url1, url2 := dead1.URL, dead2.URL
	dead1.Close()
	dead2.Close()

	lb := startLB(t, lbOpts{
		backends:            []string{url1, url2},
		healthCheckInterval: 200 * time.Millisecond,
	})

	require.Eventually(t, func() bool {
		status, body := doGet(t, "http://"+lb.addr+"/health")
		return status == 503 && strings.Contains(body, `"status":"degraded"`)
	}, 3*time.Second, 100*time.Millisecond)

	status, _ := doGet(t, "http://"+lb.addr+"/v1/completions")
	assert.Equal(t, 503, status, "no healthy backends means 503, not a hang")
}

// ── --port flag (TestPortFlag) ───────────────────────────────────────────────

func TestE2E_PortFlag_ListensOnRequestedPort(t *testing.T) {
	backend := newEchoBackend(t, "ok")
	port := freePort(t)
	lb := startLB(t, lbOpts{backends: []string{backend.URL}, port: port})

	status, _ := doGet(t, "http://"+lb.addr+"/health")
	assert.Equal(t, 200, status)
}

// ── --health-check-interval flag (TestHealthCheckInterval) ──────────────────

func TestE2E_HealthCheckInterval_AffectsDetectionLatency(t *testing.T) {
	var up atomic.Bool
	up.Store(true)
	backend := newConditionalBackend(t, &up, "ok")

	lb := startLB(t, lbOpts{
		backends:            []string{backend.URL},
		healthCheckInterval: 5 * time.Second, // deliberately long
	})

	// Kill the backend; with a 5s probe period the lb should still report
	// it healthy well before the next round fires.
	up.Store(false)
	time.Sleep(500 * time.Millisecond)

	status, body := doGet(t, "http://"+lb.addr+"/health")
	assert.Equal(t, 200, status, "stale health state persists until the next probe round")
	assert.Contains(t, body, `"healthy_backends":1`)
}

// ── Backends without an explicit scheme (TestBackendsWithoutScheme) ─────────

func TestE2E_BackendsWithoutScheme_DefaultToHTTP(t *testing.T) {
	backend := newEchoBackend(t, "bare-host-port")
	bareAddr := strings.TrimPrefix(backend.URL, "http://")

	lb := startLB(t, lbOpts{backends: []string{bareAddr}})

	status, body := doGet(t, "http://"+lb.addr+"/v1/completions")
	assert.Equal(t, 200, status)
	assert.Equal(t, "bare-host-port", body)
}
