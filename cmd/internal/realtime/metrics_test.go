package realtime

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sessions, streams := 3, 1
	m, err := NewMetrics(reg, func() int { return sessions }, func() int { return streams })
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m.login(true)
	m.login(true)
	m.login(false)
	m.evicted(EvictExpired)
	m.messageRouted(true)
	m.messageRouted(false)
	m.messageRouted(false)

	if got := testutil.ToFloat64(m.logins.WithLabelValues("success")); got != 2 {
		t.Fatalf("logins success=%v want=2", got)
	}
	if got := testutil.ToFloat64(m.logins.WithLabelValues("failure")); got != 1 {
		t.Fatalf("logins failure=%v want=1", got)
	}
	if got := testutil.ToFloat64(m.evictions.WithLabelValues("expired")); got != 1 {
		t.Fatalf("evictions expired=%v want=1", got)
	}
	if got := testutil.ToFloat64(m.routed.WithLabelValues("offline")); got != 2 {
		t.Fatalf("routed offline=%v want=2", got)
	}

	n, err := testutil.GatherAndCount(reg, "courier_sessions_active", "courier_streams_open")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if n != 2 {
		t.Fatalf("gauge series=%d want=2", n)
	}
}

func TestMetrics_DuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	if _, err := NewMetrics(reg, nil, nil); err != nil {
		t.Fatalf("first NewMetrics: %v", err)
	}
	if _, err := NewMetrics(reg, nil, nil); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.login(true)
	m.evicted(EvictLogout)
	m.messageRouted(true)
	m.streamOpened()
	m.historyFailed()
	m.swept()
	m.sweepFailed()
}
