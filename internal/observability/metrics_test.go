package observability

import (
	"testing"
	"time"

	"github.com/danmuck/hspmesh/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordPublish("fact", "ok", 1)
	RecordPublish("fact", "breaker_open", 0)
	SetBreakerState(1)
	RecordBreakerTransition("closed", "open")
	RecordReconnect(true)
	RecordInbound("", "invalid")
	RecordQueueDrop()
	RecordTaskOutcome("completed", 40*time.Millisecond)
	SetRegistryEntries(3)
	RecordContradiction("semantic", "unresolved")
	RecordTrustUpdate(false)
	RecordHTTPRequest("peer.a", "GET", "/healthz", 200, 12*time.Millisecond)
}

func TestInboundUnknownTypeLabel(t *testing.T) {
	testlog.Start(t)
	before := testutil.ToFloat64(inbound.WithLabelValues("unknown", "invalid"))
	RecordInbound("", "invalid")
	after := testutil.ToFloat64(inbound.WithLabelValues("unknown", "invalid"))
	if after != before+1 {
		t.Fatalf("unknown label not used: before=%v after=%v", before, after)
	}
}

func TestRegistryGaugeTracksLatestValue(t *testing.T) {
	testlog.Start(t)
	SetRegistryEntries(7)
	SetRegistryEntries(2)
	if got := testutil.ToFloat64(registryEntries); got != 2 {
		t.Fatalf("registry gauge got=%v want=2", got)
	}
}
