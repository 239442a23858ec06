package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("注册指标失败: %v", err)
	}

	m.ObserveCycle("tick", 3.9, true, 20*time.Millisecond)
	m.ObserveCycle("manual", 8, false, 10*time.Millisecond)
	if got := testutil.ToFloat64(m.riskScore); got != 8 {
		t.Fatalf("风险分数 gauge 应为 8, 实际 %f", got)
	}
	if got := testutil.ToFloat64(m.cycles.WithLabelValues("tick")); got != 1 {
		t.Fatalf("tick 周期计数应为 1, 实际 %f", got)
	}
	if got := testutil.ToFloat64(m.degraded); got != 1 {
		t.Fatalf("降级计数应为 1, 实际 %f", got)
	}
	if samples := testutil.CollectAndCount(m.cycleLatency); samples != 1 {
		t.Fatalf("延迟直方图应有 1 个样本, 实际 %d", samples)
	}

	m.FeedFallback("natural", "breaker_open")
	m.FeedFallback("natural", "breaker_open")
	if got := testutil.ToFloat64(m.fallbacks.WithLabelValues("natural", "breaker_open")); got != 2 {
		t.Fatalf("回退计数应为 2, 实际 %f", got)
	}

	m.AutomationEvent("deadman_triggered")
	m.NoViableChannel()
	m.AuditUnsynced(3)
	m.NotifyFailure("guardian_notified")
	if got := testutil.ToFloat64(m.auditUnsynced); got != 3 {
		t.Fatalf("未同步审计条目应为 3, 实际 %f", got)
	}
}

func TestMetricsHandler(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	m.ObserveCycle("tick", 5, false, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("状态码应为 200, 实际 %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "safepassage_risk_score 5") {
		t.Fatalf("输出缺少 risk_score: %s", rec.Body.String())
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveCycle("tick", 1, true, time.Second)
	m.FeedFallback("a", "b")
	m.AutomationEvent("x")
	m.NoViableChannel()
	m.AuditUnsynced(1)
	m.NotifyFailure("x")
}
