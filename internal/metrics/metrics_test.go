package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric は指定名・ラベルのメトリクスを検索する。labelが空の場合は最初の値を返す。
func findMetric(t *testing.T, reg *prometheus.Registry, name, labelName, labelValue string) *dto.Metric {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelName == "" {
				return m
			}
			for _, lp := range m.GetLabel() {
				if lp.GetName() == labelName && lp.GetValue() == labelValue {
					return m
				}
			}
		}
	}
	return nil
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordRegistration_CountsByOutcome は登録結果ごとにカウントされることを検証する。
func TestRecordRegistration_CountsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRegistration(OutcomeGranted)
	c.RecordRegistration(OutcomeGranted)
	c.RecordRegistration(OutcomeRejected)

	tests := []struct {
		outcome string
		want    float64
	}{
		{OutcomeGranted, 2},
		{OutcomeRejected, 1},
	}
	for _, tt := range tests {
		m := findMetric(t, reg, "devicegate_registrations_total", "outcome", tt.outcome)
		if m == nil {
			t.Fatalf("registrations_total{outcome=%q} not found", tt.outcome)
		}
		if got := m.GetCounter().GetValue(); got != tt.want {
			t.Errorf("registrations_total{outcome=%q} = %v, want %v", tt.outcome, got, tt.want)
		}
	}
}

// TestRecordEviction_AddsCount は追い出し数が加算されることを検証する。
func TestRecordEviction_AddsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordEviction(EvictionReconcile, 3)
	c.RecordEviction(EvictionReconcile, 0)

	m := findMetric(t, reg, "devicegate_evictions_total", "reason", EvictionReconcile)
	if m == nil {
		t.Fatal("evictions_total{reason=reconcile} not found")
	}
	if got := m.GetCounter().GetValue(); got != 3 {
		t.Errorf("evictions_total = %v, want 3", got)
	}
}

// TestRecordHeartbeat_LabelsResult はハートビート結果のラベルを検証する。
func TestRecordHeartbeat_LabelsResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHeartbeat(true)
	c.RecordHeartbeat(false)
	c.RecordHeartbeat(false)

	if m := findMetric(t, reg, "devicegate_heartbeats_total", "result", "updated"); m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("heartbeats_total{result=updated} = %v, want 1", m)
	}
	if m := findMetric(t, reg, "devicegate_heartbeats_total", "result", "skipped"); m == nil || m.GetCounter().GetValue() != 2 {
		t.Errorf("heartbeats_total{result=skipped} = %v, want 2", m)
	}
}

// TestRecordEntitlementSource_CountsBySource は解決元ごとにカウントされることを検証する。
func TestRecordEntitlementSource_CountsBySource(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordEntitlementSource("slug")

	m := findMetric(t, reg, "devicegate_entitlement_resolutions_total", "source", "slug")
	if m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("entitlement_resolutions_total{source=slug} = %v, want 1", m)
	}
}

// TestRecordRegisterLatency_ObservesHistogram はレイテンシがヒストグラムに記録されることを検証する。
func TestRecordRegisterLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRegisterLatency(150 * time.Millisecond)

	m := findMetric(t, reg, "devicegate_register_latency_seconds", "", "")
	if m == nil {
		t.Fatal("register_latency_seconds not found")
	}
	if got := m.GetHistogram().GetSampleCount(); got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

// TestRecordHTTPStatus_LabelsStatusCode はステータスコードがラベルとして記録されることを検証する。
func TestRecordHTTPStatus_LabelsStatusCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(409)

	m := findMetric(t, reg, "devicegate_http_status_total", "status_code", "409")
	if m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("http_status_total{status_code=409} = %v, want 1", m)
	}
}

// TestNopCollector_DoesNotPanic はNopCollectorが安全に呼び出せることを検証する。
func TestNopCollector_DoesNotPanic(t *testing.T) {
	var c MetricsCollector = NopCollector{}
	c.RecordEntitlementSource("default")
	c.RecordRegistration(OutcomeError)
	c.RecordRegisterLatency(time.Second)
	c.RecordEviction(EvictionSteal, 1)
	c.RecordHeartbeat(true)
	c.RecordHTTPStatus(200)
}
