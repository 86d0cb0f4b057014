package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestIncrementAndSnapshot(t *testing.T) {
	r := New()
	r.Increment(ApprovalsCreatedTotal, 1)
	r.Increment(ApprovalsCreatedTotal, 1)

	snap, err := r.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	found := false
	for _, s := range snap {
		if s.Name == ApprovalsCreatedTotal {
			found = true
			if s.Value != 2 {
				t.Fatalf("expected 2, got %v", s.Value)
			}
		}
	}
	if !found {
		t.Fatalf("expected to find %s in snapshot", ApprovalsCreatedTotal)
	}
}

func TestHandlerEmitsHelpAndType(t *testing.T) {
	r := New()
	r.Increment(ApprovalsCreatedTotal, 1)
	r.SetGauge(ApprovalPendingGauge, 3)
	r.Observe(ApprovalTimeSeconds, 1.2)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"# HELP " + ApprovalsCreatedTotal,
		"# TYPE " + ApprovalsCreatedTotal + " counter",
		"# HELP " + ApprovalPendingGauge,
		"# TYPE " + ApprovalPendingGauge + " gauge",
		ApprovalTimeSeconds + "_bucket",
		ApprovalTimeSeconds + "_sum",
		ApprovalTimeSeconds + "_count",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected body to contain %q, got:\n%s", want, body)
		}
	}
}

func TestSetGaugeAndObserveDynamicName(t *testing.T) {
	r := New()
	r.SetGauge("custom_gauge", 5)
	r.Observe("custom_histogram", 0.3)

	snap, err := r.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap) == 0 {
		t.Fatalf("expected non-empty snapshot")
	}
}
