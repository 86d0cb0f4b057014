package connectors

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/marcus-qen/legator/internal/controlplane/governance/dispatch"
)

func TestWebhookDispatchSignsPayload(t *testing.T) {
	const secret = "topsecret"
	var gotSig string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Governor-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	conn := NewWebhookConnector(srv.URL, secret)
	_, err := conn.Dispatch(context.Background(), dispatch.StepRequest{
		ApprovalID: "appr-1",
		StepID:     "s1",
		Intent:     "deploy_policy",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	want := hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Fatalf("signature mismatch: got %s want %s", gotSig, want)
	}
}

func TestWebhookDispatchNonOKFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	conn := NewWebhookConnector(srv.URL, "")
	_, err := conn.Dispatch(context.Background(), dispatch.StepRequest{ApprovalID: "a", StepID: "s"})
	if err == nil {
		t.Fatalf("expected error on 500 response")
	}

	deliveries := conn.Deliveries(1)
	if len(deliveries) != 1 || deliveries[0].Error == "" {
		t.Fatalf("expected delivery record with error, got %+v", deliveries)
	}
}

func TestWebhookHealthCheckRequiresURL(t *testing.T) {
	conn := NewWebhookConnector("", "")
	healthy, detail := conn.HealthCheck(context.Background())
	if healthy || detail == "" {
		t.Fatalf("expected unhealthy with detail, got healthy=%v detail=%q", healthy, detail)
	}
}

func TestWebhookDeliveriesNewestFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	conn := NewWebhookConnector(srv.URL, "")
	for i := 0; i < 3; i++ {
		if _, err := conn.Dispatch(context.Background(), dispatch.StepRequest{StepID: "s"}); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	deliveries := conn.Deliveries(0)
	if len(deliveries) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(deliveries))
	}
}
