package worker

import (
	"context"
	"encoding/json"
	"testing"

	"fundops.org/internal/jobqueue"
)

func TestWebhookHandlerAcknowledgesEvent(t *testing.T) {
	h := webhookHandler()
	out, err := h(context.Background(), jobqueue.Job{
		TenantID: "t1",
		Type:     jobqueue.TypeWebhookEvent,
		Payload:  json.RawMessage(`{"integration":"fortnox","event":"voucher.created"}`),
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	var ack map[string]any
	if err := json.Unmarshal(out, &ack); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if ack["event"] != "voucher.created" {
		t.Fatalf("unexpected ack: %v", ack)
	}
}

func TestWebhookHandlerRejectsMalformedPayload(t *testing.T) {
	h := webhookHandler()
	if _, err := h(context.Background(), jobqueue.Job{Payload: json.RawMessage(`not json`)}); err == nil {
		t.Fatal("expected error for malformed payload")
	}
	if _, err := h(context.Background(), jobqueue.Job{Payload: json.RawMessage(`{"integration":"fortnox"}`)}); err == nil {
		t.Fatal("expected error for missing event name")
	}
}
