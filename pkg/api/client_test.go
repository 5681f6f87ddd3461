package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openfroyo/conveyor/pkg/engine"
)

func TestClientRoundTrip(t *testing.T) {
	svc := &mockService{}
	srv := httptest.NewServer(NewRouter(Options{Service: svc, ManagementToken: "admin"}))
	defer srv.Close()

	client := NewClient(srv.URL+"/", "admin", srv.Client())
	ctx := context.Background()

	p, err := client.Initiate(ctx, engine.TransferRequest{
		CounterPartyAddress: "http://provider/protocol",
		Protocol:            "http",
		AssetID:             "asset-1",
		ContractID:          "contract-1",
	})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if p.ID != "local-1" {
		t.Errorf("Expected id local-1, got %s", p.ID)
	}
	if got := svc.last(t).req.AssetID; got != "asset-1" {
		t.Errorf("Expected asset-1 to reach the service, got %s", got)
	}

	p, err = client.Get(ctx, "tp-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if p.ID != "tp-1" {
		t.Errorf("Expected tp-1, got %s", p.ID)
	}

	list, err := client.List(ctx, engine.ListOptions{State: engine.StateStarted, Type: engine.ProcessTypeConsumer, Limit: 10})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list.Items) != 1 || list.Limit != 10 {
		t.Errorf("Unexpected list %+v", list)
	}
	opts := svc.last(t).opts
	if opts.State != engine.StateStarted || opts.Type != engine.ProcessTypeConsumer {
		t.Errorf("Expected filters to reach the service, got %+v", opts)
	}

	if _, err := client.Trigger(ctx, "tp-1", "terminate", TerminateRequest{Reason: "cancelled"}); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if c := svc.last(t); c.op != "terminate" || c.reason != "cancelled" {
		t.Errorf("Unexpected call %+v", c)
	}
	if _, err := client.Trigger(ctx, "tp-1", "suspend", nil); err != nil {
		t.Fatalf("Trigger without body failed: %v", err)
	}
}

func TestClientStatusError(t *testing.T) {
	svc := &mockService{err: engine.NewNotFoundError("tp-9")}
	srv := httptest.NewServer(NewRouter(Options{Service: svc}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", srv.Client()).Get(context.Background(), "tp-9")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Expected StatusError, got %v", err)
	}
	if se.Status != http.StatusNotFound || se.Message == "" {
		t.Errorf("Unexpected status error %+v", se)
	}
}

func TestClientUnauthorized(t *testing.T) {
	srv := httptest.NewServer(NewRouter(Options{Service: &mockService{}, ManagementToken: "admin"}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "wrong", srv.Client()).Get(context.Background(), "tp-1")
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %v", err)
	}
}
