package dataflow

import (
	"context"
	"errors"
	"testing"

	"github.com/openfroyo/conveyor/pkg/engine"
	"github.com/openfroyo/conveyor/pkg/vault"
)

func providerProcess(id string) *engine.TransferProcess {
	return &engine.TransferProcess{
		ID:    id,
		Type:  engine.ProcessTypeProvider,
		State: engine.StateStarting,
		ContentDataAddress: &engine.DataAddress{
			Type:       "HttpData",
			Properties: map[string]string{"baseUrl": "https://data.example.com/asset"},
		},
	}
}

func TestStartPull(t *testing.T) {
	ctx := context.Background()
	v := vault.NewMemoryVault()
	m := NewManager(Config{PublicEndpoint: "https://provider.example.com/public/"}, v, nil)

	p := providerProcess("tp-1")
	addr, err := m.Start(ctx, p)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if addr == nil || addr.Type != AddressTypeProxy {
		t.Fatalf("Expected proxy address, got %+v", addr)
	}
	if got := addr.Properties[PropertyEndpoint]; got != "https://provider.example.com/public/tp-1" {
		t.Errorf("Unexpected endpoint %q", got)
	}
	token := addr.Properties[PropertyAuthorization]
	if token == "" {
		t.Fatal("Expected authorization token")
	}
	stored, err := v.Resolve(ctx, TokenKey("tp-1"))
	if err != nil || stored != token {
		t.Errorf("Vault token = %q, %v; want %q", stored, err, token)
	}

	again, err := m.Start(ctx, p)
	if err != nil {
		t.Fatalf("Second Start failed: %v", err)
	}
	if again.Properties[PropertyAuthorization] != token {
		t.Error("Expected restart to reuse the token")
	}

	source, err := m.Authorize(ctx, "tp-1", token)
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if source.Properties["baseUrl"] != "https://data.example.com/asset" {
		t.Errorf("Unexpected source %+v", source)
	}
	if _, err := m.Authorize(ctx, "tp-1", "wrong"); !errors.Is(err, engine.ErrRejected) {
		t.Errorf("Expected rejection for a wrong token, got %v", err)
	}
}

func TestStartPush(t *testing.T) {
	m := NewManager(Config{PublicEndpoint: "http://localhost"}, vault.NewMemoryVault(), nil)

	p := providerProcess("tp-2")
	p.DataDestination = &engine.DataAddress{Type: "AmazonS3", Properties: map[string]string{"bucket": "in"}}

	addr, err := m.Start(context.Background(), p)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if addr != nil {
		t.Errorf("Expected no address for push, got %+v", addr)
	}
	flow, ok := m.Flow("tp-2")
	if !ok || !flow.Push() || flow.State != FlowStarted {
		t.Errorf("Unexpected flow %+v", flow)
	}
}

func TestStartWithoutContent(t *testing.T) {
	m := NewManager(Config{}, vault.NewMemoryVault(), nil)

	p := providerProcess("tp-3")
	p.ContentDataAddress = nil
	if _, err := m.Start(context.Background(), p); !engine.IsPermanent(err) {
		t.Errorf("Expected permanent error, got %v", err)
	}
}

func TestSuspendResumeTerminate(t *testing.T) {
	ctx := context.Background()
	v := vault.NewMemoryVault()
	m := NewManager(Config{PublicEndpoint: "http://localhost/public"}, v, nil)
	p := providerProcess("tp-4")

	addr, err := m.Start(ctx, p)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	token := addr.Properties[PropertyAuthorization]

	if err := m.Suspend(ctx, p); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	if flow, _ := m.Flow("tp-4"); flow.State != FlowSuspended {
		t.Errorf("Expected suspended flow, got %s", flow.State)
	}
	if _, err := m.Authorize(ctx, "tp-4", token); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("Expected suspended flow not to be served, got %v", err)
	}

	if _, err := m.Start(ctx, p); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if flow, _ := m.Flow("tp-4"); flow.State != FlowStarted {
		t.Errorf("Expected started flow, got %s", flow.State)
	}

	if err := m.Terminate(ctx, p); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if _, err := v.Resolve(ctx, TokenKey("tp-4")); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("Expected token to be revoked, got %v", err)
	}
	if _, err := m.Start(ctx, p); !engine.IsPermanent(err) {
		t.Errorf("Expected start after terminate to fail, got %v", err)
	}
	if err := m.Terminate(ctx, p); err != nil {
		t.Errorf("Expected repeated terminate to succeed, got %v", err)
	}
}

func TestTerminateUnknownFlow(t *testing.T) {
	m := NewManager(Config{}, vault.NewMemoryVault(), nil)
	if err := m.Terminate(context.Background(), providerProcess("tp-5")); err != nil {
		t.Errorf("Terminate failed: %v", err)
	}
	if err := m.Suspend(context.Background(), providerProcess("tp-5")); err != nil {
		t.Errorf("Suspend failed: %v", err)
	}
}

type processMap map[string]*engine.TransferProcess

func (m processMap) FindByID(_ context.Context, id string) (*engine.TransferProcess, error) {
	p, ok := m[id]
	if !ok {
		return nil, engine.NewNotFoundError(id)
	}
	return p.Clone(), nil
}

func TestAuthorizeAfterRestart(t *testing.T) {
	ctx := context.Background()
	v := vault.NewMemoryVault()
	p := providerProcess("tp-6")

	first := NewManager(Config{PublicEndpoint: "https://provider.example.com/public"}, v, nil)
	addr, err := first.Start(ctx, p)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	token := addr.Properties[PropertyAuthorization]
	p.State = engine.StateStarted

	processes := processMap{p.ID: p}
	second := NewManager(Config{PublicEndpoint: "https://provider.example.com/public", Processes: processes}, v, nil)

	source, err := second.Authorize(ctx, "tp-6", token)
	if err != nil {
		t.Fatalf("Authorize on a fresh manager failed: %v", err)
	}
	if source.Properties["baseUrl"] != "https://data.example.com/asset" {
		t.Errorf("Unexpected source %+v", source)
	}
	if flow, ok := second.Flow("tp-6"); !ok || flow.State != FlowStarted {
		t.Errorf("Expected the flow to be cached as started, got %+v", flow)
	}

	if _, err := second.Authorize(ctx, "tp-6", "wrong"); !errors.Is(err, engine.ErrRejected) {
		t.Errorf("Expected rejected token, got %v", err)
	}
	if _, err := second.Authorize(ctx, "tp-missing", token); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("Expected not found for an unknown process, got %v", err)
	}

	// Another instance suspended the transfer.
	p.State = engine.StateSuspended
	if _, err := second.Authorize(ctx, "tp-6", token); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("Expected a suspended flow to be refused, got %v", err)
	}

	consumer := providerProcess("tp-7")
	consumer.Type = engine.ProcessTypeConsumer
	consumer.State = engine.StateStarted
	processes[consumer.ID] = consumer
	if _, err := second.Authorize(ctx, "tp-7", token); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("Expected consumer processes to have no flow, got %v", err)
	}
}
