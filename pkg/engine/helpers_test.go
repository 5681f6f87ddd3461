package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/conveyor/pkg/engine"
	"github.com/openfroyo/conveyor/pkg/stores"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type manifestFunc func(ctx context.Context, p *engine.TransferProcess) (*engine.ResourceManifest, error)

func (f manifestFunc) GenerateManifest(ctx context.Context, p *engine.TransferProcess) (*engine.ResourceManifest, error) {
	return f(ctx, p)
}

func staticManifest(definitions ...engine.ResourceDefinition) engine.ManifestGenerator {
	return manifestFunc(func(context.Context, *engine.TransferProcess) (*engine.ResourceManifest, error) {
		return &engine.ResourceManifest{Definitions: append([]engine.ResourceDefinition(nil), definitions...)}, nil
	})
}

// fakeProvisioner provisions synchronously unless provision or deprovision is set.
type fakeProvisioner struct {
	mu               sync.Mutex
	provisionCalls   int
	deprovisionCalls int
	provision        func(p *engine.TransferProcess, defs []engine.ResourceDefinition) []engine.ProvisionResponse
	deprovision      func(p *engine.TransferProcess, resources []engine.ProvisionedResource) []engine.DeprovisionResponse
}

func (f *fakeProvisioner) Provision(_ context.Context, p *engine.TransferProcess, defs []engine.ResourceDefinition) ([]engine.ProvisionResponse, error) {
	f.mu.Lock()
	f.provisionCalls++
	fn := f.provision
	f.mu.Unlock()

	if fn != nil {
		return fn(p, defs), nil
	}
	responses := make([]engine.ProvisionResponse, 0, len(defs))
	for _, def := range defs {
		responses = append(responses, engine.ProvisionResponse{
			DefinitionID: def.ID,
			Resource:     &engine.ProvisionedResource{ID: "res-" + def.ID, DefinitionID: def.ID},
			SecretToken:  "token-" + def.ID,
		})
	}
	return responses, nil
}

func (f *fakeProvisioner) Deprovision(_ context.Context, p *engine.TransferProcess, resources []engine.ProvisionedResource) ([]engine.DeprovisionResponse, error) {
	f.mu.Lock()
	f.deprovisionCalls++
	fn := f.deprovision
	f.mu.Unlock()

	if fn != nil {
		return fn(p, resources), nil
	}
	responses := make([]engine.DeprovisionResponse, 0, len(resources))
	for _, r := range resources {
		responses = append(responses, engine.DeprovisionResponse{ProvisionedResourceID: r.ID})
	}
	return responses, nil
}

func (f *fakeProvisioner) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.provisionCalls, f.deprovisionCalls
}

// fakeDispatcher records sent messages. errFor decides the error returned per message.
type fakeDispatcher struct {
	mu       sync.Mutex
	messages []engine.RemoteMessage
	inFlight map[string]bool
	overlaps int
	delay    time.Duration
	errFor   func(msg engine.RemoteMessage) error
}

func (d *fakeDispatcher) Send(_ context.Context, _ string, msg engine.RemoteMessage) (*engine.Ack, error) {
	d.mu.Lock()
	if d.inFlight == nil {
		d.inFlight = make(map[string]bool)
	}
	if d.inFlight[msg.ProcessID] {
		d.overlaps++
	}
	d.inFlight[msg.ProcessID] = true
	d.messages = append(d.messages, msg)
	errFor := d.errFor
	d.mu.Unlock()

	if d.delay > 0 {
		time.Sleep(d.delay)
	}

	d.mu.Lock()
	delete(d.inFlight, msg.ProcessID)
	d.mu.Unlock()

	if errFor != nil {
		if err := errFor(msg); err != nil {
			return nil, err
		}
	}
	return &engine.Ack{ProcessID: "remote-" + msg.ProcessID}, nil
}

func (d *fakeDispatcher) sent() []engine.RemoteMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]engine.RemoteMessage(nil), d.messages...)
}

func (d *fakeDispatcher) types() []engine.MessageType {
	var out []engine.MessageType
	for _, m := range d.sent() {
		out = append(out, m.Type)
	}
	return out
}

type fakeDataFlow struct {
	mu         sync.Mutex
	starts     int
	suspends   int
	terminates int
}

func (f *fakeDataFlow) Start(_ context.Context, p *engine.TransferProcess) (*engine.DataAddress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return &engine.DataAddress{Type: "HttpData", Properties: map[string]string{"endpoint": "http://provider/data/" + p.ID}}, nil
}

func (f *fakeDataFlow) Suspend(context.Context, *engine.TransferProcess) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspends++
	return nil
}

func (f *fakeDataFlow) Terminate(context.Context, *engine.TransferProcess) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminates++
	return nil
}

type fakeVault struct {
	mu      sync.Mutex
	secrets map[string]string
}

func newFakeVault() *fakeVault {
	return &fakeVault{secrets: make(map[string]string)}
}

func (v *fakeVault) Store(_ context.Context, key, secret string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[key] = secret
	return nil
}

func (v *fakeVault) Resolve(_ context.Context, key string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.secrets[key]
	if !ok {
		return "", engine.ErrNotFound
	}
	return s, nil
}

func (v *fakeVault) Delete(_ context.Context, key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.secrets[key]; !ok {
		return engine.ErrNotFound
	}
	delete(v.secrets, key)
	return nil
}

// recorder is a listener that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []engine.Event
}

func (r *recorder) OnEvent(_ context.Context, e engine.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) transitions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = fmt.Sprintf("%s->%s", e.From, e.To)
	}
	return out
}

type harness struct {
	manager     *engine.Manager
	store       *stores.MemoryStore
	clock       *fakeClock
	provisioner *fakeProvisioner
	dispatcher  *fakeDispatcher
	dataFlow    *fakeDataFlow
	vault       *fakeVault
	events      *recorder
}

type harnessOption func(cfg *engine.Config, deps *engine.Dependencies)

func withManifest(m engine.ManifestGenerator) harnessOption {
	return func(_ *engine.Config, deps *engine.Dependencies) { deps.Manifests = m }
}

func withGuard(g engine.PendingGuard) harnessOption {
	return func(_ *engine.Config, deps *engine.Dependencies) { deps.Guard = g }
}

func withRetryLimit(limit int) harnessOption {
	return func(cfg *engine.Config, _ *engine.Dependencies) { cfg.RetryLimit = limit }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	clock := newFakeClock()
	h := &harness{
		store:       stores.NewMemoryStore(stores.Options{Owner: "test", Now: clock.Now}),
		clock:       clock,
		provisioner: &fakeProvisioner{},
		dispatcher:  &fakeDispatcher{},
		dataFlow:    &fakeDataFlow{},
		vault:       newFakeVault(),
		events:      &recorder{},
	}
	h.manager = h.newManager(t, h.store, opts...)
	return h
}

// newManager builds a manager sharing the harness collaborators on store.
func (h *harness) newManager(t *testing.T, store engine.TransferProcessStore, opts ...harnessOption) *engine.Manager {
	t.Helper()

	cfg := engine.DefaultConfig()
	cfg.RetryBaseDelay = time.Second
	cfg.CallbackAddress = "http://consumer.example.com/callback"
	deps := engine.Dependencies{
		Store:       store,
		Manifests:   staticManifest(),
		Provisioner: h.provisioner,
		Dispatcher:  h.dispatcher,
		DataFlow:    h.dataFlow,
		Vault:       h.vault,
		Guard:       engine.HoldAlways(),
		Clock:       h.clock,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	m, err := engine.NewManager(cfg, deps)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	m.Observable().Register("recorder", h.events)
	return m
}

func (h *harness) iterate(t *testing.T) int {
	t.Helper()
	n, err := h.manager.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("ProcessOnce failed: %v", err)
	}
	return n
}

func (h *harness) get(t *testing.T, id string) *engine.TransferProcess {
	t.Helper()
	p, err := h.store.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("FindByID(%s) failed: %v", id, err)
	}
	return p
}

func (h *harness) expectState(t *testing.T, id string, want engine.State) *engine.TransferProcess {
	t.Helper()
	p := h.get(t, id)
	if p.State != want {
		t.Fatalf("expected %s to be %s, got %s (error detail %q)", id, want, p.State, p.ErrorDetail)
	}
	return p
}

func consumerRequest(id string) engine.TransferRequest {
	return engine.TransferRequest{
		ID:                  id,
		CounterPartyAddress: "http://provider.example.com/protocol",
		Protocol:            "http-json",
		AssetID:             "asset-1",
		ContractID:          "contract-1",
		DataDestination:     &engine.DataAddress{Type: "HttpData", Properties: map[string]string{"baseUrl": "http://sink"}},
	}
}

func providerRequest(id, correlationID string) engine.TransferRequest {
	req := consumerRequest(id)
	req.CorrelationID = correlationID
	req.DataDestination = nil
	return req
}

var errUnavailable = errors.New("counterparty unavailable")
