package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/conveyor/pkg/dispatch"
	"github.com/openfroyo/conveyor/pkg/edr"
	"github.com/openfroyo/conveyor/pkg/engine"
)

type call struct {
	op     string
	id     string
	reason string
	addr   *engine.DataAddress
	req    engine.TransferRequest
	cmd    engine.Command
	opts   engine.ListOptions
}

type mockService struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (m *mockService) record(c call) (*engine.TransferProcess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
	if m.err != nil {
		return nil, m.err
	}
	id := c.id
	if id == "" {
		id = "local-1"
	}
	return &engine.TransferProcess{ID: id, State: engine.StateInitial}, nil
}

func (m *mockService) last(t *testing.T) call {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		t.Fatal("Expected a service call")
	}
	return m.calls[len(m.calls)-1]
}

func (m *mockService) InitiateConsumer(_ context.Context, req engine.TransferRequest) (*engine.TransferProcess, error) {
	return m.record(call{op: "initiate_consumer", req: req})
}

func (m *mockService) InitiateProvider(_ context.Context, req engine.TransferRequest) (*engine.TransferProcess, error) {
	return m.record(call{op: "initiate_provider", req: req})
}

func (m *mockService) Get(_ context.Context, id string) (*engine.TransferProcess, error) {
	return m.record(call{op: "get", id: id})
}

func (m *mockService) List(_ context.Context, opts engine.ListOptions) ([]*engine.TransferProcess, error) {
	p, err := m.record(call{op: "list", opts: opts})
	if err != nil {
		return nil, err
	}
	return []*engine.TransferProcess{p}, nil
}

func (m *mockService) Terminate(_ context.Context, id, reason string) (*engine.TransferProcess, error) {
	return m.record(call{op: "terminate", id: id, reason: reason})
}

func (m *mockService) Complete(_ context.Context, id string) (*engine.TransferProcess, error) {
	return m.record(call{op: "complete", id: id})
}

func (m *mockService) Suspend(_ context.Context, id string) (*engine.TransferProcess, error) {
	return m.record(call{op: "suspend", id: id})
}

func (m *mockService) Resume(_ context.Context, id string) (*engine.TransferProcess, error) {
	return m.record(call{op: "resume", id: id})
}

func (m *mockService) Deprovision(_ context.Context, id string) (*engine.TransferProcess, error) {
	return m.record(call{op: "deprovision", id: id})
}

func (m *mockService) NotifyStarted(_ context.Context, id string, addr *engine.DataAddress) (*engine.TransferProcess, error) {
	return m.record(call{op: "notify_started", id: id, addr: addr})
}

func (m *mockService) NotifyCompleted(_ context.Context, id string) (*engine.TransferProcess, error) {
	return m.record(call{op: "notify_completed", id: id})
}

func (m *mockService) NotifySuspended(_ context.Context, id string) (*engine.TransferProcess, error) {
	return m.record(call{op: "notify_suspended", id: id})
}

func (m *mockService) NotifyTerminated(_ context.Context, id, reason string) (*engine.TransferProcess, error) {
	return m.record(call{op: "notify_terminated", id: id, reason: reason})
}

func (m *mockService) Execute(_ context.Context, cmd engine.Command) error {
	_, err := m.record(call{op: "execute", id: cmd.ProcessID(), cmd: cmd})
	return err
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestInitiateTransfer(t *testing.T) {
	svc := &mockService{}
	router := NewRouter(Options{Service: svc})

	body := engine.TransferRequest{
		CounterPartyAddress: "http://provider.example.com/protocol",
		Protocol:            "http",
		AssetID:             "asset-1",
		ContractID:          "contract-1",
	}
	rec := do(t, router, http.MethodPost, "/api/v1/transfers", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if c := svc.last(t); c.op != "initiate_consumer" || c.req.AssetID != "asset-1" {
		t.Errorf("Unexpected call %+v", c)
	}
}

func TestInitiateTransferInvalidBody(t *testing.T) {
	router := NewRouter(Options{Service: &mockService{}})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/transfers", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestListTransfers(t *testing.T) {
	svc := &mockService{}
	router := NewRouter(Options{Service: svc})

	rec := do(t, router, http.MethodGet, "/api/v1/transfers?state=STARTED&type=PROVIDER&limit=10&offset=5", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	c := svc.last(t)
	if c.opts.State != engine.StateStarted || c.opts.Type != engine.ProcessTypeProvider || c.opts.Limit != 10 || c.opts.Offset != 5 {
		t.Errorf("Unexpected list options %+v", c.opts)
	}

	var list ProcessList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("Failed to decode list: %v", err)
	}
	if len(list.Items) != 1 {
		t.Errorf("Expected 1 item, got %d", len(list.Items))
	}

	for _, query := range []string{"state=BOGUS", "type=BROKER", "limit=0", "offset=-1"} {
		if rec := do(t, router, http.MethodGet, "/api/v1/transfers?"+query, nil, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 for %s, got %d", query, rec.Code)
		}
	}
}

func TestTriggers(t *testing.T) {
	tests := []struct {
		path string
		op   string
	}{
		{path: "/api/v1/transfers/tp-1/complete", op: "complete"},
		{path: "/api/v1/transfers/tp-1/suspend", op: "suspend"},
		{path: "/api/v1/transfers/tp-1/resume", op: "resume"},
		{path: "/api/v1/transfers/tp-1/deprovision", op: "deprovision"},
		{path: "/api/v1/transfers/tp-1/terminate", op: "terminate"},
	}

	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			svc := &mockService{}
			rec := do(t, NewRouter(Options{Service: svc}), http.MethodPost, tt.path, nil, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
			}
			if c := svc.last(t); c.op != tt.op || c.id != "tp-1" {
				t.Errorf("Unexpected call %+v", c)
			}
		})
	}
}

func TestTerminateReason(t *testing.T) {
	svc := &mockService{}
	router := NewRouter(Options{Service: svc})

	do(t, router, http.MethodPost, "/api/v1/transfers/tp-1/terminate", TerminateRequest{Reason: "contract revoked"}, nil)
	if c := svc.last(t); c.reason != "contract revoked" {
		t.Errorf("Expected reason to be passed, got %q", c.reason)
	}
	do(t, router, http.MethodPost, "/api/v1/transfers/tp-1/terminate", nil, nil)
	if c := svc.last(t); c.reason == "" {
		t.Error("Expected a default reason")
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "not found", err: engine.NewNotFoundError("tp-1"), want: http.StatusNotFound},
		{name: "invalid transition", err: engine.NewPermanentError("no", nil).WithCode(engine.ErrCodeInvalidTransition), want: http.StatusConflict},
		{name: "conflict", err: engine.ErrConflict, want: http.StatusServiceUnavailable},
		{name: "leased", err: engine.ErrLeased, want: http.StatusServiceUnavailable},
		{name: "already exists", err: engine.ErrAlreadyExists, want: http.StatusConflict},
		{name: "validation", err: engine.NewPermanentError("bad", nil).WithCode(engine.ErrCodeValidation), want: http.StatusBadRequest},
		{name: "rejected", err: engine.NewRejectedError("policy"), want: http.StatusForbidden},
		{name: "throttled", err: engine.NewThrottledError("slow down", nil), want: http.StatusTooManyRequests},
		{name: "transient", err: engine.NewTransientError("store down", nil), want: http.StatusServiceUnavailable},
		{name: "permanent", err: engine.NewPermanentError("late", nil), want: http.StatusUnprocessableEntity},
		{name: "unclassified", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{err: tt.err}
			rec := do(t, NewRouter(Options{Service: svc}), http.MethodGet, "/api/v1/transfers/tp-1", nil, nil)
			if rec.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, rec.Code)
			}
			var body errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Error == "" {
				t.Errorf("Expected error document, got %q", rec.Body.String())
			}
		})
	}
}

func TestCallbacks(t *testing.T) {
	svc := &mockService{}
	router := NewRouter(Options{Service: svc})

	rec := do(t, router, http.MethodPost, "/api/v1/callbacks/tp-1/provisioned", ProvisionedCallback{
		Resource:    engine.ProvisionedResource{ID: "tp-1-bucket", DefinitionID: "bucket", Kind: engine.ResourceKindGeneric},
		SecretToken: "s3cr3t",
	}, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	add, ok := svc.last(t).cmd.(*engine.AddProvisionedResourceCommand)
	if !ok || add.TransferProcessID != "tp-1" || add.Resource.ID != "tp-1-bucket" || add.SecretToken != "s3cr3t" {
		t.Errorf("Unexpected command %+v", svc.last(t).cmd)
	}

	rec = do(t, router, http.MethodPost, "/api/v1/callbacks/tp-1/deprovisioned", DeprovisionedCallback{ProvisionedResourceID: "tp-1-bucket"}, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", rec.Code)
	}
	done, ok := svc.last(t).cmd.(*engine.DeprovisionCompleteCommand)
	if !ok || done.ProvisionedResourceID != "tp-1-bucket" {
		t.Errorf("Unexpected command %+v", svc.last(t).cmd)
	}

	svc.err = engine.NewNotFoundError("tp-1")
	rec = do(t, router, http.MethodPost, "/api/v1/callbacks/tp-1/deprovisioned", DeprovisionedCallback{ProvisionedResourceID: "x"}, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown process, got %d", rec.Code)
	}
}

func TestProtocolMessages(t *testing.T) {
	tests := []struct {
		name   string
		msg    engine.RemoteMessage
		op     string
		id     string
		reason string
	}{
		{
			name: "request",
			msg: engine.RemoteMessage{
				Type:            engine.MessageTransferRequest,
				ProcessID:       "consumer-1",
				CallbackAddress: "http://consumer.example.com/protocol",
				Protocol:        "http",
				AssetID:         "asset-1",
				ContractID:      "contract-1",
			},
			op: "initiate_provider",
		},
		{
			name: "start",
			msg:  engine.RemoteMessage{Type: engine.MessageTransferStart, ProcessID: "provider-1", CorrelationID: "local-7", DataAddress: &engine.DataAddress{Type: "HttpProxy"}},
			op:   "notify_started",
			id:   "local-7",
		},
		{
			name: "suspension",
			msg:  engine.RemoteMessage{Type: engine.MessageTransferSuspension, ProcessID: "provider-1", CorrelationID: "local-7"},
			op:   "notify_suspended",
			id:   "local-7",
		},
		{
			name: "completion",
			msg:  engine.RemoteMessage{Type: engine.MessageTransferCompletion, ProcessID: "provider-1", CorrelationID: "local-7"},
			op:   "notify_completed",
			id:   "local-7",
		},
		{
			name:   "termination",
			msg:    engine.RemoteMessage{Type: engine.MessageTransferTermination, ProcessID: "provider-1", CorrelationID: "local-7", Reason: "expired"},
			op:     "notify_terminated",
			id:     "local-7",
			reason: "expired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{}
			rec := do(t, NewRouter(Options{Service: svc}), http.MethodPost, "/protocol/messages", tt.msg, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
			}
			c := svc.last(t)
			if c.op != tt.op || c.id != tt.id || c.reason != tt.reason {
				t.Errorf("Unexpected call %+v", c)
			}

			var ack engine.Ack
			if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil || ack.ProcessID == "" {
				t.Errorf("Expected ack with process id, got %q", rec.Body.String())
			}
		})
	}
}

func TestProtocolRequestMapping(t *testing.T) {
	svc := &mockService{}
	dest := &engine.DataAddress{Type: "AmazonS3", Properties: map[string]string{"bucket": "in"}}
	do(t, NewRouter(Options{Service: svc}), http.MethodPost, "/protocol/messages", engine.RemoteMessage{
		Type:            engine.MessageTransferRequest,
		ProcessID:       "consumer-1",
		CallbackAddress: "http://consumer.example.com/protocol",
		Protocol:        "http",
		AssetID:         "asset-1",
		ContractID:      "contract-1",
		DataDestination: dest,
	}, nil)

	req := svc.last(t).req
	if req.CorrelationID != "consumer-1" || req.CounterPartyAddress != "http://consumer.example.com/protocol" {
		t.Errorf("Unexpected request %+v", req)
	}
	if req.DataDestination == nil || req.DataDestination.Properties["bucket"] != "in" {
		t.Errorf("Expected data destination, got %+v", req.DataDestination)
	}
}

func TestProtocolRefusalIsClientError(t *testing.T) {
	svc := &mockService{err: engine.NewPermanentError("cannot notify_started", nil).WithCode(engine.ErrCodeInvalidTransition)}
	rec := do(t, NewRouter(Options{Service: svc}), http.MethodPost, "/protocol/messages",
		engine.RemoteMessage{Type: engine.MessageTransferStart, CorrelationID: "local-1"}, nil)
	if rec.Code < 400 || rec.Code >= 500 {
		t.Errorf("Expected a 4xx refusal, got %d", rec.Code)
	}

	rec = do(t, NewRouter(Options{Service: &mockService{}}), http.MethodPost, "/protocol/messages",
		engine.RemoteMessage{Type: "Bogus"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown type, got %d", rec.Code)
	}
}

func TestProtocolConflictIsRetriedBySender(t *testing.T) {
	svc := &mockService{err: engine.NewConflictError("too many concurrent modifications", engine.ErrConflict).
		WithCode(engine.ErrCodeConflict).
		WithProcess("local-1")}
	server := httptest.NewServer(NewRouter(Options{Service: svc}))
	defer server.Close()

	rec := do(t, NewRouter(Options{Service: svc}), http.MethodPost, "/protocol/messages",
		engine.RemoteMessage{Type: engine.MessageTransferCompletion, CorrelationID: "local-1"}, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 for a conflict, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Expected a Retry-After header")
	}

	sender := dispatch.NewHTTPDispatcher(dispatch.HTTPConfig{Timeout: time.Second})
	_, err := sender.Dispatch(context.Background(), engine.RemoteMessage{
		Type:                engine.MessageTransferCompletion,
		ProcessID:           "remote-1",
		CorrelationID:       "local-1",
		CounterPartyAddress: server.URL + ProtocolPath,
	})
	if err == nil {
		t.Fatal("Expected a dispatch error")
	}
	if engine.IsPermanent(err) || errors.Is(err, engine.ErrRejected) {
		t.Errorf("Expected a retryable error, got %v", err)
	}
	if !engine.IsRetryable(err) {
		t.Errorf("Expected IsRetryable, got %v", err)
	}
}

func TestBearerAuth(t *testing.T) {
	router := NewRouter(Options{Service: &mockService{}, ManagementToken: "admin", ProtocolToken: "peer"})

	if rec := do(t, router, http.MethodGet, "/api/v1/transfers/tp-1", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", rec.Code)
	}
	if rec := do(t, router, http.MethodGet, "/api/v1/transfers/tp-1", nil, map[string]string{"Authorization": "Bearer peer"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with the protocol token, got %d", rec.Code)
	}
	if rec := do(t, router, http.MethodGet, "/api/v1/transfers/tp-1", nil, map[string]string{"Authorization": "Bearer admin"}); rec.Code != http.StatusOK {
		t.Errorf("Expected 200 with token, got %d", rec.Code)
	}

	msg := engine.RemoteMessage{Type: engine.MessageTransferCompletion, CorrelationID: "tp-1"}
	if rec := do(t, router, http.MethodPost, "/protocol/messages", msg, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 on protocol without token, got %d", rec.Code)
	}
	if rec := do(t, router, http.MethodPost, "/protocol/messages", msg, map[string]string{"Authorization": "bearer peer"}); rec.Code != http.StatusOK {
		t.Errorf("Expected 200 on protocol with token, got %d", rec.Code)
	}
	if rec := do(t, router, http.MethodGet, "/health", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("Expected open health endpoint, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	router := NewRouter(Options{
		Service: &mockService{},
		Health: map[string]HealthChecker{
			"store": HealthCheckFunc(func(context.Context) error { return nil }),
		},
	})
	rec := do(t, router, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	router = NewRouter(Options{
		Service: &mockService{},
		Health: map[string]HealthChecker{
			"store":  HealthCheckFunc(func(context.Context) error { return nil }),
			"broker": HealthCheckFunc(func(context.Context) error { return errors.New("connection refused") }),
		},
	})
	rec = do(t, router, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", rec.Code)
	}
	var body HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if body.Status != "degraded" || body.Checks["broker"] != "connection refused" || body.Checks["store"] != "ok" {
		t.Errorf("Unexpected health %+v", body)
	}
}

type mockDataPlane struct{}

func (mockDataPlane) Authorize(_ context.Context, id, token string) (*engine.DataAddress, error) {
	if token != "good" {
		return nil, engine.NewRejectedError("invalid token")
	}
	return &engine.DataAddress{Type: "HttpData", Properties: map[string]string{"id": id}}, nil
}

func TestPull(t *testing.T) {
	router := NewRouter(Options{Service: &mockService{}, DataPlane: mockDataPlane{}})

	if rec := do(t, router, http.MethodGet, "/public/tp-1", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", rec.Code)
	}
	if rec := do(t, router, http.MethodGet, "/public/tp-1", nil, map[string]string{"Authorization": "Bearer bad"}); rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 with a wrong token, got %d", rec.Code)
	}
	rec := do(t, router, http.MethodGet, "/public/tp-1", nil, map[string]string{"Authorization": "Bearer good"})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var addr engine.DataAddress
	if err := json.Unmarshal(rec.Body.Bytes(), &addr); err != nil || addr.Properties["id"] != "tp-1" {
		t.Errorf("Unexpected source %q", rec.Body.String())
	}
}

type mockReferences map[string]edr.EndpointDataReference

func (m mockReferences) Get(id string) (edr.EndpointDataReference, bool) {
	ref, ok := m[id]
	return ref, ok
}

func TestEndpointDataReference(t *testing.T) {
	refs := mockReferences{"tp-1": {ProcessID: "tp-1", Endpoint: "https://provider.example.com/public/p-1", AuthCode: "token"}}

	router := NewRouter(Options{Service: &mockService{}, References: refs})
	rec := do(t, router, http.MethodGet, "/api/v1/transfers/tp-1/edr", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var ref edr.EndpointDataReference
	if err := json.Unmarshal(rec.Body.Bytes(), &ref); err != nil || ref.AuthCode != "token" {
		t.Errorf("Unexpected reference %q", rec.Body.String())
	}

	if rec := do(t, router, http.MethodGet, "/api/v1/transfers/tp-2/edr", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
	if rec := do(t, NewRouter(Options{Service: &mockService{}}), http.MethodGet, "/api/v1/transfers/tp-1/edr", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 when disabled, got %d", rec.Code)
	}
}
