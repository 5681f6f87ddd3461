package edr

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/conveyor/pkg/engine"
	"github.com/openfroyo/conveyor/pkg/telemetry"
)

// Well known address properties lifted into the reference.
const (
	PropertyEndpoint      = "endpoint"
	PropertyAuthType      = "authType"
	PropertyAuthorization = "authorization"
)

// EndpointDataReference tells an application where and how to read the data
// of a started transfer.
type EndpointDataReference struct {
	ProcessID     string             `json:"process_id"`
	ProcessType   engine.ProcessType `json:"process_type"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	AssetID       string             `json:"asset_id"`
	ContractID    string             `json:"contract_id"`
	AddressType   string             `json:"address_type"`
	Endpoint      string             `json:"endpoint,omitempty"`
	AuthType      string             `json:"auth_type,omitempty"`
	AuthCode      string             `json:"auth_code,omitempty"`

	// Properties are the remaining address properties.
	Properties map[string]string `json:"properties,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Receiver gets every reference the registry produces.
type Receiver interface {
	Receive(ctx context.Context, ref EndpointDataReference) error
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, ref EndpointDataReference) error

// Receive calls f.
func (f ReceiverFunc) Receive(ctx context.Context, ref EndpointDataReference) error {
	return f(ctx, ref)
}

// Registry turns started transfers into endpoint data references. It keeps
// the latest reference per process until the process ends.
type Registry struct {
	vault  engine.Vault
	logger *telemetry.Logger
	now    func() time.Time

	mu        sync.RWMutex
	receivers map[string]Receiver
	refs      map[string]EndpointDataReference
}

var _ engine.Listener = (*Registry)(nil)

// NewRegistry creates a registry. vault resolves the secrets of provisioned
// content resources and may be nil.
func NewRegistry(vault engine.Vault, logger *telemetry.Logger) *Registry {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Registry{
		vault:     vault,
		logger:    logger.NewComponentLogger("edr"),
		now:       func() time.Time { return time.Now().UTC() },
		receivers: make(map[string]Receiver),
		refs:      make(map[string]EndpointDataReference),
	}
}

// RegisterReceiver adds or replaces the receiver registered under name.
func (r *Registry) RegisterReceiver(name string, receiver Receiver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receivers[name] = receiver
}

// UnregisterReceiver removes the receiver registered under name.
func (r *Registry) UnregisterReceiver(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.receivers, name)
}

// Get returns the current reference of a process.
func (r *Registry) Get(processID string) (EndpointDataReference, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.refs[processID]
	return ref, ok
}

// OnEvent implements engine.Listener. Started processes with a content
// address produce a reference; final states drop it.
func (r *Registry) OnEvent(ctx context.Context, e engine.Event) error {
	if e.Process == nil {
		return nil
	}

	switch {
	case e.Type == engine.EventStarted:
		if e.Process.ContentDataAddress == nil {
			return nil
		}
		ref, err := r.Convert(ctx, e.Process)
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.refs[ref.ProcessID] = ref
		r.mu.Unlock()
		return r.dispatch(ctx, ref)

	case e.To.IsFinal() || e.To == engine.StateTerminating || e.To == engine.StateSuspended:
		r.mu.Lock()
		delete(r.refs, e.Process.ID)
		r.mu.Unlock()
	}
	return nil
}

// Convert builds the reference of a started process. A provider's content
// resource secret is resolved from the vault into the auth code.
func (r *Registry) Convert(ctx context.Context, p *engine.TransferProcess) (EndpointDataReference, error) {
	addr := p.ContentDataAddress
	ref := EndpointDataReference{
		ProcessID:     p.ID,
		ProcessType:   p.Type,
		CorrelationID: p.CorrelationID,
		AssetID:       p.AssetID,
		ContractID:    p.ContractID,
		AddressType:   addr.Type,
		CreatedAt:     r.now(),
	}

	for k, v := range addr.Properties {
		switch k {
		case PropertyEndpoint:
			ref.Endpoint = v
		case PropertyAuthType:
			ref.AuthType = v
		case PropertyAuthorization:
			ref.AuthCode = v
		default:
			if ref.Properties == nil {
				ref.Properties = make(map[string]string)
			}
			ref.Properties[k] = v
		}
	}

	if ref.AuthCode == "" && r.vault != nil {
		for _, res := range p.ProvisionedResources {
			if res.Kind != engine.ResourceKindContent || res.SecretKey == "" {
				continue
			}
			secret, err := r.vault.Resolve(ctx, res.SecretKey)
			if err != nil {
				if errors.Is(err, engine.ErrNotFound) {
					r.logger.WithProcessID(p.ID).WithField("secret_key", res.SecretKey).Warn("Content secret missing from vault")
					break
				}
				return EndpointDataReference{}, engine.NewTransientError("resolve content secret", err).WithProcess(p.ID)
			}
			ref.AuthCode = secret
			break
		}
	}
	return ref, nil
}

func (r *Registry) dispatch(ctx context.Context, ref EndpointDataReference) error {
	r.mu.RLock()
	names := make([]string, 0, len(r.receivers))
	for name := range r.receivers {
		names = append(names, name)
	}
	receivers := make(map[string]Receiver, len(r.receivers))
	for name, recv := range r.receivers {
		receivers[name] = recv
	}
	r.mu.RUnlock()
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := receivers[name].Receive(ctx, ref); err != nil {
			r.logger.WithProcessID(ref.ProcessID).WithField("receiver", name).WithError(err).Warn("Receiver failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
