package engine

import (
	"time"
)

// DataAddress locates data or a data sink. Its properties are opaque to the engine.
type DataAddress struct {
	// Type is the address type, e.g. "HttpData" or "AmazonS3".
	Type string `json:"type" yaml:"type" validate:"required"`

	// Properties holds address-type specific settings.
	Properties map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Clone returns a deep copy of the address.
func (a *DataAddress) Clone() *DataAddress {
	if a == nil {
		return nil
	}
	c := &DataAddress{Type: a.Type}
	if a.Properties != nil {
		c.Properties = make(map[string]string, len(a.Properties))
		for k, v := range a.Properties {
			c.Properties[k] = v
		}
	}
	return c
}

// ResourceKind tells the engine what a provisioned resource is for.
type ResourceKind string

const (
	// ResourceKindGeneric resources have no effect on the process besides being tracked.
	ResourceKindGeneric ResourceKind = "generic"

	// ResourceKindContent resources carry the address of the data a provider serves.
	ResourceKindContent ResourceKind = "content"

	// ResourceKindDestination resources replace the consumer's requested destination.
	ResourceKindDestination ResourceKind = "destination"
)

// ResourceDefinition describes one resource that must exist before data may flow.
type ResourceDefinition struct {
	// ID identifies the definition within its manifest.
	ID string `json:"id" yaml:"id"`

	// Type selects the provisioner responsible for the definition.
	Type string `json:"type" yaml:"type"`

	// Properties are provisioner-specific settings.
	Properties map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// ResourceManifest is the set of resources a transfer process needs.
type ResourceManifest struct {
	Definitions []ResourceDefinition `json:"definitions"`
}

// ProvisionedResource records a resource that a provisioner reported as ready.
type ProvisionedResource struct {
	// ID is the resource id; provisioned resources are unique on it.
	ID string `json:"id"`

	// DefinitionID links the resource to its manifest definition.
	DefinitionID string `json:"definition_id"`

	// Kind tells the engine how the resource affects the process.
	Kind ResourceKind `json:"kind"`

	// Name is a human readable resource name.
	Name string `json:"name,omitempty"`

	// SecretKey is the vault key the resource's secret token is stored under.
	SecretKey string `json:"secret_key,omitempty"`

	// DataAddress is set for content and destination resources.
	DataAddress *DataAddress `json:"data_address,omitempty"`

	// ProvisionedAt is when the resource was recorded.
	ProvisionedAt time.Time `json:"provisioned_at"`
}

// DeprovisionedResource records the release of a provisioned resource.
type DeprovisionedResource struct {
	// ProvisionedResourceID is the id of the released resource.
	ProvisionedResourceID string `json:"provisioned_resource_id"`

	// Error is set when the provisioner gave up releasing the resource.
	Error string `json:"error,omitempty"`

	// DeprovisionedAt is when the release was recorded.
	DeprovisionedAt time.Time `json:"deprovisioned_at"`
}

// TransferProcess is one execution of a data transfer agreement.
type TransferProcess struct {
	// ID is assigned at creation and never changes.
	ID string `json:"id"`

	// Type tells which side of the transfer this process drives.
	Type ProcessType `json:"type"`

	// State is the current lifecycle state.
	State State `json:"state"`

	// StateCount is the number of consecutive attempts made in the current state.
	StateCount int `json:"state_count"`

	// StateTimestamp is the time of the last state change or failed attempt.
	StateTimestamp time.Time `json:"state_timestamp"`

	// NextAttemptAt is when the process becomes due again.
	NextAttemptAt time.Time `json:"next_attempt_at"`

	// Pending excludes the process from scheduling while an async signal is outstanding.
	Pending bool `json:"pending"`

	// Version is compared and swapped by every save.
	Version int64 `json:"version"`

	// LeaseID is set on processes returned by NextNotLeased and identifies the lease.
	LeaseID string `json:"-"`

	// ErrorDetail is written once, when a terminal failure is recorded.
	ErrorDetail string `json:"error_detail,omitempty"`

	// CorrelationID is the counterparty's id for the same transfer.
	CorrelationID string `json:"correlation_id,omitempty"`

	// CounterPartyAddress is where protocol messages are sent.
	CounterPartyAddress string `json:"counter_party_address"`

	// Protocol selects the dispatcher used to reach the counterparty.
	Protocol string `json:"protocol"`

	// AssetID is the asset being transferred.
	AssetID string `json:"asset_id"`

	// ContractID is the agreement the transfer executes.
	ContractID string `json:"contract_id"`

	// CallbackAddresses receive lifecycle notifications.
	CallbackAddresses []string `json:"callback_addresses,omitempty"`

	// DataDestination is where a consumer wants the data delivered.
	DataDestination *DataAddress `json:"data_destination,omitempty"`

	// ContentDataAddress is the resolved address of the transferred data.
	ContentDataAddress *DataAddress `json:"content_data_address,omitempty"`

	// ResourceManifest is fixed once provisioning begins.
	ResourceManifest *ResourceManifest `json:"resource_manifest,omitempty"`

	// ProvisionedResources never shrinks.
	ProvisionedResources []ProvisionedResource `json:"provisioned_resources,omitempty"`

	// DeprovisionedResources never shrinks.
	DeprovisionedResources []DeprovisionedResource `json:"deprovisioned_resources,omitempty"`

	// RemoteTerminated is set when the counterparty ended the transfer, so no
	// termination message is sent back.
	RemoteTerminated bool `json:"remote_terminated,omitempty"`

	// TraceContext carries the propagated trace of the request that created the process.
	TraceContext map[string]string `json:"trace_context,omitempty"`

	// CreatedAt is the creation time.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is the time of the last successful save.
	UpdatedAt time.Time `json:"updated_at"`
}

// TransitionTo moves the process to next, resetting the retry bookkeeping.
// Edges missing from the transition graph return ErrInvalidTransition.
func (p *TransferProcess) TransitionTo(next State, now time.Time) error {
	if !p.State.CanTransitionTo(next) {
		return NewPermanentError("invalid state transition", nil).
			WithCode(ErrCodeInvalidTransition).
			WithProcess(p.ID).
			WithDetail("from", p.State.String()).
			WithDetail("to", next.String())
	}
	p.State = next
	p.StateCount = 0
	p.StateTimestamp = now
	p.NextAttemptAt = now
	p.Pending = false
	return nil
}

// SetErrorDetail records detail unless an error detail is already present.
func (p *TransferProcess) SetErrorDetail(detail string) {
	if p.ErrorDetail == "" {
		p.ErrorDetail = detail
	}
}

// IsConsumer returns true for consumer-side processes.
func (p *TransferProcess) IsConsumer() bool {
	return p.Type == ProcessTypeConsumer
}

// CounterPartyKnowsProcess reports whether the counterparty has a process to address.
func (p *TransferProcess) CounterPartyKnowsProcess() bool {
	return p.Type == ProcessTypeProvider || p.CorrelationID != ""
}

// ProvisionedResource returns the provisioned resource with the given id.
func (p *TransferProcess) ProvisionedResource(id string) (*ProvisionedResource, bool) {
	for i := range p.ProvisionedResources {
		if p.ProvisionedResources[i].ID == id {
			return &p.ProvisionedResources[i], true
		}
	}
	return nil, false
}

// AddProvisionedResource appends r unless a resource with the same id is present.
// It returns false when the call was a no-op.
func (p *TransferProcess) AddProvisionedResource(r ProvisionedResource) bool {
	if _, ok := p.ProvisionedResource(r.ID); ok {
		return false
	}
	p.ProvisionedResources = append(p.ProvisionedResources, r)
	return true
}

// IsDeprovisioned reports whether the given provisioned resource has been released.
func (p *TransferProcess) IsDeprovisioned(provisionedResourceID string) bool {
	for _, d := range p.DeprovisionedResources {
		if d.ProvisionedResourceID == provisionedResourceID {
			return true
		}
	}
	return false
}

// AddDeprovisionedResource appends d unless the resource is already released.
// It returns false when the call was a no-op.
func (p *TransferProcess) AddDeprovisionedResource(d DeprovisionedResource) bool {
	if p.IsDeprovisioned(d.ProvisionedResourceID) {
		return false
	}
	p.DeprovisionedResources = append(p.DeprovisionedResources, d)
	return true
}

// UnprovisionedDefinitions returns the manifest definitions without a provisioned resource.
func (p *TransferProcess) UnprovisionedDefinitions() []ResourceDefinition {
	if p.ResourceManifest == nil {
		return nil
	}
	provisioned := make(map[string]bool, len(p.ProvisionedResources))
	for _, r := range p.ProvisionedResources {
		provisioned[r.DefinitionID] = true
	}
	var missing []ResourceDefinition
	for _, def := range p.ResourceManifest.Definitions {
		if !provisioned[def.ID] {
			missing = append(missing, def)
		}
	}
	return missing
}

// IsProvisioned reports whether every manifest definition has a provisioned resource.
func (p *TransferProcess) IsProvisioned() bool {
	return p.ResourceManifest != nil && len(p.UnprovisionedDefinitions()) == 0
}

// ResourcesToDeprovision returns the provisioned resources not yet released.
func (p *TransferProcess) ResourcesToDeprovision() []ProvisionedResource {
	var out []ProvisionedResource
	for _, r := range p.ProvisionedResources {
		if !p.IsDeprovisioned(r.ID) {
			out = append(out, r)
		}
	}
	return out
}

// IsFullyDeprovisioned reports whether every provisioned resource has been released.
func (p *TransferProcess) IsFullyDeprovisioned() bool {
	return len(p.ResourcesToDeprovision()) == 0
}

// Clone returns a deep copy so stores and callers never share mutable state.
func (p *TransferProcess) Clone() *TransferProcess {
	if p == nil {
		return nil
	}
	c := *p
	c.CallbackAddresses = append([]string(nil), p.CallbackAddresses...)
	c.DataDestination = p.DataDestination.Clone()
	c.ContentDataAddress = p.ContentDataAddress.Clone()
	if p.ResourceManifest != nil {
		m := &ResourceManifest{Definitions: make([]ResourceDefinition, len(p.ResourceManifest.Definitions))}
		for i, def := range p.ResourceManifest.Definitions {
			m.Definitions[i] = def
			m.Definitions[i].Properties = cloneStringMap(def.Properties)
		}
		c.ResourceManifest = m
	}
	if p.ProvisionedResources != nil {
		c.ProvisionedResources = make([]ProvisionedResource, len(p.ProvisionedResources))
		for i, r := range p.ProvisionedResources {
			c.ProvisionedResources[i] = r
			c.ProvisionedResources[i].DataAddress = r.DataAddress.Clone()
		}
	}
	c.DeprovisionedResources = append([]DeprovisionedResource(nil), p.DeprovisionedResources...)
	c.TraceContext = cloneStringMap(p.TraceContext)
	return &c
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// TransferRequest is the input for creating a transfer process.
type TransferRequest struct {
	// ID optionally fixes the process id; generated when empty.
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	// CorrelationID is the counterparty's process id, required for provider processes.
	CorrelationID string `json:"correlation_id,omitempty" yaml:"correlation_id,omitempty"`

	// CounterPartyAddress is the counterparty's protocol endpoint.
	CounterPartyAddress string `json:"counter_party_address" yaml:"counter_party_address" validate:"required"`

	// Protocol selects the dispatcher.
	Protocol string `json:"protocol" yaml:"protocol" validate:"required"`

	// AssetID is the asset to transfer.
	AssetID string `json:"asset_id" yaml:"asset_id" validate:"required"`

	// ContractID is the agreement the transfer executes.
	ContractID string `json:"contract_id" yaml:"contract_id" validate:"required"`

	// DataDestination is where a consumer wants the data.
	DataDestination *DataAddress `json:"data_destination,omitempty" yaml:"data_destination,omitempty"`

	// CallbackAddresses receive lifecycle notifications.
	CallbackAddresses []string `json:"callback_addresses,omitempty" yaml:"callback_addresses,omitempty"`
}
