package provision

import (
	"context"
	"time"

	"github.com/openfroyo/conveyor/pkg/engine"
)

// Operation names carried by provisioning requests.
const (
	OperationProvision   = "provision"
	OperationDeprovision = "deprovision"
)

// Request asks an external provisioner to act on one resource. The answer
// comes back as an engine command addressed to TransferProcessID.
type Request struct {
	// RequestID is stable for a process and definition or resource, so a
	// repeated request can be recognised by the receiver.
	RequestID         string                      `json:"request_id"`
	Operation         string                      `json:"operation"`
	TransferProcessID string                      `json:"transfer_process_id"`
	ProcessType       engine.ProcessType          `json:"process_type"`
	ResourceType      string                      `json:"resource_type"`
	AssetID           string                      `json:"asset_id,omitempty"`
	ContractID        string                      `json:"contract_id,omitempty"`
	Definition        *engine.ResourceDefinition  `json:"definition,omitempty"`
	Resource          *engine.ProvisionedResource `json:"resource,omitempty"`
	RequestedAt       time.Time                   `json:"requested_at"`
}

// RequestPublisher delivers provisioning requests to external provisioners.
type RequestPublisher interface {
	PublishRequest(ctx context.Context, req Request) error
}

// AsyncProvisioner hands definitions to an external provisioner and reports
// them as in process.
type AsyncProvisioner struct {
	publisher RequestPublisher
	now       func() time.Time
}

// NewAsyncProvisioner creates an asynchronous provisioner publishing through publisher.
func NewAsyncProvisioner(publisher RequestPublisher) *AsyncProvisioner {
	return &AsyncProvisioner{
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Provision implements ResourceProvisioner.
func (a *AsyncProvisioner) Provision(ctx context.Context, p *engine.TransferProcess, def engine.ResourceDefinition) engine.ProvisionResponse {
	definition := def
	req := a.request(p, OperationProvision, p.ID+"/"+def.ID, def.Type)
	req.Definition = &definition

	if err := a.publisher.PublishRequest(ctx, req); err != nil {
		return engine.ProvisionResponse{
			DefinitionID: def.ID,
			Err: engine.NewTransientError("publish provisioning request", err).
				WithProcess(p.ID).
				WithDetail("definition_id", def.ID),
		}
	}
	return engine.ProvisionResponse{DefinitionID: def.ID, InProcess: true}
}

// Deprovision implements ResourceProvisioner.
func (a *AsyncProvisioner) Deprovision(ctx context.Context, p *engine.TransferProcess, resource engine.ProvisionedResource) engine.DeprovisionResponse {
	res := resource
	req := a.request(p, OperationDeprovision, p.ID+"/"+resource.ID, definitionType(p, resource.DefinitionID))
	req.Resource = &res

	if err := a.publisher.PublishRequest(ctx, req); err != nil {
		return engine.DeprovisionResponse{
			ProvisionedResourceID: resource.ID,
			Err: engine.NewTransientError("publish deprovisioning request", err).
				WithProcess(p.ID).
				WithDetail("resource_id", resource.ID),
		}
	}
	return engine.DeprovisionResponse{ProvisionedResourceID: resource.ID, InProcess: true}
}

func (a *AsyncProvisioner) request(p *engine.TransferProcess, operation, id, resourceType string) Request {
	return Request{
		RequestID:         operation + ":" + id,
		Operation:         operation,
		TransferProcessID: p.ID,
		ProcessType:       p.Type,
		ResourceType:      resourceType,
		AssetID:           p.AssetID,
		ContractID:        p.ContractID,
		RequestedAt:       a.now(),
	}
}
