package provision

import (
	"context"
	"fmt"
	"sync"

	"github.com/openfroyo/conveyor/pkg/engine"
	"github.com/openfroyo/conveyor/pkg/telemetry"
)

// ResourceProvisioner provisions and releases one type of resource definition.
type ResourceProvisioner interface {
	// Provision must be idempotent on the definition id.
	Provision(ctx context.Context, p *engine.TransferProcess, def engine.ResourceDefinition) engine.ProvisionResponse

	Deprovision(ctx context.Context, p *engine.TransferProcess, resource engine.ProvisionedResource) engine.DeprovisionResponse
}

// Registry routes definitions to the provisioner registered for their type.
type Registry struct {
	mu          sync.RWMutex
	provisioner map[string]ResourceProvisioner
	logger      *telemetry.Logger
}

var _ engine.ProvisionManager = (*Registry)(nil)

// NewRegistry creates an empty provisioner registry.
func NewRegistry(logger *telemetry.Logger) *Registry {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Registry{
		provisioner: make(map[string]ResourceProvisioner),
		logger:      logger.NewComponentLogger("provisioner"),
	}
}

// Register sets the provisioner for definitions of definitionType.
func (r *Registry) Register(definitionType string, p ResourceProvisioner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.provisioner[definitionType] = p
}

// Types returns the registered definition types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.provisioner))
	for t := range r.provisioner {
		out = append(out, t)
	}
	return out
}

func (r *Registry) lookup(definitionType string) (ResourceProvisioner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.provisioner[definitionType]
	return p, ok
}

// Provision implements engine.ProvisionManager. A definition without a
// provisioner fails permanently; the others are still attempted.
func (r *Registry) Provision(ctx context.Context, p *engine.TransferProcess, definitions []engine.ResourceDefinition) ([]engine.ProvisionResponse, error) {
	responses := make([]engine.ProvisionResponse, 0, len(definitions))

	for _, def := range definitions {
		if err := ctx.Err(); err != nil {
			return nil, engine.NewTransientError("provisioning interrupted", err).WithProcess(p.ID)
		}

		prov, ok := r.lookup(def.Type)
		if !ok {
			responses = append(responses, engine.ProvisionResponse{
				DefinitionID: def.ID,
				Err: engine.NewPermanentError(fmt.Sprintf("no provisioner for resource type %q", def.Type), nil).
					WithCode(engine.ErrCodeProvisionFailed).
					WithProcess(p.ID),
			})
			continue
		}

		resp := prov.Provision(ctx, p, def)
		resp.DefinitionID = def.ID

		r.logger.WithProcessID(p.ID).
			WithField("definition_id", def.ID).
			WithField("type", def.Type).
			WithField("in_process", resp.InProcess).
			Debug("Provision requested")

		responses = append(responses, resp)
	}

	return responses, nil
}

// Deprovision implements engine.ProvisionManager. The provisioner is found
// through the definition the resource was provisioned for.
func (r *Registry) Deprovision(ctx context.Context, p *engine.TransferProcess, resources []engine.ProvisionedResource) ([]engine.DeprovisionResponse, error) {
	responses := make([]engine.DeprovisionResponse, 0, len(resources))
	for _, res := range resources {
		if err := ctx.Err(); err != nil {
			return nil, engine.NewTransientError("deprovisioning interrupted", err).WithProcess(p.ID)
		}

		prov, ok := r.lookup(definitionType(p, res.DefinitionID))
		if !ok {
			responses = append(responses, engine.DeprovisionResponse{
				ProvisionedResourceID: res.ID,
				Err: engine.NewPermanentError(fmt.Sprintf("no provisioner for resource %s", res.ID), nil).
					WithCode(engine.ErrCodeProvisionFailed).
					WithProcess(p.ID),
			})
			continue
		}

		resp := prov.Deprovision(ctx, p, res)
		resp.ProvisionedResourceID = res.ID
		responses = append(responses, resp)
	}

	return responses, nil
}

// definitionType returns the type of the manifest definition with the given id.
func definitionType(p *engine.TransferProcess, definitionID string) string {
	if p.ResourceManifest == nil {
		return ""
	}
	for _, def := range p.ResourceManifest.Definitions {
		if def.ID == definitionID {
			return def.Type
		}
	}
	return ""
}
