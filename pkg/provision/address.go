package provision

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/openfroyo/conveyor/pkg/engine"
)

// Definition properties read by AddressProvisioner. Every other property is
// copied into the data address.
const (
	PropertyKind        = "kind"
	PropertyAddressType = "address_type"
	PropertyName        = "name"
	PropertySecret      = "secret"
)

// TypeAddress is the definition type AddressProvisioner is usually registered under.
const TypeAddress = "address"

// AddressProvisioner provisions synchronously by turning a definition into a
// resource with a data address. With secret=true it also issues an access
// token, which the engine keeps in the vault.
type AddressProvisioner struct{}

// NewAddressProvisioner creates an address provisioner.
func NewAddressProvisioner() *AddressProvisioner {
	return &AddressProvisioner{}
}

// Provision implements ResourceProvisioner.
func (a *AddressProvisioner) Provision(_ context.Context, p *engine.TransferProcess, def engine.ResourceDefinition) engine.ProvisionResponse {
	kind := engine.ResourceKind(def.Properties[PropertyKind])
	switch kind {
	case "":
		kind = engine.ResourceKindGeneric
	case engine.ResourceKindGeneric, engine.ResourceKindContent, engine.ResourceKindDestination:
	default:
		return failed(p, def, fmt.Sprintf("unknown resource kind %q", kind))
	}

	resource := &engine.ProvisionedResource{
		ID:           p.ID + "-" + def.ID,
		DefinitionID: def.ID,
		Kind:         kind,
		Name:         def.ID,
	}
	if name := def.Properties[PropertyName]; name != "" {
		resource.Name = name
	}

	if addressType := def.Properties[PropertyAddressType]; addressType != "" {
		resource.DataAddress = &engine.DataAddress{Type: addressType, Properties: map[string]string{}}
		for k, v := range def.Properties {
			switch k {
			case PropertyKind, PropertyAddressType, PropertyName, PropertySecret:
			default:
				resource.DataAddress.Properties[k] = v
			}
		}
	} else if kind != engine.ResourceKindGeneric {
		return failed(p, def, fmt.Sprintf("%s resource needs an %s property", kind, PropertyAddressType))
	}

	resp := engine.ProvisionResponse{Resource: resource}
	if def.Properties[PropertySecret] == "true" {
		resp.SecretToken = uuid.NewString()
	}
	return resp
}

// Deprovision implements ResourceProvisioner. Addresses hold nothing to release.
func (a *AddressProvisioner) Deprovision(_ context.Context, _ *engine.TransferProcess, resource engine.ProvisionedResource) engine.DeprovisionResponse {
	return engine.DeprovisionResponse{ProvisionedResourceID: resource.ID}
}

func failed(p *engine.TransferProcess, def engine.ResourceDefinition, msg string) engine.ProvisionResponse {
	return engine.ProvisionResponse{
		DefinitionID: def.ID,
		Err: engine.NewPermanentError(msg, nil).
			WithCode(engine.ErrCodeProvisionFailed).
			WithProcess(p.ID).
			WithDetail("definition_id", def.ID),
	}
}
