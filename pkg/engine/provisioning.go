package engine

import (
	"context"
	"errors"
	"fmt"
)

func (m *Manager) handleProvisioning(ctx context.Context, p *TransferProcess) error {
	definitions := p.UnprovisionedDefinitions()
	if len(definitions) == 0 {
		return p.TransitionTo(StateProvisioned, m.clock.Now())
	}

	responses, err := m.provisioner.Provision(ctx, p, definitions)
	if err != nil {
		return fmt.Errorf("provision resources: %w", err)
	}
	return m.applyProvisionResponses(ctx, p, responses)
}

// applyProvisionResponses records synchronous results and decides the outcome
// of the provisioning attempt. A permanent failure wins over everything else,
// then completion, then retryable failures, then outstanding async results.
func (m *Manager) applyProvisionResponses(ctx context.Context, p *TransferProcess, responses []ProvisionResponse) error {
	var permanent, retryable error
	inProcess := false

	for _, r := range responses {
		switch {
		case r.Err != nil:
			m.metrics.RecordProvisionResponse("provision", "error")
			classify(&permanent, &retryable, fmt.Errorf("provision %s: %w", r.DefinitionID, r.Err))

		case r.InProcess:
			m.metrics.RecordProvisionResponse("provision", "in_process")
			inProcess = true

		case r.Resource != nil:
			resource := *r.Resource
			if resource.DefinitionID == "" {
				resource.DefinitionID = r.DefinitionID
			}
			if _, err := m.recordProvisionedResource(ctx, p, resource, r.SecretToken); err != nil {
				classify(&permanent, &retryable, fmt.Errorf("record %s: %w", r.DefinitionID, err))
				continue
			}
			m.metrics.RecordProvisionResponse("provision", "provisioned")
		}
	}

	switch {
	case permanent != nil:
		return permanent
	case p.IsProvisioned():
		return p.TransitionTo(StateProvisioned, m.clock.Now())
	case retryable != nil:
		return retryable
	case inProcess:
		p.Pending = true
		return nil
	default:
		return NewTransientError("provisioning left resources without a result", nil).
			WithCode(ErrCodeProvisionFailed).
			WithProcess(p.ID)
	}
}

// recordProvisionedResource adds resource to p unless a resource with the same
// id is already recorded. The secret token goes to the vault, never into p.
func (m *Manager) recordProvisionedResource(
	ctx context.Context,
	p *TransferProcess,
	resource ProvisionedResource,
	secretToken string,
) (bool, error) {
	if resource.ID == "" {
		return false, NewPermanentError("provisioned resource has no id", nil).
			WithCode(ErrCodeValidation).
			WithProcess(p.ID)
	}
	if _, ok := p.ProvisionedResource(resource.ID); ok {
		return false, nil
	}

	if resource.ProvisionedAt.IsZero() {
		resource.ProvisionedAt = m.clock.Now()
	}
	if resource.Kind == "" {
		resource.Kind = ResourceKindGeneric
	}
	if secretToken != "" {
		if resource.SecretKey == "" {
			resource.SecretKey = p.ID + "-" + resource.ID
		}
		if err := m.vault.Store(ctx, resource.SecretKey, secretToken); err != nil {
			return false, NewTransientError("store resource secret", err).
				WithProcess(p.ID).
				WithDetail("resource_id", resource.ID)
		}
	}

	switch resource.Kind {
	case ResourceKindContent:
		if resource.DataAddress != nil {
			p.ContentDataAddress = resource.DataAddress.Clone()
		}
	case ResourceKindDestination:
		if resource.DataAddress != nil {
			p.DataDestination = resource.DataAddress.Clone()
		}
	}

	return p.AddProvisionedResource(resource), nil
}

func (m *Manager) handleDeprovisioning(ctx context.Context, p *TransferProcess) error {
	resources := p.ResourcesToDeprovision()
	if len(resources) == 0 {
		return p.TransitionTo(StateDeprovisioned, m.clock.Now())
	}

	responses, err := m.provisioner.Deprovision(ctx, p, resources)
	if err != nil {
		return fmt.Errorf("deprovision resources: %w", err)
	}

	var permanent, retryable error
	inProcess := false
	for _, r := range responses {
		switch {
		case r.Err != nil:
			m.metrics.RecordProvisionResponse("deprovision", "error")
			classify(&permanent, &retryable, fmt.Errorf("deprovision %s: %w", r.ProvisionedResourceID, r.Err))

		case r.InProcess:
			m.metrics.RecordProvisionResponse("deprovision", "in_process")
			inProcess = true

		default:
			if _, err := m.recordDeprovisionedResource(ctx, p, r.ProvisionedResourceID, ""); err != nil {
				classify(&permanent, &retryable, err)
				continue
			}
			m.metrics.RecordProvisionResponse("deprovision", "deprovisioned")
		}
	}

	switch {
	case permanent != nil:
		return permanent
	case p.IsFullyDeprovisioned():
		return p.TransitionTo(StateDeprovisioned, m.clock.Now())
	case retryable != nil:
		return retryable
	case inProcess:
		p.Pending = true
		return nil
	default:
		return NewTransientError("deprovisioning left resources without a result", nil).
			WithCode(ErrCodeProvisionFailed).
			WithProcess(p.ID)
	}
}

// recordDeprovisionedResource marks a provisioned resource as released and
// drops its secret from the vault.
func (m *Manager) recordDeprovisionedResource(
	ctx context.Context,
	p *TransferProcess,
	provisionedResourceID string,
	detail string,
) (bool, error) {
	resource, ok := p.ProvisionedResource(provisionedResourceID)
	if !ok {
		return false, NewPermanentError("unknown provisioned resource", nil).
			WithCode(ErrCodeValidation).
			WithProcess(p.ID).
			WithDetail("resource_id", provisionedResourceID)
	}
	if p.IsDeprovisioned(provisionedResourceID) {
		return false, nil
	}

	if resource.SecretKey != "" {
		if err := m.vault.Delete(ctx, resource.SecretKey); err != nil && !errors.Is(err, ErrNotFound) {
			return false, NewTransientError("delete resource secret", err).
				WithProcess(p.ID).
				WithDetail("resource_id", provisionedResourceID)
		}
	}

	return p.AddDeprovisionedResource(DeprovisionedResource{
		ProvisionedResourceID: provisionedResourceID,
		Error:                 detail,
		DeprovisionedAt:       m.clock.Now(),
	}), nil
}

// classify keeps the first permanent and the first retryable error of an
// attempt.
func classify(permanent, retryable *error, err error) {
	if IsPermanent(err) {
		*permanent = firstErr(*permanent, err)
		return
	}
	*retryable = firstErr(*retryable, err)
}

func firstErr(current, next error) error {
	if current != nil {
		return current
	}
	return next
}
