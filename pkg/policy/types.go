package policy

import (
	"time"

	"github.com/openfroyo/conveyor/pkg/engine"
)

// Policy is a Rego module contributing rules to the pending package.
type Policy struct {
	Name    string `json:"name"`
	Rego    string `json:"rego"`
	Enabled bool   `json:"enabled"`

	// Source is the file the policy was read from, or "builtin".
	Source string `json:"source,omitempty"`
}

// Input is the document a pending process is evaluated against.
type Input struct {
	ID            string   `json:"id"`
	Type          string   `json:"type"`
	State         string   `json:"state"`
	StateCount    int      `json:"state_count"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	Protocol      string   `json:"protocol"`
	AssetID       string   `json:"asset_id"`
	ContractID    string   `json:"contract_id"`
	Provisioned   int      `json:"provisioned_resources"`
	Outstanding   []string `json:"outstanding_definitions"`

	// PendingSeconds is the time since the last save of the process.
	PendingSeconds float64 `json:"pending_seconds"`

	// Now is the evaluation time in RFC 3339.
	Now string `json:"now"`
}

// NewInput builds the evaluation input for p at now.
func NewInput(p *engine.TransferProcess, now time.Time) Input {
	outstanding := []string{}
	for _, def := range p.UnprovisionedDefinitions() {
		outstanding = append(outstanding, def.ID)
	}
	return Input{
		ID:             p.ID,
		Type:           string(p.Type),
		State:          p.State.String(),
		StateCount:     p.StateCount,
		CorrelationID:  p.CorrelationID,
		Protocol:       p.Protocol,
		AssetID:        p.AssetID,
		ContractID:     p.ContractID,
		Provisioned:    len(p.ProvisionedResources),
		Outstanding:    outstanding,
		PendingSeconds: now.Sub(p.UpdatedAt).Seconds(),
		Now:            now.UTC().Format(time.RFC3339),
	}
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Hold bool `json:"hold"`

	// Fallback is set when the policies could not be evaluated and the
	// timeout comparison decided instead.
	Fallback bool `json:"fallback,omitempty"`
}
