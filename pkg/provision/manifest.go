package provision

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/conveyor/pkg/engine"
)

// ManifestRegistry picks the manifest generator by process type. Process
// types without a generator get an empty manifest.
type ManifestRegistry struct {
	mu         sync.RWMutex
	generators map[engine.ProcessType]engine.ManifestGenerator
}

var _ engine.ManifestGenerator = (*ManifestRegistry)(nil)

// NewManifestRegistry creates an empty registry.
func NewManifestRegistry() *ManifestRegistry {
	return &ManifestRegistry{
		generators: make(map[engine.ProcessType]engine.ManifestGenerator),
	}
}

// Register sets the generator for processes of type t.
func (r *ManifestRegistry) Register(t engine.ProcessType, g engine.ManifestGenerator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generators[t] = g
}

// GenerateManifest implements engine.ManifestGenerator.
func (r *ManifestRegistry) GenerateManifest(ctx context.Context, p *engine.TransferProcess) (*engine.ResourceManifest, error) {
	r.mu.RLock()
	g, ok := r.generators[p.Type]
	r.mu.RUnlock()

	if !ok {
		return &engine.ResourceManifest{Definitions: []engine.ResourceDefinition{}}, nil
	}
	return g.GenerateManifest(ctx, p)
}

// ManifestTemplates is the YAML document of definitions per process type:
//
//	consumer:
//	  - id: destination
//	    type: address
//	    properties:
//	      kind: destination
//	      address_type: HttpData
//	      baseUrl: https://sink.example.com/{{process_id}}
//	provider:
//	  - id: content
//	    type: address
//	    properties:
//	      kind: content
//	      address_type: HttpData
//	      baseUrl: https://assets.example.com/{{asset_id}}
type ManifestTemplates struct {
	Consumer []engine.ResourceDefinition `yaml:"consumer"`
	Provider []engine.ResourceDefinition `yaml:"provider"`
}

// LoadManifestTemplates reads manifest templates from a YAML file.
func LoadManifestTemplates(path string) (*ManifestTemplates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest templates: %w", err)
	}
	return ParseManifestTemplates(data)
}

// ParseManifestTemplates parses and checks manifest templates.
func ParseManifestTemplates(data []byte) (*ManifestTemplates, error) {
	var t ManifestTemplates
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse manifest templates: %w", err)
	}
	for name, defs := range map[string][]engine.ResourceDefinition{"consumer": t.Consumer, "provider": t.Provider} {
		seen := make(map[string]bool, len(defs))
		for _, def := range defs {
			if def.ID == "" || def.Type == "" {
				return nil, fmt.Errorf("%s definition needs an id and a type", name)
			}
			if seen[def.ID] {
				return nil, fmt.Errorf("duplicate %s definition %q", name, def.ID)
			}
			seen[def.ID] = true
		}
	}
	return &t, nil
}

// Register adds a static generator for each process type the templates cover.
func (t *ManifestTemplates) Register(r *ManifestRegistry) {
	if len(t.Consumer) > 0 {
		r.Register(engine.ProcessTypeConsumer, StaticManifest(t.Consumer))
	}
	if len(t.Provider) > 0 {
		r.Register(engine.ProcessTypeProvider, StaticManifest(t.Provider))
	}
}

// StaticManifest generates the same definitions for every process, with
// {{process_id}}, {{asset_id}}, {{contract_id}} and {{correlation_id}}
// expanded in property values.
type StaticManifest []engine.ResourceDefinition

// GenerateManifest implements engine.ManifestGenerator.
func (s StaticManifest) GenerateManifest(_ context.Context, p *engine.TransferProcess) (*engine.ResourceManifest, error) {
	expand := strings.NewReplacer(
		"{{process_id}}", p.ID,
		"{{asset_id}}", p.AssetID,
		"{{contract_id}}", p.ContractID,
		"{{correlation_id}}", p.CorrelationID,
	)

	defs := make([]engine.ResourceDefinition, 0, len(s))
	for _, def := range s {
		out := engine.ResourceDefinition{ID: def.ID, Type: def.Type}
		if len(def.Properties) > 0 {
			out.Properties = make(map[string]string, len(def.Properties))
			for k, v := range def.Properties {
				out.Properties[k] = expand.Replace(v)
			}
		}
		defs = append(defs, out)
	}
	sort.SliceStable(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })

	return &engine.ResourceManifest{Definitions: defs}, nil
}
