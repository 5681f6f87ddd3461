package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/conveyor/pkg/engine"
)

// Config configures the pending guard.
type Config struct {
	// Paths are .rego or .json policy files and directories loaded on top of
	// the built-in policies.
	Paths []string `mapstructure:"paths"`

	// Watch reloads the policies when files under Paths change.
	Watch bool `mapstructure:"watch"`

	// PendingTimeout is exposed to policies as
	// data.conveyor.config.pending_timeout_seconds.
	PendingTimeout time.Duration `mapstructure:"pending_timeout" validate:"gt=0"`
}

// RegoGuard decides whether a pending process stays excluded from scheduling
// by evaluating data.conveyor.pending.hold.
type RegoGuard struct {
	config Config
	logger zerolog.Logger
	clock  engine.Clock
	store  storage.Store

	watchMu sync.Mutex
	watcher *fsnotify.Watcher

	mu       sync.RWMutex
	builtins map[string]*Policy
	policies map[string]*Policy
	query    rego.PreparedEvalQuery
}

var _ engine.PendingGuard = (*RegoGuard)(nil)

// NewRegoGuard compiles the built-in policies plus everything under cfg.Paths.
func NewRegoGuard(ctx context.Context, cfg Config, logger zerolog.Logger, clock engine.Clock) (*RegoGuard, error) {
	if cfg.PendingTimeout <= 0 {
		return nil, fmt.Errorf("pending timeout must be positive")
	}

	g := &RegoGuard{
		config:   cfg,
		logger:   logger.With().Str("component", "pending-guard").Logger(),
		clock:    clock,
		builtins: make(map[string]*Policy),
		policies: make(map[string]*Policy),
		store: inmem.NewFromObject(map[string]interface{}{
			"conveyor": map[string]interface{}{
				"config": map[string]interface{}{
					"pending_timeout_seconds": cfg.PendingTimeout.Seconds(),
				},
			},
		}),
	}

	for _, p := range GetBuiltinPolicies() {
		policy := p
		g.builtins[policy.Name] = &policy
	}

	var loaded []Policy
	if len(cfg.Paths) > 0 {
		var err error
		loaded, err = readPolicies(cfg.Paths)
		if err != nil {
			return nil, err
		}
	}
	if err := g.SetPolicies(ctx, loaded); err != nil {
		return nil, err
	}
	return g, nil
}

// Hold implements engine.PendingGuard.
func (g *RegoGuard) Hold(ctx context.Context, p *engine.TransferProcess) bool {
	decision, err := g.Evaluate(ctx, p)
	if err != nil {
		g.logger.Warn().Err(err).Str("process_id", p.ID).Msg("Pending policy evaluation failed, using timeout")
	}
	return decision.Hold
}

// Evaluate runs the pending query for p. On failure the returned decision is
// the plain timeout comparison and the error is reported alongside it.
func (g *RegoGuard) Evaluate(ctx context.Context, p *engine.TransferProcess) (Decision, error) {
	now := g.now()
	fallback := Decision{
		Hold:     now.Sub(p.UpdatedAt) < g.config.PendingTimeout,
		Fallback: true,
	}

	g.mu.RLock()
	query := g.query
	g.mu.RUnlock()

	rs, err := query.Eval(ctx, rego.EvalInput(NewInput(p, now)))
	if err != nil {
		return fallback, fmt.Errorf("failed to evaluate %s: %w", PendingQuery, err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return fallback, fmt.Errorf("%s is undefined", PendingQuery)
	}
	hold, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return fallback, fmt.Errorf("%s is not a boolean: %v", PendingQuery, rs[0].Expressions[0].Value)
	}
	return Decision{Hold: hold}, nil
}

// SetPolicies replaces the loaded policies and recompiles the query. The
// previous query stays active when compilation fails.
func (g *RegoGuard) SetPolicies(ctx context.Context, policies []Policy) error {
	next := make(map[string]*Policy, len(policies))
	for _, p := range policies {
		policy := p
		if _, builtin := g.builtins[policy.Name]; builtin {
			return fmt.Errorf("policy %s shadows a built-in policy", policy.Name)
		}
		next[policy.Name] = &policy
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.compile(ctx, next); err != nil {
		return err
	}
	g.policies = next
	return nil
}

// Reload rereads the configured paths.
func (g *RegoGuard) Reload(ctx context.Context) error {
	policies, err := readPolicies(g.config.Paths)
	if err != nil {
		return err
	}
	if err := g.SetPolicies(ctx, policies); err != nil {
		return err
	}
	g.logger.Info().Int("policies", len(policies)).Msg("Pending policies reloaded")
	return nil
}

// Close stops watching.
func (g *RegoGuard) Close() error {
	g.watchMu.Lock()
	defer g.watchMu.Unlock()
	if g.watcher == nil {
		return nil
	}
	err := g.watcher.Close()
	g.watcher = nil
	return err
}

// EnablePolicy enables a loaded policy.
func (g *RegoGuard) EnablePolicy(ctx context.Context, name string) error {
	return g.setEnabled(ctx, name, true)
}

// DisablePolicy disables a loaded policy.
func (g *RegoGuard) DisablePolicy(ctx context.Context, name string) error {
	return g.setEnabled(ctx, name, false)
}

func (g *RegoGuard) setEnabled(ctx context.Context, name string, enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	current, ok := g.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	if current.Enabled == enabled {
		return nil
	}

	next := make(map[string]*Policy, len(g.policies))
	for k, v := range g.policies {
		next[k] = v
	}
	updated := *current
	updated.Enabled = enabled
	next[name] = &updated

	if err := g.compile(ctx, next); err != nil {
		return err
	}
	g.policies = next
	return nil
}

// ListPolicies returns the built-in and loaded policies ordered by name.
func (g *RegoGuard) ListPolicies() []Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Policy, 0, len(g.builtins)+len(g.policies))
	for _, p := range g.builtins {
		out = append(out, *p)
	}
	for _, p := range g.policies {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// compile prepares the pending query from the built-ins plus policies.
// Callers hold g.mu.
func (g *RegoGuard) compile(ctx context.Context, policies map[string]*Policy) error {
	opts := []func(*rego.Rego){
		rego.Query(PendingQuery),
		rego.Store(g.store),
	}

	modules := 0
	for _, set := range []map[string]*Policy{g.builtins, policies} {
		for name, p := range set {
			if !p.Enabled {
				continue
			}
			opts = append(opts, rego.Module(name+".rego", p.Rego))
			modules++
		}
	}

	query, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to compile pending policies: %w", err)
	}
	g.query = query

	g.logger.Info().Int("modules", modules).Msg("Pending policies compiled")
	return nil
}

func (g *RegoGuard) now() time.Time {
	if g.clock == nil {
		return time.Now().UTC()
	}
	return g.clock.Now()
}
