package housekeeping

import (
	"context"
	"fmt"

	"github.com/openfroyo/conveyor/pkg/engine"
	"github.com/openfroyo/conveyor/pkg/telemetry"
)

// Job names.
const (
	JobProcessGauges = "process-gauges"
	JobStoreHealth   = "store-health"
)

// StateCounter counts processes per state. Every process store implements it.
type StateCounter interface {
	CountByState(ctx context.Context) (map[engine.State]int, error)
}

// ProcessGauges refreshes the per-state process gauge. States without
// processes are reported as zero.
func ProcessGauges(counter StateCounter, metrics *telemetry.Metrics) Job {
	return func(ctx context.Context) error {
		counts, err := counter.CountByState(ctx)
		if err != nil {
			return fmt.Errorf("failed to count processes: %w", err)
		}
		for _, state := range engine.AllStates() {
			metrics.SetProcessCount(state.String(), counts[state])
		}
		return nil
	}
}

// HealthChecker is a dependency that can be pinged.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StoreHealth pings the store and records a failure as a transient error.
func StoreHealth(checker HealthChecker, metrics *telemetry.Metrics) Job {
	return func(ctx context.Context) error {
		if err := checker.HealthCheck(ctx); err != nil {
			metrics.RecordError("transient")
			return fmt.Errorf("store health check failed: %w", err)
		}
		return nil
	}
}
