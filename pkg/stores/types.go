package stores

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/conveyor/pkg/engine"
)

// DefaultLeaseDuration is how long a lease taken by NextNotLeased stays valid.
const DefaultLeaseDuration = time.Minute

// Options are shared by every store implementation.
type Options struct {
	// Owner identifies the engine instance holding leases. Defaults to the
	// host name plus a random suffix.
	Owner string

	// LeaseDuration bounds how long a crashed owner can block a process.
	LeaseDuration time.Duration

	// Now overrides the clock used for lease expiry and timestamps.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Owner == "" {
		o.Owner = DefaultOwner()
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = DefaultLeaseDuration
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// DefaultOwner returns a lease owner name unique to this process.
func DefaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "conveyor"
	}
	return fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
}

func newLeaseID() string {
	return uuid.New().String()
}

// millis converts a time to the unix millisecond representation stored in SQL columns.
func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// encodeProcess serializes the full process document.
func encodeProcess(p *engine.TransferProcess) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transfer process %s: %w", p.ID, err)
	}
	return data, nil
}

// decodeProcess restores a process document.
func decodeProcess(data []byte) (*engine.TransferProcess, error) {
	p := &engine.TransferProcess{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to decode transfer process: %w", err)
	}
	return p, nil
}

// prepareCreate fills in creation defaults on p.
func prepareCreate(p *engine.TransferProcess, now time.Time) error {
	if p.ID == "" {
		return engine.NewPermanentError("transfer process id is required", nil).WithCode(engine.ErrCodeValidation)
	}
	if err := p.State.Validate(); err != nil {
		return engine.NewPermanentError("invalid transfer process", err).WithCode(engine.ErrCodeValidation).WithProcess(p.ID)
	}
	if err := p.Type.Validate(); err != nil {
		return engine.NewPermanentError("invalid transfer process", err).WithCode(engine.ErrCodeValidation).WithProcess(p.ID)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	if p.StateTimestamp.IsZero() {
		p.StateTimestamp = now
	}
	if p.NextAttemptAt.IsZero() {
		p.NextAttemptAt = p.StateTimestamp
	}
	p.Version = 1
	p.LeaseID = ""
	return nil
}

func alreadyExists(id string) error {
	return engine.NewPermanentError("transfer process already exists", nil).
		WithCode(engine.ErrCodeAlreadyExists).
		WithProcess(id)
}

// conditions accumulates WHERE clauses. Clauses use "?" placeholders, which
// are rewritten to "$n" for PostgreSQL.
type conditions struct {
	dollar  bool
	clauses []string
	args    []interface{}
}

func (c *conditions) add(clause string, args ...interface{}) {
	for _, a := range args {
		c.args = append(c.args, a)
		if c.dollar {
			clause = strings.Replace(clause, "?", fmt.Sprintf("$%d", len(c.args)), 1)
		}
	}
	c.clauses = append(c.clauses, clause)
}

func (c *conditions) where() string {
	if len(c.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.clauses, " AND ")
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
