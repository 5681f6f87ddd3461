package engine

import (
	"context"
	"time"
)

// StoreFilter selects the processes NextNotLeased may lease.
type StoreFilter struct {
	// State restricts the result to one state. StateUnknown matches any state.
	State State

	// Pending matches the process's pending flag.
	Pending bool

	// DueBy excludes processes whose NextAttemptAt is after it. Zero disables the check.
	DueBy time.Time
}

// ListOptions filters and paginates process listings.
type ListOptions struct {
	State  State
	Type   ProcessType
	Limit  int
	Offset int
}

// TransferProcessStore persists transfer processes with lease and optimistic-concurrency semantics.
type TransferProcessStore interface {
	// Create inserts a new process. It fails with ErrAlreadyExists when the id is taken.
	Create(ctx context.Context, p *TransferProcess) error

	// FindByID returns the process or ErrNotFound. The result carries no lease.
	FindByID(ctx context.Context, id string) (*TransferProcess, error)

	// FindByCorrelationID returns the process the counterparty knows under correlationID.
	FindByCorrelationID(ctx context.Context, correlationID string) (*TransferProcess, error)

	// NextNotLeased leases up to limit processes matching filter that no other owner
	// holds a live lease on. Returned processes carry their LeaseID.
	NextNotLeased(ctx context.Context, limit int, filter StoreFilter) ([]*TransferProcess, error)

	// Save writes p if its Version matches the stored one and increments Version.
	// A save carrying the current LeaseID also breaks that lease; other leases are
	// left untouched. A version mismatch returns ErrConflict.
	Save(ctx context.Context, p *TransferProcess) error

	// Release drops the lease p was leased under, if it is still held.
	Release(ctx context.Context, p *TransferProcess) error

	// List returns processes matching opts ordered by creation time.
	List(ctx context.Context, opts ListOptions) ([]*TransferProcess, error)

	// CountByState returns the number of processes per state.
	CountByState(ctx context.Context) (map[State]int, error)
}

// ManifestGenerator computes the resources a process needs.
type ManifestGenerator interface {
	// GenerateManifest must be deterministic for a given process.
	GenerateManifest(ctx context.Context, p *TransferProcess) (*ResourceManifest, error)
}

// ProvisionResponse is the outcome of provisioning one resource definition.
type ProvisionResponse struct {
	// DefinitionID is the manifest definition the response answers.
	DefinitionID string

	// Resource is set when provisioning completed synchronously.
	Resource *ProvisionedResource

	// SecretToken is stored in the vault under the resource's secret key.
	SecretToken string

	// InProcess means the result arrives later as an AddProvisionedResourceCommand.
	InProcess bool

	// Err reports a failure for this definition.
	Err error
}

// DeprovisionResponse is the outcome of releasing one provisioned resource.
type DeprovisionResponse struct {
	// ProvisionedResourceID is the released resource.
	ProvisionedResourceID string

	// InProcess means the result arrives later as a DeprovisionCompleteCommand.
	InProcess bool

	// Err reports a failure for this resource.
	Err error
}

// ProvisionManager provisions and releases resources.
type ProvisionManager interface {
	// Provision provisions the given definitions. Implementations must be idempotent
	// on the definition id.
	Provision(ctx context.Context, p *TransferProcess, definitions []ResourceDefinition) ([]ProvisionResponse, error)

	// Deprovision releases the given resources.
	Deprovision(ctx context.Context, p *TransferProcess, resources []ProvisionedResource) ([]DeprovisionResponse, error)
}

// MessageType identifies a counterparty protocol message.
type MessageType string

const (
	MessageTransferRequest     MessageType = "TransferRequestMessage"
	MessageTransferStart       MessageType = "TransferStartMessage"
	MessageTransferSuspension  MessageType = "TransferSuspensionMessage"
	MessageTransferCompletion  MessageType = "TransferCompletionMessage"
	MessageTransferTermination MessageType = "TransferTerminationMessage"
)

// RemoteMessage is a protocol message addressed to the counterparty.
type RemoteMessage struct {
	Type                MessageType  `json:"type"`
	ProcessID           string       `json:"process_id"`
	CorrelationID       string       `json:"correlation_id,omitempty"`
	CounterPartyAddress string       `json:"counter_party_address"`
	Protocol            string       `json:"protocol"`
	AssetID             string       `json:"asset_id,omitempty"`
	ContractID          string       `json:"contract_id,omitempty"`
	CallbackAddress     string       `json:"callback_address,omitempty"`
	DataDestination     *DataAddress `json:"data_destination,omitempty"`
	DataAddress         *DataAddress `json:"data_address,omitempty"`
	Reason              string       `json:"reason,omitempty"`
}

// Ack is the counterparty's acknowledgement of a message.
type Ack struct {
	// ProcessID is the counterparty's id for the transfer, if it returned one.
	ProcessID string `json:"process_id,omitempty"`
}

// DispatcherRegistry delivers messages to the counterparty by protocol.
type DispatcherRegistry interface {
	// Send delivers msg. A refusal by the counterparty returns an ErrRejected-compatible
	// error; transport failures return retryable errors.
	Send(ctx context.Context, protocol string, msg RemoteMessage) (*Ack, error)
}

// DataFlowManager controls the data plane on the provider side.
type DataFlowManager interface {
	// Start starts the data flow and returns the address the consumer reads from,
	// or nil for push transfers.
	Start(ctx context.Context, p *TransferProcess) (*DataAddress, error)

	// Suspend pauses the data flow.
	Suspend(ctx context.Context, p *TransferProcess) error

	// Terminate stops the data flow.
	Terminate(ctx context.Context, p *TransferProcess) error
}

// Vault stores secrets produced by provisioning.
type Vault interface {
	Store(ctx context.Context, key, secret string) error
	Resolve(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// PendingGuard decides whether a pending process is still legitimately waiting.
type PendingGuard interface {
	// Hold returns true to keep p excluded from scheduling.
	Hold(ctx context.Context, p *TransferProcess) bool
}

// Clock abstracts time for the manager.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
