package engine

import (
	"encoding/json"
	"fmt"
	"sort"
)

// State is the lifecycle state of a transfer process.
// The numeric code orders states along the happy path and is what the stores persist.
type State int

const (
	// StateUnknown is the zero value and never persisted.
	StateUnknown State = 0

	// StateInitial is the state a process is created in.
	StateInitial State = 100

	// StateProvisioning indicates resources of the manifest are being provisioned.
	StateProvisioning State = 200

	// StateProvisioned indicates every manifest resource has a provisioned entry.
	StateProvisioned State = 300

	// StateRequesting indicates a consumer is sending the transfer request.
	StateRequesting State = 400

	// StateRequested indicates the counterparty acknowledged the transfer request.
	StateRequested State = 500

	// StateStarting indicates a provider is starting the data flow and notifying the consumer.
	StateStarting State = 550

	// StateStarted indicates data is flowing.
	StateStarted State = 600

	// StateSuspending indicates a suspension message is being sent.
	StateSuspending State = 650

	// StateSuspended indicates the transfer is paused until resumed.
	StateSuspended State = 700

	// StateCompleting indicates a completion message is being sent.
	StateCompleting State = 750

	// StateCompleted indicates the transfer finished successfully.
	StateCompleted State = 800

	// StateTerminating indicates a termination is being propagated.
	StateTerminating State = 825

	// StateTerminated indicates the transfer ended without completing.
	StateTerminated State = 850

	// StateDeprovisioning indicates provisioned resources are being released.
	StateDeprovisioning State = 900

	// StateDeprovisioned indicates every provisioned resource has been released.
	StateDeprovisioned State = 1000
)

var stateNames = map[State]string{
	StateInitial:        "INITIAL",
	StateProvisioning:   "PROVISIONING",
	StateProvisioned:    "PROVISIONED",
	StateRequesting:     "REQUESTING",
	StateRequested:      "REQUESTED",
	StateStarting:       "STARTING",
	StateStarted:        "STARTED",
	StateSuspending:     "SUSPENDING",
	StateSuspended:      "SUSPENDED",
	StateCompleting:     "COMPLETING",
	StateCompleted:      "COMPLETED",
	StateTerminating:    "TERMINATING",
	StateTerminated:     "TERMINATED",
	StateDeprovisioning: "DEPROVISIONING",
	StateDeprovisioned:  "DEPROVISIONED",
}

// transitions is the full transition graph, excluding the edge to TERMINATING,
// which every non-final state has.
var transitions = map[State][]State{
	StateInitial:        {StateProvisioning},
	StateProvisioning:   {StateProvisioned},
	StateProvisioned:    {StateRequesting, StateStarting},
	StateRequesting:     {StateRequested},
	StateRequested:      {StateStarted},
	StateStarting:       {StateStarted},
	StateStarted:        {StateCompleting, StateCompleted, StateSuspending, StateSuspended},
	StateSuspending:     {StateSuspended},
	StateSuspended:      {StateStarted, StateStarting},
	StateCompleting:     {StateCompleted},
	StateCompleted:      {StateDeprovisioning},
	StateTerminating:    {StateTerminated},
	StateTerminated:     {StateDeprovisioning},
	StateDeprovisioning: {StateDeprovisioned},
}

// ActiveStates lists the states the manager polls, in the order they are processed
// within one iteration.
var ActiveStates = []State{
	StateInitial,
	StateProvisioning,
	StateProvisioned,
	StateRequesting,
	StateStarting,
	StateSuspending,
	StateCompleting,
	StateTerminating,
	StateDeprovisioning,
}

// String returns the canonical upper-case name of the state.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	if s == StateUnknown {
		return "UNKNOWN"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// AllStates returns every persistable state ordered by code.
func AllStates() []State {
	states := make([]State, 0, len(stateNames))
	for state := range stateNames {
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })
	return states
}

// Code returns the numeric state code.
func (s State) Code() int {
	return int(s)
}

// IsFinal returns true for states the engine never moves out of on its own.
func (s State) IsFinal() bool {
	return s == StateCompleted || s == StateTerminated || s == StateDeprovisioned
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s State) CanTransitionTo(next State) bool {
	if next == StateTerminating {
		return !s.IsFinal() && s != StateDeprovisioning && s != StateTerminating
	}
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Validate checks that s is a known state.
func (s State) Validate() error {
	if _, ok := stateNames[s]; !ok {
		return fmt.Errorf("invalid transfer process state: %d", int(s))
	}
	return nil
}

// ParseState converts a state name or numeric code into a State.
func ParseState(value string) (State, error) {
	for state, name := range stateNames {
		if name == value {
			return state, nil
		}
	}
	var code int
	if _, err := fmt.Sscanf(value, "%d", &code); err == nil {
		state := State(code)
		if state.Validate() == nil {
			return state, nil
		}
	}
	return StateUnknown, fmt.Errorf("invalid transfer process state: %q", value)
}

// MarshalJSON encodes the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts either the state name or its numeric code.
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, err := ParseState(name)
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	}
	var code int
	if err := json.Unmarshal(data, &code); err != nil {
		return fmt.Errorf("invalid transfer process state: %s", string(data))
	}
	parsed := State(code)
	if err := parsed.Validate(); err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ProcessType distinguishes the two sides of a transfer.
type ProcessType string

const (
	// ProcessTypeConsumer is the side requesting the data.
	ProcessTypeConsumer ProcessType = "CONSUMER"

	// ProcessTypeProvider is the side serving the data.
	ProcessTypeProvider ProcessType = "PROVIDER"
)

// Validate checks if the process type is valid.
func (t ProcessType) Validate() error {
	switch t {
	case ProcessTypeConsumer, ProcessTypeProvider:
		return nil
	default:
		return fmt.Errorf("invalid transfer process type: %s", t)
	}
}
