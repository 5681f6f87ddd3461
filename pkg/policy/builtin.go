package policy

// PendingQuery is the rule the guard evaluates.
const PendingQuery = "data.conveyor.pending.hold"

// GetBuiltinPolicies returns the policies compiled into every guard.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		pendingTimeoutPolicy(),
	}
}

// pendingTimeoutPolicy holds a process until it has been pending for longer
// than the configured timeout. Extra policies can only add hold conditions.
func pendingTimeoutPolicy() Policy {
	return Policy{
		Name:    "pending-timeout",
		Enabled: true,
		Source:  "builtin",
		Rego: `package conveyor.pending

import rego.v1

default hold := false

hold if {
	input.pending_seconds < data.conveyor.config.pending_timeout_seconds
}
`,
	}
}
