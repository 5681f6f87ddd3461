// Package policy decides, with Rego, whether a pending transfer process stays
// excluded from scheduling.
//
// Every guard compiles the built-in pending-timeout policy, which holds a
// process while it has been pending for less than the configured timeout.
// Policies loaded from disk add further conditions to the same rule,
// data.conveyor.pending.hold. The input document carries the process state,
// its outstanding resource definitions and the seconds since its last save.
//
// Example policy:
//
//	package conveyor.pending
//
//	import rego.v1
//
//	hold if {
//		input.protocol == "http"
//		count(input.outstanding_definitions) > 0
//	}
//
// With Watch enabled, files are reloaded on change after a short debounce. A
// reload that fails to compile leaves the previous rules in place.
package policy
