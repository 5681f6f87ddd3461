// Package engine drives transfer processes through their lifecycle.
//
// # Overview
//
// A transfer process is one execution of a data transfer agreement between a
// consumer and a provider. The Manager persists every process through a
// TransferProcessStore and advances it with a polling loop:
//
//  1. Pending sweep - processes waiting for an asynchronous signal are leased and
//     the PendingGuard decides whether they may keep waiting.
//  2. State batches - for each state in ActiveStates, up to BatchSize due
//     processes are leased and their state handler runs on a bounded worker pool.
//  3. Idle wait - when nothing was processed the loop sleeps for the iteration wait.
//
// # State Machine
//
//	INITIAL -> PROVISIONING -> PROVISIONED -> REQUESTING -> REQUESTED -> STARTED   (consumer)
//	INITIAL -> PROVISIONING -> PROVISIONED -> STARTING   -> STARTED                (provider)
//	STARTED -> COMPLETING -> COMPLETED
//	STARTED -> SUSPENDING -> SUSPENDED -> STARTED
//	any non-final -> TERMINATING -> TERMINATED
//	COMPLETED | TERMINATED -> DEPROVISIONING -> DEPROVISIONED
//
// Each handler either transitions the process, marks it pending until a
// command arrives, or fails. Failures are accounted for in one place: the
// state count grows and the process backs off per RetryProcessConfiguration
// until the limit is exceeded, at which point the process is terminated with
// an error detail. Permanent errors skip the backoff.
//
// # Concurrency
//
// Several managers may share a store. A process is handled by at most one of
// them at a time because NextNotLeased leases what it returns. Commands load
// and save processes without a lease; every save compares and swaps Version,
// so a handler whose process was changed by a command drops its result.
//
// # Commands
//
// Provisioners that complete asynchronously report back with
// AddProvisionedResourceCommand and DeprovisionCompleteCommand. Both are
// idempotent on the resource id and may be applied through the sharded
// CommandQueue or synchronously with Manager.Execute.
//
// # Events
//
// Every persisted transition is announced to the listeners of the manager's
// Observable. EventRouterListener bridges them to telemetry.EventPublisher for
// asynchronous consumers.
package engine
