// Package dispatch delivers transfer protocol messages to counterparties.
//
// Registry implements engine.DispatcherRegistry by protocol name. The HTTP
// dispatcher posts each message as JSON to the counterparty address plus
// /messages and reads an optional acknowledgement carrying the
// counterparty's process id. A per-counterparty token bucket keeps a busy
// engine from flooding one peer; a denied send is a throttled error and is
// retried with backoff like any other transport failure.
package dispatch
