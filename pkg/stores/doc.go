// Package stores provides the persistence layer for transfer processes.
//
// Three implementations of engine.TransferProcessStore are available:
//
//   - MemoryStore keeps processes in a map and suits tests and single-node demos.
//   - SQLiteStore uses modernc.org/sqlite with WAL mode and immediate transactions.
//   - PostgresStore uses pgx and leases rows with FOR UPDATE SKIP LOCKED, so
//     several conveyor instances can share one database.
//
// Every store keeps the full process as a JSON document next to the columns
// the scheduler filters on. Saves compare and swap the version column, and a
// save carrying the current lease id releases that lease in the same write.
//
// Schema changes are applied with golang-migrate from the embedded
// migrations/sqlite and migrations/postgres directories.
package stores
