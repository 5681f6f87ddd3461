// Package vault stores the secret tokens produced by provisioning.
//
// MemoryVault is for tests and single-process setups. FileVault seals all
// secrets into one file, so they survive restarts without ever being written
// in the clear. Missing keys return errors matching engine.ErrNotFound.
package vault
