// Package dataflow tracks the provider side data plane of transfers.
//
// Pull transfers get an HttpProxy address pointing at PublicEndpoint with a
// bearer token kept in the vault; push transfers are started towards the
// consumer's destination and return no address.
package dataflow
