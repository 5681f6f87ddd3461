// Package edr hands applications endpoint data references for started
// transfers. Register the Registry with the engine's observable.
package edr
