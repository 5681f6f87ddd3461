// Package provision implements the manifest generators and provisioners the
// transfer process manager calls before data may flow.
//
// ManifestRegistry selects a generator by process type; StaticManifest turns
// YAML templates into per-process definitions. Registry routes each
// definition to the ResourceProvisioner registered for its type.
// AddressProvisioner answers synchronously; AsyncProvisioner publishes a
// Request and the result arrives later as an engine command.
package provision
