// Package config loads the conveyor configuration.
//
// Values come from, in increasing precedence, the built-in defaults, a YAML
// file (conveyor.yaml in the working directory or /etc/conveyor, or an
// explicit path) and CONVEYOR_* environment variables, where nested keys are
// joined with underscores:
//
//	CONVEYOR_ENGINE_RETRY_LIMIT=3
//	CONVEYOR_DATABASE_DRIVER=postgres
//	CONVEYOR_DATABASE_DSN=postgres://conveyor@db/conveyor
//
// The decoded configuration is validated with struct tags before use.
package config
