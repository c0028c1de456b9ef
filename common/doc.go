// Package common provides shared constants, types, utilities, and interfaces
// used throughout xvpnctl.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: timeouts, poll intervals, file names, the extension identifier
//   - Errors: sentinel errors shared by the codec, the session, and the CLI
//   - Interfaces: the Logger abstraction the protocol session traces through
//   - Logger: leveled logging backed by zerolog, with rotated file output
//   - Utils: config/data directory helpers and string utilities
//
// # Usage
//
//	timeout := common.HandshakeTimeout
//
//	common.LogInfo("Connecting to %s", locationName)
//
//	if errors.Is(err, common.ErrDaemonUnreachable) {
//	    // helper never signalled readiness
//	}
package common
