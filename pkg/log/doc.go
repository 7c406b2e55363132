/*
Package log provides structured logging for keeper using zerolog.

WithComponent and the Lane/Session/Peer helpers below build
component-scoped child loggers, which let a single log stream be
filtered down to "everything runner 3 did while forwarding to peer 2".
The dispatch/forwarding core in pkg/keeper does not use them: it logs
through the package-level helpers (Info, Warn, Errorf) on the global
Logger, and no logger is injected into its components.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	fwdLog := log.WithComponent("forwarder").With().Int("lane", lane).Logger()
	fwdLog.Debug().Int64("session_id", sid).Msg("forwarding request")
*/
package log
