// Package logx is the structured logging layer of jobcluster.
//
// A small value-type Logger wraps zerolog so call sites stay terse:
//   - console output is human readable (short timestamp + short caller)
//   - file output is JSON, one event per line
//   - the Service swaps sinks and level at runtime on config reload
//
// Master and worker processes share the same setup; workers tag every event
// with their pid and role.
package logx
