// Package lifecycle names why a process is shutting down.
package lifecycle

type StopReason string

const (
	StopUnknown     StopReason = "unknown"
	StopSIGINT      StopReason = "sigint"
	StopSIGTERM     StopReason = "sigterm"
	StopFatalError  StopReason = "fatal_error"
	StopRestart     StopReason = "restart"
	StopMaxRuntime  StopReason = "max_runtime"
	StopMaxLifetime StopReason = "max_lifetime"
	StopMasterGone  StopReason = "master_gone"
)

// ExitCode maps a stop reason to the worker process exit status.
// A non-zero code tells the coordinator the exit was forced.
func (r StopReason) ExitCode() int {
	switch r {
	case StopFatalError, StopMaxRuntime:
		return 1
	default:
		return 0
	}
}
