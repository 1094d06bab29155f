package app

import "jobcluster/internal/runtime/lifecycle"

type StopReason = lifecycle.StopReason

const (
	StopUnknown     = lifecycle.StopUnknown
	StopSIGINT      = lifecycle.StopSIGINT
	StopSIGTERM     = lifecycle.StopSIGTERM
	StopFatalError  = lifecycle.StopFatalError
	StopRestart     = lifecycle.StopRestart
	StopMaxRuntime  = lifecycle.StopMaxRuntime
	StopMaxLifetime = lifecycle.StopMaxLifetime
	StopMasterGone  = lifecycle.StopMasterGone
)
