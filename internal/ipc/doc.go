// Package ipc is the message bus between the master process and its workers,
// and the contract shared by the pluggable cache/queue backends.
//
// The Bus owns two dispatch tables keyed by op code, one used in the master
// ("server") and one in workers. Workers write to the master over a process
// pipe; the master short-circuits messages it sends to itself and dispatches
// them in-process. Requests carry __res and a correlation id, and the reply is
// the same message echoed back with its result fields set.
//
// Backends (local, db, redis) live in subpackages and are created by URL
// scheme through Clients.
package ipc
