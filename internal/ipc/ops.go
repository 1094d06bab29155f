package ipc

// Op codes understood by the default handlers. Other ops are allowed; any op
// without a handler is still re-emitted on the event bus.
const (
	OpCacheGet    = "cache:get"
	OpCachePut    = "cache:put"
	OpCacheIncr   = "cache:incr"
	OpCacheDel    = "cache:del"
	OpCacheKeys   = "cache:keys"
	OpCacheClear  = "cache:clear"
	OpCacheStats  = "cache:stats"
	OpCacheExists = "cache:exists"

	OpQueuePush = "queue:push"
	OpQueuePop  = "queue:pop"

	OpClusterListen = "cluster:listen"
	OpClusterExit   = "cluster:exit"

	OpWorkerReady   = "worker:ready"
	OpWorkerPing    = "worker:ping"
	OpWorkerRestart = "worker:restart"

	OpJobsStart = "jobs:start"
	OpJobsStop  = "jobs:stop"

	OpLimiter = "ipc:limiter"

	OpConfigInit  = "config:init"
	OpColumnsInit = "columns:init"
	OpDNSInit     = "dns:init"
	OpCacheInit   = "cache:init"
	OpQueueInit   = "queue:init"
)

// Role selects which dispatch table a process uses.
type Role string

const (
	RoleMaster Role = "master"
	RoleWorker Role = "worker"
)
