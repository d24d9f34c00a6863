package events

// Type names an event. Values use the "component:action" form.
type Type string

const (
	PoolCreate                   Type = "pool:create"
	PoolListenConnecting         Type = "pool:listen:connecting"
	PoolListenSuccess            Type = "pool:listen:success"
	PoolListenError              Type = "pool:listen:error"
	PoolRelease                  Type = "pool:release"
	PoolGracefulShutdown         Type = "pool:gracefulShutdown"
	PoolGracefulShutdownComplete Type = "pool:gracefulShutdown:complete"
	PoolGracefulShutdownError    Type = "pool:gracefulShutdown:error"
	PoolForcefulShutdown         Type = "pool:forcefulShutdown"
	PoolForcefulShutdownComplete Type = "pool:forcefulShutdown:complete"
	PoolForcefulShutdownError    Type = "pool:forcefulShutdown:error"
	PoolFatalError               Type = "pool:fatalError"

	WorkerCreate      Type = "worker:create"
	WorkerRelease     Type = "worker:release"
	WorkerStop        Type = "worker:stop"
	WorkerGetJobStart Type = "worker:getJob:start"
	WorkerGetJobError Type = "worker:getJob:error"
	WorkerGetJobEmpty Type = "worker:getJob:empty"
	WorkerFatalError  Type = "worker:fatalError"
	WorkerMigrate     Type = "worker:migrate"

	JobStart    Type = "job:start"
	JobSuccess  Type = "job:success"
	JobError    Type = "job:error"
	JobFailed   Type = "job:failed"
	JobComplete Type = "job:complete"

	LocalQueueSetMode         Type = "localQueue:setMode"
	LocalQueueGetJobsComplete Type = "localQueue:getJobs:complete"
	LocalQueueReturnJobs      Type = "localQueue:returnJobs"

	LocalQueueRefetchDelayStart   Type = "localQueue:refetchDelay:start"
	LocalQueueRefetchDelayAbort   Type = "localQueue:refetchDelay:abort"
	LocalQueueRefetchDelayExpired Type = "localQueue:refetchDelay:expired"

	ResetLockedStarted Type = "resetLocked:started"
	ResetLockedSuccess Type = "resetLocked:success"
	ResetLockedFailure Type = "resetLocked:failure"

	CronStarting       Type = "cron:starting"
	CronStarted        Type = "cron:started"
	CronBackfill       Type = "cron:backfill"
	CronPrematureTimer Type = "cron:prematureTimer"
	CronOverdueTimer   Type = "cron:overdueTimer"
	CronSchedule       Type = "cron:schedule"
	CronScheduled      Type = "cron:scheduled"

	GracefulShutdown Type = "gracefulShutdown"
	ForcefulShutdown Type = "forcefulShutdown"
	Stop             Type = "stop"
)
