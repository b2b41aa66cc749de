package job

import (
	"github.com/hibiken/asynq"

	"clipforge-controlplane/pkg/taskname"

	"go.uber.org/fx"
)

var Module = fx.Module("job.module",
	fx.Provide(
		NewAuditor,
		NewMachine,
		NewScheduler,
		NewEstimator,
		NewService,
	),
)

// WorkerModule adds the lane pollers and asynq handlers run only by the
// worker process.
var WorkerModule = fx.Module("job.worker",
	Module,
	fx.Provide(
		NewPoller,
		NewTask,
	),
	fx.Invoke(
		StartPoller,
		registerHandlers,
	),
)

func registerHandlers(mux *asynq.ServeMux, t *Task) {
	mux.HandleFunc(taskname.SLARemedyDispatch, t.HandleRemedyDispatch)
	mux.HandleFunc(taskname.JobTimeoutScan, t.HandleTimeoutScan)
}
