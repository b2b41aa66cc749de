package experiment

import (
	"github.com/hibiken/asynq"

	"clipforge-controlplane/pkg/taskname"

	"go.uber.org/fx"
)

var Module = fx.Module("experiment.module",
	fx.Provide(
		NewService,
	),
)

// WorkerModule adds the promotion review handler run only by the worker
// process.
var WorkerModule = fx.Module("experiment.worker",
	Module,
	fx.Provide(
		NewTask,
	),
	fx.Invoke(
		registerHandlers,
	),
)

func registerHandlers(mux *asynq.ServeMux, t *Task) {
	mux.HandleFunc(taskname.ExperimentEvaluate, t.HandleEvaluate)
}
