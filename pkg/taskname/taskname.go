package taskname

const (
	// Job tasks
	JobTimeoutScan = "job:timeout:scan"

	// SLA tasks
	SLARemedyDispatch = "sla:remedy:dispatch"

	// Experiment tasks
	ExperimentEvaluate = "experiment:evaluate"
)
