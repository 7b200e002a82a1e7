package executor

import "github.com/prometheus/client_golang/prometheus"

var stepAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "deployd",
	Subsystem: "executor",
	Name:      "step_attempts_total",
	Help:      "Step attempts by step name and final status",
}, []string{"step", "status"})

func init() {
	if err := prometheus.Register(stepAttempts); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			stepAttempts = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
}
