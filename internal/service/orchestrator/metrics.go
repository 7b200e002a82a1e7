package orchestrator

import "github.com/prometheus/client_golang/prometheus"

var deploymentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "deployd",
	Subsystem: "orchestrator",
	Name:      "deployments_total",
	Help:      "Finished deployments by terminal state",
}, []string{"outcome"})

func init() {
	if err := prometheus.Register(deploymentsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			deploymentsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
}
