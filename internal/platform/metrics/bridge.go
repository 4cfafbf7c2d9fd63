package metrics

// Bridge groups the counters the dispatch path updates.
type Bridge struct {
	Dispatched *CounterVec
	Polled     *CounterVec
	Results    *CounterVec
}

func NewBridge() *Bridge {
	return &Bridge{
		Dispatched: NewCounterVec("taskbridge_commands_dispatched_total", "Commands dispatched by kind and delivery method.", "kind", "delivery"),
		Polled:     NewCounterVec("taskbridge_commands_polled_total", "Commands handed to devices through polling."),
		Results:    NewCounterVec("taskbridge_results_reported_total", "Device results by outcome.", "success"),
	}
}

func (b *Bridge) Register(r *Registry) {
	r.MustRegister(b.Dispatched, b.Polled, b.Results)
}
