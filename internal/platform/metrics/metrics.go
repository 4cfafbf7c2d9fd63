package metrics

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type collector interface {
	metricName() string
	write(*strings.Builder)
}

// Registry renders its collectors in the Prometheus text format.
type Registry struct {
	mu         sync.RWMutex
	collectors map[string]collector
}

func NewRegistry() *Registry {
	return &Registry{collectors: map[string]collector{}}
}

func (r *Registry) MustRegister(items ...collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range items {
		if _, exists := r.collectors[item.metricName()]; exists {
			panic("metrics collector already registered: " + item.metricName())
		}
		r.collectors[item.metricName()] = item
	}
}

func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(r.Render()))
	})
}

func (r *Registry) Render() string {
	r.mu.RLock()
	names := make([]string, 0, len(r.collectors))
	for name := range r.collectors {
		names = append(names, name)
	}
	sort.Strings(names)
	items := make([]collector, 0, len(names))
	for _, name := range names {
		items = append(items, r.collectors[name])
	}
	r.mu.RUnlock()

	var sb strings.Builder
	for _, c := range items {
		c.write(&sb)
	}
	return sb.String()
}

// CounterVec is a monotonically increasing counter partitioned by labels.
type CounterVec struct {
	name   string
	help   string
	labels []string

	mu     sync.Mutex
	values map[string]float64
}

func NewCounterVec(name, help string, labels ...string) *CounterVec {
	return &CounterVec{name: name, help: help, labels: labels, values: map[string]float64{}}
}

func (c *CounterVec) metricName() string { return c.name }

// Inc adds one for the given label values; a wrong arity is ignored.
func (c *CounterVec) Inc(values ...string) {
	if c == nil || len(values) != len(c.labels) {
		return
	}
	key := strings.Join(values, "\xff")
	c.mu.Lock()
	c.values[key]++
	c.mu.Unlock()
}

func (c *CounterVec) Value(values ...string) float64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[strings.Join(values, "\xff")]
}

func (c *CounterVec) write(sb *strings.Builder) {
	head(sb, c.name, "counter", c.help)
	c.mu.Lock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(c.name)
		if len(c.labels) > 0 {
			vals := strings.Split(k, "\xff")
			pairs := make([]string, len(c.labels))
			for i, label := range c.labels {
				pairs[i] = label + `="` + escape(vals[i]) + `"`
			}
			sb.WriteString("{" + strings.Join(pairs, ",") + "}")
		}
		fmt.Fprintf(sb, " %s\n", format(c.values[k]))
	}
	c.mu.Unlock()
}

// GaugeFunc samples its value at render time.
type GaugeFunc struct {
	name string
	help string
	fn   func() (float64, error)
}

func NewGaugeFunc(name, help string, fn func() float64) *GaugeFunc {
	return &GaugeFunc{name: name, help: help, fn: func() (float64, error) { return fn(), nil }}
}

// NewFallibleGaugeFunc omits the sample for any render where fn fails.
func NewFallibleGaugeFunc(name, help string, fn func() (float64, error)) *GaugeFunc {
	return &GaugeFunc{name: name, help: help, fn: fn}
}

func (g *GaugeFunc) metricName() string { return g.name }

func (g *GaugeFunc) write(sb *strings.Builder) {
	head(sb, g.name, "gauge", g.help)
	if g.fn == nil {
		return
	}
	v, err := g.fn()
	if err != nil {
		return
	}
	fmt.Fprintf(sb, "%s %s\n", g.name, format(v))
}

func head(sb *strings.Builder, name, kind, help string) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}

func format(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func escape(v string) string {
	return strings.NewReplacer(`\`, `\\`, "\n", `\n`, `"`, `\"`).Replace(v)
}

var processStart = time.Now()

// RegisterProcess adds uptime and goroutine gauges.
func RegisterProcess(r *Registry) {
	r.MustRegister(
		NewGaugeFunc("process_uptime_seconds", "Seconds since process start.", func() float64 {
			return time.Since(processStart).Seconds()
		}),
		NewGaugeFunc("go_goroutines", "Number of goroutines.", func() float64 {
			return float64(runtime.NumGoroutine())
		}),
	)
}
