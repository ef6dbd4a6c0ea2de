package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalsfoundry/cubesat-testbed/model"
)

// KernelCollector bundles Prometheus metrics for the simulation kernel
// and the snapshot stream, and provides a ready-to-use /metrics handler.
type KernelCollector struct {
	gatherer prometheus.Gatherer

	TicksTotal      prometheus.Counter
	TickErrorsTotal prometheus.Counter
	TickLagTotal    prometheus.Counter
	TickDuration    prometheus.Histogram

	ChargeLevel  prometheus.Gauge
	Sunlit       prometheus.Gauge
	PendingTasks prometheus.Gauge

	TaskOutcomes *prometheus.CounterVec
	Inferences   *prometheus.CounterVec

	Observers        prometheus.Gauge
	DroppedSnapshots prometheus.Counter
}

// NewKernelCollector registers kernel Prometheus metrics against the
// provided registerer, defaulting to the global Prometheus registry
// when nil.
func NewKernelCollector(reg prometheus.Registerer) (*KernelCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	ticks, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_ticks_total",
		Help: "Total number of executed simulation ticks.",
	}), "sim_ticks_total")
	if err != nil {
		return nil, err
	}
	tickErrors, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_tick_errors_total",
		Help: "Total number of ticks committed with the error flag set.",
	}), "sim_tick_errors_total")
	if err != nil {
		return nil, err
	}
	tickLag, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_tick_lag_total",
		Help: "Total number of ticks that overran their real-time interval.",
	}), "sim_tick_lag_total")
	if err != nil {
		return nil, err
	}
	tickDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_tick_duration_seconds",
		Help:    "Wall-clock duration of one tick pipeline pass.",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	})
	tickDuration, err = registerHistogram(reg, tickDuration, "sim_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	charge, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "power_charge_level",
		Help: "Battery state of charge as a fraction of capacity.",
	}), "power_charge_level")
	if err != nil {
		return nil, err
	}
	sunlit, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orbit_sunlit",
		Help: "1 while the spacecraft is in sunlight, 0 in eclipse.",
	}), "orbit_sunlit")
	if err != nil {
		return nil, err
	}
	pending, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_pending_tasks",
		Help: "Current depth of the pending imaging task queue.",
	}), "scheduler_pending_tasks")
	if err != nil {
		return nil, err
	}

	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imaging_task_outcomes_total",
		Help: "Imaging task outcomes, labeled by task kind and outcome.",
	}, []string{"kind", "outcome"})
	outcomes, err = registerCounterVec(reg, outcomes, "imaging_task_outcomes_total")
	if err != nil {
		return nil, err
	}
	inferences := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "compute_inferences_total",
		Help: "Completed on-board inferences, labeled by detection result.",
	}, []string{"detection"})
	inferences, err = registerCounterVec(reg, inferences, "compute_inferences_total")
	if err != nil {
		return nil, err
	}

	observers, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stream_observers",
		Help: "Number of currently connected snapshot observers.",
	}), "stream_observers")
	if err != nil {
		return nil, err
	}
	dropped, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stream_dropped_snapshots_total",
		Help: "Snapshots dropped because an observer's send buffer was full.",
	}), "stream_dropped_snapshots_total")
	if err != nil {
		return nil, err
	}

	return &KernelCollector{
		gatherer:         gatherer,
		TicksTotal:       ticks,
		TickErrorsTotal:  tickErrors,
		TickLagTotal:     tickLag,
		TickDuration:     tickDuration,
		ChargeLevel:      charge,
		Sunlit:           sunlit,
		PendingTasks:     pending,
		TaskOutcomes:     outcomes,
		Inferences:       inferences,
		Observers:        observers,
		DroppedSnapshots: dropped,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *KernelCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// RecordTick satisfies the kernel's metrics recorder interface.
func (c *KernelCollector) RecordTick(d time.Duration, errored bool) {
	if c == nil {
		return
	}
	if c.TicksTotal != nil {
		c.TicksTotal.Inc()
	}
	if errored && c.TickErrorsTotal != nil {
		c.TickErrorsTotal.Inc()
	}
	if c.TickDuration != nil {
		c.TickDuration.Observe(d.Seconds())
	}
}

// IncTickLag counts a tick that missed its real-time deadline.
func (c *KernelCollector) IncTickLag() {
	if c == nil || c.TickLagTotal == nil {
		return
	}
	c.TickLagTotal.Inc()
}

// RecordPower updates the state-of-charge and illumination gauges.
func (c *KernelCollector) RecordPower(soc float64, sunlit bool) {
	if c == nil {
		return
	}
	if c.ChargeLevel != nil {
		c.ChargeLevel.Set(soc)
	}
	if c.Sunlit != nil {
		if sunlit {
			c.Sunlit.Set(1)
		} else {
			c.Sunlit.Set(0)
		}
	}
}

// RecordTaskOutcome counts one task reaching an outcome.
func (c *KernelCollector) RecordTaskOutcome(kind model.TaskKind, outcome string) {
	if c == nil || c.TaskOutcomes == nil {
		return
	}
	c.TaskOutcomes.WithLabelValues(string(kind), outcome).Inc()
}

// RecordPendingTasks updates the queue depth gauge.
func (c *KernelCollector) RecordPendingTasks(n int) {
	if c == nil || c.PendingTasks == nil {
		return
	}
	c.PendingTasks.Set(float64(n))
}

// RecordInference counts one completed inference.
func (c *KernelCollector) RecordInference(detection bool) {
	if c == nil || c.Inferences == nil {
		return
	}
	label := "false"
	if detection {
		label = "true"
	}
	c.Inferences.WithLabelValues(label).Inc()
}

// SetObserverCount updates the connected observer gauge.
func (c *KernelCollector) SetObserverCount(n int) {
	if c == nil || c.Observers == nil {
		return
	}
	c.Observers.Set(float64(n))
}

// IncDroppedSnapshots counts a snapshot discarded for a slow observer.
func (c *KernelCollector) IncDroppedSnapshots() {
	if c == nil || c.DroppedSnapshots == nil {
		return
	}
	c.DroppedSnapshots.Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
