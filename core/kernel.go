package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/cubesat-testbed/internal/config"
	"github.com/signalsfoundry/cubesat-testbed/internal/logging"
	"github.com/signalsfoundry/cubesat-testbed/model"
)

// Command is an externally submitted action staged for the next tick.
// Commands are applied atomically at tick start, never mid-tick.
type Command struct {
	Kind CommandKind
	Task model.ImagingTask
}

// CommandKind enumerates accepted commands.
type CommandKind string

const (
	// CommandSubmitSpot enqueues an externally commanded spot task.
	CommandSubmitSpot CommandKind = "submit_spot_task"
)

// Sink receives each committed state snapshot. Snapshots are shared and
// MUST be treated as read-only; a sink must never block the caller.
type Sink interface {
	Publish(s *model.SatelliteState)
}

// MetricsRecorder receives kernel measurements. Implemented by the
// observability collector; a nil-safe noop is used when absent.
type MetricsRecorder interface {
	RecordTick(duration time.Duration, errored bool)
	RecordPower(soc float64, sunlit bool)
	RecordTaskOutcome(kind model.TaskKind, outcome string)
	RecordPendingTasks(n int)
	RecordInference(detection bool)
}

// Task outcome labels reported to metrics.
const (
	OutcomeCompleted = "completed"
	OutcomeDeferred  = "deferred"
	OutcomeMissed    = "missed"
)

type noopMetrics struct{}

func (noopMetrics) RecordTick(time.Duration, bool)           {}
func (noopMetrics) RecordPower(float64, bool)                {}
func (noopMetrics) RecordTaskOutcome(model.TaskKind, string) {}
func (noopMetrics) RecordPendingTasks(int)                   {}
func (noopMetrics) RecordInference(bool)                     {}

// Kernel owns the canonical SatelliteState and runs the tick pipeline:
// commands -> orbit -> attitude -> scheduler -> payload -> power ->
// commit. It is the sole writer of the state; every other component
// sees immutable snapshots. A failing subsystem is caught at the tick
// boundary and degraded to an error-flagged state; the loop never stops
// because of a single bad tick.
type Kernel struct {
	cfg   config.Config
	log   logging.Logger
	epoch time.Time

	orbit    *OrbitModule
	attitude *AttitudeModule
	power    *PowerSystem
	compute  *ComputeEmulator
	camera   *CameraModule
	sched    *TaskScheduler

	// lastPointing is the most recent pointing command, retained across
	// ticks so the attitude keeps slewing while tasks come and go.
	lastPointing   *model.GroundTarget
	lastPointingID string

	cmdMu  sync.Mutex
	staged []Command

	stateMu   sync.RWMutex
	committed *model.SatelliteState

	sinks   []Sink
	metrics MetricsRecorder
	tracer  trace.Tracer
}

// Option customises kernel construction.
type Option func(*Kernel)

// WithSink registers a snapshot consumer (recorder, broadcaster).
func WithSink(s Sink) Option {
	return func(k *Kernel) { k.sinks = append(k.sinks, s) }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(k *Kernel) { k.metrics = m }
}

// WithDegradeFunc overrides the camera degradation pipeline.
func WithDegradeFunc(fn DegradeFunc) Option {
	return func(k *Kernel) { k.camera = NewCameraModule(k.cfg.Camera, k.cfg.Compute.Seed+1, fn) }
}

// NewKernel validates subsystem construction and commits the initial
// state. Any failure here is startup-fatal to the caller: no partially
// initialised kernel is ever returned.
func NewKernel(cfg config.Config, log logging.Logger, opts ...Option) (*Kernel, error) {
	if log == nil {
		log = logging.Noop()
	}
	epoch := cfg.EpochTime()

	orbit, err := NewOrbitModule(cfg.TLE, epoch)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		cfg:      cfg,
		log:      log,
		epoch:    epoch,
		orbit:    orbit,
		attitude: NewAttitudeModule(cfg.Attitude),
		power:    NewPowerSystem(cfg.Power),
		compute:  NewComputeEmulator(cfg.Compute),
		camera:   NewCameraModule(cfg.Camera, cfg.Compute.Seed+1, nil),
		sched:    NewTaskScheduler(cfg.Scheduler),
		metrics:  noopMetrics{},
		tracer:   otel.Tracer("cubesat-testbed/kernel"),
	}
	for _, opt := range opts {
		opt(k)
	}

	initial := &model.SatelliteState{
		Timestamp: epoch,
		Orbit:     orbit.Propagate(0),
		Attitude:  model.AttitudeState{Orientation: model.IdentityQuaternion()},
		Power: model.PowerState{
			ChargeLevel: cfg.Power.InitialCharge,
			Blackout:    cfg.Power.InitialCharge <= 0,
		},
	}
	k.committed = initial

	log.Info(context.Background(), "kernel initialised",
		logging.String("tle", cfg.TLE.Name),
		logging.Float64("tick_rate_hz", cfg.Simulation.TickRateHz),
		logging.Float64("time_warp", cfg.Simulation.TimeWarpFactor),
	)
	return k, nil
}

// AddSink registers a snapshot consumer after construction, for
// consumers that themselves need the kernel (the stream hub). Must be
// called before the tick loop starts.
func (k *Kernel) AddSink(s Sink) {
	k.sinks = append(k.sinks, s)
}

// SubmitCommand stages a command for the next tick. Safe to call from
// any goroutine.
func (k *Kernel) SubmitCommand(cmd Command) error {
	switch cmd.Kind {
	case CommandSubmitSpot:
		t := cmd.Task.Target
		if t.LatDeg < -90 || t.LatDeg > 90 || t.LonDeg < -180 || t.LonDeg > 180 {
			return fmt.Errorf("kernel: target out of range: lat=%v lon=%v", t.LatDeg, t.LonDeg)
		}
		cmd.Task.Kind = model.TaskSpot
		if cmd.Task.Priority == 0 {
			cmd.Task.Priority = k.cfg.Scheduler.SpotPriority
		}
	default:
		return fmt.Errorf("kernel: unknown command kind %q", cmd.Kind)
	}

	k.cmdMu.Lock()
	k.staged = append(k.staged, cmd)
	k.cmdMu.Unlock()
	return nil
}

// State returns a clone of the last committed snapshot.
func (k *Kernel) State() *model.SatelliteState {
	k.stateMu.RLock()
	defer k.stateMu.RUnlock()
	return k.committed.Clone()
}

// Step executes one atomic tick advancing the simulation by simDelta
// seconds, commits the resulting state, and fans it out to sinks.
func (k *Kernel) Step(simDelta float64) {
	start := time.Now()

	prior := k.State()
	next := k.step(prior, simDelta)

	k.stateMu.Lock()
	k.committed = next
	k.stateMu.Unlock()

	for _, sink := range k.sinks {
		sink.Publish(next)
	}

	k.metrics.RecordTick(time.Since(start), next.ErrorFlag)
	k.metrics.RecordPower(next.Power.ChargeLevel, next.Orbit.Sunlit)
	k.metrics.RecordPendingTasks(len(next.Tasks.Pending))
}

// step builds the next state from the prior one. Pure with respect to
// its inputs and the seeded subsystem RNGs: replaying the same deltas
// and commands from the same initial state yields identical snapshots.
func (k *Kernel) step(prior *model.SatelliteState, dt float64) *model.SatelliteState {
	simTime := prior.SimTime + dt

	ctx, span := k.tracer.Start(context.Background(), "kernel.tick",
		trace.WithAttributes(
			attribute.Int64("tick.seq", int64(prior.Seq+1)),
			attribute.Float64("tick.sim_time", simTime),
		))
	defer span.End()

	next := prior.Clone()
	next.Seq++
	next.SimTime = simTime
	next.Timestamp = k.epoch.Add(time.Duration(simTime * float64(time.Second)))
	next.Alerts = next.Alerts[:0]
	next.ErrorFlag = false
	next.LastImage = nil

	// Commands staged since the last tick are applied first, so the
	// scheduler sees a stable queue for the whole tick.
	if err := runStage("scheduler", func() error {
		k.sched.BeginTick()
		for _, cmd := range k.drainCommands() {
			task := k.sched.Submit(cmd.Task)
			k.log.Info(ctx, "spot task accepted",
				logging.String("task_id", task.ID),
				logging.Int("priority", task.Priority),
			)
		}
		for _, task := range k.sched.AutoEnqueue(simTime) {
			k.log.Debug(ctx, "strip task enqueued", logging.String("task_id", task.ID))
		}
		return nil
	}); err != nil {
		k.failTick(ctx, next, "scheduler", err)
	}

	if err := runStage("orbit", func() error {
		next.Orbit = k.orbit.Propagate(simTime)
		return nil
	}); err != nil {
		k.failTick(ctx, next, "orbit", err)
	}

	if err := runStage("attitude", func() error {
		var targetECI *model.Vec3
		if k.lastPointing != nil {
			eci := k.orbit.TargetECI(*k.lastPointing, simTime)
			targetECI = &eci
		}
		next.Attitude = k.attitude.Update(prior.Attitude, next.Orbit, targetECI, k.lastPointingID, dt)
		return nil
	}); err != nil {
		k.failTick(ctx, next, "attitude", err)
	}

	var active *model.ImagingTask
	if err := runStage("scheduler", func() error {
		selected, missed := k.sched.Select(simTime)
		for _, m := range missed {
			k.noteMissed(ctx, next, m)
		}
		active = selected
		return nil
	}); err != nil {
		k.failTick(ctx, next, "scheduler", err)
	}
	if active != nil {
		target := active.Target
		k.lastPointing = &target
		k.lastPointingID = active.ID
	}

	payloadLoads := k.runPayload(ctx, next, prior, active, simTime, dt)

	if err := runStage("power", func() error {
		loads := []PowerLoad{
			{Name: "bus", Watts: k.cfg.Power.IdleLoadW},
			{Name: "compute-idle", Watts: k.compute.IdleDraw(k.cfg.Compute.DefaultModel)},
		}
		loads = append(loads, payloadLoads...)
		power, alerts := k.power.Update(prior.Power, next.Orbit.Sunlit, loads, dt, simTime)
		next.Power = power
		next.Alerts = append(next.Alerts, alerts...)
		return nil
	}); err != nil {
		k.failTick(ctx, next, "power", err)
	}

	if err := runStage("scheduler", func() error {
		next.Tasks = k.sched.Snapshot()
		return nil
	}); err != nil {
		k.failTick(ctx, next, "scheduler", err)
	}
	return next
}

// runPayload executes the compute/camera step for the active task, if
// any. It returns the power loads the payload charged this tick.
//
// The depletion gate reads the prior committed charge: a tick that
// drains the battery still finishes its own capture, the next one is
// refused. Compute refusals and depleted power defer the task rather
// than failing the tick.
func (k *Kernel) runPayload(ctx context.Context, next, prior *model.SatelliteState, active *model.ImagingTask, simTime, dt float64) []PowerLoad {
	if active == nil {
		return nil
	}

	if Depleted(prior.Power) {
		k.deferActive(ctx, next, active, "power depleted", simTime)
		return nil
	}
	if prior.Compute.BusyUntil > simTime {
		k.deferActive(ctx, next, active, "compute busy", simTime)
		return nil
	}

	var loads []PowerLoad
	err := runStage("payload", func() error {
		computeState, result, err := k.compute.RunInference(k.cfg.Compute.DefaultModel, active.ID, prior.Compute, simTime)
		if err != nil {
			return err
		}
		next.Compute = computeState
		k.metrics.RecordInference(result.Detection)
		if dt > 0 {
			loads = append(loads, PowerLoad{Name: "compute", Watts: result.EnergyJ / dt})
		}

		if result.Detection {
			cued, ok := k.sched.CueFromInference(active.Target, simTime)
			if ok {
				next.Alerts = append(next.Alerts, model.Alert{
					Severity: model.SeverityInfo,
					Message:  fmt.Sprintf("detection cued follow-up task %s", cued.ID),
					Source:   "compute",
					SimTime:  simTime,
				})
			}
		}

		img, load := k.camera.Capture(active.ID, simTime, dt)
		next.LastImage = &img
		loads = append(loads, load)

		k.sched.Complete()
		k.metrics.RecordTaskOutcome(active.Kind, OutcomeCompleted)
		k.log.Debug(ctx, "task completed",
			logging.String("task_id", active.ID),
			logging.Float64("confidence", result.Confidence),
		)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrComputeBusy) {
			k.deferActive(ctx, next, active, "compute refused", simTime)
			return loads
		}
		// The task survives a crashed payload stage as a deferral; the
		// tick itself is error-flagged.
		k.deferActive(ctx, next, active, "payload failure", simTime)
		k.failTick(ctx, next, "payload", err)
	}
	return loads
}

// deferActive pushes the active task back (or drops it once retries are
// exhausted) and records the outcome.
func (k *Kernel) deferActive(ctx context.Context, next *model.SatelliteState, active *model.ImagingTask, reason string, simTime float64) {
	dropped := k.sched.Defer()
	if dropped != nil {
		k.noteMissed(ctx, next, *dropped)
		return
	}
	k.metrics.RecordTaskOutcome(active.Kind, OutcomeDeferred)
	k.log.Debug(ctx, "task deferred",
		logging.String("task_id", active.ID),
		logging.String("reason", reason),
	)
	next.Alerts = append(next.Alerts, model.Alert{
		Severity: model.SeverityInfo,
		Message:  fmt.Sprintf("task %s deferred: %s", active.ID, reason),
		Source:   "scheduler",
		SimTime:  simTime,
	})
}

// noteMissed records a permanently dropped task.
func (k *Kernel) noteMissed(ctx context.Context, next *model.SatelliteState, task model.ImagingTask) {
	k.metrics.RecordTaskOutcome(task.Kind, OutcomeMissed)
	k.log.Warn(ctx, "task missed",
		logging.String("task_id", task.ID),
		logging.String("kind", string(task.Kind)),
		logging.Int("attempts", task.Attempts),
	)
	next.Alerts = append(next.Alerts, model.Alert{
		Severity: model.SeverityWarning,
		Message:  fmt.Sprintf("%s task %s missed", task.Kind, task.ID),
		Source:   "scheduler",
		SimTime:  next.SimTime,
	})
}

// failTick applies the runtime error policy: log, flag, alert, carry
// the prior values of whatever the failed stage did not update.
func (k *Kernel) failTick(ctx context.Context, next *model.SatelliteState, stage string, err error) {
	k.log.Error(ctx, "tick stage failed",
		logging.String("stage", stage),
		logging.Err(err),
	)
	next.ErrorFlag = true
	next.Alerts = append(next.Alerts, model.Alert{
		Severity: model.SeverityCritical,
		Message:  fmt.Sprintf("%s stage failed: %v", stage, err),
		Source:   stage,
		SimTime:  next.SimTime,
	})
}

func (k *Kernel) drainCommands() []Command {
	k.cmdMu.Lock()
	defer k.cmdMu.Unlock()
	staged := k.staged
	k.staged = nil
	return staged
}

// runStage fences one subsystem call: a panic inside the stage is
// converted to an error so the tick boundary can absorb it.
func runStage(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", name, r)
		}
	}()
	return fn()
}
