// Package engine implements the compute-engine controller: a long-lived
// worker that polls the controller channel, interprets requests against an
// explicit state machine, and drives analyses inside the embedded computation
// runtime.
//
// The whole engine is single-threaded. The appearance of concurrency comes
// from re-entrant synchronous calls: the main loop calls runAnalysis, which
// calls the runtime, which may call the progress callback, which drains the
// channel again and may mutate the analysis state mid-call. The one runtime
// call per loop iteration is the only suspension point.
package engine

import (
	"context"
	"os"
	"syscall"
	"time"

	"statsengine/pkg/columns"
	"statsengine/pkg/config"
	"statsengine/pkg/dataset"
	"statsengine/pkg/eventlog"
	"statsengine/pkg/ipc"
	"statsengine/pkg/logx"
	"statsengine/pkg/metrics"
	"statsengine/pkg/proto"
	"statsengine/pkg/rt"
	"statsengine/pkg/tempfiles"
)

// Options wires the engine to its collaborators. Channel, Runtime and
// TempFiles are required; everything else has a working default.
type Options struct {
	Config    *config.Config
	Channel   ipc.Channel
	Runtime   rt.Runtime
	TempFiles *tempfiles.Tracker
	Encoder   *columns.Encoder
	Dataset   dataset.Source   // nil when no data is loaded
	Events    *eventlog.Writer // nil disables the protocol trace
	Metrics   metrics.Recorder
	ParentPID int // 0 disables the parent liveness check
}

// Engine owns the one current EngineState/AnalysisStatus pair and the one
// in-flight analysis. It must only ever be driven from a single goroutine.
type Engine struct {
	cfg    *config.Config
	ch     ipc.Channel
	rt     rt.Runtime
	tmp    *tempfiles.Tracker
	enc    *columns.Encoder
	data   dataset.Source
	events *eventlog.Writer
	rec    metrics.Recorder
	log    *logx.Logger

	parentPID int

	state  proto.EngineState
	status proto.AnalysisStatus

	// The in-flight analysis. Shared across the whole call stack during a
	// runtime invocation: the nested channel drain may mutate any of it.
	task                 analysisTask
	taskKnowsAboutChange bool
	resultsRaw           string
	results              any
	progress             int
}

// New creates an engine in the initializing state.
func New(opts Options) *Engine {
	if opts.Config == nil {
		opts.Config = config.New()
	}
	if opts.Encoder == nil {
		opts.Encoder = columns.NewEncoder()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}

	return &Engine{
		cfg:       opts.Config,
		ch:        opts.Channel,
		rt:        opts.Runtime,
		tmp:       opts.TempFiles,
		enc:       opts.Encoder,
		data:      opts.Dataset,
		events:    opts.Events,
		rec:       opts.Metrics,
		log:       logx.NewLogger("engine"),
		parentPID: opts.ParentPID,
		state:     proto.StateInitializing,
		status:    proto.StatusEmpty,
		progress:  -1,
	}
}

// State returns the current engine state.
func (e *Engine) State() proto.EngineState {
	return e.state
}

// Status returns the current analysis status.
func (e *Engine) Status() proto.AnalysisStatus {
	return e.status
}

// transition moves the state machine. Only the dispatcher and the analysis
// lifecycle call this.
func (e *Engine) transition(next proto.EngineState) {
	if e.state == next {
		return
	}
	e.log.Debug("state %s -> %s", e.state, next)
	e.state = next
}

// Run drives the main loop until a stop request, a vanished parent, or
// context cancellation.
func (e *Engine) Run(ctx context.Context) error {
	// A previous incarnation of the engine may have left a message pending.
	e.SendString("")

	poll := time.Duration(e.cfg.Snapshot().PollIntervalMS) * time.Millisecond

	for e.state != proto.StateStopped && e.parentAlive() && ctx.Err() == nil {
		// Initialize first: ReceiveMessages may trigger handlers that expect
		// a ready runtime.
		if e.state == proto.StateInitializing {
			if err := e.initialize(); err != nil {
				return err
			}
		}

		e.ReceiveMessages(poll)

		switch e.state {
		case proto.StateIdle, proto.StatePaused, proto.StateStopped:
		case proto.StateAnalysis:
			e.runAnalysis()
		case proto.StateResuming:
			e.protocolViolation("state %s must never be current in the main loop", e.state)
		default:
			e.log.Warn("engine stuck in state %s, which is not supposed to happen", e.state)
		}
	}

	if e.state == proto.StateStopped {
		e.log.Info("engine leaving main loop after having been asked to stop")
	}
	return ctx.Err()
}

// initialize brings up the runtime, seeds the column encoder from the loaded
// dataset, and announces readiness with a resuming message.
func (e *Engine) initialize() error {
	e.log.Info("initializing computation runtime")

	if err := e.rt.Init(e.hooks()); err != nil {
		return logx.Wrap(err, "runtime initialization failed")
	}
	e.rt.SetLanguage(e.cfg.Snapshot().Language)

	// There may already be data, if the engine was killed and restarted.
	e.enc.SetColumnNames(e.columnNames())

	e.transition(proto.StateIdle)
	e.sendResumed() // tells the controller initialization finished

	e.log.Info("engine initialized")
	return nil
}

// hooks builds the service surface the runtime may call back into. The
// closures capture the engine itself, so file requests always land on the
// analysis that is current at call time.
func (e *Engine) hooks() rt.Hooks {
	return rt.Hooks{
		Send: func(msg string) { e.SendString(msg) },
		Poll: e.pollForRuntime,
		TempFile: func(ext string) (string, string, error) {
			return e.tmp.Create(ext, e.task.id)
		},
		SpecificFile: func(name string) (string, string, error) {
			return e.tmp.CreateSpecific(name, e.task.id)
		},
		StateFile: func() (string, string, error) {
			return e.tmp.CreateSpecific("state", e.task.id)
		},
		ResultsFile: func() (string, string, error) {
			return e.tmp.CreateSpecific("results.json", e.task.id)
		},
		ColumnNames: e.columnNames,
		RowCount: func() int {
			if e.data == nil {
				return 0
			}
			return e.data.RowCount()
		},
	}
}

// pollForRuntime is the drain used by self-reporting runtimes. It returns
// true when the current run should stop and unwind.
func (e *Engine) pollForRuntime() bool {
	if !e.ReceiveMessages(0) {
		return false
	}
	if e.state == proto.StatePaused || e.state == proto.StateStopped {
		return true
	}
	switch e.status {
	case proto.StatusChanged, proto.StatusAborted:
		e.log.Info("analysis status changed mid-run to %s", e.status)
		return true
	default:
		return false
	}
}

func (e *Engine) columnNames() []string {
	if e.data == nil {
		return nil
	}
	return e.data.ColumnNames()
}

func (e *Engine) releaseDataset() {
	if e.data != nil {
		e.data.Release()
	}
}

// parentAlive reports whether the controller process still exists. With no
// parent PID configured the check is disabled.
func (e *Engine) parentAlive() bool {
	if e.parentPID <= 0 {
		return true
	}
	proc, err := os.FindProcess(e.parentPID)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Close deletes every remaining temp file and closes the channel. The
// controller removes the transport endpoint itself.
func (e *Engine) Close() error {
	if e.tmp != nil {
		e.tmp.DeleteAll()
	}
	return e.ch.Close()
}
