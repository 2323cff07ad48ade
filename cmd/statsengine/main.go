// Command statsengine is the compute-engine worker process. The controller
// spawns one per session, hands it a unix socket and its own pid, and talks
// the typeRequest protocol over the socket until it asks the engine to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"statsengine/pkg/config"
	"statsengine/pkg/engine"
	"statsengine/pkg/eventlog"
	"statsengine/pkg/ipc"
	"statsengine/pkg/logx"
	"statsengine/pkg/metrics"
	"statsengine/pkg/rt/procrt"
	"statsengine/pkg/tempfiles"
	"statsengine/pkg/version"
)

func main() {
	var (
		socketPath  string
		parentPID   int
		workerCmd   string
		configPath  string
		showVersion bool
	)
	flag.StringVar(&socketPath, "socket", "", "Path to the controller's unix socket")
	flag.IntVar(&parentPID, "parent-pid", 0, "Controller process id, for liveness checks")
	flag.StringVar(&workerCmd, "worker", "statsengine-worker", "Computation worker command")
	flag.StringVar(&configPath, "config", "", "Path to YAML config file (optional)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("statsengine %s (%s, built %s)\n", version.Version, version.Commit, version.Date)
		return
	}
	if socketPath == "" {
		log.Fatalf("missing required -socket flag")
	}

	os.Exit(run(socketPath, parentPID, workerCmd, configPath))
}

func run(socketPath string, parentPID int, workerCmd, configPath string) int {
	logger := logx.NewLogger("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config: %v", err)
		return 1
	}
	settings := cfg.Snapshot()

	if settings.LogDir != "" {
		if err := logx.SetLogFile(settings.LogDir); err != nil {
			logger.Warn("failed to open log file, staying on stderr: %v", err)
		}
	}
	logger.Info("statsengine %s starting, controller pid %d", version.Version, parentPID)

	tempRoot := settings.TempRoot
	if tempRoot == "" {
		tempRoot = tempfiles.SessionRoot(parentPID)
	}
	tmp, err := tempfiles.Attach(tempRoot)
	if err != nil {
		logger.Error("failed to attach temp file tracker: %v", err)
		return 1
	}
	defer func() { _ = tmp.Close() }()

	var events *eventlog.Writer
	if settings.EventLogDir != "" {
		events, err = eventlog.NewWriter(settings.EventLogDir)
		if err != nil {
			logger.Warn("failed to open event log, tracing disabled: %v", err)
		} else {
			defer func() { _ = events.Close() }()
		}
	}

	ch, err := ipc.Dial(socketPath)
	if err != nil {
		logger.Error("failed to connect to controller: %v", err)
		return 1
	}

	runtime, err := procrt.Start(workerCmd)
	if err != nil {
		logger.Error("failed to start computation worker: %v", err)
		_ = ch.Close()
		return 1
	}

	eng := engine.New(engine.Options{
		Config:    cfg,
		Channel:   ch,
		Runtime:   runtime,
		TempFiles: tmp,
		Events:    events,
		Metrics:   metrics.NewPrometheusRecorder(),
		ParentPID: parentPID,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exitCode := 0
	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("engine failed: %v", err)
		exitCode = 1
	}

	if err := eng.Close(); err != nil {
		logger.Warn("engine close failed: %v", err)
	}
	if err := runtime.Stop(); err != nil {
		logger.Warn("worker shutdown failed: %v", err)
	}

	logger.Info("statsengine exiting")
	return exitCode
}
