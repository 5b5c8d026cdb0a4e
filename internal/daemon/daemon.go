// Package daemon runs the warden pipeline as a long-lived process: one
// flock-guarded worker per machine, driven by a ticker and filesystem
// events, controlled over a Unix domain socket.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wardenhq/warden/internal/aggregate"
	"github.com/wardenhq/warden/internal/events"
	"github.com/wardenhq/warden/internal/execute"
	"github.com/wardenhq/warden/internal/health"
	"github.com/wardenhq/warden/internal/jsonfile"
	"github.com/wardenhq/warden/internal/lock"
	"github.com/wardenhq/warden/internal/model"
	"github.com/wardenhq/warden/internal/notify"
	"github.com/wardenhq/warden/internal/outbox"
	"github.com/wardenhq/warden/internal/pattern"
	"github.com/wardenhq/warden/internal/publish"
	"github.com/wardenhq/warden/internal/registry"
	"github.com/wardenhq/warden/internal/source"
	"github.com/wardenhq/warden/internal/uds"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Daemon is the warden worker process.
type Daemon struct {
	wardenDir string
	config    model.Config
	logLevel  LogLevel
	logger    *log.Logger
	logFile   io.Closer

	fileLock  *lock.FileLock
	server    *uds.Server
	watcher   *fsnotify.Watcher
	ticker    *time.Ticker
	bus       *events.Bus
	notifier  *notify.Notifier
	healthLog *health.Log
	pipeline  *Pipeline
	status    *StatusFormatter

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

// New builds a daemon logging to logs/daemon.log under wardenDir.
func New(wardenDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(wardenDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(wardenDir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(wardenDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := log.New(w, "", 0)
	level := parseLogLevel(cfg.Logging.Level)

	d := &Daemon{
		wardenDir: wardenDir,
		config:    cfg,
		logLevel:  level,
		logger:    logger,
		logFile:   closer,
		fileLock:  lock.NewFileLock(filepath.Join(wardenDir, "locks", "daemon.lock")),
		server:    uds.NewServer(filepath.Join(wardenDir, uds.DefaultSocketName), logger),
		ticker:    time.NewTicker(time.Duration(cfg.Daemon.IntervalSec) * time.Second),
		bus:       events.NewBus(100),
		ctx:       ctx,
		cancel:    cancel,
	}

	if err := d.buildPipeline(); err != nil {
		cancel()
		return nil, err
	}
	return d, nil
}

// buildPipeline wires the readers, engine, and publisher.
func (d *Daemon) buildPipeline() error {
	pipeline, status, healthLog, err := wire(d.wardenDir, d.config, d.bus, d.logger, d.logLevel)
	if err != nil {
		return err
	}
	d.pipeline = pipeline
	d.status = status
	d.healthLog = healthLog

	d.notifier = notify.New(d.config.Notify.Enabled)
	d.notifier.Attach(d.bus)
	return nil
}

// wire builds the pipeline components shared by the daemon and the
// one-shot CLI path.
func wire(wardenDir string, cfg model.Config, bus *events.Bus, logger *log.Logger, level LogLevel) (*Pipeline, *StatusFormatter, *health.Log, error) {
	lockMap := lock.NewMutexMap()
	store := registry.NewStore(wardenDir, filepath.Join(wardenDir, "registry.json"))

	quarantine := func(path string) error {
		_, err := jsonfile.Quarantine(wardenDir, path)
		return err
	}
	readers := []source.Reader{
		source.NewScheduledReader(resolvePath(wardenDir, cfg.Sources.ScheduledFile)),
		source.NewSessionReader(resolvePath(wardenDir, cfg.Sources.SessionsDir), cfg.Aggregate.MaxWalkDepth, quarantine),
		source.NewProjectReader(resolvePath(wardenDir, cfg.Sources.ProjectsDir), cfg.Aggregate.MaxWalkDepth, quarantine),
	}
	aggregator := aggregate.New(readers, logger)

	healthLog, err := health.OpenLog(filepath.Join(wardenDir, "logs", "health.jsonl"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open health log: %w", err)
	}

	loader := pattern.NewLoader(resolvePath(wardenDir, cfg.Health.RulesFile))
	executor := execute.NewCommandExecutor(cfg.Execute.Runner, cfg.Execute.RunnerArgs)
	engine := health.NewEngine(cfg.Health, cfg.Execute, store, loader, executor,
		healthLog, lockMap, logger, health.LogLevel(level))
	engine.SetEventBus(bus)

	queue := outbox.NewQueue(wardenDir, filepath.Join(wardenDir, "outbox", "drafts.json"), cfg.Outbox.MaxDrafts)
	publisher := publish.New(resolvePath(wardenDir, cfg.Publish.Dir))

	pipeline := NewPipeline(cfg, queue, aggregator, store, engine, publisher,
		resolvePath(wardenDir, cfg.Sources.SkillsDir), resolvePath(wardenDir, cfg.Sources.AgentsDir),
		bus, logger, level)
	status := NewStatusFormatter(store, healthLog)
	status.SetMaxRetries(cfg.Health.MaxRetries)
	return pipeline, status, healthLog, nil
}

// resolvePath interprets a config path relative to the warden dir.
func resolvePath(wardenDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(wardenDir, p)
}

// resolve interprets a config path relative to the warden dir.
func (d *Daemon) resolve(p string) string {
	return resolvePath(d.wardenDir, p)
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(LogLevelInfo, "daemon starting pid=%d", os.Getpid())

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher

	// Watch the outbox and the source dirs; events debounce into an early
	// cycle. A missing source dir is created so the watch can attach.
	watchDirs := []string{
		filepath.Join(d.wardenDir, "outbox"),
		d.resolve(d.config.Sources.SessionsDir),
		d.resolve(d.config.Sources.ProjectsDir),
	}
	for _, dir := range watchDirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			d.cleanup()
			return fmt.Errorf("ensure dir %s: %w", dir, err)
		}
		if err := watcher.Add(dir); err != nil {
			d.cleanup()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	d.registerHandlers()

	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start control socket: %w", err)
	}
	d.log(LogLevelInfo, "control socket listening on %s", filepath.Join(d.wardenDir, uds.DefaultSocketName))

	d.wg.Add(2)
	go d.fsnotifyLoop()
	go d.tickerLoop()

	d.runCycle("startup")
	d.log(LogLevelInfo, "daemon ready")

	d.waitSignals()
	return nil
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle(uds.CmdCycle, func(req *uds.Request) *uds.Response {
		report, err := d.pipeline.Run(d.ctx)
		if err != nil {
			if errors.Is(err, ErrCycleInFlight) {
				return uds.ErrorResponse(uds.ErrCodeBusy, "a cycle is already running")
			}
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
		return uds.SuccessResponse(map[string]any{
			"tasks":    report.TaskCount,
			"duration": report.Duration.String(),
		})
	})

	d.server.Handle(uds.CmdStatus, func(req *uds.Request) *uds.Response {
		data, err := d.status.Collect()
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
		raw, err := json.Marshal(data)
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
		return &uds.Response{Success: true, Data: raw}
	})

	d.server.Handle(uds.CmdShutdown, func(req *uds.Request) *uds.Response {
		d.log(LogLevelInfo, "shutdown requested via control socket")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

// fsnotifyLoop debounces filesystem events into an early cycle.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	debounce := time.Duration(d.config.Daemon.DebounceSec * float64(time.Second))
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-d.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if strings.Contains(filepath.Base(event.Name), ".warden-tmp-") {
				continue
			}
			d.log(LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			d.runCycle("fsnotify")
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(LogLevelError, "fsnotify error=%v", err)
		}
	}
}

// tickerLoop triggers periodic cycles at the configured interval.
func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.runCycle("ticker")
		}
	}
}

func (d *Daemon) runCycle(trigger string) {
	d.log(LogLevelDebug, "cycle trigger=%s", trigger)
	if _, err := d.pipeline.Run(d.ctx); err != nil && !errors.Is(err, ErrCycleInFlight) {
		d.log(LogLevelError, "cycle trigger=%s error=%v", trigger, err)
	}
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal forces exit.
	go func() {
		<-sigCh
		d.log(LogLevelWarn, "received second signal, forcing exit")
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")

		d.cancel()
		d.ticker.Stop()
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}

		timeout := d.config.Daemon.ShutdownTimeoutSec
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			d.log(LogLevelInfo, "all goroutines drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.log(LogLevelWarn, "shutdown timeout after %ds, some operations may be incomplete", timeout)
		}

		d.cleanup()
		d.log(LogLevelInfo, "daemon stopped")
	})
}

func (d *Daemon) cleanup() {
	if d.notifier != nil {
		d.notifier.Detach()
	}
	if d.bus != nil {
		d.bus.Close()
	}
	if d.healthLog != nil {
		d.healthLog.Close()
	}
	os.Remove(filepath.Join(d.wardenDir, uds.DefaultSocketName))
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
