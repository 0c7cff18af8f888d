// Package daemon hosts the self-test controller: it ticks the controller,
// serves the control socket, reloads the machine profile and fans events out
// to the journal, the run history and the live feed.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/selftestd/internal/events"
	"github.com/msageha/selftestd/internal/feed"
	"github.com/msageha/selftestd/internal/history"
	"github.com/msageha/selftestd/internal/lock"
	"github.com/msageha/selftestd/internal/logging"
	"github.com/msageha/selftestd/internal/model"
	"github.com/msageha/selftestd/internal/notify"
	"github.com/msageha/selftestd/internal/profile"
	"github.com/msageha/selftestd/internal/selftest"
	"github.com/msageha/selftestd/internal/sim"
	"github.com/msageha/selftestd/internal/store"
	"github.com/msageha/selftestd/internal/uds"
)

const (
	journalFile     = "events.jsonl"
	busBufferSize   = 256
	recentRunsShown = 5
)

// Daemon is the selftestd daemon process.
type Daemon struct {
	stateDir  string
	config    model.Config
	logger    *logging.Logger
	logFile   io.Closer
	startedAt time.Time

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher

	bus        *events.Bus
	journal    *events.Journal
	history    history.Store
	store      store.Store
	machine    *sim.Machine
	factory    *sim.Factory
	responses  *Mailbox
	controller *selftest.Controller
	feed       *feed.Server

	mu            sync.Mutex
	profile       *profile.Profile
	profilePath   string
	reloadPending bool

	snapshots singleflight.Group
	detach    []func()

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	groupCtx context.Context
	shutdown sync.Once
}

// New creates a Daemon logging to <stateDir>/logs/daemon.log.
func New(stateDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(stateDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	d, err := newDaemon(stateDir, cfg, logFile, logFile)
	if err != nil {
		logFile.Close()
		return nil, err
	}
	return d, nil
}

// newDaemon builds every component without starting anything.
func newDaemon(stateDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	cfg = cfg.WithDefaults()
	root := logging.New(log.New(w, "", 0), logging.ParseLevel(cfg.Logging.Level), "daemon")

	d := &Daemon{
		stateDir:    stateDir,
		config:      cfg,
		logger:      root,
		logFile:     closer,
		fileLock:    lock.NewFileLock(filepath.Join(stateDir, "locks", "daemon.lock")),
		bus:         events.NewBus(busBufferSize),
		responses:   NewMailbox(),
		profilePath: resolve(stateDir, cfg.Machine.Profile),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.server = uds.NewServer(filepath.Join(stateDir, uds.DefaultSocketName), d.handlers(), root)

	p, err := profile.Load(d.profilePath)
	if err != nil && !fileExists(d.profilePath) {
		d.logger.Warnf("profile %s not found, using built-in default", d.profilePath)
		p, err = profile.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	d.profile = p

	d.store, err = store.NewStore(cfg.Store.Backend, resolve(stateDir, cfg.Store.Path), stateDir, p.Tools, root)
	if err != nil {
		return nil, fmt.Errorf("result store: %w", err)
	}

	historyKind := "memory"
	if cfg.History.Enabled {
		historyKind = "sqlite"
	}
	d.history, err = history.NewStore(historyKind, resolve(stateDir, cfg.History.SQLitePath), cfg.History.MaxRows)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}

	d.machine = sim.NewMachine(p)
	d.factory = sim.NewFactory(p, d.machine)

	opts := selftest.OptionsFromConfig(cfg.Selftest)
	opts.Store = d.store
	opts.Machine = d.machine
	opts.Factory = d.factory
	opts.Responses = d.responses
	opts.Publisher = d.bus
	opts.Logger = root
	opts.ToolCount = p.Tools
	d.controller = selftest.NewController(opts)

	d.feed = feed.New(func() any { return d.controller.Snapshot() }, root)
	return d, nil
}

func resolve(stateDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(stateDir, path)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// wire opens the journal and subscribes the event consumers.
func (d *Daemon) wire() error {
	journal, err := events.NewJournal(filepath.Join(d.stateDir, "logs", journalFile), 0)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	d.journal = journal
	d.detach = append(d.detach, journal.Attach(d.bus, func(err error) {
		d.logger.Errorf("journal write failed: %v", err)
	}))

	d.detach = append(d.detach, history.Attach(context.Background(), d.bus, d.history, func(err error) {
		d.logger.Errorf("history record failed: %v", err)
	}))

	d.detach = append(d.detach, d.bus.Subscribe(events.EventRunEnded, func(e events.Event) {
		rec, err := history.RecordFromEvent(e)
		if err == nil {
			err = d.store.SaveLastRun(rec)
		}
		if err != nil {
			d.logger.Errorf("save last run failed: %v", err)
			return
		}
		d.logger.Infof("run=%s ended state=%s outcome=%s duration=%s",
			rec.RunID, rec.State, rec.Outcome, rec.Duration().Round(time.Millisecond))
	}))

	if d.config.Feed.Listen != "" {
		d.feed.Attach(d.bus)
	}
	if d.config.Notify.Enabled {
		d.detach = append(d.detach, notify.New().Attach(d.bus, func(err error) {
			d.logger.Warnf("desktop notification failed: %v", err)
		}))
	}
	return nil
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := os.MkdirAll(filepath.Join(d.stateDir, "locks"), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.startedAt = time.Now()
	d.logger.Infof("daemon starting pid=%d profile=%s tools=%d", os.Getpid(), d.profile.Name, d.profile.Tools)

	if err := d.history.Init(d.ctx); err != nil {
		d.cleanup()
		return fmt.Errorf("init history: %w", err)
	}
	if err := d.wire(); err != nil {
		d.cleanup()
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	if err := watcher.Add(filepath.Dir(d.profilePath)); err != nil {
		d.cleanup()
		return fmt.Errorf("watch %s: %w", filepath.Dir(d.profilePath), err)
	}

	if err := d.server.Listen(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.logger.Infof("UDS server listening on %s", filepath.Join(d.stateDir, uds.DefaultSocketName))

	d.group, d.groupCtx = errgroup.WithContext(d.ctx)
	d.group.Go(func() error { return d.tickLoop(d.groupCtx) })
	d.group.Go(func() error { return d.watchLoop(d.groupCtx) })
	d.group.Go(func() error { return d.server.Serve(d.groupCtx) })
	if addr := d.config.Feed.Listen; addr != "" {
		d.group.Go(func() error { return d.feed.Serve(d.groupCtx, addr) })
	}
	d.logger.Infof("daemon ready")

	d.waitSignals()
	return d.loopErr()
}

// waitSignals blocks until a shutdown signal, a shutdown request or a loop
// failure.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Infof("received signal=%s, initiating graceful shutdown", sig)
		go func() {
			<-sigCh
			d.logger.Warnf("received second signal, forcing exit")
			os.Exit(1)
		}()
	case <-d.groupCtx.Done():
		if err := context.Cause(d.groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Errorf("loop failed: %v", err)
		}
	}
	d.Shutdown()
}

func (d *Daemon) loopErr() error {
	if d.group == nil {
		return nil
	}
	if err := d.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Shutdown performs graceful shutdown (idempotent via sync.Once). A run in
// progress is aborted so the heaters and motors are left off.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Infof("shutdown started")

		if d.controller.Abort() {
			d.logger.Warnf("run aborted by shutdown")
		}

		d.cancel()
		if d.watcher != nil {
			d.watcher.Close()
		}
		d.feed.Close()

		if d.group != nil {
			timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
			done := make(chan struct{})
			go func() {
				_ = d.group.Wait()
				close(done)
			}()
			select {
			case <-done:
				d.logger.Infof("all loops drained")
			case <-time.After(timeout):
				d.logger.Warnf("shutdown timeout after %s, some loops may still run", timeout)
			}
		}

		d.logger.Infof("daemon stopped")
		d.cleanup()
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	d.cancel()
	for _, fn := range d.detach {
		fn()
	}
	d.detach = nil
	if d.watcher != nil {
		d.watcher.Close()
	}
	d.bus.Close()
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			d.logger.Warnf("close journal: %v", err)
		}
	}
	if err := d.history.Close(); err != nil {
		d.logger.Warnf("close history: %v", err)
	}
	os.Remove(filepath.Join(d.stateDir, uds.DefaultSocketName))
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}
