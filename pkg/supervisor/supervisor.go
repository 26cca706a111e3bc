// Package supervisor owns the lifecycle of extension subprocesses:
// launch, restart with a consecutive-failure cap, graceful stop, and
// short-lived fan-out for image events. It runs as an isolated
// worker goroutine reachable only through a posted-command interface;
// no other package touches child handles directly.
package supervisor

import (
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/corvidlabs/pixolith/pkg/bus"
	"github.com/corvidlabs/pixolith/pkg/clock"
	"github.com/corvidlabs/pixolith/pkg/hosterrors"
	"github.com/corvidlabs/pixolith/pkg/hostkit"
	"github.com/corvidlabs/pixolith/pkg/observability"
	"github.com/corvidlabs/pixolith/pkg/registry"
)

// State is the supervisor's lifecycle state machine:
// Stopped → Starting → Started → Stopping → Stopped.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateStarted
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ManifestSource is the registry surface the supervisor reads. The
// concrete *registry.Registry satisfies it.
type ManifestSource interface {
	All() []*registry.Extension
	Get(id hostkit.ExtensionID) (*registry.Extension, bool)
}

// ImageEvent is an image bus event fanned out to short-lived extensions.
// For image.deleted the image object no longer exists, so only ImageID
// is bound and ImageURL stays empty.
type ImageEvent struct {
	Name     hostkit.EventName
	ImageID  string
	ImageURL string
}

// ProcessEvent is the payload of extension.process.* and extension.error
// bus events.
type ProcessEvent struct {
	ExtensionID hostkit.ExtensionID `json:"extensionId"`
	Entry       int                 `json:"entry"`
	Message     string              `json:"message,omitempty"`
}

// Config configures the supervisor.
type Config struct {
	NodePath               string
	ShellPath              string
	VenvPythonPath         string
	StopGracePeriod        time.Duration
	MaxConsecutiveRestarts int
	RestartDecayAfter      time.Duration
	// Metrics, when set, receives child launch/restart/failure counts.
	Metrics *observability.HostMetrics
}

func (c *Config) applyDefaults() {
	if c.NodePath == "" {
		c.NodePath = "node"
	}
	if c.ShellPath == "" {
		c.ShellPath = "/bin/sh"
	}
	if c.VenvPythonPath == "" {
		c.VenvPythonPath = "python3"
	}
	if c.StopGracePeriod <= 0 {
		c.StopGracePeriod = time.Second
	}
	if c.MaxConsecutiveRestarts <= 0 {
		c.MaxConsecutiveRestarts = 3
	}
	if c.RestartDecayAfter <= 0 {
		c.RestartDecayAfter = 60 * time.Second
	}
}

type childKey struct {
	extensionID hostkit.ExtensionID
	entry       int
}

type runningChild struct {
	child     Child
	startedAt time.Time
	// longLived marks a process.started child that is restarted on exit;
	// short-lived fan-out children are reaped silently.
	longLived bool
	// stopping marks an intentional stop so the exit watcher does not
	// count it as a failure.
	stopping bool
	// generation disambiguates restarts under the same key.
	generation uint64
}

type task struct {
	fn    func() error
	reply chan error
}

// Supervisor launches and supervises extension subprocesses.
type Supervisor struct {
	cfg       Config
	manifests ManifestSource
	bus       *bus.Bus
	clock     clock.Clock
	logger    *slog.Logger
	launcher  Launcher

	commands chan task
	quit     chan struct{}

	// All fields below are owned by the worker goroutine; Run is their
	// only writer.
	state              State
	webServicesBaseURL string
	apiKeys            map[hostkit.ExtensionID]string
	children           map[childKey]*runningChild
	failures           map[hostkit.ExtensionID]int
	nextGeneration     uint64

	closeOnce sync.Once
}

// New creates a Supervisor. launcher may be nil, in which case children
// are spawned with os/exec.
func New(cfg Config, manifests ManifestSource, b *bus.Bus, c clock.Clock, launcher Launcher, logger *slog.Logger) *Supervisor {
	cfg.applyDefaults()
	if c == nil {
		c = clock.Real{}
	}
	if launcher == nil {
		launcher = &execLauncher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:       cfg,
		manifests: manifests,
		bus:       b,
		clock:     c,
		logger:    logger,
		launcher:  launcher,
		commands:  make(chan task, 64),
		quit:      make(chan struct{}),
		children:  make(map[childKey]*runningChild),
		failures:  make(map[hostkit.ExtensionID]int),
		apiKeys:   make(map[hostkit.ExtensionID]string),
	}
}

// Run is the worker loop. It owns all supervisor state; every public
// method posts into it and waits for the reply.
func (s *Supervisor) Run() {
	for {
		select {
		case <-s.quit:
			return
		case t := <-s.commands:
			err := t.fn()
			if t.reply != nil {
				t.reply <- err
			}
		}
	}
}

// Close terminates the worker loop. Children are not touched; call Stop
// first for a clean shutdown.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
}

func (s *Supervisor) do(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case s.commands <- task{fn: fn, reply: reply}:
	case <-s.quit:
		return hosterrors.InternalErrorKind(hosterrors.KindSupervisorState, "supervisor is closed")
	}
	select {
	case err := <-reply:
		return err
	case <-s.quit:
		return hosterrors.InternalErrorKind(hosterrors.KindSupervisorState, "supervisor is closed")
	}
}

// post enqueues fn without waiting for completion, used by exit watchers
// so they never deadlock against a busy worker.
func (s *Supervisor) post(fn func() error) {
	go func() {
		select {
		case s.commands <- task{fn: fn}:
		case <-s.quit:
		}
	}()
}

func (s *Supervisor) wrongState(op string) error {
	return hosterrors.InternalErrorKind(hosterrors.KindSupervisorState,
		"supervisor cannot %s while %s", op, s.state)
}

// Start transitions Stopped → Starting → Started and launches one child
// per process.started instructions entry of every enabled extension.
func (s *Supervisor) Start(webServicesBaseURL string, apiKeys map[hostkit.ExtensionID]string) error {
	return s.do(func() error {
		if s.state != StateStopped {
			return s.wrongState("start")
		}
		s.state = StateStarting
		s.webServicesBaseURL = webServicesBaseURL
		for id, key := range apiKeys {
			s.apiKeys[id] = key
		}
		s.launchAllEnabled()
		s.state = StateStarted
		return nil
	})
}

// Stop transitions Started → Stopping → Stopped, terminating every
// child. Further commands are refused until a new Start.
func (s *Supervisor) Stop() error {
	return s.do(func() error {
		if s.state != StateStarted {
			return s.wrongState("stop")
		}
		s.state = StateStopping
		s.stopChildren(nil)
		s.state = StateStopped
		return nil
	})
}

// StartProcesses launches the long-lived children of the given
// extensions, recording their API keys first.
func (s *Supervisor) StartProcesses(apiKeys map[hostkit.ExtensionID]string) error {
	return s.do(func() error {
		if s.state != StateStarted {
			return s.wrongState("start processes")
		}
		for id, key := range apiKeys {
			s.apiKeys[id] = key
			ext, ok := s.manifests.Get(id)
			if !ok || ext.Status != registry.StatusEnabled {
				continue
			}
			s.launchLongLived(ext)
		}
		return nil
	})
}

// StopProcesses terminates every child of the given extensions and
// clears their restart counters, since a stop is always a human action.
func (s *Supervisor) StopProcesses(ids []hostkit.ExtensionID) error {
	return s.do(func() error {
		if s.state != StateStarted {
			return s.wrongState("stop processes")
		}
		byID := make(map[hostkit.ExtensionID]bool, len(ids))
		for _, id := range ids {
			byID[id] = true
			delete(s.failures, id)
			delete(s.apiKeys, id)
		}
		s.stopChildren(byID)
		return nil
	})
}

// ResetFailures clears an extension's consecutive-failure counter after
// a successful human action (pause/resume, update, uninstall).
func (s *Supervisor) ResetFailures(id hostkit.ExtensionID) {
	s.post(func() error {
		delete(s.failures, id)
		return nil
	})
}

// OnImageEvent fans an image event out to every short-lived extension
// (no process.started entry) whose manifest declares the corresponding
// event, launching one child per matching instructions entry.
func (s *Supervisor) OnImageEvent(ev ImageEvent) error {
	return s.do(func() error {
		if s.state != StateStarted {
			return s.wrongState("fan out image event")
		}
		manifestEvent, ok := busToManifestEvent(ev.Name)
		if !ok {
			return nil
		}
		for _, ext := range s.manifests.All() {
			if ext.Status != registry.StatusEnabled || ext.RequiresLongLivedSocket() {
				continue
			}
			for i, instr := range ext.Manifest.Instructions {
				if !declaresEvent(instr, manifestEvent) {
					continue
				}
				s.launchChild(ext, i, instr, false, ev)
			}
		}
		return nil
	})
}

// LiveChildren reports the number of currently running children for the
// extension.
func (s *Supervisor) LiveChildren(id hostkit.ExtensionID) int {
	n := 0
	s.do(func() error {
		for key := range s.children {
			if key.extensionID == id {
				n++
			}
		}
		return nil
	})
	return n
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	var st State
	s.do(func() error {
		st = s.state
		return nil
	})
	return st
}

func (s *Supervisor) launchAllEnabled() {
	for _, ext := range s.manifests.All() {
		if ext.Status != registry.StatusEnabled {
			continue
		}
		s.launchLongLived(ext)
	}
}

func (s *Supervisor) launchLongLived(ext *registry.Extension) {
	for i, instr := range ext.Manifest.Instructions {
		if !declaresEvent(instr, hostkit.ManifestEventProcessStarted) {
			continue
		}
		key := childKey{extensionID: ext.Manifest.ID, entry: i}
		if _, running := s.children[key]; running {
			continue
		}
		s.launchChild(ext, i, instr, true, ImageEvent{})
	}
}

func (s *Supervisor) launchChild(ext *registry.Extension, entry int, instr registry.Instructions, longLived bool, ev ImageEvent) {
	id := ext.Manifest.ID
	vars := map[string]string{
		"extensionId":            string(id),
		"apiKey":                 s.apiKeys[id],
		"webServicesBaseUrl":     s.webServicesBaseURL,
		"extensionDirectoryPath": ext.InstallDir,
		"imageId":                ev.ImageID,
		"imageUrl":               ev.ImageURL,
		"node":                   s.cfg.NodePath,
		"shell":                  s.cfg.ShellPath,
		"venvPython":             s.cfg.VenvPythonPath,
	}

	spec := resolveLaunchSpec(instr.Execution, vars, ext.InstallDir, s.cfg)
	spec.ExtensionID = id

	child, err := s.launcher.Launch(spec)
	if err != nil {
		s.logger.Error("extension child launch failed", "extension_id", id, "entry", entry, "error", err)
		s.bus.Publish("extension.error", ProcessEvent{ExtensionID: id, Entry: entry, Message: err.Error()})
		return
	}

	s.nextGeneration++
	rc := &runningChild{
		child:      child,
		startedAt:  s.clock.Now(),
		longLived:  longLived,
		generation: s.nextGeneration,
	}
	key := childKey{extensionID: id, entry: entry}
	s.children[key] = rc
	if m := s.cfg.Metrics; m != nil {
		m.ChildLaunches.Inc()
		m.ChildrenAlive.Inc()
	}

	if longLived {
		s.bus.Publish("extension.process.started", ProcessEvent{ExtensionID: id, Entry: entry})
	}

	gen := rc.generation
	go func() {
		<-child.Done()
		s.post(func() error {
			s.handleExit(key, gen, child.Err())
			return nil
		})
	}()
}

// handleExit runs on the worker goroutine after a child exits.
func (s *Supervisor) handleExit(key childKey, generation uint64, exitErr error) {
	rc, ok := s.children[key]
	if !ok || rc.generation != generation {
		return
	}
	delete(s.children, key)
	if m := s.cfg.Metrics; m != nil {
		m.ChildrenAlive.Dec()
	}

	if !rc.longLived || rc.stopping || s.state != StateStarted {
		return
	}
	id := key.extensionID

	if exitErr != nil {
		s.logger.Error("extension child exited", "extension_id", id, "entry", key.entry, "error", exitErr)
	}

	// A child that ran long enough earns its counter back.
	if s.clock.Since(rc.startedAt) >= s.cfg.RestartDecayAfter {
		delete(s.failures, id)
	}

	s.failures[id]++
	if s.failures[id] >= s.cfg.MaxConsecutiveRestarts {
		if m := s.cfg.Metrics; m != nil {
			m.ChildFailures.Inc()
		}
		s.logger.Error("extension restart limit reached", "extension_id", id, "entry", key.entry)
		s.bus.Publish("extension.error", ProcessEvent{
			ExtensionID: id,
			Entry:       key.entry,
			Message:     "restart limit reached; not restarting until paused and resumed",
		})
		s.bus.Publish("extension.process.stopped", ProcessEvent{ExtensionID: id, Entry: key.entry})
		return
	}

	ext, ok := s.manifests.Get(id)
	if !ok || ext.Status != registry.StatusEnabled {
		return
	}
	if key.entry >= len(ext.Manifest.Instructions) {
		return
	}
	if m := s.cfg.Metrics; m != nil {
		m.ChildRestarts.Inc()
	}
	s.launchChild(ext, key.entry, ext.Manifest.Instructions[key.entry], true, ImageEvent{})
}

// stopChildren terminates the selected children (all when byID is nil):
// graceful signal, grace period, then force. Windows has no graceful
// path and is force-killed immediately.
func (s *Supervisor) stopChildren(byID map[hostkit.ExtensionID]bool) {
	var stopping []childKey
	for key, rc := range s.children {
		if byID != nil && !byID[key.extensionID] {
			continue
		}
		rc.stopping = true
		stopping = append(stopping, key)
		if runtime.GOOS == "windows" {
			rc.child.Kill()
		} else {
			rc.child.Terminate()
		}
	}

	deadlineAt := s.clock.Now().Add(s.cfg.StopGracePeriod)
	for _, key := range stopping {
		rc := s.children[key]
		if rc == nil {
			continue
		}
		remaining := deadlineAt.Sub(s.clock.Now())
		if remaining < 0 {
			remaining = 0
		}
		select {
		case <-rc.child.Done():
		case <-s.clock.After(remaining):
			rc.child.Kill()
			<-rc.child.Done()
		}
		delete(s.children, key)
		if m := s.cfg.Metrics; m != nil {
			m.ChildrenAlive.Dec()
		}
		s.bus.Publish("extension.process.stopped", ProcessEvent{ExtensionID: key.extensionID, Entry: key.entry})
	}
}

func declaresEvent(instr registry.Instructions, event string) bool {
	for _, ev := range instr.Events {
		if ev == event {
			return true
		}
	}
	return false
}

// busToManifestEvent inverts the fixed manifest-event → bus-event
// mapping for image and text events.
func busToManifestEvent(name hostkit.EventName) (string, bool) {
	for manifestEvent, busEvent := range hostkit.ManifestEventToBusEvent {
		if busEvent == name && (strings.HasPrefix(manifestEvent, "image.") || strings.HasPrefix(manifestEvent, "text.")) {
			return manifestEvent, true
		}
	}
	return "", false
}
