// Package orchestrator is the extension host's public facade:
// install, update, uninstall, pause/resume, synchronize, capability and
// command dispatch, throttling enforcement, and cleanup of
// extension-owned data. An orchestrator call mutates the registry and
// credential store, asks the supervisor to start or stop processes, and
// publishes bus events; it never touches sockets or child handles
// directly.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/corvidlabs/pixolith/pkg/audit"
	"github.com/corvidlabs/pixolith/pkg/bus"
	"github.com/corvidlabs/pixolith/pkg/clock"
	"github.com/corvidlabs/pixolith/pkg/credentials"
	"github.com/corvidlabs/pixolith/pkg/hosterrors"
	"github.com/corvidlabs/pixolith/pkg/hostkit"
	"github.com/corvidlabs/pixolith/pkg/observability"
	"github.com/corvidlabs/pixolith/pkg/registry"
	"github.com/corvidlabs/pixolith/pkg/store"
	"github.com/corvidlabs/pixolith/pkg/supervisor"
	"github.com/corvidlabs/pixolith/pkg/throttle"
)

// SupervisorControl is the supervisor's posted-command surface.
// *supervisor.Supervisor satisfies it.
type SupervisorControl interface {
	Start(webServicesBaseURL string, apiKeys map[hostkit.ExtensionID]string) error
	Stop() error
	StartProcesses(apiKeys map[hostkit.ExtensionID]string) error
	StopProcesses(ids []hostkit.ExtensionID) error
	OnImageEvent(ev supervisor.ImageEvent) error
	ResetFailures(id hostkit.ExtensionID)
}

// LifecycleEvent is the payload of extension.installed / updated /
// uninstalled bus events.
type LifecycleEvent struct {
	ExtensionID hostkit.ExtensionID `json:"extensionId"`
	Version     string              `json:"version,omitempty"`
}

// ImagePayload is carried by re-emitted image events during synchronize
// and by capability dispatches keyed on an image.
type ImagePayload struct {
	ImageID  string `json:"imageId"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// CommandPayload is carried by process.runCommand and image.runCommand.
type CommandPayload struct {
	CommandID  string          `json:"commandId"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	ImageIDs   []string        `json:"imageIds,omitempty"`
}

// Config configures the Orchestrator.
type Config struct {
	WebServicesBaseURL string
	// Metrics, Tracer and History, when set, receive per-dispatch
	// telemetry alongside the audit log.
	Metrics *observability.HostMetrics
	Tracer  *observability.Tracer
	History *observability.DispatchHistory
}

// Orchestrator coordinates the registry, credential store, bus,
// supervisor and data stores.
type Orchestrator struct {
	cfg         Config
	registry    *registry.Registry
	credentials *credentials.Store
	bus         *bus.Bus
	supervisor  SupervisorControl
	limiter     *throttle.Limiter
	stores      store.DataStores
	images      store.ImageRepository
	audit       *audit.Logger
	clock       clock.Clock
	logger      *slog.Logger
}

// New creates an Orchestrator. auditLogger and images may be nil in
// deployments without those collaborators.
func New(cfg Config, reg *registry.Registry, creds *credentials.Store, b *bus.Bus, sup SupervisorControl, stores store.DataStores, images store.ImageRepository, auditLogger *audit.Logger, c clock.Clock, logger *slog.Logger) *Orchestrator {
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:         cfg,
		registry:    reg,
		credentials: creds,
		bus:         b,
		supervisor:  sup,
		limiter:     throttle.NewLimiter(c),
		stores:      stores,
		images:      images,
		audit:       auditLogger,
		clock:       c,
		logger:      logger,
	}
}

// Start issues keys for every persisted extension, installs or upgrades
// built-ins, and brings the supervisor up.
func (o *Orchestrator) Start(ctx context.Context) error {
	keys := make(map[hostkit.ExtensionID]string)
	for _, ext := range o.registry.All() {
		id := ext.Manifest.ID
		_, key, err := o.credentials.RegisterExtensionKey(id)
		if err != nil {
			return err
		}
		if err := o.registry.RefreshParameters(id, o.cfg.WebServicesBaseURL, key); err != nil {
			return err
		}
		keys[id] = key
	}

	if err := o.registry.ScanBuiltIns(o.cfg.WebServicesBaseURL, func(id hostkit.ExtensionID) (string, error) {
		_, key, err := o.credentials.RegisterExtensionKey(id)
		if err != nil {
			return "", err
		}
		keys[id] = key
		return key, nil
	}); err != nil {
		return err
	}

	o.refreshRegistryGauges()
	return o.supervisor.Start(o.cfg.WebServicesBaseURL, keys)
}

// Stop shuts the supervisor down.
func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.supervisor.Stop()
}

// Install validates and persists a new extension from an archive,
// issues its API key, and starts its processes.
func (o *Orchestrator) Install(ctx context.Context, archive []byte) (*registry.Extension, error) {
	id, err := o.registry.PeekID(archive)
	if err != nil {
		o.logAction(ctx, audit.EventInstall, "", nil, err)
		return nil, err
	}
	if _, exists := o.registry.Get(id); exists {
		err := hosterrors.BadRequest("extension %q is already installed", id)
		o.logAction(ctx, audit.EventInstall, string(id), nil, err)
		return nil, err
	}

	_, key, err := o.credentials.RegisterExtensionKey(id)
	if err != nil {
		return nil, err
	}

	ext, err := o.registry.Install(archive, o.cfg.WebServicesBaseURL, key)
	if err != nil {
		o.credentials.Unregister(id)
		o.logAction(ctx, audit.EventInstall, string(id), nil, err)
		return nil, err
	}

	o.bus.Publish("extension.installed", LifecycleEvent{ExtensionID: id, Version: ext.Manifest.Version})
	if err := o.supervisor.StartProcesses(map[hostkit.ExtensionID]string{id: key}); err != nil {
		o.logger.Error("starting processes after install", "extension_id", id, "error", err)
	}

	if m := o.cfg.Metrics; m != nil {
		m.InstallsTotal.Inc()
	}
	o.refreshRegistryGauges()
	o.logAction(ctx, audit.EventInstall, string(id), map[string]any{"version": ext.Manifest.Version}, nil)
	return ext, nil
}

// Update replaces an installed extension from a new archive, preserving
// its paused/enabled status and rotating its API key.
func (o *Orchestrator) Update(ctx context.Context, id hostkit.ExtensionID, archive []byte) (*registry.Extension, error) {
	if _, ok := o.registry.Get(id); !ok {
		return nil, hosterrors.BadRequest("extension %q is not installed", id)
	}

	if err := o.supervisor.StopProcesses([]hostkit.ExtensionID{id}); err != nil {
		return nil, err
	}

	_, key, err := o.credentials.RegisterExtensionKey(id)
	if err != nil {
		return nil, err
	}

	ext, err := o.registry.Update(id, archive, o.cfg.WebServicesBaseURL, key)
	if err != nil {
		o.logAction(ctx, audit.EventUpdate, string(id), nil, err)
		return nil, err
	}

	o.supervisor.ResetFailures(id)
	o.bus.Publish("extension.updated", LifecycleEvent{ExtensionID: id, Version: ext.Manifest.Version})

	if ext.Status == registry.StatusEnabled {
		if err := o.supervisor.StartProcesses(map[hostkit.ExtensionID]string{id: key}); err != nil {
			o.logger.Error("restarting processes after update", "extension_id", id, "error", err)
		}
	}

	o.logAction(ctx, audit.EventUpdate, string(id), map[string]any{"version": ext.Manifest.Version}, nil)
	return ext, nil
}

// Uninstall stops an extension's processes and atomically removes its
// manifest, API key, install directory, and every extension-owned
// row. Built-ins are re-installed from the
// built-in directory at next startup if still present there.
func (o *Orchestrator) Uninstall(ctx context.Context, id hostkit.ExtensionID) error {
	if _, ok := o.registry.Get(id); !ok {
		return hosterrors.BadRequest("extension %q is not installed", id)
	}

	if err := o.supervisor.StopProcesses([]hostkit.ExtensionID{id}); err != nil {
		return err
	}

	if _, err := o.registry.Uninstall(id); err != nil {
		o.logAction(ctx, audit.EventUninstall, string(id), nil, err)
		return err
	}
	o.credentials.Unregister(id)
	o.supervisor.ResetFailures(id)
	o.forgetThrottles(id)

	// The delete path is retried once: the stores are transactional on
	// their side, and a second pass clears rows a first partial failure
	// left behind.
	if err := o.stores.DeleteExtensionData(ctx, string(id)); err != nil {
		o.logger.Warn("extension data cleanup failed, retrying", "extension_id", id, "error", err)
		if err := o.stores.DeleteExtensionData(ctx, string(id)); err != nil {
			o.logAction(ctx, audit.EventUninstall, string(id), nil, err)
			return hosterrors.InternalError(err)
		}
	}

	o.bus.Publish("extension.uninstalled", LifecycleEvent{ExtensionID: id})
	if m := o.cfg.Metrics; m != nil {
		m.UninstallsTotal.Inc()
	}
	o.refreshRegistryGauges()
	o.logAction(ctx, audit.EventUninstall, string(id), nil, nil)
	return nil
}

// PauseOrResume transitions the extension's status. Resuming restarts
// its processes and triggers a synchronize.
func (o *Orchestrator) PauseOrResume(ctx context.Context, id hostkit.ExtensionID, paused bool) error {
	status := registry.StatusEnabled
	eventType := audit.EventResume
	if paused {
		status = registry.StatusPaused
		eventType = audit.EventPause
	}

	ext, err := o.registry.SetStatus(id, status)
	if err != nil {
		return err
	}
	o.supervisor.ResetFailures(id)
	o.refreshRegistryGauges()

	if paused {
		o.logAction(ctx, eventType, string(id), nil, nil)
		return o.supervisor.StopProcesses([]hostkit.ExtensionID{id})
	}

	key, ok := o.credentials.KeyFor(id)
	if !ok {
		if _, key, err = o.credentials.RegisterExtensionKey(id); err != nil {
			return err
		}
		if err := o.registry.RefreshParameters(id, o.cfg.WebServicesBaseURL, key); err != nil {
			return err
		}
	}
	if err := o.supervisor.StartProcesses(map[hostkit.ExtensionID]string{id: key}); err != nil {
		return err
	}
	o.logAction(ctx, eventType, string(id), nil, nil)

	if err := o.Synchronize(ctx, id); err != nil {
		o.logger.Warn("synchronize after resume failed", "extension_id", ext.Manifest.ID, "error", err)
	}
	return nil
}

// Synchronize re-emits, for every image in every repository, the image
// events the extension subscribes to, excluding events that would be
// no-ops given its current capability set. Paused extensions are
// rejected. Re-emits are fire-and-forget: on resume the extension's
// socket is usually still connecting, so a bulk sync must not block on
// acknowledgments that cannot arrive yet.
func (o *Orchestrator) Synchronize(ctx context.Context, id hostkit.ExtensionID) error {
	ext, ok := o.registry.Get(id)
	if !ok {
		return hosterrors.BadRequest("extension %q is not installed", id)
	}
	if ext.Status == registry.StatusPaused {
		return hosterrors.BadRequest("extension %q is paused", id)
	}
	if o.images == nil {
		return nil
	}

	events := synchronizeEvents(ext)
	if len(events) == 0 {
		o.logAction(ctx, audit.EventSynchronize, string(id), nil, nil)
		return nil
	}

	images, err := o.images.ListImages(ctx)
	if err != nil {
		return hosterrors.InternalError(err)
	}

	for _, img := range images {
		for _, event := range events {
			payload := ImagePayload{ImageID: img.ID, ImageURL: img.URL}
			if err := o.emit(ctx, ext, event, payload); err != nil {
				return err
			}
		}
	}
	o.logAction(ctx, audit.EventSynchronize, string(id), map[string]any{"images": len(images)}, nil)
	return nil
}

// synchronizeEvents selects the bus events a synchronize re-emits:
// image.created when subscribed, plus each compute event whose
// capability the extension actually declares; a compute delivery
// without the capability would be a no-op on the extension side.
func synchronizeEvents(ext *registry.Extension) []hostkit.EventName {
	declared := map[string]bool{}
	for _, instr := range ext.Manifest.Instructions {
		for _, ev := range instr.Events {
			declared[ev] = true
		}
	}
	caps := map[hostkit.Capability]bool{}
	for _, c := range ext.Capabilities() {
		caps[c] = true
	}

	var out []hostkit.EventName
	if declared[hostkit.ManifestEventImageCreated] {
		out = append(out, "image.created")
	}
	if caps[hostkit.CapabilityImageFeatures] {
		out = append(out, "image.computeFeatures")
	}
	if caps[hostkit.CapabilityImageEmbeddings] {
		out = append(out, "image.computeEmbeddings")
	}
	if caps[hostkit.CapabilityImageTags] {
		out = append(out, "image.computeTags")
	}
	return out
}

// NotifyImageEvent is the wider server's entry point for image
// lifecycle events: marked per-extension deliveries over the sockets
// (throttled), plus the supervisor's short-lived fan-out.
func (o *Orchestrator) NotifyImageEvent(ctx context.Context, ev supervisor.ImageEvent) error {
	manifestEvent := ""
	for me, be := range hostkit.ManifestEventToBusEvent {
		if be == ev.Name {
			manifestEvent = me
			break
		}
	}
	if manifestEvent == "" {
		return hosterrors.BadRequest("unknown image event %q", ev.Name)
	}

	payload := ImagePayload{ImageID: ev.ImageID, ImageURL: ev.ImageURL}
	for _, ext := range o.registry.All() {
		if ext.Status != registry.StatusEnabled {
			continue
		}
		declared := false
		for _, instr := range ext.Manifest.Instructions {
			for _, e := range instr.Events {
				if e == manifestEvent {
					declared = true
				}
			}
		}
		if !declared {
			continue
		}
		ext := ext
		go func() {
			if _, err := o.deliver(ctx, ext, ev.Name, payload); err != nil {
				o.logger.Warn("image event delivery failed", "extension_id", ext.Manifest.ID, "event", ev.Name, "error", err)
			}
		}()
	}

	return o.supervisor.OnImageEvent(ev)
}

// RunCapability dispatches a payload to the first enabled, connected
// extension declaring the capability and returns its acknowledged
// result.
func (o *Orchestrator) RunCapability(ctx context.Context, capability hostkit.Capability, payload any) (any, error) {
	start := o.clock.Now()
	ctx, span := o.startSpan(ctx, "capability.run", map[string]string{"capability": string(capability)})

	result, extensionID, event, err := o.runCapability(ctx, capability, payload)

	o.endSpan(span, err)
	if m := o.cfg.Metrics; m != nil {
		m.CapabilityCalls.Inc()
		m.CapabilityLatency.Observe(o.clock.Since(start).Seconds())
		if err != nil {
			m.CapabilityErrors.Inc()
		}
	}
	o.recordDispatch(span, "capability", extensionID, event, start, err)
	o.logCapability(ctx, capability, string(extensionID), start, err)
	return result, err
}

func (o *Orchestrator) runCapability(ctx context.Context, capability hostkit.Capability, payload any) (any, hostkit.ExtensionID, hostkit.EventName, error) {
	if !hostkit.ValidCapabilities[capability] {
		return nil, "", "", hosterrors.InternalErrorKind(hosterrors.KindCapabilityUnavailable, "unknown capability %q", capability)
	}

	candidates := o.registry.ByCapability(capability)
	if len(candidates) == 0 {
		return nil, "", "", hosterrors.InternalErrorKind(hosterrors.KindCapabilityUnavailable, "no enabled, connected extension supports %q", capability)
	}
	ext := candidates[0]

	event, err := hostkit.CapabilityBusEvent(capability)
	if err != nil {
		return nil, ext.Manifest.ID, "", hosterrors.InternalErrorKind(hosterrors.KindCapabilityUnavailable, "%s", err)
	}

	result, err := o.deliver(ctx, ext, event, payload)
	return result, ext.Manifest.ID, event, err
}

// RunProcessCommand validates parameters against the command's schema
// and dispatches process.runCommand to the extension's long-lived
// process, awaiting its acknowledgment.
func (o *Orchestrator) RunProcessCommand(ctx context.Context, id hostkit.ExtensionID, commandID string, parameters json.RawMessage) (any, error) {
	start := o.clock.Now()
	ext, cmd, ok := o.registry.ByCommand(id, commandID)
	if !ok {
		return nil, hosterrors.BadRequest("extension %q has no command %q", id, commandID)
	}
	if cmd.On.Entity != registry.CommandEntityProcess {
		return nil, hosterrors.BadRequest("command %q does not target the extension process", commandID)
	}
	if err := validateCommandParameters(cmd, parameters); err != nil {
		return nil, err
	}

	ctx, span := o.startSpan(ctx, "command.run", map[string]string{"command_id": commandID})
	result, err := o.deliver(ctx, ext, "process.runCommand", CommandPayload{CommandID: commandID, Parameters: parameters})
	o.endSpan(span, err)
	if m := o.cfg.Metrics; m != nil {
		m.CommandCalls.Inc()
		if err != nil {
			m.CommandErrors.Inc()
		}
	}
	o.recordDispatch(span, "command", id, "process.runCommand", start, err)
	if o.audit != nil {
		o.audit.LogCommand(ctx, commandID, string(id), nil, o.clock.Since(start), err)
	}
	return result, err
}

// RunImageCommand validates the target images and dispatches
// image.runCommand: an Image-entity command takes exactly one
// image, and a withTags filter requires every image to carry all those
// tags for this extension.
func (o *Orchestrator) RunImageCommand(ctx context.Context, id hostkit.ExtensionID, commandID string, parameters json.RawMessage, imageIDs []string) (any, error) {
	start := o.clock.Now()
	ext, cmd, ok := o.registry.ByCommand(id, commandID)
	if !ok {
		return nil, hosterrors.BadRequest("extension %q has no command %q", id, commandID)
	}
	switch cmd.On.Entity {
	case registry.CommandEntityImage:
		if len(imageIDs) != 1 {
			return nil, hosterrors.BadRequest("command %q targets a single image, got %d", commandID, len(imageIDs))
		}
	case registry.CommandEntityImages:
		if len(imageIDs) == 0 {
			return nil, hosterrors.BadRequest("command %q requires at least one image", commandID)
		}
	default:
		return nil, hosterrors.BadRequest("command %q does not target images", commandID)
	}

	if o.images != nil {
		for _, imageID := range imageIDs {
			img, err := o.images.GetImage(ctx, imageID)
			if err != nil {
				return nil, hosterrors.InternalError(err)
			}
			if img == nil {
				return nil, hosterrors.BadRequest("image %q does not exist", imageID)
			}
		}
	}

	if len(cmd.On.WithTags) > 0 && o.stores.Tags != nil {
		for _, imageID := range imageIDs {
			has, err := o.stores.Tags.HasTags(ctx, imageID, string(id), cmd.On.WithTags)
			if err != nil {
				return nil, hosterrors.InternalError(err)
			}
			if !has {
				return nil, hosterrors.BadRequest("image %q is missing required tags %s", imageID, strings.Join(cmd.On.WithTags, ", "))
			}
		}
	}

	if err := validateCommandParameters(cmd, parameters); err != nil {
		return nil, err
	}

	ctx, span := o.startSpan(ctx, "command.run", map[string]string{"command_id": commandID})
	result, err := o.deliver(ctx, ext, "image.runCommand", CommandPayload{CommandID: commandID, Parameters: parameters, ImageIDs: imageIDs})
	o.endSpan(span, err)
	if m := o.cfg.Metrics; m != nil {
		m.CommandCalls.Inc()
		if err != nil {
			m.CommandErrors.Inc()
		}
	}
	o.recordDispatch(span, "command", id, "image.runCommand", start, err)
	if o.audit != nil {
		o.audit.LogCommand(ctx, commandID, string(id), imageIDs, o.clock.Since(start), err)
	}
	return result, err
}

// GetSettings returns the extension's persisted settings value.
func (o *Orchestrator) GetSettings(ctx context.Context, id hostkit.ExtensionID) (json.RawMessage, error) {
	if _, ok := o.registry.Get(id); !ok {
		return nil, hosterrors.BadRequest("extension %q is not installed", id)
	}
	if o.stores.Settings == nil {
		return nil, nil
	}
	value, err := o.stores.Settings.Get(ctx, string(id))
	if err != nil {
		return nil, hosterrors.InternalError(err)
	}
	return value, nil
}

// SetSettings validates a settings value against the manifest's settings
// schema, persists it, and notifies the extension.
func (o *Orchestrator) SetSettings(ctx context.Context, id hostkit.ExtensionID, value json.RawMessage) error {
	ext, ok := o.registry.Get(id)
	if !ok {
		return hosterrors.BadRequest("extension %q is not installed", id)
	}
	if len(ext.Manifest.Settings) > 0 {
		schema, err := compileSchema(ext.Manifest.Settings, false)
		if err != nil {
			return hosterrors.InternalError(err)
		}
		var doc any
		if err := json.Unmarshal(value, &doc); err != nil {
			return hosterrors.BadRequest("settings value is not valid JSON: %v", err)
		}
		if err := schema.Validate(doc); err != nil {
			return hosterrors.BadRequest("settings value rejected: %v", err)
		}
	}
	if o.stores.Settings != nil {
		if err := o.stores.Settings.Set(ctx, string(id), value); err != nil {
			return hosterrors.InternalError(err)
		}
	}
	o.bus.PublishWithMarker("extension.settings", string(id), value)
	return nil
}

// deliver emits one event to one extension through its throttle queue
// and awaits the acknowledged result. Deliveries to an extension always
// await the acknowledgment so throttle slots release only after the
// extension has processed the event.
func (o *Orchestrator) deliver(ctx context.Context, ext *registry.Extension, event hostkit.EventName, payload any) (any, error) {
	id := ext.Manifest.ID

	var result any
	send := func() error {
		resCh := make(chan bus.Result, 1)
		_, err := o.bus.PublishWithResult(event, string(id), payload, func(r bus.Result) {
			resCh <- r
		})
		if err != nil {
			return hosterrors.InternalError(err)
		}
		select {
		case r := <-resCh:
			if r.Err != nil {
				return hosterrors.InternalErrorKind(hosterrors.KindChildFailure, "%s", r.Err)
			}
			result = r.Payload
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := o.throttled(ctx, ext, event, send); err != nil {
		return nil, err
	}
	return result, nil
}

// emit sends one marked event through the throttle queue without
// awaiting an acknowledgment, for bulk re-emits that must not block on
// a socket that is not connected yet.
func (o *Orchestrator) emit(ctx context.Context, ext *registry.Extension, event hostkit.EventName, payload any) error {
	id := ext.Manifest.ID
	return o.throttled(ctx, ext, event, func() error {
		o.bus.PublishWithMarker(event, string(id), payload)
		return nil
	})
}

// throttled runs fn under every throttling policy matching the
// extension and event. One queue is nested per matching policy;
// entries share the FIFO of the outermost queue so per-(extension,
// event) ordering matches emission order.
func (o *Orchestrator) throttled(ctx context.Context, ext *registry.Extension, event hostkit.EventName, fn func() error) error {
	windows := throttleWindows(ext, event)
	key := string(ext.Manifest.ID) + "|" + string(event)

	started := false
	run := func() error {
		started = true
		if m := o.cfg.Metrics; m != nil {
			m.ThrottleQueued.Dec()
		}
		return fn()
	}
	for i := len(windows) - 1; i >= 0; i-- {
		inner := run
		w := windows[i]
		policyKey := fmt.Sprintf("%s#%d", key, i)
		run = func() error {
			return o.limiter.Do(ctx, policyKey, w, inner)
		}
	}

	if m := o.cfg.Metrics; m != nil {
		m.ThrottleQueued.Inc()
	}
	err := run()
	if !started {
		if m := o.cfg.Metrics; m != nil {
			m.ThrottleQueued.Dec()
			if err != nil {
				m.ThrottleRejects.Inc()
			}
		}
	}
	return err
}

// throttleWindows collects every throttling policy of the manifest that
// names the event, in declaration order.
func throttleWindows(ext *registry.Extension, event hostkit.EventName) []throttle.Window {
	var out []throttle.Window
	for _, instr := range ext.Manifest.Instructions {
		for _, tp := range instr.ThrottlingPolicies {
			for _, ev := range tp.Events {
				if busName, ok := hostkit.ManifestEventToBusEvent[ev]; ok && busName == event {
					out = append(out, throttle.Window{
						Duration: time.Duration(tp.DurationMs) * time.Millisecond,
						MaxCount: tp.MaximumCount,
					})
				}
			}
		}
	}
	if len(out) == 0 {
		// No policy: an unbounded window still serializes deliveries per
		// (extensionId, event) through the FIFO queue.
		out = append(out, throttle.Window{})
	}
	return out
}

func (o *Orchestrator) forgetThrottles(id hostkit.ExtensionID) {
	for manifestEvent := range hostkit.ManifestEventToBusEvent {
		busName := hostkit.ManifestEventToBusEvent[manifestEvent]
		for i := 0; i < 8; i++ {
			o.limiter.Forget(fmt.Sprintf("%s|%s#%d", id, busName, i))
		}
	}
}

func validateCommandParameters(cmd *registry.Command, parameters json.RawMessage) error {
	if len(cmd.Parameters) == 0 {
		if len(parameters) > 0 && string(parameters) != "null" && string(parameters) != "{}" {
			return hosterrors.BadRequest("command %q takes no parameters", cmd.ID)
		}
		return nil
	}
	schema, err := compileSchema(cmd.Parameters, true)
	if err != nil {
		return hosterrors.InternalError(err)
	}
	doc := any(map[string]any{})
	if len(parameters) > 0 {
		if err := json.Unmarshal(parameters, &doc); err != nil {
			return hosterrors.BadRequest("command parameters are not valid JSON: %v", err)
		}
	}
	if err := schema.Validate(doc); err != nil {
		return hosterrors.BadRequest("command parameters rejected: %v", err)
	}
	return nil
}

// compileSchema compiles an extension-supplied JSON-schema, optionally
// tightening it with additionalProperties=false.
func compileSchema(raw json.RawMessage, closed bool) (*jsonschema.Schema, error) {
	if closed {
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		if _, set := doc["additionalProperties"]; !set {
			doc["additionalProperties"] = false
		}
		tightened, err := json.Marshal(doc)
		if err != nil {
			return nil, err
		}
		raw = tightened
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "https://pixolith.schemas.local/orchestrator/" + uuid.NewString() + ".schema.json"
	if err := c.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// refreshRegistryGauges republishes the installed/paused extension
// counts after a registry mutation.
func (o *Orchestrator) refreshRegistryGauges() {
	m := o.cfg.Metrics
	if m == nil {
		return
	}
	installed, paused := 0, 0
	for _, ext := range o.registry.All() {
		installed++
		if ext.Status == registry.StatusPaused {
			paused++
		}
	}
	m.ExtensionsInstalled.Set(int64(installed))
	m.ExtensionsPaused.Set(int64(paused))
}

func (o *Orchestrator) startSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, *observability.Span) {
	if o.cfg.Tracer == nil {
		return ctx, nil
	}
	return o.cfg.Tracer.StartSpan(ctx, name, attrs)
}

func (o *Orchestrator) endSpan(span *observability.Span, err error) {
	if span != nil {
		o.cfg.Tracer.EndSpan(span, err)
	}
}

// recordDispatch appends one replayable record per capability or
// command dispatch.
func (o *Orchestrator) recordDispatch(span *observability.Span, action string, extensionID hostkit.ExtensionID, event hostkit.EventName, start time.Time, err error) {
	h := o.cfg.History
	if h == nil {
		return
	}
	rec := &observability.DispatchRecord{
		ID:          uuid.NewString(),
		ExtensionID: string(extensionID),
		Event:       string(event),
		Action:      action,
		Duration:    o.clock.Since(start),
		Timestamp:   o.clock.Now(),
	}
	if span != nil {
		rec.TraceID = span.TraceID
	}
	if err != nil {
		rec.Error = err.Error()
	}
	h.Record(rec)
}

func (o *Orchestrator) logAction(ctx context.Context, eventType audit.EventType, extensionID string, metadata map[string]any, err error) {
	if o.audit == nil {
		return
	}
	o.audit.LogLifecycle(ctx, eventType, extensionID, metadata, err)
}

func (o *Orchestrator) logCapability(ctx context.Context, capability hostkit.Capability, extensionID string, start time.Time, err error) {
	if o.audit == nil {
		return
	}
	o.audit.LogCapability(ctx, string(capability), extensionID, o.clock.Since(start), err)
}
