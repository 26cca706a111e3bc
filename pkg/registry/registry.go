package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/corvidlabs/pixolith/pkg/hostkit"
	"github.com/corvidlabs/pixolith/pkg/hosterrors"
)

// Registry is the extension host's in-memory index over installed
// extensions, backed by a SQLiteStore for durability.
type Registry struct {
	mu sync.RWMutex

	extensions map[hostkit.ExtensionID]*Extension

	store                  *SQLiteStore
	installedExtensionsDir string
	builtInExtensionsDir   string
	modelsCacheDir         string
	maxArchiveBytes        int64
}

// Config configures a Registry.
type Config struct {
	Store                  *SQLiteStore
	InstalledExtensionsDir string
	BuiltInExtensionsDir   string
	ModelsCacheDir         string
	MaxArchiveBytes        int64
}

// New creates a Registry and loads every persisted extension record.
func New(cfg Config) (*Registry, error) {
	r := &Registry{
		extensions:              make(map[hostkit.ExtensionID]*Extension),
		store:                   cfg.Store,
		installedExtensionsDir:  cfg.InstalledExtensionsDir,
		builtInExtensionsDir:    cfg.BuiltInExtensionsDir,
		modelsCacheDir:          cfg.ModelsCacheDir,
		maxArchiveBytes:         cfg.MaxArchiveBytes,
	}

	if r.store != nil {
		loaded, err := r.store.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("load persisted extensions: %w", err)
		}
		for _, ext := range loaded {
			r.extensions[ext.Manifest.ID] = ext
		}
	}
	return r, nil
}

// Install parses, validates and persists a new extension from an archive,
// returning the resulting Extension. apiKey is the key just minted by the
// credential store for this extensionId.
func (r *Registry) Install(archive []byte, webServicesBaseURL, apiKey string) (*Extension, error) {
	manifest, extracted, err := parseArchive(archive, r.maxArchiveBytes)
	if err != nil {
		return nil, err
	}
	if hErr := validateManifest(manifest, extracted.names()); hErr != nil {
		return nil, hErr
	}

	r.mu.Lock()
	if _, exists := r.extensions[manifest.ID]; exists {
		r.mu.Unlock()
		return nil, hosterrors.BadRequest("extension %q is already installed", manifest.ID)
	}
	r.mu.Unlock()

	ext, err := r.persist(manifest, extracted, false, webServicesBaseURL, apiKey)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.extensions[manifest.ID] = ext
	r.mu.Unlock()

	return ext, nil
}

// PeekID parses and validates an archive without persisting anything,
// returning the manifest id. The orchestrator uses it to mint the
// extension's API key before the archive is extracted with that key in
// its parameters.json.
func (r *Registry) PeekID(archive []byte) (hostkit.ExtensionID, error) {
	manifest, extracted, err := parseArchive(archive, r.maxArchiveBytes)
	if err != nil {
		return "", err
	}
	if hErr := validateManifest(manifest, extracted.names()); hErr != nil {
		return "", hErr
	}
	return manifest.ID, nil
}

// RefreshParameters rewrites an installed extension's parameters.json,
// used at startup when keys are re-issued for persisted extensions.
func (r *Registry) RefreshParameters(extensionID hostkit.ExtensionID, webServicesBaseURL, apiKey string) error {
	r.mu.RLock()
	ext, ok := r.extensions[extensionID]
	r.mu.RUnlock()
	if !ok {
		return hosterrors.BadRequest("extension %q is not installed", extensionID)
	}
	if err := writeParametersIfChanged(ext.InstallDir, parameters{
		ExtensionID:        extensionID,
		WebServicesBaseURL: webServicesBaseURL,
		APIKey:             apiKey,
	}); err != nil {
		return hosterrors.InternalError(err)
	}
	return nil
}

// Update replaces an installed extension's manifest and files from a new
// archive, enforcing id-matches-folder.
func (r *Registry) Update(extensionID hostkit.ExtensionID, archive []byte, webServicesBaseURL, apiKey string) (*Extension, error) {
	manifest, extracted, err := parseArchive(archive, r.maxArchiveBytes)
	if err != nil {
		return nil, err
	}
	if err := validateIDMatchesFolder(manifest, string(extensionID)); err != nil {
		return nil, err
	}
	if hErr := validateManifest(manifest, extracted.names()); hErr != nil {
		return nil, hErr
	}

	r.mu.RLock()
	existing, ok := r.extensions[extensionID]
	r.mu.RUnlock()
	if !ok {
		return nil, hosterrors.BadRequest("extension %q is not installed", extensionID)
	}

	ext, err := r.persist(manifest, extracted, existing.IsBuiltIn, webServicesBaseURL, apiKey)
	if err != nil {
		return nil, err
	}
	ext.Status = existing.Status

	r.mu.Lock()
	r.extensions[extensionID] = ext
	r.mu.Unlock()

	return ext, nil
}

func (r *Registry) persist(manifest *Manifest, extracted extractedArchive, isBuiltIn bool, webServicesBaseURL, apiKey string) (*Extension, error) {
	installDir := filepath.Join(r.installedExtensionsDir, string(manifest.ID))

	if err := persistArchive(installDir, extracted.files); err != nil {
		return nil, hosterrors.InternalError(err)
	}
	if r.modelsCacheDir != "" {
		if err := linkModelsCache(installDir, r.modelsCacheDir); err != nil {
			return nil, hosterrors.InternalError(err)
		}
	}
	if err := writeParametersIfChanged(installDir, parameters{
		ExtensionID:        manifest.ID,
		WebServicesBaseURL: webServicesBaseURL,
		APIKey:             apiKey,
	}); err != nil {
		return nil, hosterrors.InternalError(err)
	}

	ext := &Extension{
		Manifest:   *manifest,
		Status:     StatusEnabled,
		InstallDir: installDir,
		IsBuiltIn:  isBuiltIn,
		Activity:   ActivityConnecting,
	}

	if r.store != nil {
		if err := r.store.Upsert(ext); err != nil {
			return nil, hosterrors.InternalError(err)
		}
	}
	return ext, nil
}

// Uninstall removes an extension's registry record, persisted files and
// database row, atomically with respect to registry state.
func (r *Registry) Uninstall(extensionID hostkit.ExtensionID) (*Extension, error) {
	r.mu.Lock()
	ext, ok := r.extensions[extensionID]
	if !ok {
		r.mu.Unlock()
		return nil, hosterrors.BadRequest("extension %q is not installed", extensionID)
	}
	delete(r.extensions, extensionID)
	r.mu.Unlock()

	if err := removeInstallDir(ext.InstallDir); err != nil {
		return ext, hosterrors.InternalError(err)
	}
	if r.store != nil {
		if err := r.store.Delete(extensionID); err != nil {
			return ext, hosterrors.InternalError(err)
		}
	}
	return ext, nil
}

// SetStatus transitions an extension between Enabled and Paused.
func (r *Registry) SetStatus(extensionID hostkit.ExtensionID, status Status) (*Extension, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ext, ok := r.extensions[extensionID]
	if !ok {
		return nil, hosterrors.BadRequest("extension %q is not installed", extensionID)
	}
	ext.Status = status
	if r.store != nil {
		if err := r.store.Upsert(ext); err != nil {
			return nil, hosterrors.InternalError(err)
		}
	}
	return ext, nil
}

// SetActivity records the extension's current socket-connection health.
func (r *Registry) SetActivity(extensionID hostkit.ExtensionID, activity Activity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ext, ok := r.extensions[extensionID]; ok {
		ext.Activity = activity
	}
}

// Get looks up an installed extension by id.
func (r *Registry) Get(extensionID hostkit.ExtensionID) (*Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ext, ok := r.extensions[extensionID]
	return ext, ok
}

// All returns every installed extension, sorted by id for deterministic
// iteration.
func (r *Registry) All() []*Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Extension, 0, len(r.extensions))
	for _, ext := range r.extensions {
		out = append(out, ext)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Manifest.ID < out[j].Manifest.ID })
	return out
}

// ByCapability returns enabled, connected extensions supporting the
// capability, sorted by id; the order in which extensions were installed
// is not kept.
func (r *Registry) ByCapability(cap hostkit.Capability) []*Extension {
	var out []*Extension
	for _, ext := range r.All() {
		if ext.Status != StatusEnabled || ext.Activity != ActivityConnected {
			continue
		}
		for _, c := range ext.Capabilities() {
			if c == cap {
				out = append(out, ext)
				break
			}
		}
	}
	return out
}

// ByCommand locates the extension and command entry for a command id,
// scoped to a given extensionId.
func (r *Registry) ByCommand(extensionID hostkit.ExtensionID, commandID string) (*Extension, *Command, bool) {
	ext, ok := r.Get(extensionID)
	if !ok {
		return nil, nil, false
	}
	for _, cmd := range ext.Commands() {
		if cmd.ID == commandID {
			c := cmd
			return ext, &c, true
		}
	}
	return nil, nil, false
}

// Configuration is the sorted union of (capability -> supporting
// extensionIds) and (extensionId -> commands).
type Configuration struct {
	Capabilities map[hostkit.Capability][]hostkit.ExtensionID `json:"capabilities"`
	Commands     map[hostkit.ExtensionID][]Command            `json:"commands"`
}

// GetConfiguration builds the Configuration snapshot.
func (r *Registry) GetConfiguration() Configuration {
	cfg := Configuration{
		Capabilities: map[hostkit.Capability][]hostkit.ExtensionID{},
		Commands:     map[hostkit.ExtensionID][]Command{},
	}
	for _, ext := range r.All() {
		for _, cap := range ext.Capabilities() {
			cfg.Capabilities[cap] = append(cfg.Capabilities[cap], ext.Manifest.ID)
		}
		if cmds := ext.Commands(); len(cmds) > 0 {
			cfg.Commands[ext.Manifest.ID] = cmds
		}
	}
	return cfg
}

// ScanBuiltIns installs or upgrades every archive found directly under
// builtInExtensionsDir, skipping any whose version is not strictly
// greater than the currently installed copy; downgrades are ignored.
// keyIssuer mints the per-extension API key for newly
// installed built-ins.
func (r *Registry) ScanBuiltIns(webServicesBaseURL string, keyIssuer func(hostkit.ExtensionID) (string, error)) error {
	if r.builtInExtensionsDir == "" {
		return nil
	}
	entries, err := os.ReadDir(r.builtInExtensionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read builtin extensions dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(r.builtInExtensionsDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read builtin archive %s: %w", entry.Name(), err)
		}

		manifest, extracted, err := parseArchive(data, r.maxArchiveBytes)
		if err != nil {
			return fmt.Errorf("parse builtin archive %s: %w", entry.Name(), err)
		}
		if hErr := validateManifest(manifest, extracted.names()); hErr != nil {
			return fmt.Errorf("validate builtin archive %s: %w", entry.Name(), hErr)
		}

		if skip, err := r.shouldSkipBuiltIn(manifest); err != nil {
			return err
		} else if skip {
			continue
		}

		key, err := keyIssuer(manifest.ID)
		if err != nil {
			return fmt.Errorf("issue key for builtin %s: %w", manifest.ID, err)
		}

		ext, err := r.persist(manifest, extracted, true, webServicesBaseURL, key)
		if err != nil {
			return fmt.Errorf("persist builtin %s: %w", manifest.ID, err)
		}

		r.mu.Lock()
		if existing, ok := r.extensions[manifest.ID]; ok {
			ext.Status = existing.Status
		}
		r.extensions[manifest.ID] = ext
		r.mu.Unlock()
	}
	return nil
}

func (r *Registry) shouldSkipBuiltIn(manifest *Manifest) (bool, error) {
	r.mu.RLock()
	existing, ok := r.extensions[manifest.ID]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}

	newVersion, err := semver.NewVersion(manifest.Version)
	if err != nil {
		return false, fmt.Errorf("invalid version %s: %w", manifest.Version, err)
	}
	currentVersion, err := semver.NewVersion(existing.Manifest.Version)
	if err != nil {
		// Treat an unparsable installed version as always-upgradable.
		return false, nil
	}
	return !newVersion.GreaterThan(currentVersion), nil
}
