package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/corvidlabs/pixolith/pkg/hostkit"
)

// parameters is the contents of each extension's parameters.json.
type parameters struct {
	ExtensionID        hostkit.ExtensionID `json:"extensionId"`
	WebServicesBaseURL string              `json:"webServicesBaseUrl"`
	APIKey             string              `json:"apiKey"`
}

// persistArchive extracts an archive's files under
// <installedExtensionsDir>/<extensionId>.
func persistArchive(installDir string, files map[string][]byte) error {
	if err := os.RemoveAll(installDir); err != nil {
		return fmt.Errorf("clear install dir: %w", err)
	}
	if err := os.MkdirAll(installDir, 0o700); err != nil {
		return fmt.Errorf("create install dir: %w", err)
	}
	for rel, contents := range files {
		dest := filepath.Join(installDir, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
			return fmt.Errorf("create dir for %s: %w", rel, err)
		}
		if err := os.WriteFile(dest, contents, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

// linkModelsCache (re)creates the sibling .cache symlink to the shared
// models directory.
func linkModelsCache(installDir, modelsCacheDir string) error {
	link := filepath.Join(installDir, ".cache")
	_ = os.Remove(link)
	return os.Symlink(modelsCacheDir, link)
}

// writeParametersIfChanged atomically (re)writes parameters.json, only
// when its content actually changes.
func writeParametersIfChanged(installDir string, p parameters) error {
	dest := filepath.Join(installDir, "parameters.json")

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	data = append(data, '\n')

	if existing, err := os.ReadFile(dest); err == nil && bytes.Equal(existing, data) {
		return nil
	}

	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write parameters tmp: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("rename parameters: %w", err)
	}
	return nil
}

// removeInstallDir deletes an extension's entire install directory,
// part of uninstall's atomic data cleanup.
func removeInstallDir(installDir string) error {
	return os.RemoveAll(installDir)
}
