package registry

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildZipArchive(t *testing.T, manifestJSON string, extraFiles map[string]string) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)

	w, err := zw.Create("manifest.json")
	require.NoError(t, err)
	_, err = w.Write([]byte(manifestJSON))
	require.NoError(t, err)

	for name, contents := range extraFiles {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(contents))
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())
	return buf.Bytes()
}

const validManifest = `{
  "id": "tagger",
  "version": "1.0.0",
  "name": "Tagger",
  "description": "test extension",
  "settings": {},
  "runtimes": ["node"],
  "instructions": [
    {
      "events": ["process.started", "image.computeTags"],
      "capabilities": ["image.tags"],
      "execution": {"executable": "${node}", "arguments": ["index.js"]}
    }
  ]
}`

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	r, err := New(Config{
		InstalledExtensionsDir: filepath.Join(dir, "installed"),
		ModelsCacheDir:         filepath.Join(dir, "models"),
		MaxArchiveBytes:        1 << 20,
	})
	require.NoError(t, err)
	return r
}

func TestRegistry_InstallValidManifest(t *testing.T) {
	r := newTestRegistry(t)
	archive := buildZipArchive(t, validManifest, nil)

	ext, err := r.Install(archive, "http://localhost:7442", "somekey")
	require.NoError(t, err)
	require.Equal(t, StatusEnabled, ext.Status)
	require.True(t, ext.RequiresLongLivedSocket())

	got, ok := r.Get("tagger")
	require.True(t, ok)
	require.Equal(t, ext.Manifest.ID, got.Manifest.ID)
}

func TestRegistry_InstallRejectsDuplicateID(t *testing.T) {
	r := newTestRegistry(t)
	archive := buildZipArchive(t, validManifest, nil)

	_, err := r.Install(archive, "http://localhost:7442", "key1")
	require.NoError(t, err)

	_, err = r.Install(archive, "http://localhost:7442", "key2")
	require.Error(t, err)
}

func TestRegistry_InstallRejectsCapabilityMissingEvents(t *testing.T) {
	r := newTestRegistry(t)
	manifest := `{
	  "id": "bad-ext",
	  "version": "1.0.0",
	  "name": "Bad",
	  "description": "test extension",
	  "settings": {},
	  "runtimes": ["node"],
	  "instructions": [
	    {
	      "events": ["process.started"],
	      "capabilities": ["image.tags"],
	      "execution": {"executable": "${node}", "arguments": []}
	    }
	  ]
	}`
	archive := buildZipArchive(t, manifest, nil)

	_, err := r.Install(archive, "http://localhost:7442", "key")
	require.Error(t, err, "image.tags capability requires image.computeTags event")
}

func TestRegistry_InstallRejectsBadUIAnchor(t *testing.T) {
	r := newTestRegistry(t)
	manifest := `{
	  "id": "ui-ext",
	  "version": "1.0.0",
	  "name": "UI",
	  "description": "test extension",
	  "settings": {},
	  "runtimes": ["node"],
	  "instructions": [
	    {"events": ["process.started"], "execution": {"executable": "${node}", "arguments": []}}
	  ],
	  "ui": {"elements": [{"anchor": "imageDetail", "url": "panel.html"}]}
	}`
	archive := buildZipArchive(t, manifest, map[string]string{"panel.html": "<html></html>"})

	_, err := r.Install(archive, "http://localhost:7442", "key")
	require.Error(t, err, "imageDetail anchor is reserved")
}

func TestRegistry_UninstallRemovesRecord(t *testing.T) {
	r := newTestRegistry(t)
	archive := buildZipArchive(t, validManifest, nil)
	_, err := r.Install(archive, "http://localhost:7442", "key")
	require.NoError(t, err)

	_, err = r.Uninstall("tagger")
	require.NoError(t, err)

	_, ok := r.Get("tagger")
	require.False(t, ok)
}

func TestRegistry_ByCapabilityRequiresConnectedActivity(t *testing.T) {
	r := newTestRegistry(t)
	archive := buildZipArchive(t, validManifest, nil)
	_, err := r.Install(archive, "http://localhost:7442", "key")
	require.NoError(t, err)

	require.Empty(t, r.ByCapability("image.tags"), "not yet connected")

	r.SetActivity("tagger", ActivityConnected)
	require.Len(t, r.ByCapability("image.tags"), 1)
}

func TestRegistry_ArchiveOneByteOverLimitRejected(t *testing.T) {
	dir := t.TempDir()
	archive := buildZipArchive(t, validManifest, nil)

	r, err := New(Config{
		InstalledExtensionsDir: filepath.Join(dir, "installed"),
		MaxArchiveBytes:        int64(len(archive)) - 1,
	})
	require.NoError(t, err)

	_, err = r.Install(archive, "http://localhost:7442", "key")
	require.Error(t, err)
	require.Contains(t, err.Error(), "maximum size")
}

func TestRegistry_MissingManifestPropertyIsNamed(t *testing.T) {
	r := newTestRegistry(t)
	for _, missing := range []string{"id", "version", "name", "description", "runtimes", "instructions", "settings"} {
		doc := map[string]any{
			"id":          "x",
			"version":     "1.0.0",
			"name":        "X",
			"description": "x",
			"settings":    map[string]any{},
			"runtimes":    []string{"node"},
			"instructions": []map[string]any{{
				"events":    []string{"process.started"},
				"execution": map[string]any{"executable": "${node}", "arguments": []string{}},
			}},
		}
		delete(doc, missing)
		raw, err := json.Marshal(doc)
		require.NoError(t, err)

		_, err = r.Install(buildZipArchive(t, string(raw), nil), "http://localhost:7442", "key")
		require.Error(t, err, "manifest without %s must be rejected", missing)
		require.Contains(t, err.Error(), missing, "the missing property must be named")
	}
}

func TestRegistry_ThrottlingDurationMustBePositive(t *testing.T) {
	r := newTestRegistry(t)
	for _, duration := range []int{0, -1} {
		manifest := fmt.Sprintf(`{
		  "id": "thr",
		  "version": "1.0.0",
		  "name": "Thr",
		  "description": "test extension",
		  "settings": {},
		  "runtimes": ["node"],
		  "instructions": [
		    {
		      "events": ["process.started", "image.runCommand"],
		      "throttlingPolicies": [{"events": ["image.runCommand"], "durationMs": %d, "maximumCount": 1}],
		      "execution": {"executable": "${node}", "arguments": []}
		    }
		  ]
		}`, duration)

		_, err := r.Install(buildZipArchive(t, manifest, nil), "http://localhost:7442", "key")
		require.Error(t, err, "durationMs %d must be rejected", duration)
	}
}

func TestRegistry_ThrottlingEventsMustBeDeclared(t *testing.T) {
	r := newTestRegistry(t)
	manifest := `{
	  "id": "thr",
	  "version": "1.0.0",
	  "name": "Thr",
	  "description": "test extension",
	  "settings": {},
	  "runtimes": ["node"],
	  "instructions": [
	    {
	      "events": ["process.started"],
	      "throttlingPolicies": [{"events": ["image.runCommand"], "durationMs": 100, "maximumCount": 1}],
	      "execution": {"executable": "${node}", "arguments": []}
	    }
	  ]
	}`
	_, err := r.Install(buildZipArchive(t, manifest, nil), "http://localhost:7442", "key")
	require.Error(t, err)
}

func TestRegistry_UnknownManifestFieldRejected(t *testing.T) {
	r := newTestRegistry(t)
	manifest := `{
	  "id": "x",
	  "version": "1.0.0",
	  "name": "X",
	  "description": "test extension",
	  "settings": {},
	  "runtimes": ["node"],
	  "instructions": [
	    {"events": ["process.started"], "execution": {"executable": "${node}", "arguments": []}}
	  ],
	  "bogusField": true
	}`
	_, err := r.Install(buildZipArchive(t, manifest, nil), "http://localhost:7442", "key")
	require.Error(t, err)
}

func buildTarGzArchive(t *testing.T, manifestJSON string) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	gz := gzip.NewWriter(buf)
	tw := tar.NewWriter(gz)

	contents := []byte(manifestJSON)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "ext/manifest.json",
		Mode:     0o644,
		Size:     int64(len(contents)),
		Typeflag: tar.TypeReg,
	}))
	_, err := tw.Write(contents)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestRegistry_InstallFromTarGzWithSubdirectoryManifest(t *testing.T) {
	r := newTestRegistry(t)

	ext, err := r.Install(buildTarGzArchive(t, validManifest), "http://localhost:7442", "key")
	require.NoError(t, err)
	require.Equal(t, "Tagger", ext.Manifest.Name)
}

func TestRegistry_ParametersFileWritten(t *testing.T) {
	r := newTestRegistry(t)
	archive := buildZipArchive(t, validManifest, nil)

	ext, err := r.Install(archive, "http://localhost:7442", "abcdefghijklmnopqrstuvwxyzabcdefghij")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(ext.InstallDir, "parameters.json"))
	require.NoError(t, err)

	var params struct {
		ExtensionID        string `json:"extensionId"`
		WebServicesBaseURL string `json:"webServicesBaseUrl"`
		APIKey             string `json:"apiKey"`
	}
	require.NoError(t, json.Unmarshal(data, &params))
	require.Equal(t, "tagger", params.ExtensionID)
	require.Equal(t, "http://localhost:7442", params.WebServicesBaseURL)
	require.Len(t, params.APIKey, 36)
}
