package registry

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/corvidlabs/pixolith/pkg/hosterrors"
)

// extractedArchive is the in-memory result of parsing an extension
// archive: every file's contents keyed by its path relative to the
// archive root (with the manifest's containing directory stripped).
type extractedArchive struct {
	files map[string][]byte
}

func (a extractedArchive) names() map[string]bool {
	out := make(map[string]bool, len(a.files))
	for name := range a.files {
		out[name] = true
	}
	return out
}

// parseArchive locates manifest.json at the archive root or in its
// first subdirectory, and returns every other file re-rooted relative
// to the manifest's directory.
func parseArchive(data []byte, maxBytes int64) (*Manifest, extractedArchive, error) {
	if int64(len(data)) > maxBytes {
		return nil, extractedArchive{}, hosterrors.BadRequest("archive exceeds maximum size of %d bytes", maxBytes)
	}

	raw, err := readArchiveFiles(data)
	if err != nil {
		return nil, extractedArchive{}, hosterrors.BadRequest("unrecognized archive format: %v", err)
	}

	manifestPath, root, err := locateManifest(raw)
	if err != nil {
		return nil, extractedArchive{}, err
	}

	manifestBytes := raw[manifestPath]
	var doc map[string]any
	if err := json.Unmarshal(manifestBytes, &doc); err != nil {
		return nil, extractedArchive{}, hosterrors.BadRequest("manifest.json is not valid JSON: %v", err)
	}
	if err := validateSchemaShape(doc); err != nil {
		return nil, extractedArchive{}, err
	}

	var manifest Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, extractedArchive{}, hosterrors.BadRequest("manifest.json does not match the expected shape: %v", err)
	}

	reRooted := make(map[string][]byte, len(raw))
	for name, contents := range raw {
		rel := strings.TrimPrefix(name, root)
		rel = strings.TrimPrefix(rel, "/")
		if rel == "" {
			continue
		}
		reRooted[rel] = contents
	}

	if icon, ok := reRooted["icon.png"]; ok {
		manifest.Icon = icon
	}

	return &manifest, extractedArchive{files: reRooted}, nil
}

func locateManifest(raw map[string][]byte) (manifestPath string, root string, err error) {
	if _, ok := raw["manifest.json"]; ok {
		return "manifest.json", "", nil
	}
	// First subdirectory containing a manifest.json, in lexical order for
	// determinism.
	first := ""
	for name := range raw {
		if strings.Count(name, "/") == 1 && strings.HasSuffix(name, "/manifest.json") && (first == "" || name < first) {
			first = name
		}
	}
	if first == "" {
		return "", "", hosterrors.BadRequest("archive does not contain a manifest.json at its root or first subdirectory")
	}
	return first, path.Dir(first), nil
}

// readArchiveFiles dispatches on the archive's magic bytes: zip or
// gzip-tarball.
func readArchiveFiles(data []byte) (map[string][]byte, error) {
	if isZip(data) {
		return readZip(data)
	}
	return readTarGz(data)
}

func isZip(data []byte) bool {
	return len(data) >= 4 && data[0] == 'P' && data[1] == 'K'
}

func readZip(data []byte) (map[string][]byte, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(r.File))
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Name, err)
		}
		contents, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		out[path.Clean(f.Name)] = contents
	}
	return out, nil
}

func readTarGz(data []byte) (map[string][]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	out := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		contents, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", hdr.Name, err)
		}
		out[path.Clean(hdr.Name)] = contents
	}
	return out, nil
}
