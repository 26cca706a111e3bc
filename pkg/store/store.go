// Package store declares the narrow repository interfaces the
// extension host depends on but does not implement: the relational
// store, the vector store, and the filesystem watcher are external
// collaborators owned by the wider server.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/corvidlabs/pixolith/pkg/hostkit"
)

// Image is the minimal view of a repository image the host needs to
// resolve ${imageId}/${imageUrl} placeholders and to fan out image events
// during synchronize.
type Image struct {
	ID   string
	URL  string
	Tags []string
}

// ImageRepository enumerates images across every repository the
// server manages.
type ImageRepository interface {
	ListImages(ctx context.Context) ([]Image, error)
	GetImage(ctx context.Context, id string) (*Image, error)
}

// TagStore is the relational store's tag surface.
type TagStore interface {
	DeleteByExtension(ctx context.Context, extensionID string) error
	SetTags(ctx context.Context, imageID, extensionID string, tags []string) error
	HasTags(ctx context.Context, imageID, extensionID string, tags []string) (bool, error)
}

// FeatureStore is the relational store's feature surface.
type FeatureStore interface {
	DeleteByExtension(ctx context.Context, extensionID string) error
}

// EmbeddingStore is the vector store's surface.
type EmbeddingStore interface {
	DeleteByExtension(ctx context.Context, extensionID string) error
}

// AttachmentStore is the relational store's attachment surface.
type AttachmentStore interface {
	DeleteByExtension(ctx context.Context, extensionID string) error
}

// SettingsStore persists per-extension settings values validated against
// the manifest's settings JSON-schema.
type SettingsStore interface {
	Get(ctx context.Context, extensionID string) (json.RawMessage, error)
	Set(ctx context.Context, extensionID string, value json.RawMessage) error
	DeleteByExtension(ctx context.Context, extensionID string) error
}

// SecretResolver looks up a persisted-secret value (e.g. a long-lived
// integration token issued outside the extension system) for credential
// resolution's third fallback tier.
type SecretResolver interface {
	Resolve(ctx context.Context, value string) (scopes []string, extensionID hostkit.ExtensionID, expiresAt time.Time, ok bool, err error)
}

// DataStores bundles the extension-owned data surfaces that are wiped
// together on uninstall.
type DataStores struct {
	Tags        TagStore
	Features    FeatureStore
	Embeddings  EmbeddingStore
	Attachments AttachmentStore
	Settings    SettingsStore
}

// DeleteExtensionData removes every row owned by extensionID across all
// data stores, tolerating a store being nil (not wired in this deployment).
func (d DataStores) DeleteExtensionData(ctx context.Context, extensionID string) error {
	type deleter func(context.Context, string) error
	steps := []deleter{}
	if d.Tags != nil {
		steps = append(steps, d.Tags.DeleteByExtension)
	}
	if d.Features != nil {
		steps = append(steps, d.Features.DeleteByExtension)
	}
	if d.Embeddings != nil {
		steps = append(steps, d.Embeddings.DeleteByExtension)
	}
	if d.Attachments != nil {
		steps = append(steps, d.Attachments.DeleteByExtension)
	}
	if d.Settings != nil {
		steps = append(steps, d.Settings.DeleteByExtension)
	}
	var firstErr error
	for _, del := range steps {
		if err := del(ctx, extensionID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
