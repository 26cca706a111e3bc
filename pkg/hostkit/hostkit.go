// Package hostkit holds the small identifier and naming types shared by
// every extension-host package, so that neither the registry nor the bus
// needs to import the other just to spell "extension ID".
package hostkit

import (
	"fmt"
	"regexp"
	"strings"
)

// ExtensionID is a short identifier matching [A-Za-z0-9._-]{1,32}.
type ExtensionID string

var extensionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,32}$`)

// ValidExtensionID reports whether id matches the manifest id pattern.
func ValidExtensionID(id string) bool {
	return extensionIDPattern.MatchString(id)
}

// EventName is a bus event name: entity.action[.state].
type EventName string

// Closed set of entities a bus event may belong to.
const (
	EntityProcess    = "process"
	EntityExtension  = "extension"
	EntityRepository = "repository"
	EntityImage      = "image"
	EntityText       = "text"
)

var validEntities = map[string]bool{
	EntityProcess:    true,
	EntityExtension:  true,
	EntityRepository: true,
	EntityImage:      true,
	EntityText:       true,
}

// Entity returns the leading entity token of an event name.
func (e EventName) Entity() string {
	parts := strings.SplitN(string(e), ".", 2)
	return parts[0]
}

// Valid checks the entity.action[.state] shape: two or three non-empty
// tokens whose entity is one of the closed set above. The action and
// state tokens are not checked against any vocabulary.
func (e EventName) Valid() bool {
	parts := strings.Split(string(e), ".")
	if len(parts) < 2 || len(parts) > 3 {
		return false
	}
	if !validEntities[parts[0]] {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}

// Closed manifest-event vocabulary, and its fixed mapping onto bus
// events.
const (
	ManifestEventProcessStarted       = "process.started"
	ManifestEventProcessRunCommand    = "process.runCommand"
	ManifestEventExtensionSettings    = "extension.settings"
	ManifestEventImageCreated         = "image.created"
	ManifestEventImageUpdated         = "image.updated"
	ManifestEventImageDeleted         = "image.deleted"
	ManifestEventImageComputeFeatures = "image.computeFeatures"
	ManifestEventImageComputeEmbeds   = "image.computeEmbeddings"
	ManifestEventImageComputeTags     = "image.computeTags"
	ManifestEventImageRunCommand      = "image.runCommand"
	ManifestEventTextComputeEmbeds    = "text.computeEmbeddings"
)

// ManifestEvents is the closed set of manifest events any instructions
// entry may declare.
var ManifestEvents = map[string]bool{
	ManifestEventProcessStarted:       true,
	ManifestEventProcessRunCommand:    true,
	ManifestEventExtensionSettings:    true,
	ManifestEventImageCreated:         true,
	ManifestEventImageUpdated:         true,
	ManifestEventImageDeleted:         true,
	ManifestEventImageComputeFeatures: true,
	ManifestEventImageComputeEmbeds:   true,
	ManifestEventImageComputeTags:     true,
	ManifestEventImageRunCommand:      true,
	ManifestEventTextComputeEmbeds:    true,
}

// ManifestEventToBusEvent maps a manifest event to the bus event name
// delivered for it. process.started is synthesized by the supervisor and
// never delivered as a socket event, so it has no mapping entry.
var ManifestEventToBusEvent = map[string]EventName{
	ManifestEventProcessRunCommand:    "process.runCommand",
	ManifestEventExtensionSettings:    "extension.settings",
	ManifestEventImageCreated:         "image.created",
	ManifestEventImageUpdated:         "image.updated",
	ManifestEventImageDeleted:         "image.deleted",
	ManifestEventImageComputeFeatures: "image.computeFeatures",
	ManifestEventImageComputeEmbeds:   "image.computeEmbeddings",
	ManifestEventImageComputeTags:     "image.computeTags",
	ManifestEventImageRunCommand:      "image.runCommand",
	ManifestEventTextComputeEmbeds:    "text.computeEmbeddings",
}

// Capability is a coarse-grained service interface an extension declares.
type Capability string

const (
	CapabilityImageFeatures   Capability = "image.features"
	CapabilityImageEmbeddings Capability = "image.embeddings"
	CapabilityImageTags       Capability = "image.tags"
	CapabilityTextEmbeddings  Capability = "text.embeddings"
)

// RequiredManifestEvents lists the manifest events a capability
// requires.
var RequiredManifestEvents = map[Capability][]string{
	CapabilityImageFeatures:   {ManifestEventProcessStarted, ManifestEventImageComputeFeatures},
	CapabilityImageEmbeddings: {ManifestEventProcessStarted, ManifestEventImageComputeEmbeds},
	CapabilityImageTags:       {ManifestEventProcessStarted, ManifestEventImageComputeTags},
	CapabilityTextEmbeddings:  {ManifestEventProcessStarted, ManifestEventTextComputeEmbeds},
}

// ValidCapabilities is the closed capability set.
var ValidCapabilities = map[Capability]bool{
	CapabilityImageFeatures:   true,
	CapabilityImageEmbeddings: true,
	CapabilityImageTags:       true,
	CapabilityTextEmbeddings:  true,
}

// CapabilityBusEvent returns the bus event emitted when the orchestrator
// dispatches a call to the given capability.
func CapabilityBusEvent(c Capability) (EventName, error) {
	switch c {
	case CapabilityImageFeatures:
		return "image.computeFeatures", nil
	case CapabilityImageEmbeddings:
		return "image.computeEmbeddings", nil
	case CapabilityImageTags:
		return "image.computeTags", nil
	case CapabilityTextEmbeddings:
		return "text.computeEmbeddings", nil
	default:
		return "", fmt.Errorf("unknown capability: %s", c)
	}
}
