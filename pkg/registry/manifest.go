// Package registry parses, validates, persists and indexes extension
// manifests. Archives are zip or gzip-tarball; manifest shape is
// checked against a compiled JSON schema, then cross-field rules.
package registry

import (
	"encoding/json"

	"github.com/corvidlabs/pixolith/pkg/hostkit"
)

// Manifest is the static description parsed from an extension archive.
type Manifest struct {
	ID           hostkit.ExtensionID `json:"id"`
	Version      string              `json:"version"`
	Name         string              `json:"name"`
	Description  string              `json:"description"`
	Runtimes     []string            `json:"runtimes"`
	Instructions []Instructions      `json:"instructions"`
	UI           *UI                 `json:"ui,omitempty"`
	Settings     json.RawMessage     `json:"settings,omitempty"`
	Icon         []byte              `json:"-"`
	Manual       string              `json:"manual,omitempty"`
}

// Closed runtime tag vocabulary.
const (
	RuntimeNode   = "node"
	RuntimePython = "python"
	RuntimeShell  = "shell"
	RuntimeBinary = "binary"
)

var validRuntimes = map[string]bool{
	RuntimeNode:   true,
	RuntimePython: true,
	RuntimeShell:  true,
	RuntimeBinary: true,
}

// UI is the manifest's optional user-interface surface.
type UI struct {
	Elements []UIElement `json:"elements"`
}

// UIElement names a file bundled in the archive that provides a UI anchor.
type UIElement struct {
	Anchor string `json:"anchor"`
	URL    string `json:"url"`
}

// Instructions binds an execution template to an event list.
type Instructions struct {
	Events             []string             `json:"events"`
	Capabilities       []hostkit.Capability `json:"capabilities,omitempty"`
	ThrottlingPolicies []ThrottlingPolicy   `json:"throttlingPolicies,omitempty"`
	Execution          Execution            `json:"execution"`
	Commands           []Command            `json:"commands,omitempty"`
}

// ThrottlingPolicy bounds delivery rate for a set of events.
type ThrottlingPolicy struct {
	Events       []string `json:"events"`
	DurationMs   int      `json:"durationMs"`
	MaximumCount int      `json:"maximumCount"`
}

// Execution describes how to launch the instructions entry's child process.
type Execution struct {
	Executable string   `json:"executable"`
	Arguments  []string `json:"arguments"`
}

// CommandEntity is the closed set of entities a command can target.
type CommandEntity string

const (
	CommandEntityProcess CommandEntity = "Process"
	CommandEntityImages  CommandEntity = "Images"
	CommandEntityImage   CommandEntity = "Image"
)

var validCommandEntities = map[CommandEntity]bool{
	CommandEntityProcess: true,
	CommandEntityImages:  true,
	CommandEntityImage:   true,
}

// CommandOn identifies the entity (and optional tag filter) a command
// attaches to.
type CommandOn struct {
	Entity   CommandEntity `json:"entity"`
	WithTags []string      `json:"withTags,omitempty"`
}

// CommandSpecification is a localized label/description pair.
type CommandSpecification struct {
	Locale      string `json:"locale"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

// Command is a user- or programmatically-invocable extension action.
type Command struct {
	ID             string                 `json:"id"`
	On             CommandOn              `json:"on"`
	Parameters     json.RawMessage        `json:"parameters,omitempty"`
	Specifications []CommandSpecification `json:"specifications,omitempty"`
}

// Status is the runtime enable/pause state of an installed extension.
type Status string

const (
	StatusEnabled Status = "Enabled"
	StatusPaused  Status = "Paused"
)

// Activity tracks the extension's current socket-connection health.
type Activity string

const (
	ActivityConnecting Activity = "Connecting"
	ActivityConnected  Activity = "Connected"
	ActivityError      Activity = "Error"
)

// Extension is a manifest plus its runtime state.
type Extension struct {
	Manifest   Manifest
	Status     Status
	InstallDir string
	IsBuiltIn  bool
	Activity   Activity
}

// RequiresLongLivedSocket reports whether any instructions entry declares
// process.started, meaning the supervisor keeps a long-lived child and the
// gateway expects a socket announcing this extensionId.
func (e *Extension) RequiresLongLivedSocket() bool {
	for _, instr := range e.Manifest.Instructions {
		for _, ev := range instr.Events {
			if ev == hostkit.ManifestEventProcessStarted {
				return true
			}
		}
	}
	return false
}

// Capabilities returns the union of capabilities declared across all
// instructions entries.
func (e *Extension) Capabilities() []hostkit.Capability {
	seen := map[hostkit.Capability]bool{}
	var out []hostkit.Capability
	for _, instr := range e.Manifest.Instructions {
		for _, c := range instr.Capabilities {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// Commands returns the union of commands declared across all instructions
// entries.
func (e *Extension) Commands() []Command {
	var out []Command
	for _, instr := range e.Manifest.Instructions {
		out = append(out, instr.Commands...)
	}
	return out
}
