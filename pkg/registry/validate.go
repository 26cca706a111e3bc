package registry

import (
	"fmt"
	"path"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/corvidlabs/pixolith/pkg/hostkit"
	"github.com/corvidlabs/pixolith/pkg/hosterrors"
)

// manifestSchema is compiled once at process start.
var manifestSchema *jsonschema.Schema

const manifestSchemaURL = "https://pixolith.schemas.local/registry/manifest.schema.json"

const manifestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "version", "name", "description", "runtimes", "instructions", "settings"],
  "properties": {
    "id": {"type": "string", "pattern": "^[A-Za-z0-9._-]{1,32}$"},
    "version": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "runtimes": {"type": "array", "minItems": 1, "items": {"type": "string", "enum": ["node", "python", "shell", "binary"]}},
    "instructions": {"type": "array", "minItems": 1},
    "settings": {"type": "object"},
    "ui": {"type": "object"},
    "manual": {"type": "string"}
  },
  "additionalProperties": false
}`

func init() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(manifestSchemaURL, strings.NewReader(manifestSchemaJSON)); err != nil {
		panic(fmt.Sprintf("registry: compile manifest schema: %v", err))
	}
	compiled, err := c.Compile(manifestSchemaURL)
	if err != nil {
		panic(fmt.Sprintf("registry: compile manifest schema: %v", err))
	}
	manifestSchema = compiled
}

// validateSchemaShape validates the manifest's raw JSON document against
// the compiled manifest schema, before it is unmarshaled into Go types.
func validateSchemaShape(doc map[string]any) error {
	if err := manifestSchema.Validate(doc); err != nil {
		return hosterrors.BadRequest("manifest schema validation failed: %s", err)
	}
	return nil
}

// validateManifest runs every cross-field check and aggregates
// failures into a single BadRequest.
func validateManifest(m *Manifest, archiveFiles map[string]bool) *hosterrors.HostError {
	var errs hosterrors.FieldErrors

	if !hostkit.ValidExtensionID(string(m.ID)) {
		errs.Add("id %q does not match [A-Za-z0-9._-]{1,32}", m.ID)
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		errs.Add("version %q is not valid semver: %v", m.Version, err)
	}
	if len(m.Runtimes) == 0 {
		errs.Add("runtimes must be non-empty")
	}
	for _, rt := range m.Runtimes {
		if !validRuntimes[rt] {
			errs.Add("unknown runtime %q", rt)
		}
	}
	if len(m.Instructions) == 0 {
		errs.Add("instructions must be non-empty")
	}

	for i, instr := range m.Instructions {
		validateInstructions(i, instr, &errs)
	}

	if m.UI != nil {
		for _, el := range m.UI.Elements {
			if el.Anchor == "imageDetail" {
				errs.Add("ui element anchor %q is reserved", el.Anchor)
				continue
			}
			clean := path.Clean(el.URL)
			if strings.HasPrefix(clean, "..") || path.IsAbs(clean) {
				errs.Add("ui element url %q escapes the archive", el.URL)
				continue
			}
			if archiveFiles != nil && !archiveFiles[clean] {
				errs.Add("ui element url %q does not resolve to a file in the archive", el.URL)
			}
		}
	}

	if len(m.Settings) > 0 {
		sc := jsonschema.NewCompiler()
		sc.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://pixolith.schemas.local/settings/%s.schema.json", m.ID)
		if err := sc.AddResource(url, strings.NewReader(string(m.Settings))); err != nil {
			errs.Add("settings is not a valid JSON schema: %v", err)
		} else if _, err := sc.Compile(url); err != nil {
			errs.Add("settings is not a valid JSON schema: %v", err)
		}
	}

	if hErr := errs.AsHostError(); hErr != nil {
		return hErr
	}
	return nil
}

func validateInstructions(idx int, instr Instructions, errs *hosterrors.FieldErrors) {
	declared := map[string]bool{}
	if len(instr.Events) == 0 {
		errs.Add("instructions[%d]: events must be non-empty", idx)
	}
	for _, ev := range instr.Events {
		if !hostkit.ManifestEvents[ev] {
			errs.Add("instructions[%d]: unknown manifest event %q", idx, ev)
			continue
		}
		declared[ev] = true
	}

	for _, cap := range instr.Capabilities {
		if !hostkit.ValidCapabilities[cap] {
			errs.Add("instructions[%d]: unknown capability %q", idx, cap)
			continue
		}
		for _, required := range hostkit.RequiredManifestEvents[cap] {
			if !declared[required] {
				errs.Add("instructions[%d]: capability %q requires event %q", idx, cap, required)
			}
		}
	}

	for _, tp := range instr.ThrottlingPolicies {
		if tp.DurationMs <= 0 {
			errs.Add("instructions[%d]: throttlingPolicies.durationMs must be > 0", idx)
		}
		if tp.MaximumCount <= 0 {
			errs.Add("instructions[%d]: throttlingPolicies.maximumCount must be > 0", idx)
		}
		for _, ev := range tp.Events {
			if !declared[ev] {
				errs.Add("instructions[%d]: throttling policy event %q is not in this entry's events", idx, ev)
			}
		}
	}

	for _, cmd := range instr.Commands {
		if cmd.ID == "" {
			errs.Add("instructions[%d]: command id must not be empty", idx)
		}
		if !validCommandEntities[cmd.On.Entity] {
			errs.Add("instructions[%d]: command %q has unknown entity %q", idx, cmd.ID, cmd.On.Entity)
			continue
		}
		if cmd.On.Entity == CommandEntityProcess {
			if !declared[hostkit.ManifestEventProcessStarted] || !declared[hostkit.ManifestEventProcessRunCommand] {
				errs.Add("instructions[%d]: command %q on Process requires process.started and process.runCommand in the same entry", idx, cmd.ID)
			}
		}
		if len(cmd.Parameters) > 0 {
			sc := jsonschema.NewCompiler()
			sc.Draft = jsonschema.Draft2020
			url := fmt.Sprintf("https://pixolith.schemas.local/commands/%d/%s.schema.json", idx, cmd.ID)
			if err := sc.AddResource(url, strings.NewReader(string(cmd.Parameters))); err != nil {
				errs.Add("instructions[%d]: command %q parameters is not a valid JSON schema: %v", idx, cmd.ID, err)
			} else if _, err := sc.Compile(url); err != nil {
				errs.Add("instructions[%d]: command %q parameters is not a valid JSON schema: %v", idx, cmd.ID, err)
			}
		}
	}
}

// validateIDMatchesFolder enforces that a manifest id matches the
// folder an update targets.
func validateIDMatchesFolder(m *Manifest, folderName string) error {
	if string(m.ID) != folderName {
		return hosterrors.BadRequest("manifest id %q does not match extension folder %q", m.ID, folderName)
	}
	return nil
}
