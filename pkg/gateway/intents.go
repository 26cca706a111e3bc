package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/corvidlabs/pixolith/pkg/hostkit"
)

// Intent is an extension-initiated request needing user interaction,
// discriminated by its single non-nil field.
type Intent struct {
	// Parameters is a JSON-schema the master renders as a data-entry
	// form; the returned value is re-validated against it.
	Parameters json.RawMessage `json:"parameters,omitempty"`
	UI         json.RawMessage `json:"ui,omitempty"`
	Dialog     json.RawMessage `json:"dialog,omitempty"`
	Images     json.RawMessage `json:"images,omitempty"`
	Show       json.RawMessage `json:"show,omitempty"`
}

// IntentResult is the three-outcome resolution every intent caller
// distinguishes: exactly one of Value, Cancel, Error is set.
type IntentResult struct {
	Value  json.RawMessage `json:"value,omitempty"`
	Cancel string          `json:"cancel,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// IntentEvent is the bus/wire payload forwarded to the master socket.
type IntentEvent struct {
	ExtensionID hostkit.ExtensionID `json:"extensionId"`
	Intent      Intent              `json:"intent"`
}

const intentSchemaBaseURL = "https://pixolith.schemas.local/gateway/"

// Compile-time schemas for the four fixed intent shapes. The parameters
// shape is itself a schema and is compiled per intent instead.
var intentShapeSchemas = map[string]string{
	"ui": `{
	  "$schema": "https://json-schema.org/draft/2020-12/schema",
	  "type": "object",
	  "required": ["anchor", "url"],
	  "additionalProperties": false,
	  "properties": {
	    "anchor": {"type": "string", "minLength": 1, "not": {"const": "imageDetail"}},
	    "url": {"type": "string", "minLength": 1}
	  }
	}`,
	"dialog": `{
	  "$schema": "https://json-schema.org/draft/2020-12/schema",
	  "type": "object",
	  "required": ["title", "buttons"],
	  "additionalProperties": false,
	  "properties": {
	    "title": {"type": "string", "minLength": 1},
	    "description": {"type": "string"},
	    "buttons": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}}
	  }
	}`,
	"images": `{
	  "$schema": "https://json-schema.org/draft/2020-12/schema",
	  "type": "object",
	  "required": ["imageIds"],
	  "additionalProperties": false,
	  "properties": {
	    "imageIds": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}}
	  }
	}`,
	"show": `{
	  "$schema": "https://json-schema.org/draft/2020-12/schema",
	  "type": "object",
	  "required": ["entity", "id"],
	  "additionalProperties": false,
	  "properties": {
	    "entity": {"type": "string", "enum": ["image", "repository", "extension"]},
	    "id": {"type": "string", "minLength": 1}
	  }
	}`,
}

var compiledIntentSchemas map[string]*jsonschema.Schema

func init() {
	compiledIntentSchemas = make(map[string]*jsonschema.Schema, len(intentShapeSchemas))
	for name, raw := range intentShapeSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := intentSchemaBaseURL + name + ".schema.json"
		if err := c.AddResource(url, strings.NewReader(raw)); err != nil {
			panic(fmt.Sprintf("gateway: compile %s intent schema: %v", name, err))
		}
		compiled, err := c.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("gateway: compile %s intent schema: %v", name, err))
		}
		compiledIntentSchemas[name] = compiled
	}
}

// validateIntent checks the single-discriminator rule and the shape's
// compile-time schema, returning a human-readable reason on failure.
func validateIntent(intent Intent) (shape string, reason string) {
	set := map[string]json.RawMessage{}
	if intent.Parameters != nil {
		set["parameters"] = intent.Parameters
	}
	if intent.UI != nil {
		set["ui"] = intent.UI
	}
	if intent.Dialog != nil {
		set["dialog"] = intent.Dialog
	}
	if intent.Images != nil {
		set["images"] = intent.Images
	}
	if intent.Show != nil {
		set["show"] = intent.Show
	}
	if len(set) != 1 {
		return "", fmt.Sprintf("intent must set exactly one of parameters, ui, dialog, images, show; got %d", len(set))
	}

	for name, raw := range set {
		if name == "parameters" {
			// The payload is itself a schema; it only has to compile.
			if _, err := compileParameterSchema(raw); err != nil {
				return name, fmt.Sprintf("parameters is not a valid JSON schema: %v", err)
			}
			return name, ""
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return name, fmt.Sprintf("%s intent is not valid JSON: %v", name, err)
		}
		if err := compiledIntentSchemas[name].Validate(doc); err != nil {
			return name, fmt.Sprintf("%s intent is invalid: %v", name, err)
		}
		return name, ""
	}
	return "", "unreachable"
}

func compileParameterSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := intentSchemaBaseURL + "parameters/" + uuid.NewString() + ".schema.json"
	if err := c.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// handleIntent validates an inbound intent, forwards it to the master
// socket, and resolves the originating extension request with the
// master's {value|cancel|error} outcome. Validation failures
// resolve immediately with {error} and are never forwarded.
func (g *Gateway) handleIntent(ctx context.Context, sock *socket, requestContextID string, intent Intent) {
	if m := g.cfg.Metrics; m != nil {
		m.IntentsTotal.Inc()
	}
	shape, reason := validateIntent(intent)
	if reason != "" {
		if m := g.cfg.Metrics; m != nil {
			m.IntentErrors.Inc()
		}
		g.respondIntent(sock, requestContextID, IntentResult{Error: reason})
		return
	}

	g.mu.RLock()
	master := g.sockets[g.masterID]
	g.mu.RUnlock()
	if master == nil {
		if m := g.cfg.Metrics; m != nil {
			m.IntentErrors.Inc()
		}
		g.respondIntent(sock, requestContextID, IntentResult{Error: "no master client connected"})
		return
	}

	contextID := uuid.NewString()
	g.mu.Lock()
	g.pending[contextID] = &pendingCall{
		createdAt:   g.clock.Now(),
		extensionID: sock.extensionID,
		onAck: func(ack Acknowledgment, err error) {
			if err != nil {
				g.respondIntent(sock, requestContextID, IntentResult{Error: err.Error()})
				return
			}
			g.respondIntent(sock, requestContextID, g.resolveIntentOutcome(shape, intent, ack))
		},
	}
	g.mu.Unlock()
	if m := g.cfg.Metrics; m != nil {
		m.PendingCalls.Inc()
	}

	value, _ := json.Marshal(IntentEvent{ExtensionID: sock.extensionID, Intent: intent})
	msg := WireMessage{
		Channel:      "extension.intent",
		ContextID:    contextID,
		Milliseconds: g.clock.Now().UnixMilli(),
		Value:        value,
	}
	if err := master.write(msg); err != nil {
		g.mu.Lock()
		delete(g.pending, contextID)
		g.mu.Unlock()
		if m := g.cfg.Metrics; m != nil {
			m.PendingCalls.Dec()
		}
		g.respondIntent(sock, requestContextID, IntentResult{Error: "master delivery failed"})
	}
}

// resolveIntentOutcome maps the master's acknowledgment onto the three
// caller-visible outcomes, re-validating a parameters value against the
// extension-supplied schema.
func (g *Gateway) resolveIntentOutcome(shape string, intent Intent, ack Acknowledgment) IntentResult {
	var outcome IntentResult
	if len(ack.Value) > 0 {
		if err := json.Unmarshal(ack.Value, &outcome); err != nil {
			return IntentResult{Error: fmt.Sprintf("malformed intent outcome: %v", err)}
		}
	}
	if !ack.Success && outcome.Error == "" && outcome.Cancel == "" {
		return IntentResult{Cancel: "cancelled by user"}
	}
	if outcome.Cancel != "" || outcome.Error != "" {
		return outcome
	}

	if shape == "parameters" {
		schema, err := compileParameterSchema(intent.Parameters)
		if err != nil {
			return IntentResult{Error: fmt.Sprintf("parameters is not a valid JSON schema: %v", err)}
		}
		var doc any
		if err := json.Unmarshal(outcome.Value, &doc); err != nil {
			return IntentResult{Error: fmt.Sprintf("intent value is not valid JSON: %v", err)}
		}
		if err := schema.Validate(doc); err != nil {
			return IntentResult{Error: err.Error()}
		}
	}
	return outcome
}

// respondIntent writes the intent outcome back to the originating
// extension socket on the "return" channel, addressed by the intent's
// own context id.
func (g *Gateway) respondIntent(sock *socket, requestContextID string, result IntentResult) {
	value, _ := json.Marshal(result)
	msg := WireMessage{
		Channel:   "return",
		ContextID: requestContextID,
		Value:     value,
	}
	if err := sock.write(msg); err != nil {
		g.logger.Warn("intent response delivery failed", "socket_id", sock.id, "error", err)
	}
}
