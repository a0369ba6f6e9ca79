package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"

	"github.com/rendis/mediaflow/pkg/schema"
)

const eventSchemaURL = "https://mediaflow.dev/schemas/event.json"

// eventSchemaJSON is the envelope every submitted event must satisfy.
// Names are namespaced: at least one "/" separating lowercase segments.
const eventSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://mediaflow.dev/schemas/event.json",
  "type": "object",
  "required": ["name", "data"],
  "properties": {
    "id": {
      "type": "string",
      "maxLength": 256
    },
    "name": {
      "type": "string",
      "minLength": 1,
      "maxLength": 256,
      "pattern": "^[a-z0-9_.-]+(/[a-z0-9_.-]+)+$"
    },
    "data": {
      "type": "object"
    }
  }
}`

// JSONSchemaValidator implements Validator using JSON Schema Draft 2020-12.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	envelope *jsonschema.Schema

	mu       sync.RWMutex
	payloads map[string]*jsonschema.Schema
}

var _ Validator = (*JSONSchemaValidator)(nil)

// NewJSONSchemaValidator creates a validator with the envelope schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal event schema: %w", err)
	}
	if err := c.AddResource(eventSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add event schema resource: %w", err)
	}
	envelope, err := c.Compile(eventSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}

	return &JSONSchemaValidator{
		envelope: envelope,
		payloads: make(map[string]*jsonschema.Schema),
	}, nil
}

// RegisterPayloadSchema compiles schemaJSON and applies it to the data of
// every event named eventName. Registering a name twice replaces the schema.
func (v *JSONSchemaValidator) RegisterPayloadSchema(eventName string, schemaJSON []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "payload schema for %s: %s", eventName, err.Error()).WithCause(err)
	}

	url := "mediaflow://payload/" + eventName
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "payload schema for %s: %s", eventName, err.Error()).WithCause(err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "payload schema for %s: %s", eventName, err.Error()).WithCause(err)
	}

	v.mu.Lock()
	v.payloads[eventName] = compiled
	v.mu.Unlock()
	return nil
}

// HasPayloadSchema reports whether a payload schema is registered for eventName.
func (v *JSONSchemaValidator) HasPayloadSchema(eventName string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.payloads[eventName]
	return ok
}

// ValidateEvent checks the envelope, then the payload against the schema
// registered for name (if any). An empty data is treated as {}.
func (v *JSONSchemaValidator) ValidateEvent(id, name string, data json.RawMessage) *schema.ValidationResult {
	res := &schema.ValidationResult{}

	if len(bytes.TrimSpace(data)) == 0 {
		data = json.RawMessage("{}")
	}
	payload, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		res.AddError("data", schema.ErrCodeValidation, "data is not valid JSON")
		return res
	}

	envelope := map[string]any{"name": name, "data": payload}
	if id != "" {
		envelope["id"] = id
	}
	if err := v.envelope.Validate(envelope); err != nil {
		addViolations(res, "", err)
		return res
	}

	v.mu.RLock()
	compiled, ok := v.payloads[name]
	v.mu.RUnlock()
	if ok {
		if err := compiled.Validate(payload); err != nil {
			addViolations(res, "data", err)
		}
	}
	return res
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// addViolations walks a ValidationError tree and records each leaf as an
// issue located by its instance path.
func addViolations(res *schema.ValidationResult, prefix string, err error) {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		res.AddError(prefix, schema.ErrCodeValidation, err.Error())
		return
	}
	for _, leaf := range leaves(verr) {
		loc := append([]string{}, leaf.InstanceLocation...)
		if req, ok := leaf.ErrorKind.(*kind.Required); ok && len(req.Missing) == 1 {
			loc = append(loc, req.Missing[0])
		}
		if prefix != "" {
			loc = append([]string{prefix}, loc...)
		}
		res.AddError(strings.Join(loc, "."), schema.ErrCodeValidation, strings.TrimSpace(leaf.Error()))
	}
}

func leaves(verr *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(verr.Causes) == 0 {
		return []*jsonschema.ValidationError{verr}
	}
	var out []*jsonschema.ValidationError
	for _, c := range verr.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}
