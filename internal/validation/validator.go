package validation

import (
	"encoding/json"

	"github.com/rendis/mediaflow/pkg/schema"
)

// Validator checks submitted events before they are recorded.
// Uses JSON Schema Draft 2020-12 for the envelope and per-name payload schemas.
type Validator interface {
	ValidateEvent(id, name string, data json.RawMessage) *schema.ValidationResult
}
