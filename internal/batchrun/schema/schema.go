// Package schema validates batch item payloads against the JSON schema of
// their batch type.
package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	batchdomain "github.com/nerves76/promptreviews-sub034/internal/batchrun/domain"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

type ValidationErrorItem struct {
	Index   int    `json:"index"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError lists every rejected field across the submitted items.
type ValidationError struct {
	Errors []ValidationErrorItem
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return batchdomain.ErrInvalidPayload.Error()
	}
	first := e.Errors[0]
	return fmt.Sprintf("%s: item %d %s: %s", batchdomain.ErrInvalidPayload.Error(), first.Index, first.Path, first.Message)
}

func (e *ValidationError) Unwrap() error {
	return batchdomain.ErrInvalidPayload
}

// Validator holds one compiled schema per batch type.
type Validator struct {
	schemas map[batchdomain.BatchType]*gojsonschema.Schema
}

func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[batchdomain.BatchType]*gojsonschema.Schema, len(batchdomain.BatchTypes))}
	for _, batchType := range batchdomain.BatchTypes {
		raw, err := schemaFS.ReadFile("schemas/" + string(batchType) + ".json")
		if err != nil {
			return nil, fmt.Errorf("read %s schema: %w", batchType, err)
		}
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", batchType, err)
		}
		v.schemas[batchType] = compiled
	}
	return v, nil
}

// Validate checks every item and reports all failures at once.
func (v *Validator) Validate(batchType batchdomain.BatchType, items []json.RawMessage) error {
	compiled, ok := v.schemas[batchType]
	if !ok {
		return batchdomain.ErrInvalidBatchType
	}

	var failures []ValidationErrorItem
	for idx, item := range items {
		doc := strings.TrimSpace(string(item))
		if doc == "" {
			doc = "null"
		}
		res, err := compiled.Validate(gojsonschema.NewStringLoader(doc))
		if err != nil {
			failures = append(failures, ValidationErrorItem{Index: idx, Path: "(root)", Message: "malformed json"})
			continue
		}
		for _, desc := range res.Errors() {
			failures = append(failures, ValidationErrorItem{
				Index:   idx,
				Path:    desc.Field(),
				Message: desc.Description(),
			})
		}
	}
	if len(failures) > 0 {
		return &ValidationError{Errors: failures}
	}
	return nil
}
