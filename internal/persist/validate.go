package persist

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/roach88/wolfpack/internal/entity"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "https://schemas.wolfpack.local/"

// Validator checks mutation requests against the payload schema of their
// (kind, op) pair. Requests without a schema are unsupported operations.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the embedded payload schemas.
func NewValidator() (*Validator, error) {
	files, err := fs.Glob(schemaFS, "schemas/*.json")
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}

	c := jsonschema.NewCompiler()
	for _, name := range files {
		data, err := schemaFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		if err := c.AddResource(schemaBase+path.Base(name), doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(files))}
	for _, name := range files {
		base := path.Base(name)
		sch, err := c.Compile(schemaBase + base)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", base, err)
		}
		v.schemas[strings.TrimSuffix(base, ".json")] = sch
	}
	return v, nil
}

// MustValidator is NewValidator for package-level initialization.
func MustValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// Supports reports whether op is defined for kind.
func (v *Validator) Supports(kind entity.Kind, op MutationOp) bool {
	_, ok := v.schemas[schemaKey(kind, op)]
	return ok
}

// Validate returns a CodeValidation *Error describing the first problem
// with req, or nil.
func (v *Validator) Validate(req Request) error {
	if req.MutationID == "" {
		return Errorf(CodeValidation, "missing mutation_id")
	}
	if req.EntityID == "" {
		return Errorf(CodeValidation, "missing entity_id")
	}
	sch, ok := v.schemas[schemaKey(req.Kind, req.Op)]
	if !ok {
		return Errorf(CodeValidation, "operation %q is not supported for %s", req.Op, req.Kind)
	}

	// Round-trip through JSON so the instance uses the validator's own
	// number representation.
	payload := req.Payload
	if payload == nil {
		payload = entity.Fields{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Wrap(CodeValidation, "encode payload", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Wrap(CodeValidation, "decode payload", err)
	}
	if err := sch.Validate(inst); err != nil {
		return Wrap(CodeValidation, fmt.Sprintf("invalid %s %s payload", req.Kind, req.Op), err)
	}
	return nil
}

func schemaKey(kind entity.Kind, op MutationOp) string {
	return string(kind) + "." + string(op)
}
