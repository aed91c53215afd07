package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	jsv "github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	schemaOnce     sync.Once
	schemaJSON     []byte
	schemaErr      error
	compiledSchema *jsv.Schema
)

// Schema returns the JSON Schema for Config, generated from the struct
// definition so the two never drift.
func Schema() ([]byte, error) {
	buildSchema()
	return schemaJSON, schemaErr
}

func buildSchema() {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag:               "yaml",
			RequiredFromJSONSchemaTags: true,
			AllowAdditionalProperties:  false,
			DoNotReference:             true,
		}
		s := r.Reflect(&Config{})
		schemaJSON, schemaErr = json.MarshalIndent(s, "", "  ")
		if schemaErr != nil {
			return
		}
		c := jsv.NewCompiler()
		if err := c.AddResource("config.schema.json", bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = c.Compile("config.schema.json")
	})
}

// ValidateRaw checks a raw config document against the generated schema
// before decoding, so errors carry the offending key path.
func ValidateRaw(raw map[string]any) error {
	buildSchema()
	if schemaErr != nil {
		return fmt.Errorf("build config schema: %w", schemaErr)
	}
	// The schema validator wants plain JSON types; round-trip to
	// normalize YAML's map[string]any values.
	buf, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(buf, &doc); err != nil {
		return err
	}
	if err := compiledSchema.Validate(doc); err != nil {
		var ve *jsv.ValidationError
		if ok := asValidationError(err, &ve); ok {
			return fmt.Errorf("invalid config: %s", formatValidationError(ve))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func asValidationError(err error, target **jsv.ValidationError) bool {
	ve, ok := err.(*jsv.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

// formatValidationError digs to the most specific cause so the user
// sees "at /mcp/servers/foo: ..." rather than the root wrapper.
func formatValidationError(ve *jsv.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("at %s: %s", loc, ve.Message)
}
