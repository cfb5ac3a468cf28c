package config

import (
	"encoding/json"
	"fmt"
	"os"

	invopopSchema "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"arcbot/internal/domain"
)

// schemaMarshal encodes the reflected schema; tests may replace it.
var schemaMarshal = func(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

// Schema returns the JSON Schema of arcbot.json. Unknown keys are rejected.
// No key is required because Load fills missing sections from Default.
func Schema() (string, error) {
	reflector := invopopSchema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	data, err := schemaMarshal(reflector.Reflect(&domain.Config{}))
	if err != nil {
		return "", fmt.Errorf("config: encode schema: %w", err)
	}
	return string(data), nil
}

// ValidateFile checks the raw file at path against Schema. It catches
// misspelled keys and wrong value types that Load would silently ignore.
func ValidateFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	return ValidateJSON(raw)
}

// ValidateJSON checks raw against Schema.
func ValidateJSON(raw []byte) error {
	text, err := Schema()
	if err != nil {
		return err
	}
	schema, err := jsonschema.CompileString("arcbot.schema.json", text)
	if err != nil {
		return fmt.Errorf("config: compile schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("config: parse: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config: schema: %w", err)
	}
	return nil
}
