package offline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const recordSchemaURL = "https://offlinecrud.local/schemas/record.json"

const recordSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["nombre", "saldo"],
  "properties": {
    "id": {"type": ["string", "integer", "null"]},
    "nombre": {"type": "string", "pattern": "\\S"},
    "saldo": {
      "anyOf": [
        {"type": "number"},
        {"type": "string", "pattern": "^\\s*-?[0-9]+(\\.[0-9]+)?\\s*$"}
      ]
    }
  }
}`

var compileRecordSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(recordSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(recordSchemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(recordSchemaURL)
})

// ValidateRecordJSON checks a raw create/update body before it is decoded.
func ValidateRecordJSON(data []byte) error {
	schema, err := compileRecordSchema()
	if err != nil {
		return fmt.Errorf("compile record schema: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func ValidateRecord(r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return ValidateRecordJSON(data)
}
