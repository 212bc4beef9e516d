package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/kernel/errorir"
)

const executeSchemaURL = "https://helm.schemas.local/dispatch/execute-request.schema.json"

// Description length is enforced after NFC normalisation by the request
// itself, so the schema only constrains shape.
const executeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["task_description", "priority"],
  "additionalProperties": false,
  "properties": {
    "task_description": {"type": "string"},
    "priority": {"enum": ["low", "medium", "high", "urgent"]},
    "context": {"type": "object"},
    "max_tokens": {"type": "integer", "minimum": 1},
    "temperature": {"type": "number", "minimum": 0, "maximum": 2}
  }
}`

var executeRequestSchema = mustCompile(executeSchemaURL, executeSchema)

func mustCompile(url, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("gateway: schema %s: %v", url, err))
	}
	return c.MustCompile(url)
}

// validateExecuteBody checks raw against the execute request schema.
func validateExecuteBody(raw []byte) error {
	doc, err := unmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return errorir.New(errorir.KindInvalidRequest, "request body is not valid JSON")
	}
	if err := executeRequestSchema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return errorir.New(errorir.KindInvalidRequest, schemaReason(ve))
		}
		return errorir.New(errorir.KindInvalidRequest, "request body does not match the execute schema")
	}
	return nil
}

// schemaReason reports the deepest failing location, which names the field.
func schemaReason(ve *jsonschema.ValidationError) string {
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := leaf.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("%s: %s", loc, leaf.Message)
}

// unmarshalJSON decodes r the way jsonschema/v5 expects instances: numbers
// as json.Number, and no trailing data after the document.
func unmarshalJSON(r io.Reader) (any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("invalid character after top-level value")
	}
	return doc, nil
}
