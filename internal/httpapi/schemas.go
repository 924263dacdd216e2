package httpapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request bodies are validated against JSON Schemas before decoding so a
// malformed request fails with a field-level message instead of a zero value
// silently flowing into a sync.

const channelSyncSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "startDate": {"type": "string", "format": "date-time"},
    "endDate": {"type": "string", "format": "date-time"},
    "includeReplies": {"type": "boolean"},
    "syncThreads": {"type": "boolean"},
    "threadDays": {"type": "integer", "minimum": 0, "maximum": 3650},
    "batchSize": {"type": "integer", "minimum": 1, "maximum": 1000}
  }
}`

const backfillSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "force": {"type": "boolean"},
    "threadDays": {"type": "integer", "minimum": 0, "maximum": 3650}
  }
}`

type requestSchemas struct {
	channelSync *jsonschema.Schema
	backfill    *jsonschema.Schema
}

func mustCompileSchemas() *requestSchemas {
	return &requestSchemas{
		channelSync: mustCompile("channel-sync.json", channelSyncSchema),
		backfill:    mustCompile("backfill-replies.json", backfillSchema),
	}
}

func mustCompile(name, text string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	return schema
}

func (rs *requestSchemas) validate(schema *jsonschema.Schema, body []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body")
	}
	if err := schema.Validate(instance); err != nil {
		return err
	}
	return nil
}
