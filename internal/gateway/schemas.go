package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/basket/tasktracker/internal/persistence"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const maxBodyBytes = 64 * 1024

const loginSchemaJSON = `{
  "type": "object",
  "required": ["username", "password"],
  "properties": {
    "username": {"type": "string", "minLength": 1, "maxLength": 128},
    "password": {"type": "string", "minLength": 1, "maxLength": 256}
  },
  "additionalProperties": false
}`

const descriptionSchemaJSON = `{
  "type": "object",
  "required": ["description"],
  "properties": {
    "description": {"type": "string", "minLength": 1, "maxLength": 4096}
  },
  "additionalProperties": false
}`

// time_spent comes from a number input or a free-text field, so both forms
// are accepted and the text is parsed the way the bot parses it.
const closeSchemaJSON = `{
  "type": "object",
  "required": ["time_spent"],
  "properties": {
    "time_spent": {
      "oneOf": [
        {"type": "number", "minimum": 0},
        {"type": "string", "minLength": 1, "maxLength": 32}
      ]
    }
  },
  "additionalProperties": false
}`

const reportSchemaJSON = `{
  "type": "object",
  "properties": {
    "time": {"type": "string", "pattern": "^[0-9]{1,2}:[0-9]{2}$"}
  },
  "additionalProperties": false
}`

var (
	loginSchema       = mustCompile("login.json", loginSchemaJSON)
	descriptionSchema = mustCompile("description.json", descriptionSchemaJSON)
	closeSchema       = mustCompile("close.json", closeSchemaJSON)
	reportSchema      = mustCompile("report.json", reportSchemaJSON)
)

func mustCompile(name, schemaJSON string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("gateway: parse schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("gateway: add schema %s: %v", name, err))
	}
	schema, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("gateway: compile schema %s: %v", name, err))
	}
	return schema
}

// decodeBody validates the request body against schema and then decodes it
// into dst. An empty body is treated as {} when allowEmpty is set.
// Failures come back as *persistence.ValidationError so they map to 400.
func decodeBody(body io.Reader, schema *jsonschema.Schema, dst any, allowEmpty bool) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return &persistence.ValidationError{Field: "body", Reason: fmt.Sprintf("read body: %v", err)}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		if !allowEmpty {
			return &persistence.ValidationError{Field: "body", Reason: "empty request body"}
		}
		raw = []byte("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &persistence.ValidationError{Field: "body", Reason: "malformed JSON"}
	}
	if err := schema.Validate(inst); err != nil {
		return &persistence.ValidationError{Field: "body", Reason: schemaReason(err)}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &persistence.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

// schemaReason keeps only the first line; the full validation tree is noisy.
func schemaReason(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i > 0 {
		rest := strings.TrimSpace(msg[i+1:])
		if rest != "" {
			return strings.TrimPrefix(rest, "- ")
		}
		return msg[:i]
	}
	return msg
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type descriptionRequest struct {
	Description string `json:"description"`
}

type closeRequest struct {
	TimeSpent json.RawMessage `json:"time_spent"`
}

// hoursText returns time_spent as the text the lifecycle parser expects.
func (c closeRequest) hoursText() string {
	var s string
	if err := json.Unmarshal(c.TimeSpent, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(c.TimeSpent))
}

type reportRequest struct {
	Time string `json:"time"`
}
