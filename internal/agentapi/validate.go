package agentapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrMalformed is returned when a backend body does not match its schema.
var ErrMalformed = errors.New("malformed backend response")

var (
	newSessionSchema = mustSchema(map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"session_id"},
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{"type": "string", "minLength": 1},
		},
	})

	replySchema = mustSchema(map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"text"},
		"properties": map[string]interface{}{
			"text": map[string]interface{}{"type": "string"},
			"end":  map[string]interface{}{"type": "boolean"},
		},
	})
)

func mustSchema(def map[string]interface{}) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def))
	if err != nil {
		panic(fmt.Sprintf("agentapi: invalid schema: %v", err))
	}
	return schema
}

// DecodeNewSession validates and decodes a /new-session body.
func DecodeNewSession(body []byte) (NewSessionResponse, error) {
	var resp NewSessionResponse
	if err := decode(newSessionSchema, body, &resp); err != nil {
		return NewSessionResponse{}, err
	}
	return resp, nil
}

// DecodeReply validates and decodes an /agent body.
func DecodeReply(body []byte) (Reply, error) {
	var reply Reply
	if err := decode(replySchema, body, &reply); err != nil {
		return Reply{}, err
	}
	return reply, nil
}

func decode(schema *gojsonschema.Schema, body []byte, out interface{}) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return fmt.Errorf("%w: %s", ErrMalformed, strings.Join(details, "; "))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
