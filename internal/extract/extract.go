// Package extract submits document text to the external entity extractor
// and validates the response against a fixed schema. The extractor itself is
// a black box; this adapter owns the wall-clock timeout, failure
// classification, and the response cache keyed by content hash.
package extract

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/crewbrain/crewbrain/internal/failure"
)

// RawEntity is one entity as the extractor reported it, before any
// normalization.
type RawEntity struct {
	Name        string            `json:"name"`
	TypeHint    string            `json:"type_hint"`
	Description string            `json:"description,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Provenance  Provenance        `json:"provenance,omitempty"`
}

// RawRelationship is one relationship as the extractor reported it.
type RawRelationship struct {
	Source      string     `json:"source"`
	Target      string     `json:"target"`
	TypeHint    string     `json:"type_hint"`
	Description string     `json:"description,omitempty"`
	Provenance  Provenance `json:"provenance,omitempty"`
}

// Provenance locates an extraction within its source document.
type Provenance struct {
	DocID  string `json:"doc_id,omitempty"`
	Page   int    `json:"page,omitempty"`
	Region string `json:"region,omitempty"`
}

// Result is a validated extractor response.
type Result struct {
	Entities      []RawEntity       `json:"entities"`
	Relationships []RawRelationship `json:"relationships"`
}

// Request carries the document text and identity to the extractor.
type Request struct {
	DocID       string
	ContentHash string
	Text        string
}

// Extractor is the external extraction boundary.
type Extractor interface {
	Extract(ctx context.Context, req Request) (*Result, error)
}

// responseSchema is the fixed contract for extractor responses. Any
// deviation is a permanent extraction_schema failure.
const responseSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["entities", "relationships"],
  "properties": {
    "entities": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "type_hint"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "type_hint": {"type": "string"},
          "description": {"type": "string"},
          "attributes": {"type": "object", "additionalProperties": {"type": "string"}},
          "provenance": {
            "type": "object",
            "properties": {
              "doc_id": {"type": "string"},
              "page": {"type": "integer"},
              "region": {"type": "string"}
            }
          }
        }
      }
    },
    "relationships": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source", "target", "type_hint"],
        "properties": {
          "source": {"type": "string", "minLength": 1},
          "target": {"type": "string", "minLength": 1},
          "type_hint": {"type": "string"},
          "description": {"type": "string"},
          "provenance": {
            "type": "object",
            "properties": {
              "doc_id": {"type": "string"},
              "page": {"type": "integer"},
              "region": {"type": "string"}
            }
          }
        }
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("extractor_response.json", responseSchema)

// DecodeResponse validates raw extractor output against the response schema
// and decodes it. Schema violations classify as KindExtractionSchema and are
// never retried.
func DecodeResponse(raw []byte) (*Result, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, failure.New(failure.KindExtractionSchema, "extract", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, failure.New(failure.KindExtractionSchema, "extract", err)
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, failure.New(failure.KindExtractionSchema, "extract", err)
	}
	// Schema guarantees shape; reject degenerate whitespace names that
	// would collapse to empty after normalization.
	for _, e := range res.Entities {
		if strings.TrimSpace(e.Name) == "" {
			return nil, failure.Newf(failure.KindExtractionSchema, "extract", "entity with blank name")
		}
	}
	return &res, nil
}
