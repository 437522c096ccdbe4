// Package preprocessor turns case documents (YAML or JSON) into validated
// case definitions and loads them into decision tables.
package preprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Document holds the cases declared for one table.
type Document struct {
	Table string    `yaml:"table" json:"table"`
	Cases []CaseDef `yaml:"cases" json:"cases"`
}

// CaseDef is one declared case. When maps condition names to the value the
// case requires; conditions left out are don't-care. Then lists actions in
// execution order.
type CaseDef struct {
	Name        string          `yaml:"name" json:"name"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	When        map[string]bool `yaml:"when" json:"when"`
	Then        []string        `yaml:"then" json:"then"`
}

// ErrEmptyDocument indicates a document without content.
var ErrEmptyDocument = errors.New("case document is empty")

// Parse decodes a document, picking JSON when the payload starts with '{'
// and YAML otherwise, then validates it.
func Parse(data []byte) (*Document, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, ErrEmptyDocument
	}
	if trimmed[0] == '{' {
		return ParseJSON(trimmed)
	}
	return ParseYAML(trimmed)
}

// ParseYAML decodes and validates a YAML case document.
func ParseYAML(data []byte) (*Document, error) {
	log.Debug().Int("bytes", len(data)).Msg("Parsing YAML case document")
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyDocument
		}
		return nil, fmt.Errorf("failed to unmarshal case document YAML: %w", err)
	}
	if err := ValidateDocument(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ParseJSON decodes and validates a JSON case document.
func ParseJSON(data []byte) (*Document, error) {
	log.Debug().Int("bytes", len(data)).Msg("Parsing JSON case document")
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal case document JSON: %w", err)
	}
	if err := ValidateDocument(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ValidateDocument checks a document's structure without consulting any
// table: names present and unique, every case caring about at least one
// condition and running at least one action, no two identical specifications.
func ValidateDocument(doc *Document) error {
	if doc == nil {
		return ErrEmptyDocument
	}
	if strings.TrimSpace(doc.Table) == "" {
		return errors.New("case document must name its table")
	}
	if len(doc.Cases) == 0 {
		return fmt.Errorf("case document for table '%s' declares no cases", doc.Table)
	}

	names := make(map[string]int, len(doc.Cases))
	keys := make(map[string]string, len(doc.Cases))
	for i := range doc.Cases {
		def := &doc.Cases[i]
		def.Name = strings.TrimSpace(def.Name)
		if err := validateCase(def, i); err != nil {
			return err
		}
		if prev, ok := names[def.Name]; ok {
			return &CaseError{Table: doc.Table, Case: def.Name, Index: i, Err: fmt.Errorf("name already used by case %d", prev)}
		}
		names[def.Name] = i

		key := specKey(def.When)
		if other, ok := keys[key]; ok {
			return &CaseError{Table: doc.Table, Case: def.Name, Index: i, Err: fmt.Errorf("same specification as case '%s'", other)}
		}
		keys[key] = def.Name
	}
	return nil
}

func validateCase(def *CaseDef, index int) error {
	if def.Name == "" {
		return fmt.Errorf("missing 'name' in case %d", index)
	}
	if len(def.When) == 0 {
		return fmt.Errorf("case '%s' must require at least one condition", def.Name)
	}
	for cond := range def.When {
		if strings.TrimSpace(cond) == "" {
			return fmt.Errorf("blank condition name in case '%s'", def.Name)
		}
	}
	if len(def.Then) == 0 {
		return fmt.Errorf("case '%s' must run at least one action", def.Name)
	}
	for i, action := range def.Then {
		if strings.TrimSpace(action) == "" {
			return fmt.Errorf("blank action %d in case '%s'", i, def.Name)
		}
	}
	return nil
}
