package preprocessor

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"rgehrsitz/invested/internal/dtable"
)

// CaseError reports a case that could not be accepted.
type CaseError struct {
	Table string
	Case  string
	Index int
	Err   error
}

func (e *CaseError) Error() string {
	return fmt.Sprintf("table '%s': case %d ('%s'): %v", e.Table, e.Index, e.Case, e.Err)
}

func (e *CaseError) Unwrap() error {
	return e.Err
}

// Load adds every case of the document to the table in document order. The
// table must already carry the conditions and actions the cases refer to.
// Loading stops at the first rejected case; cases before it stay loaded.
func Load[E any](t *dtable.Table[E], doc *Document) error {
	if err := ValidateDocument(doc); err != nil {
		return err
	}
	if doc.Table != t.Name() {
		log.Warn().Str("document", doc.Table).Str("table", t.Name()).Msg("Case document names a different table")
	}
	for i, def := range doc.Cases {
		if err := t.AddCase(def.Name, dtable.Spec(def.When), def.Then); err != nil {
			return &CaseError{Table: t.Name(), Case: def.Name, Index: i, Err: err}
		}
	}
	log.Debug().Str("table", t.Name()).Int("cases", len(doc.Cases)).Msg("Loaded cases")
	return nil
}

// LoadBytes parses data with Parse and loads the result into the table.
func LoadBytes[E any](t *dtable.Table[E], data []byte) (*Document, error) {
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := Load(t, doc); err != nil {
		return nil, err
	}
	return doc, nil
}
