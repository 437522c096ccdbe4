// Command dtable checks case documents and draws them as decision tables.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rgehrsitz/invested/internal/dtable"
	"rgehrsitz/invested/internal/orders"
	"rgehrsitz/invested/internal/preprocessor"
	"rgehrsitz/invested/internal/transfers"
)

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Error().Err(err).Msg("dtable failed")
		os.Exit(1)
	}
}

// report is the JSON form of one checked document.
type report struct {
	Source     string                 `json:"source"`
	Table      string                 `json:"table"`
	Cases      int                    `json:"cases"`
	Conditions []string               `json:"conditions"`
	Actions    []string               `json:"actions"`
	Overlaps   []preprocessor.Overlap `json:"overlaps,omitempty"`
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("dtable", flag.ContinueOnError)
	builtin := fs.Bool("builtin", false, "check the embedded stock order and cash transfer documents")
	strict := fs.Bool("strict", false, "fail when two cases can match the same entity")
	asJSON := fs.Bool("json", false, "print a JSON report instead of the grid")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sources := map[string][]byte{}
	var order []string
	if *builtin {
		sources["builtin:"+orders.TableName] = orders.CaseDocument()
		sources["builtin:"+transfers.TableName] = transfers.CaseDocument()
		order = append(order, "builtin:"+orders.TableName, "builtin:"+transfers.TableName)
	}
	for _, path := range fs.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		sources[path] = data
		order = append(order, path)
	}
	if len(order) == 0 {
		return errors.New("usage: dtable [-builtin] [-strict] [-json] <cases.yaml|cases.json>...")
	}

	var reports []report
	failed := false
	for _, src := range order {
		rep, grid, err := check(src, sources[src])
		if err != nil {
			return fmt.Errorf("%s: %w", src, err)
		}
		if len(rep.Overlaps) > 0 {
			ev := log.Warn()
			if *strict {
				ev = log.Error()
				failed = true
			}
			ev.Str("source", src).Int("overlaps", len(rep.Overlaps)).Msg("Cases overlap")
			for _, o := range rep.Overlaps {
				log.Debug().Str("source", src).Msg(o.String())
			}
		}
		if *asJSON {
			reports = append(reports, rep)
			continue
		}
		fmt.Fprintf(out, "%s (%s, %d cases)\n%s\n\n", rep.Table, src, rep.Cases, grid)
	}
	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			return err
		}
	}
	if failed {
		return errors.New("overlapping cases found")
	}
	return nil
}

// check parses a document and loads it into a table whose conditions and
// actions are stand-ins carrying the document's names, so any document can be
// drawn without its rule set.
func check(src string, data []byte) (report, string, error) {
	doc, err := preprocessor.Parse(data)
	if err != nil {
		return report{}, "", err
	}
	t := dtable.New[struct{}](doc.Table)
	for _, c := range doc.Conditions() {
		if err := t.RegisterCondition(c, func(struct{}) bool { return false }); err != nil {
			return report{}, "", err
		}
	}
	for _, a := range doc.Actions() {
		if err := t.RegisterAction(a, func(context.Context, struct{}) error { return nil }); err != nil {
			return report{}, "", err
		}
	}
	if err := preprocessor.Load(t, doc); err != nil {
		return report{}, "", err
	}
	return report{
		Source:     src,
		Table:      doc.Table,
		Cases:      len(doc.Cases),
		Conditions: doc.Conditions(),
		Actions:    doc.Actions(),
		Overlaps:   preprocessor.Overlaps(doc),
	}, t.Render(), nil
}
