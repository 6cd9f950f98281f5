package main

import (
	"fmt"
	"strings"

	"github.com/drblury/tenantbus/internal/runtime/jsoncodec"
)

// field is one labelled value of a table row.
type field struct {
	Label string
	Value any
}

// render writes v as indented JSON, or rows as an aligned table.
func (a *app) render(v any, rows []field) error {
	switch strings.ToLower(a.v.GetString("output")) {
	case "json":
		body, err := jsoncodec.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(a.out, string(body))
		return err
	case "", "table":
		for _, r := range rows {
			if _, err := fmt.Fprintf(a.out, "%-20s %v\n", r.Label+":", r.Value); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want table or json)", a.v.GetString("output"))
	}
}
