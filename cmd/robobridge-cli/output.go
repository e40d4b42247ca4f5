package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// outputMode prints either JSON or aligned text.
type outputMode struct {
	json bool
	w    io.Writer
}

func (o outputMode) writer() io.Writer {
	if o.w == nil {
		return os.Stdout
	}
	return o.w
}

func (o outputMode) printJSON(value any) {
	enc := json.NewEncoder(o.writer())
	enc.SetIndent("", "  ")
	if err := enc.Encode(value); err != nil {
		fatal("format json", err)
	}
}

// table prints a header and rows. Empty cells print as "-".
func (o outputMode) table(header []string, rows [][]string) {
	tw := tabwriter.NewWriter(o.writer(), 2, 4, 2, ' ', 0)
	if len(header) > 0 {
		fmt.Fprintln(tw, strings.Join(header, "\t"))
	}
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			if cell == "" {
				cell = "-"
			}
			cells[i] = cell
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	_ = tw.Flush()
}

// fields prints key/value pairs, skipping missing values.
func (o outputMode) fields(obj map[string]any, keys ...string) {
	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		v, ok := obj[key]
		if !ok || v == nil {
			continue
		}
		rows = append(rows, []string{key, fmt.Sprint(v)})
	}
	o.table(nil, rows)
}
